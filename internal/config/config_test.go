package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigParsesServerAndMappings(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 17900
  metrics_port: 9090
  expected_proxies: 16
  default_keep_window_sec: 60
mappings:
  - slot: 1
    proxy_id: 168496141
signing:
  private_key_path: /etc/srx/keys/ecdsa-p256.pem
  ski: "0x00112233445566778899aabbccddeeff00112233"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 17900, cfg.Server.Port)
	require.Equal(t, 9090, cfg.Server.MetricsPort)
	require.Len(t, cfg.Mappings, 1)
	require.Equal(t, uint8(1), cfg.Mappings[0].Slot)
	require.Equal(t, uint32(168496141), cfg.Mappings[0].ProxyID)
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	require.Equal(t, 17900, cfg.Server.Port)
	require.Equal(t, 9090, cfg.Server.MetricsPort)
	require.Equal(t, 16, cfg.Server.ExpectedProxies)
	require.Equal(t, 60, cfg.Server.DefaultKeepWindowSec)
	require.Equal(t, 1024, cfg.Server.ReceiveQueueCapacity)
	require.Equal(t, 1024, cfg.Server.SendQueueCapacity)
}

func TestValidateRejectsKeepWindowAboveWireLimit(t *testing.T) {
	cfg := &Config{Server: ServerConfig{DefaultKeepWindowSec: MaxKeepWindow + 1}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsReservedSlotZero(t *testing.T) {
	cfg := &Config{Mappings: []MappingConfig{{Slot: 0, ProxyID: 1}}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestSKIBytesDecodesHexWithPrefix(t *testing.T) {
	cfg := &Config{Signing: SigningConfig{SKI: "0x00112233445566778899aabbccddeeff00112233"}}
	ski, err := cfg.SKIBytes()
	require.NoError(t, err)
	require.Equal(t, byte(0x00), ski[0])
	require.Equal(t, byte(0x11), ski[1])
	require.Equal(t, byte(0x33), ski[19])
}

func TestSKIBytesRejectsWrongLength(t *testing.T) {
	cfg := &Config{Signing: SigningConfig{SKI: "0x1122"}}
	_, err := cfg.SKIBytes()
	require.Error(t, err)
}

func TestLoadSigningKeyWithEmptyPathReturnsNil(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.LoadSigningKey()
	require.NoError(t, err)
	require.Nil(t, key)
}
