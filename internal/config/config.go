// Package config loads the server's YAML configuration file, applies
// environment-variable overrides and defaults, and exposes it as a
// process-wide singleton, in the same load-then-override shape the rest
// of the stack uses for its own configuration.
package config

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Mappings []MappingConfig `yaml:"mappings"`
	Signing  SigningConfig   `yaml:"signing"`
}

// ServerConfig holds the listener, metrics, and queue tuning knobs.
type ServerConfig struct {
	Port                 int  `yaml:"port"`
	MetricsPort          int  `yaml:"metrics_port"`
	ExpectedProxies      int  `yaml:"expected_proxies"`
	DefaultKeepWindowSec int  `yaml:"default_keep_window_sec"`
	ReceiveQueueCapacity int  `yaml:"receive_queue_capacity"`
	SendQueueCapacity    int  `yaml:"send_queue_capacity"`
	DisableReceiveQueue  bool `yaml:"disable_receive_queue"`
	DisableSendQueue     bool `yaml:"disable_send_queue"`
}

// MappingConfig pre-seeds one proxy-map slot at startup, before any
// client ever sends HELLO.
type MappingConfig struct {
	Slot    uint8  `yaml:"slot"`
	ProxyID uint32 `yaml:"proxy_id"`
}

// SigningConfig names the ECDSA P-256 key material used for SIGTRA
// signature generation, and the subject key identifier peers use to
// address it.
type SigningConfig struct {
	PrivateKeyPath string `yaml:"private_key_path"`
	SKI            string `yaml:"ski"`
}

// MaxKeepWindow is the largest keepWindow value, in seconds, this
// server accepts either from config or from a client's GOODBYE/DELETE
// PDU. Values above it are a config-load-time fatal error; the
// GOODBYE/DELETE keepWindow field is 16 bits wide, so a client cannot
// send a larger one.
const MaxKeepWindow = 65535

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide configuration singleton, loading it
// from CONFIG_PATH (default "config.yaml") on first call.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file found")
		}
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		if err := cfg.Validate(); err != nil {
			slog.Error("config: invalid configuration", "error", err)
			os.Exit(1)
		}
		instance = cfg
	})
	return instance
}

// LoadConfig reads and parses the YAML document at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := getEnvInt("SRX_PORT", 0); v > 0 {
		c.Server.Port = v
	}
	if v := getEnvInt("SRX_METRICS_PORT", 0); v > 0 {
		c.Server.MetricsPort = v
	}
	if v := getEnvInt("SRX_EXPECTED_PROXIES", 0); v > 0 {
		c.Server.ExpectedProxies = v
	}
	if v := getEnvInt("SRX_DEFAULT_KEEP_WINDOW_SEC", -1); v >= 0 {
		c.Server.DefaultKeepWindowSec = v
	}
	if v := getEnvInt("SRX_RECEIVE_QUEUE_CAPACITY", -1); v >= 0 {
		c.Server.ReceiveQueueCapacity = v
	}
	if v := getEnvInt("SRX_SEND_QUEUE_CAPACITY", -1); v >= 0 {
		c.Server.SendQueueCapacity = v
	}
	c.Signing.PrivateKeyPath = getEnv("SRX_SIGNING_KEY_PATH", c.Signing.PrivateKeyPath)
	c.Signing.SKI = getEnv("SRX_SIGNING_SKI", c.Signing.SKI)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 17900
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.ExpectedProxies == 0 {
		c.Server.ExpectedProxies = 16
	}
	if c.Server.DefaultKeepWindowSec == 0 {
		c.Server.DefaultKeepWindowSec = 60
	}
	if c.Server.ReceiveQueueCapacity == 0 {
		c.Server.ReceiveQueueCapacity = 1024
	}
	if c.Server.SendQueueCapacity == 0 {
		c.Server.SendQueueCapacity = 1024
	}
}

// Validate enforces the bounds the wire protocol places on keep-window
// values: a default above MaxKeepWindow can never be expressed on the
// wire (KeepWindow is a 16-bit field), so it's rejected here instead of
// silently truncated later.
func (c *Config) Validate() error {
	if c.Server.DefaultKeepWindowSec < 0 || c.Server.DefaultKeepWindowSec > MaxKeepWindow {
		return fmt.Errorf("config: server.default_keep_window_sec %d out of range [0, %d]", c.Server.DefaultKeepWindowSec, MaxKeepWindow)
	}
	for _, m := range c.Mappings {
		if m.Slot == 0 {
			return fmt.Errorf("config: mappings entry has slot 0, which is reserved")
		}
	}
	return nil
}

// LoadSigningKey reads and PEM-decodes the ECDSA P-256 private key
// named by Signing.PrivateKeyPath. An empty path is not an error: it
// means the server runs without SIGTRA signature generation.
func (c *Config) LoadSigningKey() (*ecdsa.PrivateKey, error) {
	if c.Signing.PrivateKeyPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.Signing.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("config: %s is not PEM-encoded", c.Signing.PrivateKeyPath)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: parsing EC private key: %w", err)
	}
	return key, nil
}

// SKIBytes decodes the hex-encoded (optionally "0x"-prefixed) subject
// key identifier into its fixed-length wire form.
func (c *Config) SKIBytes() ([20]byte, error) {
	var out [20]byte
	s := c.Signing.SKI
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("config: signing.ski is not valid hex: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("config: signing.ski must decode to %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
