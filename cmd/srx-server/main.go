// Command srx-server runs the SRx validation cache and decision
// service: it accepts proxy-client TCP connections on server.port,
// validates BGP route announcements against ROA, BGPsec, and ASPA
// policy, and serves Prometheus metrics plus a liveness probe on
// server.metrics_port.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nist-srx/srx-server/internal/config"
	"github.com/nist-srx/srx-server/internal/connhandler"
	"github.com/nist-srx/srx-server/internal/metrics"
	"github.com/nist-srx/srx-server/internal/proxymap"
	"github.com/nist-srx/srx-server/internal/signer"
	"github.com/nist-srx/srx-server/internal/validators"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := config.Get()

	reg := prometheus.NewRegistry()

	priv, err := cfg.LoadSigningKey()
	if err != nil {
		log.Error("srx-server: failed to load signing key", "err", err)
		os.Exit(1)
	}
	var sg *signer.Signer
	if priv != nil {
		sg = signer.New(priv)
	} else {
		log.Warn("srx-server: no signing key configured, SIGTRA generation disabled")
	}

	keys := connhandler.NewMockPeerKeyStore()
	if priv != nil {
		ski, err := cfg.SKIBytes()
		if err != nil {
			log.Error("srx-server: invalid signing.ski", "err", err)
			os.Exit(1)
		}
		keys.Register(ski, &priv.PublicKey)
	}

	vs := validators.Set{
		Origin: validators.NewMockOrigin(),
		Path:   &validators.MockPath{},
		ASPA:   validators.NewMockASPA(),
	}

	recvCap, sendCap := cfg.Server.ReceiveQueueCapacity, cfg.Server.SendQueueCapacity
	if cfg.Server.DisableReceiveQueue {
		recvCap = 0
	}
	if cfg.Server.DisableSendQueue {
		sendCap = 0
	}
	h := connhandler.New(reg, log, sg, keys, vs, recvCap, recvCap, sendCap)

	for _, m := range cfg.Mappings {
		if err := h.ProxyMap.AddMapping(m.ProxyID, proxymap.Slot(m.Slot), nil, false); err != nil {
			log.Error("srx-server: failed to seed pre-defined mapping", "slot", m.Slot, "proxy_id", m.ProxyID, "err", err)
			os.Exit(1)
		}
	}

	h.Start()
	defer h.Stop()

	metricsSrv := metrics.NewServer(fmt.Sprintf(":%d", cfg.Server.MetricsPort), reg)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil {
			log.Error("srx-server: metrics server failed", "err", err)
		}
	}()
	defer metricsSrv.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	serveErr := make(chan error, 1)
	go func() {
		log.Info("srx-server: listening", "addr", addr, "metrics_addr", fmt.Sprintf(":%d", cfg.Server.MetricsPort), "expected_proxies", cfg.Server.ExpectedProxies, "pre_defined_mappings", len(cfg.Mappings))
		serveErr <- h.Serve(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("srx-server: listener failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("srx-server: received shutdown signal", "signal", sig.String())
		if err := h.Close(); err != nil {
			log.Warn("srx-server: error closing listener", "err", err)
		}
		<-serveErr
	}

	log.Info("srx-server: stopped")
}
