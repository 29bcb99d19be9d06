package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vanadium-vm/vanadium/hostio"
	"github.com/vanadium-vm/vanadium/node"
)

// metricsService adapts serveMetrics's start/stop closures to
// node.Service, so the metrics exporter starts and stops alongside the
// rest of the emulator's background services under one
// node.LifecycleManager rather than its own bespoke defer chain.
type metricsService struct {
	addr string
	stop func()
}

func newMetricsService(addr string) *metricsService {
	return &metricsService{addr: addr}
}

func (s *metricsService) Name() string { return "metrics-exporter" }

func (s *metricsService) Start() error {
	s.stop = serveMetrics(context.Background(), s.addr)
	return nil
}

func (s *metricsService) Stop() error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}

// hostService owns the TCP dial to the host oracle process, so that
// connecting happens under LifecycleManager.StartAll alongside every
// other background service instead of inline in runEmulator. oracle()
// is only valid after a successful Start.
type hostService struct {
	addr   string
	client *hostio.TCPClient
}

func newHostService(addr string) *hostService {
	return &hostService{addr: addr}
}

func (s *hostService) Name() string { return "host-oracle-conn" }

func (s *hostService) Start() error {
	client, err := hostio.DialTCP(s.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.addr, err)
	}
	s.client = client
	return nil
}

func (s *hostService) Stop() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *hostService) oracle() hostio.Oracle { return s.client }

// buildServices assembles the lifecycle-managed background services for
// one emulator run: the host connection (only in non-mock mode, since
// -mock never dials out) starts first so the oracle is ready before
// anything touches it, and the metrics exporter starts last since it
// only observes state the rest of the run produces.
func buildServices(cfg Config) (*node.LifecycleManager, *hostService, error) {
	lm := node.NewLifecycleManager(node.LifecycleConfig{
		ShutdownTimeout: 5 * time.Second,
		GracePeriod:     time.Second,
		MaxServices:     4,
	})

	var hs *hostService
	if !cfg.Mock {
		hs = newHostService(cfg.HostAddr)
		if err := lm.Register(hs, 0); err != nil {
			return nil, nil, fmt.Errorf("vanadium-se: register host service: %w", err)
		}
	}

	ms := newMetricsService(cfg.MetricsAddr)
	if err := lm.Register(ms, 10); err != nil {
		return nil, nil, fmt.Errorf("vanadium-se: register metrics service: %w", err)
	}

	return lm, hs, nil
}
