// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
)

// Topology is a provisioned set of endpoints along with the [Poller]
// registered with them, in the same order.
//
// Construct using [ProvisionSim] or [ProvisionRDS].
type Topology struct {
	// Endpoints contains the endpoints.
	Endpoints []Endpoint

	// Poller is registered with Endpoints.
	Poller Poller

	// RoundHook is the optional [EngineConfig] RoundHook required by the
	// provisioned backend, nil when there is none.
	RoundHook func(round int) error

	// closers run in reverse order on Close.
	closers []func() error
}

func (t *Topology) onClose(fn func() error) {
	t.closers = append(t.closers, fn)
}

// Close releases everything the topology provisioned.
func (t *Topology) Close() error {
	var errs []error
	for idx := len(t.closers) - 1; idx >= 0; idx-- {
		errs = append(errs, t.closers[idx]())
	}
	t.closers = nil
	return errors.Join(errs...)
}

// ProvisionSim creates a simulated [*Network] with one [*Host] per distinct
// endpoint IP address, opens the endpoints, and starts routing frames in
// the background through the configured [Impairment] and optional capture.
//
// The routing goroutine runs until the returned topology is closed.
func ProvisionSim(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *Topology, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	addrs, err := cfg.EndpointAddrs()
	if err != nil {
		return nil, err
	}

	topo := &Topology{}
	defer func() {
		if err != nil {
			topo.Close()
		}
	}()

	// 1. create the network and the hosts
	network := NewNetwork(NetworkOptionMaxInflight(cfg.MaxInflight))
	hosts := make(map[netip.Addr]*Host)
	simEndpoints := make([]*SimEndpoint, 0, len(addrs))
	for _, addr := range addrs {
		host := hosts[addr.Addr()]
		if host == nil {
			host, err = network.NewHost(addr.Addr())
			if err != nil {
				return nil, fmt.Errorf("host %s: %w", addr.Addr(), err)
			}
			hosts[addr.Addr()] = host
			topo.onClose(func() error {
				host.Close()
				return nil
			})
		}

		// 2. open the endpoint on its host
		ep, err := host.OpenUDP(addr)
		if err != nil {
			return nil, err
		}
		topo.onClose(ep.Close)
		simEndpoints = append(simEndpoints, ep)
		topo.Endpoints = append(topo.Endpoints, ep)
	}
	topo.Poller = NewSimPoller(simEndpoints...)

	// 3. create the optional packet capture
	var trace *PcapTrace
	if cfg.Capture.File != "" {
		filep, err := os.Create(cfg.Capture.File)
		if err != nil {
			return nil, err
		}
		trace = NewPcapTrace(filep, uint16(cfg.Capture.Snaplen))
		topo.onClose(func() error {
			err := trace.Close()
			logger.Info("capture closed", "file", cfg.Capture.File,
				"saved", trace.Saved(), "dropped", trace.Dropped())
			return err
		})
	}

	// 4. create the optional impairer
	var impairer *Impairer
	if !cfg.Impairment.IsZero() {
		impairer = NewImpairer(cfg.Impairment)
	}

	// 5. route in the background until closed
	runctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		network.Run(runctx, impairer, trace)
	}()
	topo.onClose(func() error {
		cancel()
		<-done
		ns := network.Stats()
		logger.Info("network stats", "queued", ns.Queued, "overflow", ns.Overflow,
			"delivered", ns.Delivered, "undeliverable", ns.Undeliverable)
		if impairer != nil {
			is := impairer.Stats()
			logger.Info("impairment stats", "seen", is.Seen, "lost", is.Lost,
				"duplicated", is.Duplicated, "corrupted", is.Corrupted, "reordered", is.Reordered)
		}
		return nil
	})

	logger.Info("simulated topology ready", "endpoints", len(topo.Endpoints), "hosts", len(hosts))
	return topo, nil
}
