// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/allisonhenderson/flowaudit"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runSim provisions the simulated topology described by cfg and runs the engine.
func runSim(t *testing.T, cfg *flowaudit.Config) *flowaudit.Report {
	require.NoError(t, cfg.Validate())
	topo, err := flowaudit.ProvisionSim(context.Background(), cfg, quietLogger)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, topo.Close())
	}()

	engineCfg, err := cfg.EngineConfig()
	require.NoError(t, err)
	engineCfg.Logger = quietLogger
	engine, err := flowaudit.NewEngine(engineCfg, topo.Poller, topo.Endpoints...)
	require.NoError(t, err)
	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	return report
}

func TestProvisionSimWithCapture(t *testing.T) {
	cfg := flowaudit.DefaultConfig()
	cfg.Count = 100
	cfg.Timeout = 30 * time.Second
	cfg.Capture.File = filepath.Join(t.TempDir(), "run.pcap")

	report := runSim(t, cfg)
	require.True(t, report.Verdict.OK)
	assert.Equal(t, 100, report.Received)
	require.NotNil(t, report.Probe)
	assert.Len(t, report.Probe.Results, 36)

	// every message crossed the network as an IPv4/UDP packet
	filep, err := os.Open(cfg.Capture.File)
	require.NoError(t, err)
	defer filep.Close()
	reader, err := pcapgo.NewReader(filep)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, reader.LinkType())

	var datagrams int
	for {
		data, _, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		first := layers.LayerTypeIPv4
		if data[0]>>4 == 6 {
			first = layers.LayerTypeIPv6
		}
		pkt := gopacket.NewPacket(data, first, gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue // stack housekeeping such as group membership reports
		}
		assert.Len(t, udp.Payload, 64)
		datagrams++
	}
	assert.Equal(t, 100, datagrams)
}

func TestProvisionSimSharedHost(t *testing.T) {
	cfg := flowaudit.DefaultConfig()
	cfg.Count = 300
	cfg.Timeout = 30 * time.Second
	cfg.Probe.Enabled = false
	cfg.Endpoints = []string{"10.0.0.1:1000", "10.0.0.1:2000", "10.0.0.2:3000"}

	report := runSim(t, cfg)
	require.True(t, report.Verdict.OK)
	require.Len(t, report.Verdict.Flows, 6)
	for _, fr := range report.Verdict.Flows {
		assert.Equal(t, 50, fr.SentMessages, fr.Key.String())
	}
	assert.Equal(t, 300, report.Received)
}

func TestProvisionSimBackpressure(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	cfg := flowaudit.DefaultConfig()
	cfg.Count = 50000
	cfg.MaxInflight = 64
	cfg.Timeout = 60 * time.Second
	cfg.Probe.Enabled = false

	report := runSim(t, cfg)
	require.True(t, report.Verdict.OK)
	assert.Equal(t, 50000, report.Sent)
	assert.Equal(t, 50000, report.Received)
	assert.Positive(t, report.Stats.Backpressure)
	assert.Greater(t, report.Stats.SendBursts, 1)
}

func TestProvisionSimWithDuplication(t *testing.T) {
	cfg := flowaudit.DefaultConfig()
	cfg.Count = 200
	cfg.Timeout = 30 * time.Second
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.Probe.Enabled = false
	cfg.Impairment = flowaudit.Impairment{Duplicate: 100, Seed: 1}

	report := runSim(t, cfg)
	assert.Equal(t, 200, report.Sent)
	assert.GreaterOrEqual(t, report.Received, report.Sent)
	require.False(t, report.Verdict.OK)
	for _, fr := range report.Verdict.Failed() {
		assert.Equal(t, flowaudit.StatusMismatch, fr.Status, fr.Key.String())
	}
}

func TestProvisionSimWithReordering(t *testing.T) {
	cfg := flowaudit.DefaultConfig()
	cfg.Count = 600
	cfg.Timeout = 30 * time.Second
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.Probe.Enabled = false
	cfg.Impairment = flowaudit.Impairment{Reorder: 100, Seed: 1}

	// every frame arrives, but adjacent frames of the same flow swap
	report := runSim(t, cfg)
	assert.Equal(t, 600, report.Sent)
	assert.Equal(t, 600, report.Received)
	require.False(t, report.Verdict.OK)
	for _, fr := range report.Verdict.Failed() {
		assert.Equal(t, flowaudit.StatusMismatch, fr.Status, fr.Key.String())
		assert.Equal(t, fr.SentMessages, fr.ReceivedMessages, fr.Key.String())
	}
}

func TestProvisionSimWithLoss(t *testing.T) {
	cfg := flowaudit.DefaultConfig()
	cfg.Count = 200
	cfg.Timeout = 30 * time.Second
	cfg.IdleTimeout = 200 * time.Millisecond
	cfg.Probe.Enabled = false
	cfg.Impairment = flowaudit.Impairment{Loss: 50, Seed: 1}

	report := runSim(t, cfg)
	assert.Equal(t, 200, report.Sent)
	assert.Less(t, report.Received, 200)
	require.False(t, report.Verdict.OK)
	assert.Positive(t, report.Stats.IdleBursts)
}

func TestProvisionSimInvalidEndpoints(t *testing.T) {
	cfg := flowaudit.DefaultConfig()
	cfg.Endpoints = []string{"10.0.0.1:1000", "10.0.0.1:1000"}
	_, err := flowaudit.ProvisionSim(context.Background(), cfg, quietLogger)
	require.Error(t, err)

	cfg.Endpoints = []string{"10.0.0.1:1000"}
	_, err = flowaudit.ProvisionSim(context.Background(), cfg, quietLogger)
	assert.ErrorIs(t, err, flowaudit.ErrConfig)
}
