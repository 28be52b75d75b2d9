// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig indicates an invalid configuration.
var ErrConfig = errors.New("invalid configuration")

// TimeoutEnv is the environment variable containing the run timeout in
// seconds. Zero or an empty value disables the timeout.
const TimeoutEnv = "FLOWAUDIT_TIMEOUT"

// Enumerate the supported backends.
const (
	// BackendSim runs over a simulated [*Network] using UDP.
	BackendSim = "sim"

	// BackendRDS runs over RDS sockets inside network namespaces.
	BackendRDS = "rds"
)

// ProbeConfig configures the diagnostic [*Probe].
type ProbeConfig struct {
	// Enabled controls whether to run the probe.
	Enabled bool `yaml:"enabled"`

	// First is the first option identifier.
	First int `yaml:"first"`

	// Last is the last option identifier.
	Last int `yaml:"last"`

	// BufferSize is the answer buffer size.
	BufferSize int `yaml:"buffer_size"`

	// Tolerated contains errno names such as "ENOSPC".
	Tolerated []string `yaml:"tolerated"`
}

// CaptureConfig configures packet capture on the simulated network.
type CaptureConfig struct {
	// File is the pcap file to write. Empty disables capturing.
	File string `yaml:"file"`

	// Snaplen is the number of bytes captured per packet.
	Snaplen int `yaml:"snaplen"`
}

// Config is a scenario.
type Config struct {
	// Backend is either [BackendSim] or [BackendRDS].
	Backend string `yaml:"backend"`

	// Endpoints contains the endpoint addresses.
	Endpoints []string `yaml:"endpoints"`

	// Namespaces contains the network namespace of each endpoint
	// when using [BackendRDS]. Empty entries mean the current namespace.
	Namespaces []string `yaml:"namespaces"`

	// SysctlReset writes the RDS TCP buffer sysctls of each namespace
	// at the end of every round when using [BackendRDS].
	SysctlReset bool `yaml:"sysctl_reset"`

	// Count is the number of messages to send.
	Count int `yaml:"count"`

	// BurstLimit bounds the size of a send burst (zero means unbounded).
	BurstLimit int `yaml:"burst_limit"`

	// Timeout bounds the run duration (zero disables).
	Timeout time.Duration `yaml:"timeout"`

	// IdleTimeout ends receive bursts without readiness (zero disables).
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxInflight is the simulated network queue size.
	MaxInflight int `yaml:"max_inflight"`

	// Impairment is the simulated network impairment.
	Impairment Impairment `yaml:"impairment"`

	// Capture configures packet capture.
	Capture CaptureConfig `yaml:"capture"`

	// Probe configures the diagnostic probe.
	Probe ProbeConfig `yaml:"probe"`
}

// DefaultConfig returns the reference scenario: two endpoints at
// 10.0.0.1:10000 and 10.0.0.2:20000 exchanging 50000 messages over the
// simulated network, with the probe enabled.
func DefaultConfig() *Config {
	return &Config{
		Backend:     BackendSim,
		Endpoints:   []string{"10.0.0.1:10000", "10.0.0.2:20000"},
		Namespaces:  []string{"net0", "net1"},
		Count:       50000,
		MaxInflight: DefaultMaxInflight,
		Capture: CaptureConfig{
			Snaplen: MTUEthernet,
		},
		Probe: ProbeConfig{
			Enabled:    true,
			First:      ProbeFirstOption,
			Last:       ProbeLastOption,
			BufferSize: DefaultProbeBufferSize,
			Tolerated:  []string{"ENOSPC"},
		},
	}
}

// LoadConfig reads a YAML scenario on top of [DefaultConfig].
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides the timeout using [TimeoutEnv] when it is set.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	value := strings.TrimSpace(getenv(TimeoutEnv))
	if value == "" {
		return nil
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return fmt.Errorf("%w: %s=%q is not a non-negative number of seconds", ErrConfig, TimeoutEnv, value)
	}
	c.Timeout = time.Duration(seconds) * time.Second
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Backend != BackendSim && c.Backend != BackendRDS {
		return fmt.Errorf("%w: unknown backend %q", ErrConfig, c.Backend)
	}
	if _, err := c.EndpointAddrs(); err != nil {
		return err
	}
	if c.Count < 0 || c.BurstLimit < 0 || c.Timeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("%w: count, burst_limit and timeouts must not be negative", ErrConfig)
	}
	if c.Backend == BackendSim && c.MaxInflight <= 0 {
		return fmt.Errorf("%w: max_inflight must be positive", ErrConfig)
	}
	if c.Backend == BackendRDS && len(c.Namespaces) != 0 && len(c.Namespaces) != len(c.Endpoints) {
		return fmt.Errorf("%w: need one namespace per endpoint", ErrConfig)
	}
	if c.Backend != BackendRDS && c.SysctlReset {
		return fmt.Errorf("%w: sysctl_reset requires the %s backend", ErrConfig, BackendRDS)
	}
	if c.Capture.File != "" && (c.Capture.Snaplen < 1 || c.Capture.Snaplen > math.MaxUint16) {
		return fmt.Errorf("%w: snaplen must be within 1 and %d, got %d",
			ErrConfig, math.MaxUint16, c.Capture.Snaplen)
	}
	if err := c.Impairment.Validate(); err != nil {
		return err
	}
	if c.Probe.Enabled {
		if c.Probe.Last < c.Probe.First {
			return fmt.Errorf("%w: probe range %d..%d is empty", ErrConfig, c.Probe.First, c.Probe.Last)
		}
		if _, err := c.NewProbe(); err != nil {
			return err
		}
	}
	return nil
}

// EndpointAddrs parses the endpoint addresses.
func (c *Config) EndpointAddrs() ([]netip.AddrPort, error) {
	if len(c.Endpoints) < 2 {
		return nil, fmt.Errorf("%w: need at least two endpoints", ErrConfig)
	}
	out := make([]netip.AddrPort, 0, len(c.Endpoints))
	for _, value := range c.Endpoints {
		addr, err := netip.ParseAddrPort(value)
		if err != nil {
			return nil, fmt.Errorf("%w: endpoint %q: %w", ErrConfig, value, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// NewProbe returns the configured [*Probe] or nil when disabled.
func (c *Config) NewProbe() (*Probe, error) {
	if !c.Probe.Enabled {
		return nil, nil
	}
	probe := &Probe{
		First:      c.Probe.First,
		Last:       c.Probe.Last,
		BufferSize: c.Probe.BufferSize,
	}
	for _, name := range c.Probe.Tolerated {
		errno, found := errnoByName[strings.ToUpper(name)]
		if !found {
			return nil, fmt.Errorf("%w: unknown errno %q", ErrConfig, name)
		}
		probe.Tolerated = append(probe.Tolerated, errno)
	}
	return probe, nil
}

// errnoByName contains the errno names accepted by [ProbeConfig].
var errnoByName = map[string]syscall.Errno{
	"EAGAIN":      syscall.EAGAIN,
	"EINVAL":      syscall.EINVAL,
	"ENOBUFS":     syscall.ENOBUFS,
	"ENOMEM":      syscall.ENOMEM,
	"ENOPROTOOPT": syscall.ENOPROTOOPT,
	"ENOSPC":      syscall.ENOSPC,
	"ENOTCONN":    syscall.ENOTCONN,
	"EOPNOTSUPP":  syscall.EOPNOTSUPP,
	"EPERM":       syscall.EPERM,
}

// EngineConfig returns the [EngineConfig] matching this scenario.
func (c *Config) EngineConfig() (EngineConfig, error) {
	probe, err := c.NewProbe()
	if err != nil {
		return EngineConfig{}, err
	}
	return EngineConfig{
		Count:       c.Count,
		BurstLimit:  c.BurstLimit,
		IdleTimeout: c.IdleTimeout,
		Timeout:     c.Timeout,
		Probe:       probe,
	}, nil
}
