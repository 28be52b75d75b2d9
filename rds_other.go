// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package flowaudit

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

// ProvisionRDS fails because RDS sockets only exist on Linux.
func ProvisionRDS(cfg *Config, logger *slog.Logger) (*Topology, error) {
	return nil, fmt.Errorf("rds backend on %s: %w", runtime.GOOS, errors.ErrUnsupported)
}
