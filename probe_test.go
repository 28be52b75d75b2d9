// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit_test

import (
	"syscall"
	"testing"

	"github.com/allisonhenderson/flowaudit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeClassifiesResults(t *testing.T) {
	fn := newFakeNetwork("10.0.0.1:1", "10.0.0.2:1")
	fn.endpoints[0].options = map[int]error{
		10001: syscall.ENOSPC,
		10002: syscall.EINVAL,
	}

	report := flowaudit.DefaultProbe().Run(fn.Endpoints()...)
	require.Len(t, report.Results, 36)
	assert.Equal(t, 34, report.Succeeded)
	assert.Equal(t, 1, report.Tolerated)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Errors())

	first := report.Results[0]
	assert.Equal(t, 0, first.Endpoint)
	assert.Equal(t, flowaudit.ProbeFirstOption, first.ID)
	assert.Equal(t, flowaudit.DefaultProbeBufferSize, first.Size)
	assert.Equal(t, flowaudit.OptionSucceeded, first.Outcome)

	assert.Equal(t, flowaudit.OptionTolerated, report.Results[1].Outcome)
	assert.ErrorIs(t, report.Results[1].Err, syscall.ENOSPC)
	assert.Equal(t, flowaudit.OptionFailed, report.Results[2].Outcome)

	last := report.Results[35]
	assert.Equal(t, 1, last.Endpoint)
	assert.Equal(t, flowaudit.ProbeLastOption, last.ID)
}

func TestProbeIsRepeatable(t *testing.T) {
	fn := newFakeNetwork("10.0.0.1:1", "10.0.0.2:1")
	fn.endpoints[1].options = map[int]error{10005: syscall.ENOSPC}
	probe := flowaudit.DefaultProbe()
	assert.Equal(t, probe.Run(fn.Endpoints()...), probe.Run(fn.Endpoints()...))
}

func TestProbeWithoutTolerance(t *testing.T) {
	fn := newFakeNetwork("10.0.0.1:1", "10.0.0.2:1")
	fn.endpoints[0].options = map[int]error{7: syscall.ENOSPC}
	probe := &flowaudit.Probe{First: 7, Last: 7}
	report := probe.Run(fn.Endpoints()...)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Tolerated)
	assert.Equal(t, 1, report.Failed)
}

func TestOptionOutcomeString(t *testing.T) {
	assert.Equal(t, "succeeded", flowaudit.OptionSucceeded.String())
	assert.Equal(t, "tolerated", flowaudit.OptionTolerated.String())
	assert.Equal(t, "failed", flowaudit.OptionFailed.String())
	assert.Equal(t, "OptionOutcome(5)", flowaudit.OptionOutcome(5).String())
}
