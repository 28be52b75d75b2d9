// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit

import (
	"errors"
	"fmt"
	"syscall"
)

// Reference option identifier range queried by [DefaultProbe].
const (
	// ProbeFirstOption is the first RDS_INFO option identifier.
	ProbeFirstOption = 10000

	// ProbeLastOption is the last RDS_INFO option identifier.
	ProbeLastOption = 10017
)

// DefaultProbeBufferSize is the default size of the option buffer.
const DefaultProbeBufferSize = 1024

// OptionOutcome classifies the result of a single option query.
type OptionOutcome int

// Enumerate the [OptionOutcome] values.
const (
	// OptionSucceeded means the query succeeded.
	OptionSucceeded OptionOutcome = iota

	// OptionTolerated means the query failed with a tolerated errno.
	OptionTolerated

	// OptionFailed means the query failed.
	OptionFailed
)

// String implements [fmt.Stringer].
func (o OptionOutcome) String() string {
	switch o {
	case OptionSucceeded:
		return "succeeded"
	case OptionTolerated:
		return "tolerated"
	case OptionFailed:
		return "failed"
	default:
		return fmt.Sprintf("OptionOutcome(%d)", int(o))
	}
}

// OptionResult is the result of querying one option on one endpoint.
type OptionResult struct {
	// Endpoint is the endpoint index.
	Endpoint int

	// ID is the option identifier.
	ID int

	// Size is the number of bytes returned on success.
	Size int

	// Outcome classifies the result.
	Outcome OptionOutcome

	// Err is the error returned by the query, if any.
	Err error
}

// ProbeReport is the outcome of [*Probe.Run].
type ProbeReport struct {
	// Results contains one entry per endpoint and option.
	Results []OptionResult

	// Succeeded counts the successful queries.
	Succeeded int

	// Tolerated counts the queries failing with a tolerated errno.
	Tolerated int

	// Failed counts the other failures.
	Failed int
}

// Errors returns the number of failed queries including the tolerated ones.
func (pr *ProbeReport) Errors() int {
	return pr.Tolerated + pr.Failed
}

// Probe queries a contiguous range of option identifiers on each endpoint.
//
// The probe is purely diagnostic: failures are counted and never abort.
type Probe struct {
	// First is the first option identifier.
	First int

	// Last is the last option identifier (inclusive).
	Last int

	// BufferSize is the size of the answer buffer.
	BufferSize int

	// Tolerated contains the errnos classified as [OptionTolerated].
	Tolerated []syscall.Errno
}

// DefaultProbe returns the reference [*Probe] querying 18 identifiers
// with a 1024 byte buffer and tolerating ENOSPC.
func DefaultProbe() *Probe {
	return &Probe{
		First:      ProbeFirstOption,
		Last:       ProbeLastOption,
		BufferSize: DefaultProbeBufferSize,
		Tolerated:  []syscall.Errno{syscall.ENOSPC},
	}
}

// Run queries every option on every endpoint.
func (p *Probe) Run(endpoints ...Endpoint) *ProbeReport {
	report := &ProbeReport{}
	buf := make([]byte, max(p.BufferSize, 0))
	for idx, ep := range endpoints {
		for id := p.First; id <= p.Last; id++ {
			result := OptionResult{Endpoint: idx, ID: id}
			size, err := ep.GetOption(id, buf)
			switch {
			case err == nil:
				result.Size = size
				result.Outcome = OptionSucceeded
				report.Succeeded++
			case p.tolerates(err):
				result.Err = err
				result.Outcome = OptionTolerated
				report.Tolerated++
			default:
				result.Err = err
				result.Outcome = OptionFailed
				report.Failed++
			}
			report.Results = append(report.Results, result)
		}
	}
	return report
}

func (p *Probe) tolerates(err error) bool {
	for _, errno := range p.Tolerated {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
