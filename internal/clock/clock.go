// SPDX-License-Identifier: MIT

// Package clock serves the authoritative server time clients sync their
// local countdowns against.
package clock

import (
	"sync/atomic"
	"time"
)

// Reading is one observation of server time.
type Reading struct {
	// TimestampMS is the server wall clock in Unix milliseconds.
	TimestampMS int64 `json:"timestamp_ms"`
	// ServerVersion identifies the build serving the reading.
	ServerVersion string `json:"server_version"`
	// DriftToleranceMS is the drift clients may accumulate before they
	// should resync their local clock offset.
	DriftToleranceMS int64 `json:"drift_tolerance_ms"`
}

// Oracle hands out strictly monotonic server time readings. Wall clock
// regressions (NTP step-backs) are absorbed rather than exposed, and two
// reads in the same millisecond still differ: every reading is strictly
// greater than the one before it.
type Oracle struct {
	version   string
	tolerance int64
	last      atomic.Int64
	now       func() time.Time
}

// New creates an oracle stamping readings with the given server version
// and drift tolerance.
func New(version string, tolerance time.Duration) *Oracle {
	return &Oracle{
		version:   version,
		tolerance: tolerance.Milliseconds(),
		now:       time.Now,
	}
}

// Now returns the current reading. Successive calls are strictly
// increasing, even across goroutines; a wall-clock collision or
// regression advances the served time by one millisecond instead.
func (o *Oracle) Now() Reading {
	wall := o.now().UnixMilli()
	var ts int64
	for {
		last := o.last.Load()
		ts = wall
		if ts <= last {
			ts = last + 1
		}
		if o.last.CompareAndSwap(last, ts) {
			break
		}
	}
	return Reading{
		TimestampMS:      ts,
		ServerVersion:    o.version,
		DriftToleranceMS: o.tolerance,
	}
}
