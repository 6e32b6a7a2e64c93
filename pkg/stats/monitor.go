// Copyright 2025 VeloxVOIP.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
)

type HealthStatus int

const (
	HealthOK HealthStatus = iota
	HealthUnderLoad
	HealthStopped
)

func (s HealthStatus) String() string {
	switch s {
	case HealthOK:
		return "OK"
	case HealthUnderLoad:
		return "Under load"
	case HealthStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Monitor tracks process-wide session load and exposes health.
// A nil *Monitor is valid and records nothing.
type Monitor struct {
	maxSessions int
	active      atomic.Int64
	shutdown    core.Fuse
}

// NewMonitor creates a monitor. maxSessions <= 0 disables the load limit.
func NewMonitor(maxSessions int) *Monitor {
	return &Monitor{maxSessions: maxSessions}
}

// Shutdown marks the process as draining.
func (m *Monitor) Shutdown() {
	if m == nil {
		return
	}
	m.shutdown.Break()
}

func (m *Monitor) Health() HealthStatus {
	if m == nil {
		return HealthOK
	}
	if m.shutdown.IsBroken() {
		return HealthStopped
	}
	if m.maxSessions > 0 && m.active.Load() >= int64(m.maxSessions) {
		return HealthUnderLoad
	}
	return HealthOK
}

// CanAccept reports whether a new session may start.
func (m *Monitor) CanAccept() bool {
	return m.Health() == HealthOK
}

func (m *Monitor) ActiveSessions() int {
	if m == nil {
		return 0
	}
	return int(m.active.Load())
}

// NewSession records a session start. End must be called exactly once.
func (m *Monitor) NewSession(path string) *SessionMonitor {
	if m == nil {
		return nil
	}
	m.active.Add(1)
	sessionsActive.Inc()
	return &SessionMonitor{mon: m, path: path, start: time.Now()}
}

// SessionMonitor records per-session metrics. A nil *SessionMonitor is valid.
type SessionMonitor struct {
	mon   *Monitor
	path  string
	start time.Time
	ended atomic.Bool
}

func (s *SessionMonitor) MediaIn() {
	if s != nil {
		mediaIn.Inc()
	}
}

func (s *SessionMonitor) FrameOut() {
	if s != nil {
		framesOut.Inc()
	}
}

func (s *SessionMonitor) BargeIn() {
	if s != nil {
		bargeIns.Inc()
	}
}

func (s *SessionMonitor) Anomaly() {
	if s != nil {
		anomalies.Inc()
	}
}

// Malformed counts a dropped message. It counts on a nil monitor too, since
// messages may arrive before the session is set up.
func (s *SessionMonitor) Malformed(leg string) {
	MalformedMessage(leg)
}

// End records the session end. Calls after the first are ignored.
func (s *SessionMonitor) End(reason string) {
	if s == nil || !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.mon.active.Add(-1)
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(s.path, reason).Inc()
	sessionDuration.Observe(time.Since(s.start).Seconds())
}
