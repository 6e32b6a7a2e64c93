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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMonitorHealth(t *testing.T) {
	m := NewMonitor(2)
	require.Equal(t, HealthOK, m.Health())

	s1 := m.NewSession("passthrough")
	s2 := m.NewSession("pcm16")
	require.Equal(t, 2, m.ActiveSessions())
	require.Equal(t, HealthUnderLoad, m.Health())
	require.False(t, m.CanAccept())

	s1.End("stop")
	s1.End("stop")
	require.Equal(t, 1, m.ActiveSessions())
	require.True(t, m.CanAccept())

	m.Shutdown()
	require.Equal(t, HealthStopped, m.Health())
	require.Equal(t, "Stopped", m.Health().String())
	s2.End("hangup")
	require.Equal(t, 0, m.ActiveSessions())
}

func TestNilMonitor(t *testing.T) {
	var m *Monitor
	require.Equal(t, HealthOK, m.Health())
	s := m.NewSession("pcm16")
	require.Nil(t, s)
	s.MediaIn()
	s.FrameOut()
	s.BargeIn()
	s.End("stop")
	m.Shutdown()

	// drops before a session is set up are still counted
	before := testutil.ToFloat64(malformed.WithLabelValues(LegTelephony))
	s.Malformed(LegTelephony)
	require.Equal(t, before+1, testutil.ToFloat64(malformed.WithLabelValues(LegTelephony)))
}
