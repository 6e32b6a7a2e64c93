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

package relay

import (
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/logger"
)

// SessionStatsSnapshot represents a snapshot of relay session statistics
type SessionStatsSnapshot struct {
	MediaIn       uint64 `json:"media_in"`
	MediaInBytes  uint64 `json:"media_in_bytes"`
	AppendsSent   uint64 `json:"appends_sent"`
	DeltasIn      uint64 `json:"deltas_in"`
	DeltaBytes    uint64 `json:"delta_bytes"`
	DroppedDeltas uint64 `json:"dropped_deltas"`
	FramesOut     uint64 `json:"frames_out"`
	Responses     uint64 `json:"responses"`
	BargeIns      uint64 `json:"barge_ins"`
	Anomalies     uint64 `json:"anomalies"`
	ToolCalls     uint64 `json:"tool_calls"`
	Malformed     uint64 `json:"malformed"`

	Closed      bool   `json:"closed"`
	CloseReason string `json:"close_reason,omitempty"`
}

// SessionStats tracks statistics for a relay session. Counters are written
// by the session loop and may be read from any goroutine.
type SessionStats struct {
	MediaIn       atomic.Uint64
	MediaInBytes  atomic.Uint64
	AppendsSent   atomic.Uint64
	DeltasIn      atomic.Uint64
	DeltaBytes    atomic.Uint64
	DroppedDeltas atomic.Uint64
	FramesOut     atomic.Uint64
	Responses     atomic.Uint64
	BargeIns      atomic.Uint64
	Anomalies     atomic.Uint64
	ToolCalls     atomic.Uint64
	Malformed     atomic.Uint64

	Closed      atomic.Bool
	CloseReason atomic.Pointer[string]
}

func (s *SessionStats) Load() SessionStatsSnapshot {
	var reason string
	if r := s.CloseReason.Load(); r != nil {
		reason = *r
	}
	return SessionStatsSnapshot{
		MediaIn:       s.MediaIn.Load(),
		MediaInBytes:  s.MediaInBytes.Load(),
		AppendsSent:   s.AppendsSent.Load(),
		DeltasIn:      s.DeltasIn.Load(),
		DeltaBytes:    s.DeltaBytes.Load(),
		DroppedDeltas: s.DroppedDeltas.Load(),
		FramesOut:     s.FramesOut.Load(),
		Responses:     s.Responses.Load(),
		BargeIns:      s.BargeIns.Load(),
		Anomalies:     s.Anomalies.Load(),
		ToolCalls:     s.ToolCalls.Load(),
		Malformed:     s.Malformed.Load(),
		Closed:        s.Closed.Load(),
		CloseReason:   reason,
	}
}

// Log writes the final counters of a session.
func (s *SessionStats) Log(log logger.Logger, started time.Time) {
	st := s.Load()
	log.Infow("relay session stats",
		"duration", time.Since(started).Round(time.Millisecond).String(),
		"mediaIn", st.MediaIn,
		"mediaInBytes", st.MediaInBytes,
		"appendsSent", st.AppendsSent,
		"deltasIn", st.DeltasIn,
		"deltaBytes", st.DeltaBytes,
		"droppedDeltas", st.DroppedDeltas,
		"framesOut", st.FramesOut,
		"responses", st.Responses,
		"bargeIns", st.BargeIns,
		"anomalies", st.Anomalies,
		"toolCalls", st.ToolCalls,
		"malformed", st.Malformed,
	)
}
