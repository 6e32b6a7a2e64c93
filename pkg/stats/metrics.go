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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicerelay"

// Legs of a relay session, used as the "leg" label.
const (
	LegTelephony = "telephony"
	LegModel     = "model"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Relay sessions currently running",
	})
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Relay sessions ended, by audio path and end reason",
	}, []string{"path", "reason"})
	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Relay session duration",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
	mediaIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "media_messages_in_total",
		Help:      "Telephony media messages forwarded to the model",
	})
	framesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "media_frames_out_total",
		Help:      "Paced media frames sent to telephony",
	})
	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barge_ins_total",
		Help:      "Agent responses interrupted by caller speech",
	})
	anomalies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ordering_anomalies_total",
		Help:      "Audio deltas for a new item while another item was speaking",
	})
	malformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_messages_total",
		Help:      "Dropped undecodable messages, by leg",
	}, []string{"leg"})
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations requested by the model",
	}, []string{"name", "result"})
	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Provider webhook events received, by type",
	}, []string{"event"})
	providerCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_commands_total",
		Help:      "Call control commands sent to the provider",
	}, []string{"command", "result"})
)

// MalformedMessage counts a dropped undecodable message on the given leg.
func MalformedMessage(leg string) {
	malformed.WithLabelValues(leg).Inc()
}

// ToolCall counts a tool invocation.
func ToolCall(name string, ok bool) {
	toolCalls.WithLabelValues(name, result(ok)).Inc()
}

// WebhookEvent counts a provider webhook event.
func WebhookEvent(event string) {
	webhookEvents.WithLabelValues(event).Inc()
}

// ProviderCommand counts a call control command.
func ProviderCommand(command string, err error) {
	providerCommands.WithLabelValues(command, result(err == nil)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
