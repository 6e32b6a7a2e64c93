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

package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/stats"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/telephony"
	"github.com/NikolasSpotzy/pelagos-voice-agent/version"
)

const checkTimeout = 10 * time.Second

func (s *Service) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if !s.mon.CanAccept() {
		s.log.Infow("rejecting media stream", "health", s.Health().String(), "remote", r.RemoteAddr)
		http.Error(w, s.Health().String(), http.StatusServiceUnavailable)
		return
	}
	conn, err := telephony.Upgrade(w, r)
	if err != nil {
		// Upgrade already replied to the client
		s.log.Debugw("media stream upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	_ = s.relay.Serve(s.sessionCtx, conn)
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "Pelagos Voice Agent",
		"status":          "OK",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"ready_for_calls": s.mon.CanAccept(),
		"model":           s.conf.Model.Model,
		"version":         version.Version,
	})
}

type healthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	Uptime         string `json:"uptime"`
	ModelKey       bool   `json:"model_key"`
	TelnyxKey      bool   `json:"telnyx_key"`
	RealtimePrompt bool   `json:"realtime_prompt"`
	PublicURL      bool   `json:"public_url"`
	ActiveCalls    int    `json:"active_calls"`
	FailedStreams  int    `json:"failed_streams"`
	ActiveSessions int    `json:"active_sessions"`
	Version        string `json:"version"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.Health()
	status := "healthy"
	code := http.StatusOK
	if st != stats.HealthOK {
		status = st.String()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:         status,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Uptime:         time.Since(s.started).Truncate(time.Second).String(),
		ModelKey:       s.conf.Model.APIKey != "",
		TelnyxKey:      s.conf.Telnyx.APIKey != "",
		RealtimePrompt: s.conf.Model.PromptID != "",
		PublicURL:      s.conf.PublicURL != "",
		ActiveCalls:    s.gateway.ActiveCalls(),
		FailedStreams:  s.gateway.FailedStreams(),
		ActiveSessions: s.relay.ActiveSessions().Total(),
		Version:        version.Version,
	})
}

func (s *Service) handleTestModel(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC().Format(time.RFC3339)
	if s.check == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"status":    "error",
			"message":   "model check not configured",
			"timestamp": now,
		})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	if err := s.check(ctx); err != nil {
		s.log.Warnw("model check failed", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":    "error",
			"message":   err.Error(),
			"timestamp": now,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "success",
		"message":   "realtime model endpoint accessible",
		"timestamp": now,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
