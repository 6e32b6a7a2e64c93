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
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/config"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/models"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/stats"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/telephony"
)

// ToolHandler executes functions the model asks for. Call never fails: errors
// are reported to the model as a JSON {"error": ...} result.
type ToolHandler interface {
	Definitions() []models.ToolDefinition
	Call(ctx context.Context, name string, args json.RawMessage) json.RawMessage
}

// CallLookup is the relay's view of the call registry owned by the gateway.
type CallLookup interface {
	StreamStarted(callID, streamID string)
	StreamFailed(callID string, err error)
	StreamEnded(callID string)
}

type noopCalls struct{}

func (noopCalls) StreamStarted(string, string) {}
func (noopCalls) StreamFailed(string, error)   {}
func (noopCalls) StreamEnded(string)           {}

// Relay accepts telephony media streams and runs one session per stream.
type Relay struct {
	log      logger.Logger
	conf     *config.Config
	getModel models.GetModelFunc
	tools    ToolHandler
	calls    CallLookup
	mon      *stats.Monitor

	sessions sync.Map // session key -> *Session
}

// Option configures the relay
type Option func(*Relay)

// WithMonitor reports session metrics to mon.
func WithMonitor(mon *stats.Monitor) Option {
	return func(r *Relay) {
		r.mon = mon
	}
}

func New(log logger.Logger, conf *config.Config, getModel models.GetModelFunc, tools ToolHandler, calls CallLookup, opts ...Option) *Relay {
	if log == nil {
		log = logger.GetLogger().WithComponent("relay")
	}
	if calls == nil {
		calls = noopCalls{}
	}
	r := &Relay{
		log:      log,
		conf:     conf,
		getModel: getModel,
		tools:    tools,
		calls:    calls,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Serve runs the session for one telephony connection and returns when it ends.
// A nil error means the call ended normally (stop, hangup or shutdown).
func (r *Relay) Serve(parent context.Context, conn telephony.Conn) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s := newSession(ctx, cancel, r, conn)
	stop := context.AfterFunc(parent, s.hangup)
	defer stop()

	err := s.run()
	if err != nil && s.hungUp.Load() {
		err = nil
	}
	s.Close(endReason(err, s.endReason))
	s.release()

	if err != nil {
		var rerr *RelayError
		if errors.As(err, &rerr) {
			s.log.Warnw("relay session failed", rerr.Err, "kind", rerr.Kind, "leg", rerr.Leg)
		} else {
			s.log.Warnw("relay session failed", err)
		}
	}
	return err
}

// Hangup tears down the session of a call, if one is running.
func (r *Relay) Hangup(callID string) bool {
	v, ok := r.sessions.Load(callID)
	if !ok {
		return false
	}
	v.(*Session).hangup()
	return true
}

// CloseAll tears down every running session.
func (r *Relay) CloseAll() {
	r.sessions.Range(func(_, v any) bool {
		v.(*Session).hangup()
		return true
	})
}

// ActiveSessions lists running sessions for drain and status reporting.
type ActiveSessions struct {
	Count     int
	SampleIDs []string
}

func (a ActiveSessions) Total() int {
	return a.Count
}

const maxSampleIDs = 10

func (r *Relay) ActiveSessions() ActiveSessions {
	var st ActiveSessions
	r.sessions.Range(func(k, _ any) bool {
		st.Count++
		if len(st.SampleIDs) < maxSampleIDs {
			st.SampleIDs = append(st.SampleIDs, k.(string))
		}
		return true
	})
	slices.Sort(st.SampleIDs)
	return st
}

func endReason(err error, fallback string) string {
	var rerr *RelayError
	switch {
	case err == nil:
		if fallback == "" {
			return "stop"
		}
		return fallback
	case errors.Is(err, ErrUnsupportedCodec):
		return "unsupported_codec"
	case errors.As(err, &rerr):
		return rerr.Leg + "_disconnected"
	default:
		return "error"
	}
}

// sessionConfig builds the session.update body for a negotiated path.
func sessionConfig(conf *config.Config, p Path, tools ToolHandler) models.SessionConfig {
	mc := conf.Model
	sc := models.SessionConfig{
		Modalities:        mc.Modalities,
		Instructions:      mc.Instructions,
		Voice:             mc.Voice,
		InputAudioFormat:  p.ModelFormat(),
		OutputAudioFormat: p.ModelFormat(),
		Temperature:       mc.Temperature,
	}
	if mc.TranscriptionModel != "" {
		sc.InputAudioTranscription = &models.InputAudioTranscription{Model: mc.TranscriptionModel}
	}
	if mc.PromptID != "" {
		sc.Prompt = &models.PromptRef{ID: mc.PromptID}
	}
	if conf.Relay.TurnDetection != config.TurnDetectionManual {
		vad := conf.Relay.VAD
		sc.TurnDetection = &models.TurnDetection{
			Type:              models.TurnDetectionServerVAD,
			Threshold:         vad.Threshold,
			PrefixPaddingMs:   int(vad.PrefixPadding.Milliseconds()),
			SilenceDurationMs: int(vad.SilenceDuration.Milliseconds()),
		}
	}
	if tools != nil {
		if defs := tools.Definitions(); len(defs) > 0 {
			sc.Tools = defs
			sc.ToolChoice = conf.Relay.ToolChoice
		}
	}
	return sc
}
