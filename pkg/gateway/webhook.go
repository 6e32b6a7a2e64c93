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

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/config"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/stats"
)

const (
	EventCallInitiated    = "call.initiated"
	EventCallAnswered     = "call.answered"
	EventCallHangup       = "call.hangup"
	EventStreamingStarted = "call.streaming.started"
	EventStreamingStopped = "call.streaming.stopped"

	maxWebhookBody = 1 << 20
)

// Webhook is the provider event envelope.
type Webhook struct {
	Data *WebhookData `json:"data"`
}

type WebhookData struct {
	EventType string         `json:"event_type"`
	ID        string         `json:"id"`
	Payload   WebhookPayload `json:"payload"`
}

type WebhookPayload struct {
	CallControlID string `json:"call_control_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	StreamID      string `json:"stream_id"`
	HangupCause   string `json:"hangup_cause"`
}

// SessionHangup ends the relay session of a call.
type SessionHangup interface {
	Hangup(callID string) bool
}

// Gateway answers provider calls and points their media at the relay.
type Gateway struct {
	log      logger.Logger
	conf     *config.Config
	calls    *Registry
	provider CallControl
	sessions SessionHangup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewGateway(log logger.Logger, conf *config.Config, calls *Registry, provider CallControl, sessions SessionHangup) *Gateway {
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		log:      log.WithComponent("gateway"),
		conf:     conf,
		calls:    calls,
		provider: provider,
		sessions: sessions,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
}

// ServeHTTP handles provider webhooks. It always answers 200 so the provider
// does not retry; failures are logged.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var hook Webhook
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err == nil {
		err = json.Unmarshal(body, &hook)
	}
	if err != nil {
		g.log.Warnw("cannot decode webhook", err, "remote", r.RemoteAddr)
		stats.WebhookEvent("invalid")
	} else if hook.Data != nil {
		g.Handle(hook.Data)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Handle dispatches one provider event.
func (g *Gateway) Handle(d *WebhookData) {
	stats.WebhookEvent(d.EventType)
	p := d.Payload
	log := g.log.WithValues("callID", p.CallControlID, "event", d.EventType)

	switch d.EventType {
	case EventCallInitiated:
		log.Infow("incoming call", "from", p.From, "to", p.To)
		g.callInitiated(log, p)
	case EventCallAnswered:
		if c, ok := g.calls.Get(p.CallControlID); ok && c.State != CallInitiated {
			log.Debugw("call already answered", "state", c.State)
			return
		}
		log.Infow("call answered")
		g.calls.setState(p.CallControlID, CallAnswered)
	case EventCallHangup:
		log.Infow("call hung up", "cause", p.HangupCause)
		g.callHangup(p.CallControlID)
	case EventStreamingStarted, EventStreamingStopped:
		log.Infow("media streaming update", "streamID", p.StreamID)
	default:
		log.Debugw("ignoring provider event")
	}
}

func (g *Gateway) callInitiated(log logger.Logger, p WebhookPayload) {
	if p.CallControlID == "" {
		log.Warnw("call without control id", nil)
		return
	}
	if _, ok := g.calls.Get(p.CallControlID); ok {
		log.Debugw("duplicate call.initiated")
		return
	}
	g.calls.Put(CallSession{
		CallID: p.CallControlID,
		From:   p.From,
		To:     p.To,
		State:  CallInitiated,
	})

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.provider.Answer(g.ctx, p.CallControlID); err != nil {
			log.Warnw("cannot answer call", err)
			g.calls.Remove(p.CallControlID)
			return
		}
		g.calls.setState(p.CallControlID, CallAnswered)
		g.scheduleStreaming(log, p.CallControlID)
	}()
}

func (g *Gateway) scheduleStreaming(log logger.Logger, callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return
	}
	g.wg.Add(1)
	g.timers[callID] = time.AfterFunc(g.conf.Telnyx.StreamStartDelay, func() {
		defer g.wg.Done()
		g.mu.Lock()
		delete(g.timers, callID)
		g.mu.Unlock()
		g.startStreaming(log, callID)
	})
}

func (g *Gateway) startStreaming(log logger.Logger, callID string) {
	c, ok := g.calls.Get(callID)
	if !ok || c.State == CallEnded {
		log.Debugw("call gone before streaming")
		return
	}
	streamURL, err := g.conf.MediaStreamURL()
	if err != nil {
		log.Warnw("cannot start streaming", err)
		return
	}
	err = g.provider.StartStreaming(g.ctx, callID, StreamOptions{
		StreamURL:          streamURL,
		StreamTrack:        g.conf.Telnyx.StreamTrack,
		BidirectionalMode:  g.conf.Telnyx.BidirectionalMode,
		BidirectionalCodec: g.conf.Telnyx.BidirectionalCodec,
	})
	if err != nil {
		log.Warnw("cannot start streaming", err)
		return
	}
	log.Infow("media streaming requested", "url", streamURL)
}

func (g *Gateway) callHangup(callID string) {
	g.mu.Lock()
	if t, ok := g.timers[callID]; ok && t.Stop() {
		delete(g.timers, callID)
		g.wg.Done()
	}
	g.mu.Unlock()

	g.calls.setState(callID, CallEnded)
	if g.sessions != nil && g.sessions.Hangup(callID) {
		g.log.Debugw("relay session closed by hangup", "callID", callID)
	}
	g.calls.Remove(callID)
}

// ActiveCalls is the number of tracked provider calls.
func (g *Gateway) ActiveCalls() int {
	return g.calls.Len()
}

// FailedStreams is the number of tracked calls whose media stream failed to start.
func (g *Gateway) FailedStreams() int {
	return g.calls.FailedStreams()
}

// Close cancels pending provider commands and waits for them.
func (g *Gateway) Close() {
	g.cancel()
	g.mu.Lock()
	for id, t := range g.timers {
		if t.Stop() {
			g.wg.Done()
		}
		delete(g.timers, id)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
