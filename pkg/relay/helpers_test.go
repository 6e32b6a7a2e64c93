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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/config"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/models"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/telephony"
)

const waitTimeout = 2 * time.Second

// pipeConn is an in-memory telephony connection.
type pipeConn struct {
	in        chan []byte
	out       chan map[string]any
	closed    chan struct{}
	closeOnce sync.Once
}

var _ telephony.Conn = (*pipeConn)(nil)

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 256),
		out:    make(chan map[string]any, 1024),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	c.out <- v
	return nil
}

func (c *pipeConn) WriteControl(int, []byte, time.Time) error {
	return nil
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) RemoteAddr() net.Addr {
	return nil
}

func (c *pipeConn) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- data
}

func (c *pipeConn) sendStart(t *testing.T, streamSid, callSid, encoding string) {
	c.send(t, map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": streamSid,
			"callSid":   callSid,
			"mediaFormat": map[string]any{
				"encoding":   encoding,
				"sampleRate": 8000,
				"channels":   1,
			},
		},
	})
}

func (c *pipeConn) sendMedia(t *testing.T, ts int64, payload []byte) {
	c.send(t, map[string]any{
		"event": "media",
		"media": map[string]any{
			"track":     "inbound",
			"timestamp": fmt.Sprint(ts),
			"payload":   base64.StdEncoding.EncodeToString(payload),
		},
	})
}

func (c *pipeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case v := <-c.out:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for telephony message")
		return nil
	}
}

func (c *pipeConn) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case v := <-c.out:
		t.Fatalf("unexpected telephony message: %v", v)
	case <-time.After(d):
	}
}

// sent is one call made on fakeModel.
type sent struct {
	Type       string
	Session    *models.SessionConfig
	Audio      []byte
	Response   *models.ResponseOptions
	ItemID     string
	AudioEndMs int64
	CallID     string
	Output     string
}

type fakeModel struct {
	runErr    error
	sent      chan sent
	events    chan models.ServerEvent
	done      chan struct{}
	closeOnce sync.Once
	closes    int
	mu        sync.Mutex
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		sent:   make(chan sent, 1024),
		events: make(chan models.ServerEvent, 64),
		done:   make(chan struct{}),
	}
}

var _ models.Model = (*fakeModel)(nil)

func (m *fakeModel) Run(context.Context) error { return m.runErr }

func (m *fakeModel) record(s sent) error {
	select {
	case <-m.done:
		return io.ErrClosedPipe
	default:
	}
	m.sent <- s
	return nil
}

func (m *fakeModel) UpdateSession(cfg models.SessionConfig) error {
	return m.record(sent{Type: "session.update", Session: &cfg})
}

func (m *fakeModel) AppendAudio(audio []byte) error {
	return m.record(sent{Type: "input_audio_buffer.append", Audio: append([]byte(nil), audio...)})
}

func (m *fakeModel) CommitAudio() error {
	return m.record(sent{Type: "input_audio_buffer.commit"})
}

func (m *fakeModel) CreateResponse(opts *models.ResponseOptions) error {
	return m.record(sent{Type: "response.create", Response: opts})
}

func (m *fakeModel) Truncate(itemID string, _ int, audioEndMs int64) error {
	return m.record(sent{Type: "conversation.item.truncate", ItemID: itemID, AudioEndMs: audioEndMs})
}

func (m *fakeModel) SendFunctionOutput(callID string, output json.RawMessage) error {
	return m.record(sent{Type: "conversation.item.create", CallID: callID, Output: string(output)})
}

func (m *fakeModel) Events() <-chan models.ServerEvent { return m.events }

func (m *fakeModel) Closed() <-chan struct{} { return m.done }

func (m *fakeModel) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *fakeModel) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *fakeModel) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-m.sent:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for model call")
		return sent{}
	}
}

func (m *fakeModel) nextOf(t *testing.T, typ string) sent {
	t.Helper()
	for {
		s := m.next(t)
		if s.Type == typ {
			return s
		}
	}
}

func (m *fakeModel) delta(itemID string, audio []byte) {
	m.events <- models.ServerEvent{
		Type:   models.EventResponseAudioDelta,
		ItemID: itemID,
		Delta:  base64.StdEncoding.EncodeToString(audio),
	}
}

type fakeCalls struct {
	mu      sync.Mutex
	started map[string]string
	failed  map[string]error
	ended   []string
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{started: map[string]string{}, failed: map[string]error{}}
}

func (c *fakeCalls) StreamStarted(callID, streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started[callID] = streamID
}

func (c *fakeCalls) StreamFailed(callID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[callID] = err
}

func (c *fakeCalls) StreamEnded(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, callID)
}

type fakeTools struct{}

func (fakeTools) Definitions() []models.ToolDefinition {
	return []models.ToolDefinition{{Type: "function", Name: "checkAvailability"}}
}

func (fakeTools) Call(_ context.Context, name string, args json.RawMessage) json.RawMessage {
	if name != "checkAvailability" {
		return json.RawMessage(`{"error":"Unknown function"}`)
	}
	return json.RawMessage(fmt.Sprintf(`{"available":true,"args":%s}`, args))
}

func testConfig(t *testing.T, mutate func(c *config.Config)) *config.Config {
	conf := &config.Config{
		Model: config.ModelConfig{
			APIKey:     "sk",
			Voice:      "alloy",
			Modalities: []string{"text", "audio"},
		},
		Relay: config.RelayConfig{
			AudioPath:     config.AudioPathPassthrough,
			TurnDetection: config.TurnDetectionServerVAD,
		},
	}
	if mutate != nil {
		mutate(conf)
	}
	require.NoError(t, conf.Relay.Init())
	return conf
}

type harness struct {
	relay *Relay
	conn  *pipeConn
	model *fakeModel
	calls *fakeCalls
	done  chan error
}

func startRelay(t *testing.T, conf *config.Config) *harness {
	h := &harness{
		conn:  newPipeConn(),
		model: newFakeModel(),
		calls: newFakeCalls(),
		done:  make(chan error, 1),
	}
	getModel := func(logger.Logger) (models.Model, error) { return h.model, nil }
	h.relay = New(logger.GetLogger(), conf, getModel, fakeTools{}, h.calls)
	go func() {
		h.done <- h.relay.Serve(context.Background(), h.conn)
	}()
	t.Cleanup(func() { _ = h.conn.Close() })
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("relay did not return")
		return nil
	}
}
