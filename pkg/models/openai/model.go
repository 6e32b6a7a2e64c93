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

package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/config"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/models"
)

const (
	// DefaultRealtimeURL is the realtime endpoint; the model is passed as a query parameter.
	DefaultRealtimeURL = "wss://api.openai.com/v1/realtime"
	// DefaultModelName is the realtime model used when none is configured.
	DefaultModelName   = "gpt-4o-realtime-preview-2024-10-01"
	DefaultDialTimeout = 10 * time.Second

	writeTimeout    = 5 * time.Second
	eventBufferSize = 256
)

var (
	ErrMissingAPIKey = errors.New("model api key is not configured")
	ErrNotConnected  = errors.New("model is not connected")
	ErrModelClosed   = errors.New("model is closed")
)

// RealtimeModel implements models.Model over the realtime WebSocket protocol.
//
// Writes are serialised by writeMu. A single reader goroutine decodes server
// events into the events channel and closes it when the connection ends.
type RealtimeModel struct {
	log    logger.Logger
	config *config.ModelConfig
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	events     chan models.ServerEvent
	finishOnce sync.Once

	closed core.Fuse // Close was called
	done   core.Fuse // connection ended
}

// compile time check that RealtimeModel implements the Model interface
var _ models.Model = (*RealtimeModel)(nil)

// RealtimeModelOption configures the realtime model
type RealtimeModelOption func(*RealtimeModel)

// WithModelConfig sets the model configuration
func WithModelConfig(cfg *config.ModelConfig) RealtimeModelOption {
	return func(m *RealtimeModel) {
		m.config = cfg
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) RealtimeModelOption {
	return func(m *RealtimeModel) {
		m.dialer = d
	}
}

// NewRealtimeModel creates a realtime model leg. The connection is opened by Run.
func NewRealtimeModel(log logger.Logger, opts ...RealtimeModelOption) (models.Model, error) {
	if log == nil {
		log = logger.GetLogger().WithComponent("realtime_model")
	}

	m := &RealtimeModel{
		log:    log,
		config: &config.ModelConfig{},
		events: make(chan models.ServerEvent, eventBufferSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout(m.config),
		}
	}
	return m, nil
}

// NewRealtimeModelFunc creates a GetModelFunc for the realtime model.
func NewRealtimeModelFunc(opts ...RealtimeModelOption) models.GetModelFunc {
	return func(log logger.Logger) (models.Model, error) {
		return NewRealtimeModel(log, opts...)
	}
}

// Run dials the realtime endpoint and starts the reader.
func (m *RealtimeModel) Run(ctx context.Context) error {
	if m.closed.IsBroken() {
		return ErrModelClosed
	}
	conn, err := dial(ctx, m.dialer, m.config)
	if err != nil {
		m.log.Errorw("Failed to connect to realtime model", err)
		return err
	}

	m.mu.Lock()
	if m.closed.IsBroken() {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrModelClosed
	}
	m.conn = conn
	m.mu.Unlock()

	go m.readMessages(conn)

	m.log.Infow("Realtime model connected", "model", modelName(m.config))
	return nil
}

func (m *RealtimeModel) UpdateSession(cfg models.SessionConfig) error {
	return m.send(clientEvent{Type: "session.update", Session: &cfg})
}

func (m *RealtimeModel) AppendAudio(audio []byte) error {
	return m.send(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

func (m *RealtimeModel) CommitAudio() error {
	return m.send(clientEvent{Type: "input_audio_buffer.commit"})
}

func (m *RealtimeModel) CreateResponse(opts *models.ResponseOptions) error {
	return m.send(clientEvent{Type: "response.create", Response: opts})
}

func (m *RealtimeModel) Truncate(itemID string, contentIndex int, audioEndMs int64) error {
	return m.send(clientEvent{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: &contentIndex,
		AudioEndMs:   &audioEndMs,
	})
}

func (m *RealtimeModel) SendFunctionOutput(callID string, output json.RawMessage) error {
	return m.send(clientEvent{
		Type: "conversation.item.create",
		Item: &conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	})
}

func (m *RealtimeModel) Events() <-chan models.ServerEvent {
	return m.events
}

// Closed returns a channel that signals when the model connection has ended
func (m *RealtimeModel) Closed() <-chan struct{} {
	return m.done.Watch()
}

// Close gracefully shuts down the model
func (m *RealtimeModel) Close() error {
	m.mu.Lock()
	if m.closed.IsBroken() {
		m.mu.Unlock()
		return nil
	}
	m.closed.Break()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		m.finish()
		return nil
	}

	m.log.Debugw("Closing realtime model")

	var errs []error
	m.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		errs = append(errs, err)
	}
	m.writeMu.Unlock()
	if err := conn.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		m.log.Debugw("Realtime model closed with errors", "error", err)
		return err
	}
	return nil
}

// finish closes the events channel and signals Closed.
func (m *RealtimeModel) finish() {
	m.finishOnce.Do(func() {
		close(m.events)
		m.done.Break()
	})
}

func (m *RealtimeModel) send(ev clientEvent) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if m.closed.IsBroken() {
		return ErrModelClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	ev.EventID = newEventID()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.log.Warnw("Failed to write realtime event", err, "type", ev.Type)
		return err
	}
	return nil
}

// CheckConnection opens a realtime connection and waits for the first server event.
// It backs the connectivity check endpoint.
func CheckConnection(ctx context.Context, cfg *config.ModelConfig) error {
	if cfg == nil || cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout(cfg))
	defer cancel()

	d := &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: dialTimeout(cfg)}
	conn, err := dial(ctx, d, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	ev, err := decodeServerEvent(data)
	if err != nil {
		return err
	}
	if ev.Type == models.EventError {
		return serverError(ev)
	}
	return nil
}

func dial(ctx context.Context, d *websocket.Dialer, cfg *config.ModelConfig) (*websocket.Conn, error) {
	u, err := realtimeURL(cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := d.DialContext(ctx, u, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &DialError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return conn, nil
}

// realtimeURL returns the configured endpoint with the model query parameter set.
func realtimeURL(cfg *config.ModelConfig) (string, error) {
	raw := cfg.URL
	if raw == "" {
		raw = DefaultRealtimeURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", modelName(cfg))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func modelName(cfg *config.ModelConfig) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return DefaultModelName
}

func dialTimeout(cfg *config.ModelConfig) time.Duration {
	if cfg.DialTimeout > 0 {
		return cfg.DialTimeout
	}
	return DefaultDialTimeout
}
