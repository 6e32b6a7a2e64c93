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
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
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

func requireMedia(t *testing.T, msg map[string]any, streamSid string) []byte {
	t.Helper()
	require.Equal(t, "media", msg["event"])
	require.Equal(t, streamSid, msg["streamSid"])
	payload, err := base64.StdEncoding.DecodeString(msg["media"].(map[string]any)["payload"].(string))
	require.NoError(t, err)
	return payload
}

func TestRelayForwardsMediaInOrder(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))

	h.conn.send(t, map[string]any{"event": "connected", "protocol": "Call"})
	h.conn.in <- []byte("garbage")
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")

	upd := h.model.next(t)
	require.Equal(t, "session.update", upd.Type)
	require.Equal(t, models.AudioFormatG711ULaw, upd.Session.InputAudioFormat)
	require.Equal(t, models.AudioFormatG711ULaw, upd.Session.OutputAudioFormat)
	require.Equal(t, "alloy", upd.Session.Voice)
	require.NotNil(t, upd.Session.TurnDetection)
	require.Equal(t, models.TurnDetectionServerVAD, upd.Session.TurnDetection.Type)
	require.Equal(t, 300, upd.Session.TurnDetection.PrefixPaddingMs)
	require.Equal(t, 500, upd.Session.TurnDetection.SilenceDurationMs)
	require.Len(t, upd.Session.Tools, 1)
	require.Equal(t, "auto", upd.Session.ToolChoice)

	for i := 0; i < 50; i++ {
		h.conn.sendMedia(t, int64(i*20), bytes.Repeat([]byte{byte(i)}, 160))
	}
	for i := 0; i < 50; i++ {
		s := h.model.next(t)
		require.Equal(t, "input_audio_buffer.append", s.Type)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 160), s.Audio, "append %d out of order", i)
	}
	require.Equal(t, 1, h.relay.ActiveSessions().Total())

	h.conn.send(t, map[string]any{"event": "stop"})
	require.NoError(t, h.wait(t))
	require.True(t, h.model.isClosed())
	require.Equal(t, 0, h.relay.ActiveSessions().Total())

	h.calls.mu.Lock()
	defer h.calls.mu.Unlock()
	require.Equal(t, "MZ1", h.calls.started["CA1"])
	require.Equal(t, []string{"CA1"}, h.calls.ended)
}

func TestRelayPCM16Path(t *testing.T) {
	h := startRelay(t, testConfig(t, func(c *config.Config) {
		c.Relay.AudioPath = config.AudioPathPCM16
	}))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")

	upd := h.model.next(t)
	require.Equal(t, models.AudioFormatPCM16, upd.Session.InputAudioFormat)

	// μ-law 0xFF is silence
	// the first frame holds back the samples that interpolate into the next
	h.conn.sendMedia(t, 20, bytes.Repeat([]byte{0xFF}, 160))
	s := h.model.next(t)
	require.Equal(t, make([]byte, (160*3-2)*2), s.Audio)
	h.conn.sendMedia(t, 40, bytes.Repeat([]byte{0xFF}, 160))
	s = h.model.next(t)
	require.Equal(t, make([]byte, 960), s.Audio)

	// 20ms at 24 kHz is one telephony frame
	h.model.delta("item_1", make([]byte, 960))
	frame := requireMedia(t, h.conn.next(t), "MZ1")
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 160), frame)

	// a delta split in the middle of a sample still yields one frame
	h.model.delta("item_1", make([]byte, 481))
	h.model.delta("item_1", make([]byte, 479))
	frame = requireMedia(t, h.conn.next(t), "MZ1")
	require.Len(t, frame, 160)
	h.conn.expectNone(t, 50*time.Millisecond)
}

func TestRelayPacesOutboundFrames(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	h.model.next(t)

	h.model.delta("item_1", bytes.Repeat([]byte{1}, 100))
	h.model.delta("item_1", bytes.Repeat([]byte{2}, 300))
	want := append(bytes.Repeat([]byte{1}, 100), bytes.Repeat([]byte{2}, 300)...)

	got := requireMedia(t, h.conn.next(t), "MZ1")
	got = append(got, requireMedia(t, h.conn.next(t), "MZ1")...)
	require.Equal(t, want[:320], got)
	h.conn.expectNone(t, 50*time.Millisecond)
}

func TestRelayBargeIn(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	h.model.next(t)

	h.conn.sendMedia(t, 1000, make([]byte, 160))
	h.model.nextOf(t, "input_audio_buffer.append")

	h.model.delta("item_1", make([]byte, 320))
	requireMedia(t, h.conn.next(t), "MZ1")
	requireMedia(t, h.conn.next(t), "MZ1")

	h.conn.sendMedia(t, 1500, make([]byte, 160))
	h.model.nextOf(t, "input_audio_buffer.append")

	h.model.events <- models.ServerEvent{Type: models.EventSpeechStarted}
	tr := h.model.next(t)
	require.Equal(t, "conversation.item.truncate", tr.Type)
	require.Equal(t, "item_1", tr.ItemID)
	require.Equal(t, int64(500), tr.AudioEndMs)
	require.Equal(t, "clear", h.conn.next(t)["event"])

	// late audio of the interrupted item is dropped
	h.model.delta("item_1", make([]byte, 320))
	h.model.events <- models.ServerEvent{Type: models.EventResponseAudioDone, ItemID: "item_1"}
	h.conn.send(t, map[string]any{"event": "dtmf", "dtmf": map[string]any{"digit": "5"}})
	h.model.events <- models.ServerEvent{Type: models.EventResponseDone, Response: &models.Response{ID: "resp_1"}}
	mark := h.conn.next(t)
	require.Equal(t, "mark", mark["event"])
	require.Equal(t, "resp_1", mark["mark"].(map[string]any)["name"])

	v, ok := h.relay.sessions.Load("CA1")
	require.True(t, ok)
	st := v.(*Session).Stats()
	require.Equal(t, uint64(1), st.BargeIns)
	require.Equal(t, uint64(1), st.DroppedDeltas)
}

func TestRelaySpeechWhileIdleIsNotABargeIn(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	h.model.next(t)

	h.model.events <- models.ServerEvent{Type: models.EventSpeechStarted}
	h.conn.sendMedia(t, 20, make([]byte, 160))
	require.Equal(t, "input_audio_buffer.append", h.model.next(t).Type)
	h.conn.expectNone(t, 50*time.Millisecond)
}

func TestRelayOrderingAnomaly(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	h.model.next(t)

	h.model.delta("item_1", make([]byte, 160))
	requireMedia(t, h.conn.next(t), "MZ1")
	h.model.delta("item_2", make([]byte, 160))
	requireMedia(t, h.conn.next(t), "MZ1")

	v, ok := h.relay.sessions.Load("CA1")
	require.True(t, ok)
	require.Equal(t, uint64(1), v.(*Session).Stats().Anomalies)
}

func TestRelayUnsupportedCodec(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/L16")

	err := h.wait(t)
	require.ErrorIs(t, err, ErrUnsupportedCodec)
	require.Empty(t, h.model.sent)
	require.False(t, h.model.isClosed())

	h.calls.mu.Lock()
	defer h.calls.mu.Unlock()
	require.ErrorIs(t, h.calls.failed["CA1"], ErrUnsupportedCodec)
	require.Empty(t, h.calls.ended)
}

func TestRelayModelDisconnect(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	h.model.next(t)

	require.NoError(t, h.model.Close())
	err := h.wait(t)
	require.ErrorIs(t, err, ErrLegDisconnected)
	var rerr *RelayError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, LegModel, rerr.Leg)
	require.Equal(t, "MZ1", rerr.StreamID)

	select {
	case <-h.conn.closed:
	default:
		t.Fatal("telephony leg left open")
	}
}

func TestRelayTelephonyDisconnect(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	h.model.next(t)
	v, ok := h.relay.sessions.Load("CA1")
	require.True(t, ok)
	s := v.(*Session)

	close(h.conn.in)
	err := h.wait(t)
	require.ErrorIs(t, err, ErrLegDisconnected)
	var rerr *RelayError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, LegTelephony, rerr.Leg)
	require.True(t, h.model.isClosed())
	require.Equal(t, "telephony_disconnected", s.Stats().CloseReason)
}

func TestRelayModelRunFails(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.model.runErr = errors.New("dial refused")
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")

	err := h.wait(t)
	require.ErrorIs(t, err, ErrLegDisconnected)
	require.True(t, h.model.isClosed())

	h.calls.mu.Lock()
	defer h.calls.mu.Unlock()
	require.Error(t, h.calls.failed["CA1"])
}

func TestRelayHangup(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	h.model.next(t)

	require.True(t, h.relay.Hangup("CA1"))
	require.NoError(t, h.wait(t))
	require.True(t, h.model.isClosed())
	require.False(t, h.relay.Hangup("CA1"))
}

func TestRelayStopBeforeStart(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.send(t, map[string]any{"event": "stop"})
	require.NoError(t, h.wait(t))
	require.Empty(t, h.model.sent)
}

func TestRelayToolCall(t *testing.T) {
	h := startRelay(t, testConfig(t, nil))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	h.model.next(t)

	h.model.events <- models.ServerEvent{
		Type:      models.EventFunctionCallArgsDone,
		CallID:    "call_1",
		Name:      "checkAvailability",
		Arguments: `{"guests":2}`,
	}
	out := h.model.next(t)
	require.Equal(t, "conversation.item.create", out.Type)
	require.Equal(t, "call_1", out.CallID)
	require.JSONEq(t, `{"available":true,"args":{"guests":2}}`, out.Output)
	require.Equal(t, "response.create", h.model.next(t).Type)
}

func TestRelayGreeting(t *testing.T) {
	h := startRelay(t, testConfig(t, func(c *config.Config) {
		c.Relay.Greeting.Enabled = true
		c.Relay.Greeting.Delay = 10 * time.Millisecond
	}))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	h.model.next(t)

	g := h.model.next(t)
	require.Equal(t, "response.create", g.Type)
	require.NotNil(t, g.Response)
	require.Equal(t, config.DefaultGreetingInstructions, g.Response.Instructions)
	require.Equal(t, []string{"text", "audio"}, g.Response.Modalities)
}

func TestRelayManualCommit(t *testing.T) {
	h := startRelay(t, testConfig(t, func(c *config.Config) {
		c.Relay.TurnDetection = config.TurnDetectionManual
		c.Relay.CommitInterval = 100 * time.Millisecond
	}))
	h.conn.sendStart(t, "MZ1", "CA1", "audio/x-mulaw")
	upd := h.model.next(t)
	require.Nil(t, upd.Session.TurnDetection)

	for ts := int64(0); ts <= 120; ts += 20 {
		h.conn.sendMedia(t, ts, make([]byte, 160))
	}
	var types []string
	for len(types) < 9 {
		types = append(types, h.model.next(t).Type)
	}
	require.Equal(t, []string{
		"input_audio_buffer.append", // 0
		"input_audio_buffer.append", // 20
		"input_audio_buffer.append", // 40
		"input_audio_buffer.append", // 60
		"input_audio_buffer.append", // 80
		"input_audio_buffer.append", // 100
		"input_audio_buffer.commit",
		"response.create",
		"input_audio_buffer.append", // 120, response pending
	}, types)

	h.model.events <- models.ServerEvent{Type: models.EventResponseDone}
	require.Equal(t, "mark", h.conn.next(t)["event"])

	h.conn.sendMedia(t, 240, make([]byte, 160))
	require.Equal(t, "input_audio_buffer.append", h.model.next(t).Type)
	require.Equal(t, "input_audio_buffer.commit", h.model.next(t).Type)
	require.Equal(t, "response.create", h.model.next(t).Type)
}

func TestSessionCloseIdempotent(t *testing.T) {
	conf := testConfig(t, nil)
	r := New(logger.GetLogger(), conf, nil, nil, nil)

	// never received start
	conn := newPipeConn()
	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(ctx, cancel, r, conn)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close("hangup")
		}()
	}
	wg.Wait()
	s.Close("stop")
	s.release()

	require.Error(t, ctx.Err())
	select {
	case <-conn.closed:
	default:
		t.Fatal("telephony leg left open")
	}
	require.True(t, s.Stats().Closed)
}

func TestRelayShutdownContext(t *testing.T) {
	conf := testConfig(t, nil)
	model := newFakeModel()
	r := New(logger.GetLogger(), conf, func(logger.Logger) (models.Model, error) { return model, nil }, nil, nil)
	conn := newPipeConn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, conn) }()

	conn.sendStart(t, "MZ1", "", "PCMU")
	model.next(t)
	_, ok := r.sessions.Load("MZ1")
	require.True(t, ok, "session keyed by stream id when call id is missing")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("relay did not stop")
	}
	require.True(t, model.isClosed())
}

func TestServeOverWebSocket(t *testing.T) {
	conf := testConfig(t, nil)
	model := newFakeModel()
	r := New(logger.GetLogger(), conf, func(logger.Logger) (models.Model, error) { return model, nil }, nil, nil)

	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := telephony.Upgrade(w, req)
		if err != nil {
			served <- err
			return
		}
		served <- r.Serve(req.Context(), conn)
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{
		"event":     "start",
		"stream_id": "st-1",
		"start": map[string]any{
			"call_control_id": "v3:abc",
			"media_format":    map[string]any{"encoding": "PCMU", "sample_rate": 8000, "channels": 1},
		},
	}))
	require.Equal(t, "session.update", model.next(t).Type)

	for i := 0; i < 50; i++ {
		require.NoError(t, ws.WriteJSON(map[string]any{
			"event": "media",
			"media": map[string]any{
				"timestamp": i * 20,
				"payload":   base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{byte(i)}, 160)),
			},
		}))
	}
	for i := 0; i < 50; i++ {
		s := model.next(t)
		require.Equal(t, "input_audio_buffer.append", s.Type)
		require.Equal(t, byte(i), s.Audio[0])
	}

	model.delta("item_1", bytes.Repeat([]byte{0x7F}, 160))
	var out struct {
		Event    string `json:"event"`
		StreamID string `json:"streamSid"`
		Media    struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	require.NoError(t, ws.ReadJSON(&out))
	require.Equal(t, "media", out.Event)
	require.Equal(t, "st-1", out.StreamID)

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "stop"}))
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("relay did not stop")
	}
}
