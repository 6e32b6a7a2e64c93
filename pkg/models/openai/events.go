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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/models"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/stats"
)

var ErrMalformedEvent = errors.New("malformed realtime event")

// Client event envelope. Only the fields relevant to Type are set.
type (
	clientEvent struct {
		EventID      string                  `json:"event_id,omitempty"`
		Type         string                  `json:"type"`
		Session      *models.SessionConfig   `json:"session,omitempty"`
		Audio        string                  `json:"audio,omitempty"`
		Response     *models.ResponseOptions `json:"response,omitempty"`
		ItemID       string                  `json:"item_id,omitempty"`
		ContentIndex *int                    `json:"content_index,omitempty"`
		AudioEndMs   *int64                  `json:"audio_end_ms,omitempty"`
		Item         *conversationItem       `json:"item,omitempty"`
	}

	conversationItem struct {
		Type   string `json:"type"`
		CallID string `json:"call_id,omitempty"`
		Output string `json:"output,omitempty"`
	}
)

// DialError is returned when the realtime endpoint rejects the handshake.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("realtime handshake failed (status %d): %v", e.StatusCode, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

// readMessages reads server events until the connection ends
func (m *RealtimeModel) readMessages(conn *websocket.Conn) {
	defer m.finish()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if !m.closed.IsBroken() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Warnw("Realtime model read error", err)
			} else {
				m.log.Debugw("Realtime model connection ended", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			m.dropMalformed(fmt.Errorf("%w: message type %d", ErrMalformedEvent, messageType), nil)
			continue
		}

		ev, err := decodeServerEvent(message)
		if err != nil {
			m.dropMalformed(err, message)
			continue
		}

		select {
		case m.events <- ev:
		case <-m.closed.Watch():
			return
		}
	}
}

func (m *RealtimeModel) dropMalformed(err error, message []byte) {
	stats.MalformedMessage(stats.LegModel)
	m.log.Warnw("Dropping malformed realtime event", err, "length", len(message))
}

// decodeServerEvent parses one server event. Events without a type are malformed.
func decodeServerEvent(data []byte) (models.ServerEvent, error) {
	var ev models.ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return ev, nil
}

func serverError(ev models.ServerEvent) error {
	if ev.Error == nil {
		return errors.New("realtime error event")
	}
	return fmt.Errorf("realtime error %s: %s", ev.Error.Type, ev.Error.Message)
}
