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

package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"
)

const (
	// DefaultKeepaliveInterval is how often the stream is pinged.
	DefaultKeepaliveInterval = 25 * time.Second

	writeWait    = 5 * time.Second
	maxFrameSize = 1 << 20
)

var ErrMalformedEvent = errors.New("malformed media-stream event")

// Conn is the subset of *websocket.Conn a Stream needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Providers connect server-to-server without an Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade accepts a media-stream WebSocket connection from the provider.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// Stream wraps the telephony leg of one call. Reads happen on one goroutine
// and data writes on one other goroutine; keepalive pings use control frames,
// which may be written concurrently.
type Stream struct {
	conn      Conn
	log       logger.Logger
	streamSid string

	closeOnce sync.Once
	closed    core.Fuse
}

func NewStream(log logger.Logger, conn Conn) *Stream {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Stream{conn: conn, log: log}
}

// SetStreamSid tags every outbound event with the provider stream id.
func (s *Stream) SetStreamSid(sid string) {
	s.streamSid = sid
}

func (s *Stream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// ReadEvent blocks for the next event. Parse failures are reported with
// ErrMalformedEvent and leave the stream usable; any other error is terminal.
func (s *Stream) ReadEvent() (*Event, error) {
	typ, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected message type %d", ErrMalformedEvent, typ)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("%w: missing event field", ErrMalformedEvent)
	}
	if ev.Event == EventStart && ev.Start == nil {
		return nil, fmt.Errorf("%w: start event without start payload", ErrMalformedEvent)
	}
	if ev.Event == EventMedia && ev.Media == nil {
		return nil, fmt.Errorf("%w: media event without media payload", ErrMalformedEvent)
	}
	return &ev, nil
}

// DecodePayload returns the raw audio bytes of a media event.
func DecodePayload(m *MediaPayload) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedEvent, err)
	}
	return b, nil
}

// SendMedia sends one audio frame to the caller.
func (s *Stream) SendMedia(frame []byte) error {
	return s.write(OutboundMedia{
		Event:     EventMedia,
		StreamSid: s.streamSid,
		Media:     OutboundData{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// SendClear discards audio queued on the provider side but not yet played.
func (s *Stream) SendClear() error {
	return s.write(OutboundClear{Event: EventClear, StreamSid: s.streamSid})
}

// SendMark asks the provider to echo name back once playback reaches it.
func (s *Stream) SendMark(name string) error {
	return s.write(OutboundMark{Event: EventMark, StreamSid: s.streamSid, Mark: MarkPayload{Name: name}})
}

func (s *Stream) write(v any) error {
	if s.closed.IsBroken() {
		return websocket.ErrCloseSent
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Keepalive pings the provider every interval until the stream is closed.
// Ping failures are logged and never block audio.
func (s *Stream) Keepalive(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.closed.Watch():
				return
			case <-ticker.C:
				if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					s.log.Debugw("keepalive ping failed", "error", err)
				}
			}
		}
	}()
}

// Close sends a normal closure and drops the connection. Safe to call more
// than once and from any goroutine.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Break()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}
