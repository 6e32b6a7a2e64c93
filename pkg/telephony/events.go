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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Inbound media-stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// Event is one JSON frame received from the telephony media stream.
type Event struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	StreamID       string        `json:"stream_id,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
}

// StartPayload describes the stream. Both camel-case and snake-case provider
// variants are accepted.
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CallControlID    string            `json:"call_control_id"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	MediaFormatAlt   *MediaFormat      `json:"media_format"`
}

// MediaFormat is the negotiated encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

func (f *MediaFormat) UnmarshalJSON(data []byte) error {
	var aux struct {
		Encoding      string `json:"encoding"`
		SampleRate    int    `json:"sampleRate"`
		SampleRateAlt int    `json:"sample_rate"`
		Channels      int    `json:"channels"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	f.Encoding = aux.Encoding
	f.SampleRate = aux.SampleRate
	if f.SampleRate == 0 {
		f.SampleRate = aux.SampleRateAlt
	}
	f.Channels = aux.Channels
	return nil
}

// MediaPayload carries one chunk of caller audio.
type MediaPayload struct {
	Track     string    `json:"track,omitempty"`
	Chunk     string    `json:"chunk,omitempty"`
	Timestamp MediaTime `json:"timestamp"`
	Payload   string    `json:"payload"`
}

type StopPayload struct {
	CallSid    string `json:"callSid,omitempty"`
	AccountSid string `json:"accountSid,omitempty"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// DTMFPayload is a keypress detected on the call.
type DTMFPayload struct {
	Digit string `json:"digit"`
}

// MediaTime is the stream's media clock in milliseconds. Providers send it
// either as a JSON number or as a decimal string.
type MediaTime int64

func (t *MediaTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = 0
			return nil
		}
		data = []byte(s)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid media timestamp %q: %w", data, err)
	}
	*t = MediaTime(v)
	return nil
}

// ID returns the stream identifier regardless of the provider's field naming.
func (e *Event) ID() string {
	switch {
	case e.StreamSid != "":
		return e.StreamSid
	case e.Start != nil && e.Start.StreamSid != "":
		return e.Start.StreamSid
	default:
		return e.StreamID
	}
}

// CallID returns the provider call identifier carried by a start event.
func (p *StartPayload) CallID() string {
	if p.CallSid != "" {
		return p.CallSid
	}
	return p.CallControlID
}

// Format returns the media format regardless of the provider's field naming.
func (p *StartPayload) Format() MediaFormat {
	if p.MediaFormat.Encoding == "" && p.MediaFormatAlt != nil {
		return *p.MediaFormatAlt
	}
	return p.MediaFormat
}

// Outbound events.
type (
	OutboundMedia struct {
		Event     string       `json:"event"`
		StreamSid string       `json:"streamSid"`
		Media     OutboundData `json:"media"`
	}

	OutboundData struct {
		Payload string `json:"payload"`
	}

	OutboundClear struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
	}

	OutboundMark struct {
		Event     string      `json:"event"`
		StreamSid string      `json:"streamSid"`
		Mark      MarkPayload `json:"mark"`
	}
)
