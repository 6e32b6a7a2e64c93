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
	"errors"
	"fmt"
)

// Legs of a relay session.
const (
	LegTelephony = "telephony"
	LegModel     = "model"
)

var (
	// ErrMalformedMessage is logged and the message dropped; the session continues.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrLegDisconnected is terminal: both legs are torn down, nothing is retried.
	ErrLegDisconnected = errors.New("leg disconnected")
	// ErrUnsupportedCodec fails the session before any audio flows.
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// RelayError describes a session failure. Kind is one of the sentinel errors
// above and matches with errors.Is, as does the underlying Err.
type RelayError struct {
	Kind     error
	Leg      string
	StreamID string
	Err      error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay error [%v] leg=%s stream=%s: %v", e.Kind, e.Leg, e.StreamID, e.Err)
	}
	return fmt.Sprintf("relay error [%v] leg=%s stream=%s", e.Kind, e.Leg, e.StreamID)
}

func (e *RelayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newRelayError(kind error, leg, streamID string, err error) *RelayError {
	return &RelayError{
		Kind:     kind,
		Leg:      leg,
		StreamID: streamID,
		Err:      err,
	}
}

func errDisconnected(leg, streamID string, err error) error {
	return newRelayError(ErrLegDisconnected, leg, streamID, err)
}

func errUnsupportedCodec(streamID string, err error) error {
	return newRelayError(ErrUnsupportedCodec, LegTelephony, streamID, err)
}
