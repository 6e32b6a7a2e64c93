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

package models

import (
	"context"
	"encoding/json"

	"github.com/livekit/protocol/logger"
)

// Model is the speech-model leg of a relay session.
//
// Event Flow:
//
//	telephony media → relay → Model.AppendAudio() → model WebSocket
//	model WebSocket → Model.Events() → relay → telephony media
//
// All send methods are called from a single relay goroutine. Events is closed
// when the model connection ends for any reason.
type Model interface {
	// Run connects to the model service. It must return before any send.
	Run(ctx context.Context) error

	// UpdateSession sends the initial session configuration.
	UpdateSession(cfg SessionConfig) error

	// AppendAudio appends caller audio, already in the input format.
	AppendAudio(audio []byte) error

	// CommitAudio closes the current input buffer into a user turn.
	CommitAudio() error

	// CreateResponse asks the model to respond; opts may be nil.
	CreateResponse(opts *ResponseOptions) error

	// Truncate trims an assistant item to the audio the caller actually heard.
	Truncate(itemID string, contentIndex int, audioEndMs int64) error

	// SendFunctionOutput returns a tool result for a function call.
	SendFunctionOutput(callID string, output json.RawMessage) error

	// Events delivers decoded server events in arrival order.
	Events() <-chan ServerEvent

	// Closed returns a channel that signals when the model is closed
	Closed() <-chan struct{}

	// Close gracefully shuts down the model
	Close() error
}

// GetModelFunc is a function type that creates a Model instance
type GetModelFunc func(log logger.Logger) (Model, error)
