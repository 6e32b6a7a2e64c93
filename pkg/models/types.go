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

import "encoding/json"

// Turn detection modes.
const (
	TurnDetectionServerVAD = "server_vad"
	TurnDetectionManual    = "manual"
)

// Audio formats understood by the model.
const (
	AudioFormatPCM16    = "pcm16"
	AudioFormatG711ULaw = "g711_ulaw"
	AudioFormatG711ALaw = "g711_alaw"
)

// SessionConfig is the body of a session.update.
type SessionConfig struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	// TurnDetection is always serialised: null selects manual turns.
	TurnDetection *TurnDetection   `json:"turn_detection"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	ToolChoice    string           `json:"tool_choice,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	Prompt        *PromptRef       `json:"prompt,omitempty"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// PromptRef points at a stored prompt on the model service.
type PromptRef struct {
	ID string `json:"id"`
}

// ToolDefinition declares one function the model may call.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponseOptions is the body of a response.create.
type ResponseOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// Server event types consumed by the relay.
const (
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventResponseCreated        = "response.created"
	EventResponseAudioDelta     = "response.audio.delta"
	EventResponseAudioDone      = "response.audio.done"
	EventAudioTranscriptDone    = "response.audio_transcript.done"
	EventResponseDone           = "response.done"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventFunctionCallArgsDone   = "response.function_call_arguments.done"
	EventInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	EventError                  = "error"
)

// ServerEvent is a decoded model event. Only the fields relevant to Type are set.
type ServerEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	ResponseID string       `json:"response_id,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	CallID     string       `json:"call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
	Arguments  string       `json:"arguments,omitempty"`
	Response   *Response    `json:"response,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}
