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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/config"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/stats"
)

const (
	commandAnswer         = "answer"
	commandStreamingStart = "streaming_start"

	maxErrorBody = 4 << 10
)

// CallControl issues call control commands to the telephony provider.
type CallControl interface {
	Answer(ctx context.Context, callID string) error
	StartStreaming(ctx context.Context, callID string, opts StreamOptions) error
}

type StreamOptions struct {
	StreamURL          string `json:"stream_url"`
	StreamTrack        string `json:"stream_track,omitempty"`
	BidirectionalMode  string `json:"stream_bidirectional_mode,omitempty"`
	BidirectionalCodec string `json:"stream_bidirectional_codec,omitempty"`
}

// CommandError is a non-2xx answer from the provider API.
type CommandError struct {
	Command    string
	StatusCode int
	Body       string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: provider returned %d: %s", e.Command, e.StatusCode, e.Body)
}

// TelnyxClient talks to the Telnyx call control API.
type TelnyxClient struct {
	log     logger.Logger
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewTelnyxClient(log logger.Logger, conf *config.TelnyxConfig) *TelnyxClient {
	if log == nil {
		log = logger.GetLogger()
	}
	timeout := conf.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelnyxClient{
		log:     log.WithComponent("telnyx"),
		apiKey:  conf.APIKey,
		baseURL: strings.TrimSuffix(conf.APIBaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *TelnyxClient) Answer(ctx context.Context, callID string) error {
	return c.command(ctx, callID, commandAnswer, nil)
}

func (c *TelnyxClient) StartStreaming(ctx context.Context, callID string, opts StreamOptions) error {
	if opts.StreamURL == "" {
		return errors.New("stream url is required")
	}
	return c.command(ctx, callID, commandStreamingStart, opts)
}

func (c *TelnyxClient) command(ctx context.Context, callID, command string, body any) (err error) {
	defer func() {
		stats.ProviderCommand(command, err)
	}()
	if callID == "" {
		return errors.New("call control id is required")
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "cannot encode command")
		}
		rd = bytes.NewReader(data)
	}
	u := fmt.Sprintf("%s/calls/%s/actions/%s", c.baseURL, url.PathEscape(callID), command)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, rd)
	if err != nil {
		return errors.Wrap(err, command)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s request failed", command)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &CommandError{
			Command:    command,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.log.Debugw("provider command sent", "command", command, "callID", callID)
	return nil
}
