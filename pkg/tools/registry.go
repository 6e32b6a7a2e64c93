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

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/livekit/protocol/logger"
	"golang.org/x/exp/maps"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/models"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/stats"
)

var (
	ErrUnknownTool   = errors.New("Unknown function")
	ErrDuplicateTool = errors.New("tool already registered")
)

// Handler runs a tool. The result is marshalled to JSON for the model.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema of the arguments
	Handler     Handler
}

// Registry holds the tools offered to every session.
type Registry struct {
	log   logger.Logger
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.GetLogger().WithComponent("tools")
	}
	return &Registry{
		log:   log,
		tools: make(map[string]Tool),
	}
}

func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Definitions lists the registered tools sorted by name.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := slices.Sorted(maps.Keys(r.tools))
	defs := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, models.ToolDefinition{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Call runs the named tool. Failures come back as {"error": "..."} so the
// model can tell the caller.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) json.RawMessage {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.log.Warnw("model called unknown tool", ErrUnknownTool, "name", name)
		stats.ToolCall(name, false)
		return errorResult(ErrUnknownTool)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	res, err := t.Handler(ctx, args)
	if err != nil {
		r.log.Warnw("tool failed", err, "name", name)
		stats.ToolCall(name, false)
		return errorResult(err)
	}
	out, err := json.Marshal(res)
	if err != nil {
		r.log.Errorw("tool result not serialisable", err, "name", name)
		stats.ToolCall(name, false)
		return errorResult(err)
	}
	stats.ToolCall(name, true)
	r.log.Infow("tool completed", "name", name)
	return out
}

func errorResult(err error) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return out
}

// Decode unmarshals tool arguments, reporting bad input as a tool error.
func Decode[T any](args json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("invalid arguments: %v", err)
	}
	return v, nil
}
