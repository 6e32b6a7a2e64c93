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
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/livekit/protocol/logger"
)

type CallState string

const (
	CallInitiated CallState = "initiated"
	CallAnswered  CallState = "answered"
	CallStreaming CallState = "streaming"
	CallEnded     CallState = "ended"
)

// CallSession is what the gateway knows about one provider call.
type CallSession struct {
	CallID      string
	StreamID    string
	From        string
	To          string
	State       CallState
	StreamError string // last reason a media stream failed to start
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Registry tracks provider calls by call control id. Entries expire after a
// period without updates, so calls whose hangup webhook never arrived do not
// accumulate.
type Registry struct {
	log logger.Logger
	now func() time.Time

	mu     sync.Mutex
	byCall *expirable.LRU[string, *CallSession]
}

func NewRegistry(log logger.Logger, size int, ttl time.Duration) *Registry {
	if log == nil {
		log = logger.GetLogger()
	}
	r := &Registry{
		log: log.WithComponent("calls"),
		now: time.Now,
	}
	r.byCall = expirable.NewLRU[string, *CallSession](size, func(id string, c *CallSession) {
		if c.State != CallEnded {
			r.log.Debugw("call dropped", "callID", id, "state", c.State)
		}
	}, ttl)
	return r
}

// Put registers a call. An existing entry for the same id is replaced.
func (r *Registry) Put(c CallSession) {
	now := r.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCall.Add(c.CallID, &c)
}

// Get returns a copy of the call.
func (r *Registry) Get(callID string) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCall.Get(callID)
	if !ok {
		return CallSession{}, false
	}
	return *c, true
}

// Update applies fn to a tracked call. It reports false for unknown calls.
func (r *Registry) Update(callID string, fn func(c *CallSession)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCall.Get(callID)
	if !ok {
		return false
	}
	cp := *c
	fn(&cp)
	cp.CallID = callID
	cp.UpdatedAt = r.now()
	r.byCall.Add(callID, &cp)
	return true
}

func (r *Registry) Remove(callID string) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byCall.Peek(callID)
	if !ok {
		return CallSession{}, false
	}
	r.byCall.Remove(callID)
	return *c, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byCall.Len()
}

// Snapshot returns the tracked calls ordered by call id.
func (r *Registry) Snapshot() []CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byCall.Keys()
	slices.Sort(ids)
	out := make([]CallSession, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.byCall.Peek(id); ok {
			out = append(out, *c)
		}
	}
	return out
}

func (r *Registry) setState(callID string, st CallState) bool {
	return r.Update(callID, func(c *CallSession) {
		c.State = st
	})
}

// StreamStarted links a relay session to its call.
func (r *Registry) StreamStarted(callID, streamID string) {
	if callID == "" {
		return
	}
	ok := r.Update(callID, func(c *CallSession) {
		c.StreamID = streamID
		c.StreamError = ""
		c.State = CallStreaming
	})
	if !ok {
		r.log.Debugw("media stream for untracked call", "callID", callID, "streamID", streamID)
	}
}

// StreamFailed records why a media stream could not start. The call stays
// answered; the provider may open another stream.
func (r *Registry) StreamFailed(callID string, err error) {
	r.log.Warnw("media stream failed", err, "callID", callID)
	if callID == "" || err == nil {
		return
	}
	r.Update(callID, func(c *CallSession) {
		c.StreamError = err.Error()
		if c.State == CallStreaming {
			c.State = CallAnswered
		}
	})
}

// FailedStreams counts tracked calls whose media stream failed to start.
func (r *Registry) FailedStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.byCall.Keys() {
		if c, ok := r.byCall.Peek(id); ok && c.StreamError != "" {
			n++
		}
	}
	return n
}

func (r *Registry) StreamEnded(callID string) {
	r.Update(callID, func(c *CallSession) {
		if c.State == CallStreaming {
			c.State = CallAnswered
		}
		c.StreamID = ""
	})
}
