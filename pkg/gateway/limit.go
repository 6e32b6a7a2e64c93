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
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/livekit/protocol/logger"
	"golang.org/x/time/rate"
)

const (
	maxLimitedSources = 4096
	limiterIdleTTL    = 10 * time.Minute
)

// SourceLimiter rate limits requests per remote IP.
type SourceLimiter struct {
	log   logger.Logger
	limit rate.Limit
	burst int

	mu      sync.Mutex
	sources *expirable.LRU[string, *rate.Limiter]
}

// NewSourceLimiter returns nil when perSecond is not positive.
func NewSourceLimiter(log logger.Logger, perSecond float64, burst int) *SourceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &SourceLimiter{
		log:     log,
		limit:   rate.Limit(perSecond),
		burst:   burst,
		sources: expirable.NewLRU[string, *rate.Limiter](maxLimitedSources, nil, limiterIdleTTL),
	}
}

func (l *SourceLimiter) Allow(remoteAddr string) bool {
	if l == nil {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	l.mu.Lock()
	lim, ok := l.sources.Get(host)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// re-adding refreshes the idle expiry
	l.sources.Add(host, lim)
	l.mu.Unlock()
	return lim.Allow()
}

func (l *SourceLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			l.log.Debugw("webhook rate limited", "remote", r.RemoteAddr)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
