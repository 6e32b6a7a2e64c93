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

package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livekit/protocol/logger"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/config"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/gateway"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/ipvalidator"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/relay"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/stats"
	"github.com/NikolasSpotzy/pelagos-voice-agent/version"
)

const (
	drainInterval   = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// CheckFunc checks that the speech model endpoint is reachable.
type CheckFunc func(ctx context.Context) error

type Service struct {
	conf *config.Config
	log  logger.Logger

	relay   *relay.Relay
	gateway *gateway.Gateway
	check   CheckFunc
	started time.Time

	mainServer   *http.Server
	promServer   *http.Server
	pprofServer  *http.Server
	healthServer *http.Server

	// sessions outlive their HTTP requests; this context ends them on kill
	sessionCtx   context.Context
	killSessions context.CancelFunc

	mon      *stats.Monitor
	shutdown core.Fuse
	killed   atomic.Bool
}

func NewService(
	conf *config.Config, log logger.Logger, rl *relay.Relay, gw *gateway.Gateway,
	check CheckFunc, mon *stats.Monitor,
) (*Service, error) {
	s := &Service{
		conf: conf,
		log:  log,

		relay:   rl,
		gateway: gw,
		check:   check,
		started: time.Now(),

		mon: mon,
	}
	s.sessionCtx, s.killSessions = context.WithCancel(context.Background())

	handler, err := s.newMainHandler()
	if err != nil {
		return nil, err
	}
	s.mainServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", conf.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if conf.PrometheusPort > 0 {
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: promhttp.Handler(),
		}
	}
	if conf.PProfPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.pprofServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PProfPort),
			Handler: mux,
		}
	}
	if conf.HealthPort > 0 {
		s.healthServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.HealthPort),
			Handler: http.HandlerFunc(s.handleHealthStatus),
		}
	}
	return s, nil
}

func (s *Service) newMainHandler() (http.Handler, error) {
	allow, err := ipvalidator.NewIPValidator(s.conf.AllowedIPs)
	if err != nil {
		return nil, err
	}
	limiter := gateway.NewSourceLimiter(s.log, s.conf.WebhookRateLimit, s.conf.WebhookBurst)

	mux := http.NewServeMux()
	mux.Handle("POST /telnyx-webhook", allow.Middleware(s.log, limiter.Middleware(s.gateway)))
	mux.HandleFunc("GET /media-stream", s.handleMediaStream)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /test-model", s.handleTestModel)
	return mux, nil
}

// Handler exposes the main HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.mainServer.Handler
}

func (s *Service) Stop(kill bool) {
	s.mon.Shutdown()
	s.killed.Store(kill)
	if kill {
		s.killSessions()
	}
	s.shutdown.Break()
}

func (s *Service) Run() error {
	s.log.Debugw("starting service", "version", version.Version)

	for _, srv := range []*http.Server{s.mainServer, s.promServer, s.pprofServer, s.healthServer} {
		if srv == nil {
			continue
		}
		l, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return err
		}
		defer l.Close()
		go func() {
			_ = srv.Serve(l)
		}()
	}

	s.log.Infow("service ready", "port", s.conf.Port)
	if u, err := s.conf.MediaStreamURL(); err == nil {
		s.log.Infow("media stream endpoint", "url", u)
	}

	<-s.shutdown.Watch()
	s.log.Infow("shutting down")

	if !s.killed.Load() {
		drainTicker := time.NewTicker(drainInterval)
		defer drainTicker.Stop()

		for !s.killed.Load() {
			st := s.relay.ActiveSessions()
			if st.Total() == 0 {
				break
			}
			s.log.Infow("waiting for calls to finish",
				"sessions", st.Count,
				"sample", st.SampleIDs,
			)
			select {
			case <-drainTicker.C:
			case <-s.sessionCtx.Done():
			}
		}
	}

	s.killSessions()
	s.relay.CloseAll()
	s.gateway.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.mainServer.Shutdown(ctx)
}

func (s *Service) Health() stats.HealthStatus {
	return s.mon.Health()
}

func (s *Service) handleHealthStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Health()
	var code int
	switch st {
	case stats.HealthOK:
		code = http.StatusOK
	case stats.HealthUnderLoad:
		code = http.StatusTooManyRequests
	default:
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(st.String()))
}
