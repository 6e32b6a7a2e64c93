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
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"golang.org/x/sync/errgroup"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/config"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/models"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/stats"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/telephony"
)

const telephonyEventBuffer = 64

var errModelClosed = errors.New("model connection closed")

type toolResult struct {
	callID string
	name   string
	output json.RawMessage
}

// Session is one duplex relay between a telephony stream and a model session.
//
// The telephony reader goroutine and the model client push events into the
// session loop, which is the only goroutine touching turn state, the
// transcoder and the frame sink. Close may be called from any goroutine.
type Session struct {
	r      *Relay
	log    logger.Logger
	stream *telephony.Stream
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	key       string
	callID    string
	model     models.Model
	announced bool

	streamID string
	started  time.Time
	path     Path
	turn     TurnState
	tc       *transcoder
	sink     *frameSink
	stats    SessionStats
	mon      *stats.SessionMonitor

	truncated      string // last item cut off by barge-in; its late deltas are dropped
	responseActive bool
	lastCommit     int64
	endReason      string
	readErr        error // written by readTelephony before it closes its channel
	toolResults    chan toolResult

	hungUp    atomic.Bool
	closeOnce sync.Once
	closed    core.Fuse
}

func newSession(ctx context.Context, cancel context.CancelFunc, r *Relay, conn telephony.Conn) *Session {
	log := r.log
	s := &Session{
		r:           r,
		ctx:         ctx,
		cancel:      cancel,
		stream:      telephony.NewStream(log, conn),
		toolResults: make(chan toolResult, 4),
	}
	s.log = log.WithValues("remoteAddr", s.stream.RemoteAddr())
	return s
}

func (s *Session) run() error {
	start, err := s.awaitStart()
	if err != nil || start == nil {
		return err
	}
	if err := s.begin(start); err != nil {
		return err
	}
	return s.pump()
}

// awaitStart reads until the start event. A stop before start ends the
// session quietly and returns a nil event.
func (s *Session) awaitStart() (*telephony.Event, error) {
	for {
		ev, err := s.stream.ReadEvent()
		if err != nil {
			if errors.Is(err, telephony.ErrMalformedEvent) {
				s.malformed(stats.LegTelephony, err)
				continue
			}
			return nil, errDisconnected(LegTelephony, "", err)
		}
		switch ev.Event {
		case telephony.EventStart:
			return ev, nil
		case telephony.EventStop:
			s.endReason = "stop"
			return nil, nil
		case telephony.EventMedia:
			s.malformed(stats.LegTelephony, fmt.Errorf("%w: media before start", ErrMalformedMessage))
		default:
			s.log.Debugw("ignoring event before start", "event", ev.Event)
		}
	}
}

// begin negotiates the audio path and opens the model leg.
func (s *Session) begin(ev *telephony.Event) error {
	conf := s.r.conf
	s.streamID = ev.ID()
	callID := ev.Start.CallID()
	key := callID
	if key == "" {
		key = s.streamID
	}
	log := s.log.WithValues("streamID", s.streamID, "callID", callID)
	s.stream.SetStreamSid(s.streamID)

	p, err := NegotiatePath(&conf.Relay, ev.Start.Format())
	if err != nil {
		log.Warnw("rejecting media stream", err, "format", ev.Start.Format())
		s.r.calls.StreamFailed(callID, err)
		return errUnsupportedCodec(s.streamID, err)
	}
	s.path = p
	s.tc = newTranscoder(p)
	s.sink = newFrameSink(p.Law, conf.Relay.FrameSize, s.sendFrame)

	s.mu.Lock()
	if s.closed.IsBroken() {
		s.mu.Unlock()
		return nil
	}
	s.key, s.callID = key, callID
	s.log = log
	s.started = time.Now()
	s.mon = s.r.mon.NewSession(p.Mode)
	prev, loaded := s.r.sessions.Swap(key, s)
	s.mu.Unlock()
	if loaded && prev != s {
		s.log.Warnw("replacing running session for call", nil)
		prev.(*Session).hangup()
	}

	s.log.Infow("media stream started", "path", p.String(), "format", ev.Start.Format())

	model, err := s.r.getModel(s.log)
	if err != nil {
		s.r.calls.StreamFailed(callID, err)
		return errDisconnected(LegModel, s.streamID, err)
	}
	if !s.setModel(model) {
		return nil
	}
	if err := model.Run(s.ctx); err != nil {
		s.r.calls.StreamFailed(callID, err)
		return errDisconnected(LegModel, s.streamID, err)
	}
	if err := model.UpdateSession(sessionConfig(conf, p, s.r.tools)); err != nil {
		s.r.calls.StreamFailed(callID, err)
		return errDisconnected(LegModel, s.streamID, err)
	}

	s.mu.Lock()
	s.announced = true
	s.mu.Unlock()
	s.r.calls.StreamStarted(callID, s.streamID)

	s.stream.Keepalive(conf.Relay.KeepaliveInterval)
	return nil
}

// setModel records the model leg unless the session was closed meanwhile.
func (s *Session) setModel(m models.Model) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.IsBroken() {
		_ = m.Close()
		return false
	}
	s.model = m
	return true
}

func (s *Session) pump() error {
	if s.closed.IsBroken() {
		return nil
	}
	g, ctx := errgroup.WithContext(s.ctx)
	events := make(chan *telephony.Event, telephonyEventBuffer)

	g.Go(func() error {
		return s.readTelephony(ctx, events)
	})
	g.Go(func() error {
		err := s.loop(ctx, events)
		// unblocks the telephony reader
		s.Close(endReason(err, s.endReason))
		return err
	})
	return g.Wait()
}

// readTelephony feeds telephony events to the loop. Its terminal error is
// recorded before out is closed so the loop can report the disconnect.
func (s *Session) readTelephony(ctx context.Context, out chan<- *telephony.Event) (err error) {
	defer func() {
		s.readErr = err
		close(out)
	}()
	for {
		ev, err := s.stream.ReadEvent()
		if err != nil {
			if errors.Is(err, telephony.ErrMalformedEvent) {
				s.malformed(stats.LegTelephony, err)
				continue
			}
			if s.closed.IsBroken() {
				return nil
			}
			return errDisconnected(LegTelephony, s.streamID, err)
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) loop(ctx context.Context, events <-chan *telephony.Event) error {
	var greeting <-chan time.Time
	if g := s.r.conf.Relay.Greeting; g.Enabled {
		t := time.NewTimer(g.Delay)
		defer t.Stop()
		greeting = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.endReason = "hangup"
			return nil

		case ev, ok := <-events:
			if !ok {
				if s.readErr != nil {
					return s.readErr
				}
				s.endReason = "telephony_closed"
				return nil
			}
			done, err := s.handleTelephony(ev)
			if err != nil || done {
				return err
			}

		case ev, ok := <-s.model.Events():
			if !ok {
				return errDisconnected(LegModel, s.streamID, errModelClosed)
			}
			if err := s.handleModel(ctx, ev); err != nil {
				return err
			}

		case <-s.model.Closed():
			return errDisconnected(LegModel, s.streamID, errModelClosed)

		case <-greeting:
			greeting = nil
			if err := s.sendGreeting(); err != nil {
				return err
			}

		case res := <-s.toolResults:
			if err := s.sendToolResult(res); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleTelephony(ev *telephony.Event) (done bool, err error) {
	switch ev.Event {
	case telephony.EventMedia:
		return false, s.handleMedia(ev.Media)
	case telephony.EventStop:
		s.log.Infow("media stream stopped by provider")
		s.endReason = "stop"
		return true, nil
	case telephony.EventMark:
		if ev.Mark != nil {
			s.log.Debugw("playback reached mark", "mark", ev.Mark.Name)
		}
	case telephony.EventDTMF:
		if ev.DTMF != nil {
			s.log.Infow("caller pressed key", "digit", ev.DTMF.Digit)
		}
	case telephony.EventStart:
		s.log.Warnw("ignoring repeated start", nil)
	default:
		s.log.Debugw("ignoring telephony event", "event", ev.Event)
	}
	return false, nil
}

func (s *Session) handleMedia(m *telephony.MediaPayload) error {
	s.turn.ObserveMediaTime(int64(m.Timestamp))

	// both_tracks streams echo our own audio back on the outbound track
	if m.Track != "" && m.Track != "inbound" && m.Track != "inbound_track" {
		return nil
	}
	payload, err := telephony.DecodePayload(m)
	if err != nil {
		s.malformed(stats.LegTelephony, err)
		return nil
	}
	s.stats.MediaIn.Add(1)
	s.stats.MediaInBytes.Add(uint64(len(payload)))
	s.mon.MediaIn()

	data, err := s.tc.Inbound(payload)
	if err != nil {
		s.malformed(stats.LegTelephony, err)
		return nil
	}
	if err := s.model.AppendAudio(data); err != nil {
		return errDisconnected(LegModel, s.streamID, err)
	}
	s.stats.AppendsSent.Add(1)

	if s.r.conf.Relay.TurnDetection == config.TurnDetectionManual {
		return s.maybeCommit()
	}
	return nil
}

// maybeCommit closes the caller's turn every commit interval of media time
// while no response is in progress.
func (s *Session) maybeCommit() error {
	latest := s.turn.Snapshot().LatestMediaTime
	if latest-s.lastCommit < s.r.conf.Relay.CommitInterval.Milliseconds() {
		return nil
	}
	if s.responseActive || s.turn.Speaking() {
		return nil
	}
	if err := s.model.CommitAudio(); err != nil {
		return errDisconnected(LegModel, s.streamID, err)
	}
	if err := s.model.CreateResponse(nil); err != nil {
		return errDisconnected(LegModel, s.streamID, err)
	}
	s.lastCommit = latest
	s.responseActive = true
	s.log.Debugw("committed caller audio", "mediaTime", latest)
	return nil
}

func (s *Session) handleModel(ctx context.Context, ev models.ServerEvent) error {
	switch ev.Type {
	case models.EventSessionCreated, models.EventSessionUpdated:
		s.log.Debugw("model session event", "type", ev.Type)

	case models.EventResponseCreated:
		s.responseActive = true
		s.stats.Responses.Add(1)
		s.log.Debugw("model response created", "responseID", responseID(ev))

	case models.EventResponseAudioDelta:
		return s.handleAudioDelta(ev)

	case models.EventResponseAudioDone:
		s.log.Debugw("model audio complete", "itemID", ev.ItemID, "buffered", s.sink.pacer.Buffered())

	case models.EventResponseDone:
		s.responseActive = false
		s.turn.CompleteResponse()
		if err := s.stream.SendMark(responseID(ev)); err != nil {
			return errDisconnected(LegTelephony, s.streamID, err)
		}

	case models.EventSpeechStarted:
		return s.handleBargeIn()

	case models.EventSpeechStopped:
		s.log.Debugw("caller stopped speaking")

	case models.EventFunctionCallArgsDone:
		s.startToolCall(ctx, ev)

	case models.EventAudioTranscriptDone:
		s.log.Infow("agent transcript", "itemID", ev.ItemID, "transcript", ev.Transcript)

	case models.EventInputTranscriptionDone:
		s.log.Infow("caller transcript", "itemID", ev.ItemID, "transcript", ev.Transcript)

	case models.EventError:
		var detail models.ErrorDetail
		if ev.Error != nil {
			detail = *ev.Error
		}
		s.log.Warnw("model reported error", errors.New(detail.Message), "type", detail.Type, "code", detail.Code)

	default:
		s.log.Debugw("unhandled model event", "type", ev.Type)
	}
	return nil
}

func (s *Session) handleAudioDelta(ev models.ServerEvent) error {
	item := ev.ItemID
	if item == "" {
		item = ev.ResponseID
	}
	if item != "" && item == s.truncated {
		s.stats.DroppedDeltas.Add(1)
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(ev.Delta)
	if err != nil {
		s.malformed(stats.LegModel, fmt.Errorf("%w: audio delta: %v", ErrMalformedMessage, err))
		return nil
	}
	s.stats.DeltasIn.Add(1)
	s.stats.DeltaBytes.Add(uint64(len(data)))

	if item != s.turn.ItemID() {
		prev := s.turn.ItemID()
		if s.turn.StartResponse(item) {
			s.stats.Anomalies.Add(1)
			s.mon.Anomaly()
			s.log.Warnw("audio for new item while another is speaking", nil, "previousItemID", prev, "itemID", item)
		}
	}

	if s.path.Mode == config.AudioPathPCM16 {
		err = s.sink.WriteSample(s.tc.Outbound(data))
	} else {
		_, err = s.sink.WriteCompanded(data)
	}
	if err != nil {
		return errDisconnected(LegTelephony, s.streamID, err)
	}
	return nil
}

func (s *Session) sendFrame(frame []byte) error {
	if err := s.stream.SendMedia(frame); err != nil {
		return err
	}
	s.stats.FramesOut.Add(1)
	s.mon.FrameOut()
	return nil
}

// handleBargeIn cuts the agent off when the caller starts speaking: the model
// is told how much of the item was heard and queued provider audio is cleared.
func (s *Session) handleBargeIn() error {
	tr, ok := s.turn.BargeIn()
	if !ok {
		return nil
	}
	s.truncated = tr.ItemID
	s.sink.Reset()
	s.tc.Reset()
	s.stats.BargeIns.Add(1)
	s.mon.BargeIn()
	s.log.Infow("caller barged in", "itemID", tr.ItemID, "audioEndMs", tr.AudioEndMs)

	if err := s.model.Truncate(tr.ItemID, 0, tr.AudioEndMs); err != nil {
		return errDisconnected(LegModel, s.streamID, err)
	}
	if err := s.stream.SendClear(); err != nil {
		return errDisconnected(LegTelephony, s.streamID, err)
	}
	return nil
}

func (s *Session) startToolCall(ctx context.Context, ev models.ServerEvent) {
	s.stats.ToolCalls.Add(1)
	s.log.Infow("model requested tool", "name", ev.Name, "callID", ev.CallID)

	tools := s.r.tools
	go func() {
		var out json.RawMessage
		if tools == nil {
			out = json.RawMessage(`{"error":"Unknown function"}`)
		} else {
			out = tools.Call(ctx, ev.Name, json.RawMessage(ev.Arguments))
		}
		select {
		case s.toolResults <- toolResult{callID: ev.CallID, name: ev.Name, output: out}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) sendToolResult(res toolResult) error {
	if err := s.model.SendFunctionOutput(res.callID, res.output); err != nil {
		return errDisconnected(LegModel, s.streamID, err)
	}
	if err := s.model.CreateResponse(nil); err != nil {
		return errDisconnected(LegModel, s.streamID, err)
	}
	s.responseActive = true
	return nil
}

func (s *Session) sendGreeting() error {
	if s.responseActive || s.turn.Speaking() {
		return nil
	}
	g := s.r.conf.Relay.Greeting
	err := s.model.CreateResponse(&models.ResponseOptions{
		Modalities:   s.r.conf.Model.Modalities,
		Instructions: g.Instructions,
	})
	if err != nil {
		return errDisconnected(LegModel, s.streamID, err)
	}
	s.responseActive = true
	return nil
}

func (s *Session) malformed(leg string, err error) {
	s.stats.Malformed.Add(1)
	s.mon.Malformed(leg)
	s.log.Warnw("dropping malformed message", err, "leg", leg)
}

// hangup is the forced teardown used by the gateway and on shutdown.
func (s *Session) hangup() {
	s.hungUp.Store(true)
	s.Close("hangup")
}

// Close tears the session down. It is idempotent, safe from any goroutine and
// safe on a session that never received start.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Break()
		model, key, callID, announced := s.model, s.key, s.callID, s.announced
		log, started, mon := s.log, s.started, s.mon
		s.mu.Unlock()

		s.cancel()
		s.stats.CloseReason.Store(&reason)
		s.stats.Closed.Store(true)

		if model != nil {
			if err := model.Close(); err != nil {
				log.Warnw("failed to close model", err)
			}
		}
		if err := s.stream.Close(); err != nil {
			log.Debugw("telephony close", "error", err)
		}
		if key != "" {
			s.r.sessions.CompareAndDelete(key, s)
		}
		if announced {
			s.r.calls.StreamEnded(callID)
		}
		mon.End(reason)
		if !started.IsZero() {
			s.stats.Log(log, started)
		}
		log.Infow("relay session closed", "reason", reason)
	})
}

// release drops buffered audio once the loop has exited.
func (s *Session) release() {
	if s.sink != nil {
		_ = s.sink.Close()
	}
	if s.tc != nil {
		s.tc.Reset()
	}
}

func (s *Session) Stats() SessionStatsSnapshot {
	return s.stats.Load()
}

func responseID(ev models.ServerEvent) string {
	if ev.Response != nil && ev.Response.ID != "" {
		return ev.Response.ID
	}
	return ev.ResponseID
}
