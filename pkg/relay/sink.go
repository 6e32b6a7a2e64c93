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
	"fmt"

	msdk "github.com/livekit/media-sdk"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/audio"
)

// frameSink is the telephony-bound end of the model output. Linear samples
// written to it are companded, then everything is paced into fixed frames and
// handed to send in order.
type frameSink struct {
	law   audio.Law
	pacer *audio.Pacer
	send  func(frame []byte) error
	buf   []byte
}

var _ msdk.PCM16Writer = (*frameSink)(nil)

func newFrameSink(law audio.Law, frameSize int, send func(frame []byte) error) *frameSink {
	return &frameSink{
		law:   law,
		pacer: audio.NewPacer(frameSize),
		send:  send,
	}
}

func (s *frameSink) String() string {
	return fmt.Sprintf("TelephonyFrames(%s, %d)", s.law, s.pacer.FrameSize())
}

func (s *frameSink) SampleRate() int {
	return audio.TelephonySampleRate
}

// WriteSample compands 8 kHz samples and sends the completed frames.
func (s *frameSink) WriteSample(sample msdk.PCM16Sample) error {
	var err error
	if s.buf, err = audio.EncodeInto(sample, s.law, s.buf); err != nil {
		return err
	}
	_, err = s.WriteCompanded(s.buf)
	return err
}

// WriteCompanded paces already companded bytes. It returns the number of frames sent.
func (s *frameSink) WriteCompanded(b []byte) (int, error) {
	frames := s.pacer.Push(b)
	for i, f := range frames {
		if err := s.send(f); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

// Reset drops the partial frame, used when the caller barges in.
func (s *frameSink) Reset() {
	s.pacer.Reset()
}

func (s *frameSink) Close() error {
	s.pacer.Reset()
	return nil
}
