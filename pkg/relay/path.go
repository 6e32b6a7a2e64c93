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
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/config"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/models"
	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/telephony"
)

// Path is the audio conversion chosen once at session start.
type Path struct {
	Mode      string // config.AudioPathPassthrough or config.AudioPathPCM16
	Law       audio.Law
	ModelRate int // linear PCM rate of the model, pcm16 mode only
}

// NegotiatePath checks the telephony media format against the configured path.
// Telephony audio must be mono companded 8 kHz; an empty encoding means μ-law.
func NegotiatePath(cfg *config.RelayConfig, f telephony.MediaFormat) (Path, error) {
	law := audio.LawULaw
	if f.Encoding != "" {
		var err error
		if law, err = audio.ParseLaw(f.Encoding); err != nil {
			return Path{}, fmt.Errorf("%w: %v", ErrUnsupportedCodec, err)
		}
	}
	if f.SampleRate != 0 && f.SampleRate != audio.TelephonySampleRate {
		return Path{}, fmt.Errorf("%w: sample rate %d", ErrUnsupportedCodec, f.SampleRate)
	}
	if f.Channels > 1 {
		return Path{}, fmt.Errorf("%w: %d channels", ErrUnsupportedCodec, f.Channels)
	}

	p := Path{Mode: cfg.AudioPath, Law: law}
	switch cfg.AudioPath {
	case config.AudioPathPassthrough:
	case config.AudioPathPCM16:
		p.ModelRate = cfg.ModelSampleRate
		if p.ModelRate <= 0 {
			p.ModelRate = config.DefaultModelSampleRate
		}
	default:
		return Path{}, fmt.Errorf("%w: audio path %q", ErrUnsupportedCodec, cfg.AudioPath)
	}
	return p, nil
}

// ModelFormat is the audio format name announced to the model for both directions.
func (p Path) ModelFormat() string {
	if p.Mode == config.AudioPathPCM16 {
		return models.AudioFormatPCM16
	}
	return p.Law.ModelFormat()
}

func (p Path) String() string {
	if p.Mode == config.AudioPathPCM16 {
		return fmt.Sprintf("%s->pcm16@%d", p.Law, p.ModelRate)
	}
	return fmt.Sprintf("%s passthrough", p.Law)
}

// transcoder converts audio for one session. Buffers are reused between calls,
// so returned slices are only valid until the next call in the same direction.
type transcoder struct {
	path Path

	inPCM       msdk.PCM16Sample
	inResampler *audio.Resampler
	inResampled msdk.PCM16Sample
	inBytes     []byte

	outCarry     audio.Carry
	outPCM       msdk.PCM16Sample
	outResampler *audio.Resampler
	outResampled msdk.PCM16Sample
}

func newTranscoder(p Path) *transcoder {
	t := &transcoder{path: p}
	if p.Mode == config.AudioPathPCM16 {
		t.inResampler = audio.NewResampler(audio.TelephonySampleRate, p.ModelRate)
		t.outResampler = audio.NewResampler(p.ModelRate, audio.TelephonySampleRate)
	}
	return t
}

// Inbound converts a telephony payload into the model input format.
func (t *transcoder) Inbound(payload []byte) ([]byte, error) {
	if t.path.Mode != config.AudioPathPCM16 {
		return payload, nil
	}
	var err error
	if t.inPCM, err = audio.DecodeInto(payload, t.path.Law, t.inPCM); err != nil {
		return nil, err
	}
	t.inResampled = t.inResampler.ResampleInto(t.inPCM, t.inResampled)
	if t.inBytes, err = audio.PCM16ToBytesInto(t.inResampled, t.inBytes); err != nil {
		return nil, err
	}
	return t.inBytes, nil
}

// Outbound converts a model audio delta into 8 kHz linear samples. It is only
// used on the pcm16 path; passthrough deltas are already companded.
func (t *transcoder) Outbound(delta []byte) msdk.PCM16Sample {
	aligned := t.outCarry.Next(delta)
	t.outPCM = audio.BytesToPCM16Into(aligned, t.outPCM)
	t.outResampled = t.outResampler.ResampleInto(t.outPCM, t.outResampled)
	return t.outResampled
}

// Reset drops model audio left over from an interrupted response: a half
// sample and the resampler tail. The next delta starts a new stream.
func (t *transcoder) Reset() {
	t.outCarry.Reset()
	if t.outResampler != nil {
		t.outResampler.Reset()
	}
}
