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

package audio

import (
	"errors"
	"fmt"
	"strings"

	msdk "github.com/livekit/media-sdk"
)

// Law is a G.711 companding law.
type Law int

const (
	LawUnknown Law = iota
	LawULaw
	LawALaw
)

// TelephonySampleRate is the only rate companded telephony audio is carried at.
const TelephonySampleRate = 8000

var ErrUnknownLaw = errors.New("unknown companding law")

func (l Law) String() string {
	switch l {
	case LawULaw:
		return "ulaw"
	case LawALaw:
		return "alaw"
	default:
		return "unknown"
	}
}

// ModelFormat returns the realtime model audio format name for the law.
func (l Law) ModelFormat() string {
	switch l {
	case LawULaw:
		return "g711_ulaw"
	case LawALaw:
		return "g711_alaw"
	default:
		return ""
	}
}

// ParseLaw maps the encoding names used by telephony providers and by the
// realtime model to a companding law.
func ParseLaw(encoding string) (Law, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "audio/x-mulaw", "audio/pcmu", "pcmu", "mulaw", "ulaw", "g711_ulaw", "mu-law":
		return LawULaw, nil
	case "audio/x-alaw", "audio/pcma", "pcma", "alaw", "g711_alaw", "a-law":
		return LawALaw, nil
	}
	return LawUnknown, fmt.Errorf("%w: %q", ErrUnknownLaw, encoding)
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// DecodeULawSample expands one μ-law byte into a linear 16-bit sample.
func DecodeULawSample(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	sample := ((mantissa << 3) + ulawBias) << exponent
	sample -= ulawBias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeULawSample compresses a linear 16-bit sample into one μ-law byte.
func EncodeULawSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// alawSegEnd holds the upper bound of each A-law segment on the 13-bit scale.
var alawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

// DecodeALawSample expands one A-law byte into a linear 16-bit sample.
func DecodeALawSample(a byte) int16 {
	a ^= 0x55
	t := int32(a&0x0F) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// EncodeALawSample compresses a linear 16-bit sample into one A-law byte.
func EncodeALawSample(s int16) byte {
	v := int32(s) >> 3
	mask := byte(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}

	seg := 0
	for seg < len(alawSegEnd) && v > alawSegEnd[seg] {
		seg++
	}
	if seg >= len(alawSegEnd) {
		return 0x7F ^ mask
	}

	aval := byte(seg << 4)
	if seg < 2 {
		aval |= byte(v>>1) & 0x0F
	} else {
		aval |= byte(v>>seg) & 0x0F
	}
	return aval ^ mask
}

// Decode expands companded bytes into linear PCM16 samples.
func Decode(buf []byte, law Law) (msdk.PCM16Sample, error) {
	return DecodeInto(buf, law, nil)
}

// DecodeInto is Decode with buffer reuse, following BytesToPCM16Into.
func DecodeInto(buf []byte, law Law, sample msdk.PCM16Sample) (msdk.PCM16Sample, error) {
	var expand func(byte) int16
	switch law {
	case LawULaw:
		expand = DecodeULawSample
	case LawALaw:
		expand = DecodeALawSample
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownLaw, law)
	}

	if cap(sample) < len(buf) {
		sample = make(msdk.PCM16Sample, len(buf))
	} else {
		sample = sample[:len(buf)]
	}
	for i, b := range buf {
		sample[i] = expand(b)
	}
	return sample, nil
}

// Encode compresses linear PCM16 samples into companded bytes. Companding is
// lossy: Decode(Encode(x)) differs from x by at most one quantisation step.
func Encode(sample msdk.PCM16Sample, law Law) ([]byte, error) {
	return EncodeInto(sample, law, nil)
}

// EncodeInto is Encode with buffer reuse.
func EncodeInto(sample msdk.PCM16Sample, law Law, buf []byte) ([]byte, error) {
	var compress func(int16) byte
	switch law {
	case LawULaw:
		compress = EncodeULawSample
	case LawALaw:
		compress = EncodeALawSample
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownLaw, law)
	}

	if cap(buf) < len(sample) {
		buf = make([]byte, len(sample))
	} else {
		buf = buf[:len(sample)]
	}
	for i, s := range sample {
		buf[i] = compress(s)
	}
	return buf, nil
}
