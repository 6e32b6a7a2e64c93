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
	"math"

	msdk "github.com/livekit/media-sdk"
)

// ResampledLen returns the number of samples Resample produces for n input
// samples: round(n * outRate / inRate).
func ResampledLen(n, inRate, outRate int) int {
	if n <= 0 || inRate <= 0 || outRate <= 0 {
		return 0
	}
	num := int64(n) * int64(outRate)
	return int((2*num + int64(inRate)) / (2 * int64(inRate)))
}

// Resample converts sample from inRate to outRate using linear interpolation
// between the two nearest input samples. Equal rates return the input as is.
// A single input sample is replicated across the output.
func Resample(sample msdk.PCM16Sample, inRate, outRate int) msdk.PCM16Sample {
	return ResampleInto(sample, inRate, outRate, nil)
}

// ResampleInto is Resample with buffer reuse. dst must not alias sample.
func ResampleInto(sample msdk.PCM16Sample, inRate, outRate int, dst msdk.PCM16Sample) msdk.PCM16Sample {
	if inRate == outRate {
		return sample
	}
	n := ResampledLen(len(sample), inRate, outRate)
	if cap(dst) < n {
		dst = make(msdk.PCM16Sample, n)
	} else {
		dst = dst[:n]
	}
	if n == 0 {
		return dst
	}
	if len(sample) == 1 {
		for i := range dst {
			dst[i] = sample[0]
		}
		return dst
	}

	last := len(sample) - 1
	for i := range dst {
		// Fractional input position i*inRate/outRate, kept exact in integers.
		num := int64(i) * int64(inRate)
		idx := int(num / int64(outRate))
		if idx >= last {
			dst[i] = sample[last]
			continue
		}
		frac := float64(num%int64(outRate)) / float64(outRate)
		a, b := float64(sample[idx]), float64(sample[idx+1])
		dst[i] = clamp16(a + (b-a)*frac)
	}
	return dst
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Resampler is the streaming form of Resample. It carries the unconsumed input
// tail and the output phase between chunks, so feeding a stream in pieces
// yields the same samples as feeding it whole. An output sample is emitted
// once both of its neighbouring input samples have arrived.
type Resampler struct {
	inRate  int64
	outRate int64

	next int64            // stream index of the next output sample
	base int64            // stream index of hist[0]
	hist msdk.PCM16Sample // input from the sample next output reads onward
}

func NewResampler(inRate, outRate int) *Resampler {
	return &Resampler{inRate: int64(inRate), outRate: int64(outRate)}
}

// ResampleInto converts the next chunk of the stream. The result reuses dst
// and holds zero or more samples. Equal rates return chunk as is.
func (r *Resampler) ResampleInto(chunk msdk.PCM16Sample, dst msdk.PCM16Sample) msdk.PCM16Sample {
	if r.inRate == r.outRate || r.inRate <= 0 || r.outRate <= 0 {
		return chunk
	}
	r.hist = append(r.hist, chunk...)
	total := r.base + int64(len(r.hist))

	dst = dst[:0]
	for {
		num := r.next * r.inRate
		idx, rem := num/r.outRate, num%r.outRate
		if idx >= total || (rem != 0 && idx+1 >= total) {
			break
		}
		a := float64(r.hist[idx-r.base])
		if rem == 0 {
			dst = append(dst, int16(a))
		} else {
			frac := float64(rem) / float64(r.outRate)
			b := float64(r.hist[idx+1-r.base])
			dst = append(dst, clamp16(a+(b-a)*frac))
		}
		r.next++
	}

	keep := min(r.next*r.inRate/r.outRate-r.base, int64(len(r.hist)))
	n := copy(r.hist, r.hist[keep:])
	r.hist = r.hist[:n]
	r.base += keep
	return dst
}

// Reset starts a new stream.
func (r *Resampler) Reset() {
	r.next, r.base = 0, 0
	r.hist = r.hist[:0]
}
