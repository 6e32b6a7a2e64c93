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
	"encoding/binary"
	"io"

	msdk "github.com/livekit/media-sdk"
)

// BytesToPCM16Into converts little-endian bytes to PCM16Sample using a
// pre-allocated buffer. If sample is nil or has insufficient capacity, it
// allocates a new buffer. A trailing odd byte is ignored; callers that stream
// audio keep it with a Carry.
func BytesToPCM16Into(buf []byte, sample msdk.PCM16Sample) msdk.PCM16Sample {
	needed := len(buf) / 2

	if cap(sample) < needed {
		sample = make(msdk.PCM16Sample, needed)
	} else {
		sample = sample[:needed]
	}

	for i := 0; i < needed; i++ {
		sample[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	return sample
}

// PCM16ToBytesInto converts PCM16Sample to little-endian bytes using a
// pre-allocated buffer.
func PCM16ToBytesInto(sample msdk.PCM16Sample, buf []byte) ([]byte, error) {
	needed := sample.Size()

	if cap(buf) < needed {
		buf = make([]byte, needed)
	} else {
		buf = buf[:needed]
	}

	n, err := sample.CopyTo(buf)
	if err != nil {
		return nil, err
	}
	if n != needed {
		return nil, io.ErrShortWrite
	}
	return buf, nil
}

// Carry joins streamed PCM16 byte chunks that may split a sample in half.
type Carry struct {
	odd  byte
	has  bool
	join []byte
}

// Next returns the bytes of chunk aligned to whole samples, keeping a trailing
// odd byte for the following call. The result is only valid until the next call.
func (c *Carry) Next(chunk []byte) []byte {
	if c.has {
		c.join = append(c.join[:0], c.odd)
		c.join = append(c.join, chunk...)
		chunk = c.join
		c.has = false
	}
	if len(chunk)%2 != 0 {
		c.odd = chunk[len(chunk)-1]
		c.has = true
		chunk = chunk[:len(chunk)-1]
	}
	return chunk
}

// Reset drops a pending odd byte.
func (c *Carry) Reset() {
	c.has = false
}
