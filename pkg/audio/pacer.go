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

import "time"

const (
	// FrameDuration is the cadence the telephony leg plays audio at.
	FrameDuration = 20 * time.Millisecond
	// FrameSize is one FrameDuration of 8 kHz companded audio.
	FrameSize = TelephonySampleRate * int(FrameDuration/time.Millisecond) / 1000
)

// Pacer reassembles an arbitrary byte stream into fixed-size frames.
// It is not safe for concurrent use.
type Pacer struct {
	size int
	buf  []byte
}

// NewPacer creates a pacer emitting frames of frameSize bytes.
// A non-positive size falls back to FrameSize.
func NewPacer(frameSize int) *Pacer {
	if frameSize <= 0 {
		frameSize = FrameSize
	}
	return &Pacer{size: frameSize, buf: make([]byte, 0, 4*frameSize)}
}

// FrameSize returns the configured frame size in bytes.
func (p *Pacer) FrameSize() int {
	return p.size
}

// Push appends b and returns every complete frame now available, in arrival
// order. The partial remainder stays buffered for the next call.
func (p *Pacer) Push(b []byte) [][]byte {
	p.buf = append(p.buf, b...)
	if len(p.buf) < p.size {
		return nil
	}

	frames := make([][]byte, 0, len(p.buf)/p.size)
	off := 0
	for len(p.buf)-off >= p.size {
		frame := make([]byte, p.size)
		copy(frame, p.buf[off:off+p.size])
		frames = append(frames, frame)
		off += p.size
	}
	n := copy(p.buf, p.buf[off:])
	p.buf = p.buf[:n]
	return frames
}

// Buffered returns the number of bytes waiting for a full frame.
func (p *Pacer) Buffered() int {
	return len(p.buf)
}

// Reset discards the buffered remainder.
func (p *Pacer) Reset() {
	p.buf = p.buf[:0]
}
