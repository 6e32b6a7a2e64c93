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
	"testing"

	msdk "github.com/livekit/media-sdk"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseLaw(t *testing.T) {
	tests := []struct {
		encoding string
		want     Law
		wantErr  bool
	}{
		{encoding: "audio/x-mulaw", want: LawULaw},
		{encoding: "PCMU", want: LawULaw},
		{encoding: "g711_ulaw", want: LawULaw},
		{encoding: "audio/x-alaw", want: LawALaw},
		{encoding: " PCMA ", want: LawALaw},
		{encoding: "g711_alaw", want: LawALaw},
		{encoding: "audio/x-l16", wantErr: true},
		{encoding: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			got, err := ParseLaw(tt.encoding)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownLaw)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeKnownValues(t *testing.T) {
	// Silence and full-scale reference points of both laws.
	require.Equal(t, int16(0), DecodeULawSample(0xFF))
	require.Equal(t, int16(0), DecodeULawSample(0x7F))
	require.Equal(t, int16(-32124), DecodeULawSample(0x00))
	require.Equal(t, int16(32124), DecodeULawSample(0x80))
	require.Equal(t, int16(8), DecodeALawSample(0xD5))
	require.Equal(t, int16(-8), DecodeALawSample(0x55))
	require.Equal(t, int16(32256), DecodeALawSample(0xAA))
	require.Equal(t, int16(-32256), DecodeALawSample(0x2A))
}

func TestUnknownLaw(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, LawUnknown)
	require.True(t, errors.Is(err, ErrUnknownLaw))
	_, err = Encode(msdk.PCM16Sample{1, 2, 3}, Law(42))
	require.True(t, errors.Is(err, ErrUnknownLaw))
}

func TestCompandedRoundTripAllBytes(t *testing.T) {
	for _, law := range []Law{LawULaw, LawALaw} {
		t.Run(law.String(), func(t *testing.T) {
			all := make([]byte, 256)
			for i := range all {
				all[i] = byte(i)
			}
			pcm, err := Decode(all, law)
			require.NoError(t, err)
			enc, err := Encode(pcm, law)
			require.NoError(t, err)
			again, err := Decode(enc, law)
			require.NoError(t, err)
			// Every companded value is exactly representable, so the round
			// trip lands on the same level. Only μ-law's two zero codes alias.
			require.Equal(t, pcm, again)
			if law == LawALaw {
				require.Equal(t, all, enc)
			}
		})
	}
}

func TestCompandedQuantisationError(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		law := rapid.SampledFrom([]Law{LawULaw, LawALaw}).Draw(t, "law")
		x := rapid.Int16().Draw(t, "sample")

		enc, err := Encode(msdk.PCM16Sample{x}, law)
		if err != nil {
			t.Fatal(err)
		}
		dec, err := Decode(enc, law)
		if err != nil {
			t.Fatal(err)
		}
		diff := int32(dec[0]) - int32(x)
		if diff < 0 {
			diff = -diff
		}
		bound := int32(1024)
		if x > -1000 && x < 1000 {
			bound = 64
		}
		if diff > bound {
			t.Fatalf("%s: %d decoded to %d (error %d > %d)", law, x, dec[0], diff, bound)
		}
	})
}

func TestDecodeIntoReusesBuffer(t *testing.T) {
	buf := make(msdk.PCM16Sample, 0, 320)
	out, err := DecodeInto(make([]byte, 160), LawULaw, buf)
	require.NoError(t, err)
	require.Len(t, out, 160)
	require.Equal(t, 320, cap(out))
}
