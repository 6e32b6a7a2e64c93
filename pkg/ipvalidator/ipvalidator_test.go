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

package ipvalidator_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"

	"github.com/NikolasSpotzy/pelagos-voice-agent/pkg/ipvalidator"
)

func TestNewIPValidator(t *testing.T) {
	for _, c := range []struct {
		name    string
		allowed []string
		wantErr string
	}{
		{name: "ranges and hosts", allowed: []string{"192.168.1.0/24", "10.0.0.1", "2001:db8::/32", "::1"}},
		{name: "whitespace entries", allowed: []string{"  192.168.1.0/24  ", "  ", "10.0.0.1"}},
		{name: "empty list"},
		{name: "bad address", allowed: []string{"999.999.999.999"}, wantErr: "invalid IP address"},
		{name: "bad prefix length", allowed: []string{"192.168.1.0/99"}, wantErr: "invalid IP/CIDR"},
		{name: "short address", allowed: []string{"192.168.1/24"}, wantErr: "invalid IP/CIDR"},
	} {
		t.Run(c.name, func(t *testing.T) {
			v, err := ipvalidator.NewIPValidator(c.allowed)
			if c.wantErr != "" {
				require.ErrorContains(t, err, c.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, v)
		})
	}
}

func TestIPValidator_IsAllowed(t *testing.T) {
	telnyx := []string{"192.76.120.0/24", "64.16.250.0/24", "203.0.113.7"}
	for _, c := range []struct {
		allowed []string
		addr    string
		want    bool
	}{
		{telnyx, "192.76.120.10", true},
		{telnyx, "192.76.120.10:443", true},
		{telnyx, "64.16.250.255", true},
		{telnyx, "203.0.113.7", true},
		{telnyx, "203.0.113.8", false},
		{telnyx, "192.76.121.1", false},
		{telnyx, "invalid-ip", false},
		{telnyx, "", false},
		{[]string{"192.168.1.100/32"}, "192.168.1.100", true},
		{[]string{"192.168.1.5/24"}, "192.168.1.200", true},
		{[]string{"2001:db8::/32"}, "[2001:db8::1]:443", true},
		{[]string{"2001:db8::/32"}, "2001:db9::1", false},
		{[]string{"::1"}, "::1", true},
		{nil, "127.0.0.1", false},
	} {
		v, err := ipvalidator.NewIPValidator(c.allowed)
		require.NoError(t, err)
		require.Equal(t, c.want, v.IsAllowed(c.addr), "%v %q", c.allowed, c.addr)
	}
}

func TestIPValidator_Unmapped(t *testing.T) {
	v, err := ipvalidator.NewIPValidator([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	require.True(t, v.IsAllowed("[::ffff:10.1.2.3]:443"))
	require.Equal(t, []string{"10.0.0.0/8"}, v.GetNetworks())
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	v, err := ipvalidator.NewIPValidator([]string{"192.0.2.0/24"})
	require.NoError(t, err)
	h := v.Middleware(logger.GetLogger(), ok)

	req := httptest.NewRequest(http.MethodPost, "/telnyx-webhook", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req.RemoteAddr = "198.51.100.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	empty, err := ipvalidator.NewIPValidator(nil)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	empty.Middleware(logger.GetLogger(), ok).ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
