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

package ipvalidator

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/livekit/protocol/logger"
)

// IPValidator checks source addresses against allowed prefixes.
type IPValidator struct {
	prefixes []netip.Prefix
}

// NewIPValidator accepts CIDR ranges and single addresses.
func NewIPValidator(allowed []string) (*IPValidator, error) {
	v := &IPValidator{
		prefixes: make([]netip.Prefix, 0, len(allowed)),
	}
	for _, s := range allowed {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid IP address: %s", s)
			}
			addr = addr.Unmap()
			v.prefixes = append(v.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR '%s': %w", s, err)
		}
		v.prefixes = append(v.prefixes, p.Masked())
	}
	return v, nil
}

// Empty reports whether no prefixes are configured.
func (v *IPValidator) Empty() bool {
	return v == nil || len(v.prefixes) == 0
}

// IsAllowed checks an address, with or without a port.
func (v *IPValidator) IsAllowed(addr string) bool {
	if v == nil {
		return false
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range v.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func (v *IPValidator) GetNetworks() []string {
	out := make([]string, len(v.prefixes))
	for i, p := range v.prefixes {
		out[i] = p.String()
	}
	return out
}

// Middleware rejects requests from sources outside the allow-list with 403.
// An empty allow-list accepts everything.
func (v *IPValidator) Middleware(log logger.Logger, next http.Handler) http.Handler {
	if v.Empty() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.IsAllowed(r.RemoteAddr) {
			log.Warnw("rejecting request from unlisted source", nil, "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
