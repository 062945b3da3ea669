// Reel is a media dubbing job server.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"reel/internal/apierr"
	"reel/internal/metrics"
)

// Remote access modes.
const (
	RemoteOff        = "off"
	RemoteTailscale  = "tailscale"
	RemoteCloudflare = "cloudflare"
)

// AccessJWTHeader carries the Cloudflare Access assertion in cloudflare
// mode.
const AccessJWTHeader = "Cf-Access-Jwt-Assertion"

// remoteGate decides whether a request may reach the server at all,
// before any credential is looked at.
type remoteGate struct {
	mode           string
	trustedProxies []*net.IPNet
	allowed        []*net.IPNet
	tailnet        []*net.IPNet
	jwtSecret      []byte
}

func newRemoteGate(cfg Config) (*remoteGate, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.RemoteAccessMode))
	if mode == "" {
		mode = RemoteOff
	}
	switch mode {
	case RemoteOff, RemoteTailscale, RemoteCloudflare:
	default:
		return nil, fmt.Errorf("unsupported remote access mode %q", cfg.RemoteAccessMode)
	}
	if mode == RemoteCloudflare && cfg.JWTSecret == "" {
		return nil, errors.New("cloudflare mode requires a jwt secret")
	}
	g := &remoteGate{mode: mode, jwtSecret: []byte(cfg.JWTSecret)}
	var err error
	if g.trustedProxies, err = parseCIDRs(cfg.TrustedProxySubnets); err != nil {
		return nil, fmt.Errorf("trusted proxy subnets: %w", err)
	}
	if g.allowed, err = parseCIDRs(cfg.AllowedSubnets); err != nil {
		return nil, fmt.Errorf("allowed subnets: %w", err)
	}
	// Tailscale hands out CGNAT v4 and its own ULA v6 range; loopback
	// counts as on-net so local tools keep working.
	g.tailnet, err = parseCIDRs([]string{"100.64.0.0/10", "fd7a:115c:a1e0::/48", "127.0.0.0/8", "::1/128"})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func ipIn(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// sourceIP resolves the client address. X-Forwarded-For is consulted
// only when the TCP peer is a trusted proxy, walking right to left past
// trusted hops; leftmost entries are client-controlled and never
// trusted on their own.
func (g *remoteGate) sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !ipIn(g.trustedProxies, peer) {
		return host
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		ip := net.ParseIP(hop)
		if ip == nil {
			break
		}
		if ipIn(g.trustedProxies, ip) {
			continue
		}
		return hop
	}
	return host
}

// check gates the request by source address and mode. A denial here is
// terminal; no credential can overcome it.
func (g *remoteGate) check(r *http.Request, sourceIP string, now time.Time) error {
	ip := net.ParseIP(sourceIP)
	if len(g.allowed) > 0 {
		if ip == nil || !ipIn(g.allowed, ip) {
			metrics.IncAuthFailure("subnet")
			return apierr.Forbidden("source address not allowed")
		}
	}
	switch g.mode {
	case RemoteTailscale:
		if ip == nil || !ipIn(g.tailnet, ip) {
			metrics.IncAuthFailure("remote")
			return apierr.Forbidden("tailnet access required")
		}
	case RemoteCloudflare:
		if _, err := verifyAccessJWT(r.Header.Get(AccessJWTHeader), g.jwtSecret, now); err != nil {
			metrics.IncAuthFailure("remote")
			return apierr.Forbidden("access assertion invalid")
		}
	}
	return nil
}

// SourceIP resolves the client address for a request, honoring
// X-Forwarded-For only behind configured trusted proxies.
func (e *Engine) SourceIP(r *http.Request) string {
	return e.gate.sourceIP(r)
}

// CheckRemote applies the remote-access gate to a request.
func (e *Engine) CheckRemote(r *http.Request) error {
	return e.gate.check(r, e.gate.sourceIP(r), e.now())
}

// verifyAccessJWT validates an HS256 access assertion and returns its
// subject. Signature first, then exp (required), nbf if present. Only
// HS256 is accepted; an alg of "none" must never pass.
func verifyAccessJWT(raw string, secret []byte, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	if raw == "" {
		return "", errors.New("missing access assertion")
	}
	headerJSON, payloadJSON, sig, err := splitJWT(raw)
	if err != nil {
		return "", err
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return "", errors.New("invalid jwt header json")
	}
	if !strings.EqualFold(hdr.Alg, "HS256") {
		return "", errors.New("unsupported jwt alg (only HS256 allowed)")
	}
	signed := raw[:strings.LastIndexByte(raw, '.')]
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(signed))
	if subtle.ConstantTimeCompare(sig, mac.Sum(nil)) != 1 {
		return "", errors.New("invalid jwt signature")
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return "", errors.New("invalid jwt payload json")
	}
	unix := now.Unix()
	exp, ok := claims["exp"].(float64)
	if !ok {
		return "", errors.New("jwt exp missing or not numeric")
	}
	if int64(exp) <= unix {
		return "", errors.New("jwt expired")
	}
	if v, ok := claims["nbf"]; ok {
		nbf, ok := v.(float64)
		if !ok {
			return "", errors.New("jwt nbf must be numeric")
		}
		if int64(nbf) > unix {
			return "", errors.New("jwt not yet valid")
		}
	}
	sub, _ := claims["email"].(string)
	if sub == "" {
		sub, _ = claims["sub"].(string)
	}
	if strings.TrimSpace(sub) == "" {
		return "", errors.New("jwt subject missing")
	}
	return sub, nil
}

// splitJWT decodes a compact JWT into header, payload, and signature
// bytes.
func splitJWT(raw string) (headerJSON, payloadJSON, sig []byte, err error) {
	dot1 := strings.IndexByte(raw, '.')
	if dot1 < 0 {
		return nil, nil, nil, errors.New("invalid jwt format")
	}
	dot2 := strings.IndexByte(raw[dot1+1:], '.')
	if dot2 < 0 {
		return nil, nil, nil, errors.New("invalid jwt format")
	}
	dot2 += dot1 + 1

	dec := base64.RawURLEncoding
	hdr, err := dec.DecodeString(raw[:dot1])
	if err != nil {
		return nil, nil, nil, errors.New("invalid jwt header (b64)")
	}
	pld, err := dec.DecodeString(raw[dot1+1 : dot2])
	if err != nil {
		return nil, nil, nil, errors.New("invalid jwt payload (b64)")
	}
	s, err := dec.DecodeString(raw[dot2+1:])
	if err != nil {
		return nil, nil, nil, errors.New("invalid jwt signature (b64)")
	}
	return hdr, pld, s, nil
}
