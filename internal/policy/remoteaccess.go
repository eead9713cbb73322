// Copyright 2025 James Ross
package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// cgnatBlock is the shared carrier-grade-NAT range Tailscale assigns its
// virtual interface addresses from.
var cgnatBlock = mustParseCIDR("100.64.0.0/10")
var loopbackV4 = mustParseCIDR("127.0.0.0/8")
var loopbackV6 = mustParseCIDR("::1/128")

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// RemoteAccessGate is the outermost middleware concern: before identity
// or RBAC are even considered, the request's network origin must be
// permitted by the configured mode.
type RemoteAccessGate struct {
	mode          string // off|tailscale|cloudflare
	allowedCIDRs  []*net.IPNet
	cfJWTSecret   []byte
	cfAudienceTag string
}

func NewRemoteAccessGate(mode string, allowedCIDRs []string, cfJWTSecret, cfAudienceTag string) (*RemoteAccessGate, error) {
	g := &RemoteAccessGate{mode: mode, cfJWTSecret: []byte(cfJWTSecret), cfAudienceTag: cfAudienceTag}
	for _, cidr := range allowedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		g.allowedCIDRs = append(g.allowedCIDRs, n)
	}
	return g, nil
}

// Check enforces the configured mode against the request's peer address
// (and, in cloudflare mode, its access JWT).
func (g *RemoteAccessGate) Check(r *http.Request) error {
	switch g.mode {
	case "", "off":
		return nil
	case "tailscale":
		return g.checkTailscale(r)
	case "cloudflare":
		return g.checkCloudflare(r)
	default:
		return errs.New("policy.RemoteAccessGate.Check", errs.Internal, errors.New("unknown remote access mode"))
	}
}

func (g *RemoteAccessGate) peerIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// checkTailscale allows only CGNAT (Tailscale's own address space) and
// loopback, plus any operator-configured extra subnets — a request that
// reached this process from anywhere else didn't come through tailnet.
func (g *RemoteAccessGate) checkTailscale(r *http.Request) error {
	ip := g.peerIP(r)
	if ip == nil {
		return errs.New("policy.checkTailscale", errs.Forbidden, errors.New("unparseable peer address"))
	}
	if cgnatBlock.Contains(ip) || loopbackV4.Contains(ip) || loopbackV6.Contains(ip) {
		return nil
	}
	for _, n := range g.allowedCIDRs {
		if n.Contains(ip) {
			return nil
		}
	}
	return errs.New("policy.checkTailscale", errs.Forbidden, errors.New("peer outside tailnet and allowed subnets"))
}

// cfAccessClaims is the subset of a Cloudflare Access JWT this gate
// checks: audience tag and expiry. Cloudflare signs with RS256 against a
// rotating JWKS in production; no JOSE/JWKS library appears anywhere in
// the reference corpus, so verification here is HMAC-based against an
// operator-configured shared secret instead of fetching and caching a
// remote JWKS — see DESIGN.md for why this was not implemented against
// the standard library's crypto/rsa directly.
type cfAccessClaims struct {
	Audience string `json:"aud"`
	Expiry   int64  `json:"exp"`
}

func (g *RemoteAccessGate) checkCloudflare(r *http.Request) error {
	token := r.Header.Get("Cf-Access-Jwt-Assertion")
	if token == "" {
		return errs.New("policy.checkCloudflare", errs.Forbidden, errors.New("missing Cf-Access-Jwt-Assertion header"))
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return errs.New("policy.checkCloudflare", errs.Forbidden, errors.New("malformed access jwt"))
	}
	signed := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return errs.New("policy.checkCloudflare", errs.Forbidden, errors.New("malformed access jwt signature"))
	}
	mac := hmac.New(sha256.New, g.cfJWTSecret)
	mac.Write([]byte(signed))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return errs.New("policy.checkCloudflare", errs.Forbidden, errors.New("access jwt signature mismatch"))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return errs.New("policy.checkCloudflare", errs.Forbidden, errors.New("malformed access jwt payload"))
	}
	var claims cfAccessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return errs.New("policy.checkCloudflare", errs.Forbidden, errors.New("unparseable access jwt claims"))
	}
	if claims.Expiry <= time.Now().Unix() {
		return errs.New("policy.checkCloudflare", errs.Forbidden, errors.New("access jwt expired"))
	}
	if g.cfAudienceTag != "" && claims.Audience != g.cfAudienceTag {
		return errs.New("policy.checkCloudflare", errs.Forbidden, errors.New("access jwt audience mismatch"))
	}
	return nil
}
