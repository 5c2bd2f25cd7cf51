package origin

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Wildcard matches every sender with a real origin. Only meant for local
// development pages.
const Wildcard = "*"

// opaque origins (sandboxed frames, file:// pages) are never trusted, not even
// by Wildcard.
func opaque(candidate string) bool {
	return candidate == "" || candidate == "null"
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// ComputeExpectedOrigin returns the serialized origin (scheme://host[:port]) of
// rawURL. The origin is always derived from a full URL parse so that values
// like "https://evil.com/https://real.com" resolve to evil.com.
func ComputeExpectedOrigin(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q must be absolute with a scheme and host", rawURL)
	}
	if u.User != nil {
		return "", fmt.Errorf("url %q must not carry credentials", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has an empty host", rawURL)
	}

	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	if port != "" {
		return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, port)), nil
	}
	if strings.Contains(host, ":") {
		// IPv6 literal
		return fmt.Sprintf("%s://[%s]", scheme, host), nil
	}
	return fmt.Sprintf("%s://%s", scheme, host), nil
}

// Matches reports whether candidate is the same origin as expected. Both sides
// go through ComputeExpectedOrigin; anything that fails to parse never matches.
func Matches(candidate, expected string) bool {
	if opaque(candidate) {
		return false
	}
	if expected == Wildcard {
		return true
	}
	c, err := ComputeExpectedOrigin(candidate)
	if err != nil {
		return false
	}
	e, err := ComputeExpectedOrigin(expected)
	if err != nil {
		return false
	}
	return c == e
}

// Policy is an allow-list of origins. A zero Policy allows nothing.
type Policy struct {
	allowed  map[string]struct{}
	wildcard bool
}

// NewPolicy normalizes every entry. An entry equal to Wildcard allows any
// non-empty origin.
func NewPolicy(origins ...string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		if o == Wildcard {
			p.wildcard = true
			continue
		}
		normalized, err := ComputeExpectedOrigin(o)
		if err != nil {
			return nil, err
		}
		p.allowed[normalized] = struct{}{}
	}
	if !p.wildcard && len(p.allowed) == 0 {
		return nil, fmt.Errorf("origin policy requires at least one origin")
	}
	return p, nil
}

// MustPolicy is NewPolicy for static configuration. It panics on a bad origin.
func MustPolicy(origins ...string) *Policy {
	p, err := NewPolicy(origins...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Policy) Allows(candidate string) bool {
	if p == nil || opaque(candidate) {
		return false
	}
	if p.wildcard {
		return true
	}
	normalized, err := ComputeExpectedOrigin(candidate)
	if err != nil {
		return false
	}
	_, ok := p.allowed[normalized]
	return ok
}

// Origins returns the normalized allow-list, with Wildcard first when set.
func (p *Policy) Origins() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.allowed)+1)
	if p.wildcard {
		out = append(out, Wildcard)
	}
	for o := range p.allowed {
		out = append(out, o)
	}
	return out
}
