// Package hostname canonicalizes Host / X-Forwarded-Host header values and
// redirect destinations into comparable hostname keys.
//
// Normalize never fails: malformed input yields "", which callers treat as
// "no host".
package hostname

import (
	"net"
	"net/url"
	"strings"
)

// Normalize returns the canonical form of a raw host header value.
//
//	"Promo.Example.com:8443, other.com" → "promo.example.com"
//	"[2001:DB8::1]:443"                 → "[2001:db8::1]"
//	"example.com."                      → "example.com"
func Normalize(raw string) string {
	h := raw
	if i := strings.IndexByte(h, ','); i >= 0 {
		h = h[:i]
	}
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return ""
	}

	if strings.HasPrefix(h, "[") {
		end := strings.IndexByte(h, ']')
		if end < 0 {
			return ""
		}
		inner, rest := h[1:end], h[end+1:]
		if rest != "" && (!strings.HasPrefix(rest, ":") || !isPort(rest[1:])) {
			return ""
		}
		if !strings.Contains(inner, ":") || net.ParseIP(inner) == nil {
			return ""
		}
		return "[" + inner + "]"
	}

	if strings.Count(h, ":") > 1 {
		// Bare IPv6 literal without brackets.
		if ip := net.ParseIP(h); ip != nil {
			return "[" + h + "]"
		}
		return ""
	}

	if i := strings.LastIndexByte(h, ':'); i >= 0 {
		if !isPort(h[i+1:]) {
			return ""
		}
		h = h[:i]
	}
	h = strings.TrimSuffix(h, ".")
	if !validName(h) {
		return ""
	}
	return h
}

// SafeURL turns a tenant-supplied destination into an absolute http(s) URL.
// A missing scheme is replaced by https://. The second return value is false
// when the destination is empty or cannot be used as a redirect target.
func SafeURL(raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", false
	}
	lower := strings.ToLower(v)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(v, "://") {
			return "", false
		}
		v = "https://" + v
	}
	u, err := url.Parse(v)
	if err != nil {
		return "", false
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return "", false
	}
	if Normalize(u.Host) == "" {
		return "", false
	}
	return v, true
}

// URLHost returns the normalized host component of an absolute URL, or "".
func URLHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return Normalize(u.Host)
}

// Trim lowercases a DNS name and drops the trailing root dot. It is used for
// DNS answers, which are always fully qualified.
func Trim(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

func isPort(s string) bool {
	if s == "" || len(s) > 5 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validName(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}
