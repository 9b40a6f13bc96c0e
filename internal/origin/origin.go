// Package origin validates browser Origin headers for the WebSocket and HTTP
// surfaces.
//
// The default policy is same-host: an Origin is accepted when its host[:port]
// matches the request's Host header (default ports fold away). Deployments
// that serve the frontend from another origin configure an explicit
// allow-list instead.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Checker applies the allow-list-or-same-host origin policy.
type Checker struct {
	allowed []string
}

// NewChecker builds a Checker from normalized origin entries ("*" allowed).
// A nil or empty list selects the same-host default.
func NewChecker(allowedOrigins []string) *Checker {
	return &Checker{allowed: allowedOrigins}
}

// Allow reports whether a request carrying originHeader may access
// requestHost. Requests without an Origin header (curl, server-to-server) are
// always allowed; browser enforcement only makes sense when the browser
// identifies itself.
func (c *Checker) Allow(originHeader, requestHost string) bool {
	header := strings.TrimSpace(originHeader)
	if header == "" {
		return true
	}

	normalized, host, ok := Normalize(header)
	if !ok {
		return false
	}

	if len(c.allowed) > 0 {
		for _, entry := range c.allowed {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	// Same host:port. The scheme is intentionally not compared: behind a
	// TLS-terminating proxy the request looks like HTTP while the browser
	// Origin is HTTPS.
	scheme := ""
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		// "null" can never match a host-based request.
		return false
	}

	reqHost, ok := normalizeHost(requestHost, scheme)
	if !ok {
		return false
	}
	return host == reqHost
}

// Normalize validates and canonicalizes a browser Origin header value.
//
// It returns the normalized origin (scheme://host[:port], lowercased, default
// ports removed) and the host[:port] portion for same-host comparison. The
// special Origin value "null" is accepted and returned as-is.
func Normalize(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = foldHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHost canonicalizes a request Host header the same way Normalize
// canonicalizes an origin authority, using scheme to fold default ports.
func normalizeHost(requestHost, scheme string) (string, bool) {
	trimmed := strings.TrimSpace(requestHost)
	if trimmed == "" {
		return "", false
	}
	return foldHostPort(trimmed, scheme)
}

func foldHostPort(rawHost, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(rawHost)
	if !ok {
		return "", false
	}

	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 || n > 65535 {
			return "", false
		}
		port = n
	}

	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string.
//
// IPv6 literals lose their brackets; the port is returned unvalidated and
// empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
