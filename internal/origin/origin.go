// Package origin implements the browser Origin policy shared by the CORS
// middleware and the WebSocket upgrade check.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form, plus the host[:port] part for same-host
// comparisons. The special value "null" is passed through.
func Normalize(header string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
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
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Allowed reports whether the normalized origin may access the given request
// host. A non-empty allow list is authoritative: entries are "*" or
// normalized origins. With an empty list the policy is same-host only;
// scheme is ignored because a TLS-terminating proxy may downgrade it.
func Allowed(normalized, originHost, requestHost string, allowList []string) bool {
	if len(allowList) > 0 {
		for _, entry := range allowList {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	scheme := ""
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		// "null" never matches a host-based request.
		return false
	}

	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// CheckRequest is the combined policy for one HTTP request: requests without
// an Origin header pass (non-browser clients), everything else must
// normalize and be allowed.
func CheckRequest(originHeader, requestHost string, allowList []string) (normalized string, ok bool) {
	if strings.TrimSpace(originHeader) == "" {
		return "", true
	}
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return "", false
	}
	if !Allowed(normalized, host, requestHost, allowList) {
		return "", false
	}
	return normalized, true
}

// canonicalHost lowercases the hostname, validates the port, drops the
// scheme's default port, and re-brackets IPv6 literals.
func canonicalHost(raw, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(raw)
	if !ok || hostname == "" {
		return "", false
	}
	hostname = strings.ToLower(hostname)

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
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
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		switch {
		case rest == "":
			return hostname, "", true
		case strings.HasPrefix(rest, ":") && len(rest) > 1:
			return hostname, rest[1:], true
		default:
			return "", "", false
		}
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		i := strings.IndexByte(raw, ':')
		if i == 0 || i == len(raw)-1 {
			return "", "", false
		}
		return raw[:i], raw[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority syntax.
		return "", "", false
	}
}
