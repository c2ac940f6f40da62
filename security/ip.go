package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client address used for rate limiting and audit.
//
// Forwarding headers are only honoured with trustProxy. X-Forwarded-For is
// read from the right: trustedProxyCount entries belong to our own proxies
// (0 is treated as 1), the one before them is the client.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	proxies := max(trustedProxyCount, 1)
	idx := max(len(ips)-proxies-1, 0)

	candidate := strings.TrimSpace(ips[idx])
	if net.ParseIP(candidate) == nil {
		return ""
	}
	return candidate
}
