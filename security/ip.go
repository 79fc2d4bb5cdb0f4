package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the caller's address for rate limiting and audit logs.
// With trustProxy unset the TCP peer address is used as-is; forwarding
// headers are caller controlled and must only be honored when this server
// actually sits behind a proxy it operates. trustedProxyCount says how many
// hops at the tail of X-Forwarded-For belong to that proxy chain.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedClientIP(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedClientIP picks the client hop out of an X-Forwarded-For chain.
// The header reads client first, nearest proxy last; the final
// trustedProxyCount entries were appended by proxies we run, so the hop just
// before them is the closest address a caller cannot forge. A count of zero
// is treated as one proxy (the one that set the header).
func forwardedClientIP(header string, trustedProxyCount int) string {
	if header == "" {
		return ""
	}

	hops := strings.Split(header, ",")
	if trustedProxyCount < 1 {
		trustedProxyCount = 1
	}

	i := len(hops) - trustedProxyCount - 1
	if i < 0 {
		i = 0
	}

	ip := strings.TrimSpace(hops[i])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
