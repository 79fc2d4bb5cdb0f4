package security

import (
	"net/http"
	"net/url"
)

// baselineHeaders go on every response this server writes. The CSP assumes
// no endpoint serves scripts; the consent page overrides it per response to
// allow its inline stylesheet.
var baselineHeaders = map[string]string{
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"X-XSS-Protection":        "1; mode=block",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store, no-cache, must-revalidate, private",
	"Pragma":                  "no-cache",
}

// SetSecurityHeaders applies the baseline response headers. HSTS is added
// only when serverURL is an https issuer, so local HTTP deployments are not
// pinned to a scheme they do not serve.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	for name, value := range baselineHeaders {
		w.Header().Set(name, value)
	}

	if u, err := url.Parse(serverURL); err == nil && u.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
