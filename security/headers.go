package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets response headers for sign-in, callback and API
// responses. HSTS is only sent when baseURL uses https.
func SetSecurityHeaders(w http.ResponseWriter, baseURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	// Callback URLs carry codes and state; never leak them to the next site.
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(baseURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}
