// Package security provides the protective plumbing around the token
// lifecycle: audit logging with hashed identities, AES-GCM encryption of
// records at rest, key derivation, per-client rate limiting, response
// security headers, request IDs and expiry helpers.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP)
// and bounds memory with LRU eviction plus an idle cleanup loop:
//
//	limiter := security.NewRateLimiter(rate.Every(6*time.Second), 10, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // answer 429
//	}
//
// When more than MaxEntries identifiers are tracked, the least recently
// used bucket is dropped. Repeat visitors keep their bucket; one-off
// addresses are evicted first.
package security
