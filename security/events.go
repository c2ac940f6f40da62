package security

// Event type constants for security audit logging.
const (
	// Sign-in events

	// EventSignInStarted is logged when an authorization request is issued
	EventSignInStarted = "sign_in_started"

	// EventSignInCompleted is logged when a callback produced tokens and a session
	EventSignInCompleted = "sign_in_completed"

	// EventSignInFailed is logged when a callback is rejected (state, nonce or exchange)
	EventSignInFailed = "sign_in_failed"

	// EventStateReplayDetected is logged when a callback carries an unknown or consumed state
	EventStateReplayDetected = "state_replay_detected"

	// EventNonceMismatch is logged when the ID token nonce differs from the stored one
	EventNonceMismatch = "nonce_mismatch"

	// Token lifecycle events

	// EventTokenRefreshed is logged when a token is refreshed on demand
	EventTokenRefreshed = "token_refreshed"

	// EventTokenProactivelyRefreshed is logged when a token is refreshed before expiry by the scheduler
	EventTokenProactivelyRefreshed = "token_proactively_refreshed"

	// EventProactiveRefreshFailed is logged when a scheduled refresh fails
	EventProactiveRefreshFailed = "proactive_refresh_failed"

	// EventInteractionRequired is logged when the identity provider rejects a refresh token
	EventInteractionRequired = "interaction_required"

	// Session events

	// EventSessionCreated is logged when a session is established
	EventSessionCreated = "session_created"

	// EventSessionDestroyed is logged on logout
	EventSessionDestroyed = "session_destroyed"

	// EventSessionRejected is logged when a session reference fails verification
	EventSessionRejected = "session_rejected"

	// Abuse events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
