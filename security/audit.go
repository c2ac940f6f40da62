package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	clock   func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		clock:   time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	AccountID string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. The account ID is hashed before logging.
// Safe to call on a nil Auditor.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.clock()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"account_id_hash", hashForLogging(event.AccountID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogSignInCompleted logs a successful sign-in
func (a *Auditor) LogSignInCompleted(accountID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventSignInCompleted,
		AccountID: accountID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogSignInFailed logs a rejected callback with its flow error code
func (a *Auditor) LogSignInFailed(ipAddress, code string) {
	a.LogEvent(Event{
		Type:      EventSignInFailed,
		IPAddress: ipAddress,
		Details:   map[string]any{"error": code},
	})
}

// LogTokenRefreshed logs a refresh. proactive marks scheduler-driven refreshes.
func (a *Auditor) LogTokenRefreshed(accountID, scope string, proactive, rotated bool) {
	eventType := EventTokenRefreshed
	if proactive {
		eventType = EventTokenProactivelyRefreshed
	}
	a.LogEvent(Event{
		Type:      eventType,
		AccountID: accountID,
		Details: map[string]any{
			"scope":   scope,
			"rotated": rotated,
		},
	})
}

// LogInteractionRequired logs that an account must sign in again
func (a *Auditor) LogInteractionRequired(accountID, scope, reason string) {
	a.LogEvent(Event{
		Type:      EventInteractionRequired,
		AccountID: accountID,
		Details: map[string]any{
			"scope":  scope,
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, limiter string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"limiter": limiter},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
