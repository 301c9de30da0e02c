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
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	ClientID  string
	Tenant    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"tenant", event.Tenant,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogFlowStarted logs the start of an authorization flow
func (a *Auditor) LogFlowStarted(clientID, tenant, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventFlowStarted,
		ClientID:  clientID,
		Tenant:    tenant,
		IPAddress: ipAddress,
	})
}

// LogIdPCallback logs the outcome of an upstream IdP callback
func (a *Auditor) LogIdPCallback(subject, tenant, ipAddress string, linked bool) {
	a.LogEvent(Event{
		Type:      EventIdPCallbackProcessed,
		Subject:   subject,
		Tenant:    tenant,
		IPAddress: ipAddress,
		Details: map[string]any{
			"account_linked": linked,
		},
	})
}

// LogReturnCodeIssued logs issuance of a one-time return code
func (a *Auditor) LogReturnCodeIssued(clientID, tenant, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventReturnCodeIssued,
		ClientID:  clientID,
		Tenant:    tenant,
		IPAddress: ipAddress,
	})
}

// LogReturnCodeConsumed logs redemption of a return code at the token endpoint
func (a *Auditor) LogReturnCodeConsumed(clientID, tenant, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventReturnCodeConsumed,
		ClientID:  clientID,
		Tenant:    tenant,
		IPAddress: ipAddress,
	})
}

// LogLinkStarted logs the start of a connected-accounts linking flow
func (a *Auditor) LogLinkStarted(subject, tenant, connection, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventLinkStarted,
		Subject:   subject,
		Tenant:    tenant,
		IPAddress: ipAddress,
		Details: map[string]any{
			"connection": connection,
		},
	})
}

// LogLinkCompleted logs the completion of a linking flow
func (a *Auditor) LogLinkCompleted(subject, tenant, connection, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventLinkCompleted,
		Subject:   subject,
		Tenant:    tenant,
		IPAddress: ipAddress,
		Details: map[string]any{
			"connection": connection,
		},
	})
}

// LogAuthFailure logs a bearer authentication failure
func (a *Auditor) LogAuthFailure(tenant, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Tenant:    tenant,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogPKCEFailure logs a failed code_verifier check
func (a *Auditor) LogPKCEFailure(clientID, tenant, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventPKCEValidationFailed,
		ClientID:  clientID,
		Tenant:    tenant,
		IPAddress: ipAddress,
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
