package security

// Event type constants for security audit logging.
const (
	// Authorization flow events

	// EventFlowStarted is logged when a client starts an authorization flow
	EventFlowStarted = "authorization_flow_started"

	// EventIdPCallbackProcessed is logged when an upstream IdP callback completes
	EventIdPCallbackProcessed = "idp_callback_processed"

	// EventIdPCallbackRejected is logged when an upstream IdP callback fails validation
	EventIdPCallbackRejected = "idp_callback_rejected"

	// EventReturnCodeIssued is logged when a one-time return code is handed to a client
	EventReturnCodeIssued = "return_code_issued"

	// EventReturnCodeConsumed is logged when a return code is redeemed at the token endpoint
	EventReturnCodeConsumed = "return_code_consumed"

	// EventReturnCodeReplayed is logged when an already-consumed or unknown code is presented
	EventReturnCodeReplayed = "return_code_replayed"

	// Account linking events

	// EventLinkStarted is logged when a connected-accounts linking flow begins
	EventLinkStarted = "account_link_started"

	// EventLinkCompleted is logged when a linking flow finishes
	EventLinkCompleted = "account_link_completed"

	// EventLinkRejected is logged when a link callback fails validation
	EventLinkRejected = "account_link_rejected"

	// Security violation events

	// EventAuthFailure is logged when bearer authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventIssuerMismatch is logged when an inbound token names a foreign issuer
	EventIssuerMismatch = "issuer_mismatch"

	// EventAudienceMismatch is logged when an inbound token has a wrong audience
	EventAudienceMismatch = "audience_mismatch"
)
