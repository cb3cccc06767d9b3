package agent

import "errors"

// Kind classifies an Error for transport mapping.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindQuota         Kind = "quota"
	KindResource      Kind = "resource"
	KindArithmetic    Kind = "arithmetic"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindExternal      Kind = "external"
)

// Error is a typed rejection. Every rejection leaves state untouched, so
// none of them are retryable as-is.
type Error struct {
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches on Code so wrapped copies still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Validation
var (
	ErrNameTooLong                = &Error{"agent_name_too_long", KindValidation, "agent name exceeds 32 bytes"}
	ErrReasonTooLong              = &Error{"reason_too_long", KindValidation, "reason exceeds 128 bytes"}
	ErrInvalidAmount              = &Error{"invalid_amount", KindValidation, "amount must be greater than zero"}
	ErrInvalidPermission          = &Error{"invalid_permission", KindValidation, "unknown permission"}
	ErrInvalidCategory            = &Error{"invalid_category", KindValidation, "unknown activity category"}
	ErrInvalidWhitelistType       = &Error{"invalid_whitelist_type", KindValidation, "unknown whitelist type"}
	ErrInvalidLimitConfiguration  = &Error{"invalid_limit_configuration", KindValidation, "daily limit must be at least the per-transaction limit"}
	ErrInvalidRateLimitConfig     = &Error{"invalid_rate_limit_configuration", KindValidation, "rate limits must be positive and the hourly limit at least the minute limit"}
	ErrInvalidFeeConfiguration    = &Error{"invalid_fee_configuration", KindValidation, "fee basis points must not exceed 10000"}
	ErrInvalidAddress             = &Error{"invalid_address", KindValidation, "address must be a non-zero 20-byte hex address"}
	ErrInvalidCursor              = &Error{"invalid_cursor", KindValidation, "pagination cursor is malformed"}
	ErrExtraDataTooLarge          = &Error{"extra_data_too_large", KindValidation, "extra data exceeds 1232 bytes"}
	ErrTooManyDelegatedPerms      = &Error{"too_many_delegated_permissions", KindValidation, "a delegation carries at most 10 permissions"}
	ErrInvalidActivityWindow      = &Error{"invalid_activity_window", KindValidation, "timestamp precedes the current window start"}
	ErrPauseReasonTooLong         = &Error{"pause_reason_too_long", KindValidation, "pause reason exceeds 256 bytes"}
	ErrSelfDelegation             = &Error{"self_delegation", KindValidation, "an agent cannot delegate to itself"}
	ErrDelegationExceedsParent    = &Error{"delegation_exceeds_parent", KindValidation, "delegated limits exceed the parent's limits"}
	ErrDelegatedPermissionMissing = &Error{"delegated_permission_missing", KindValidation, "parent does not hold a delegated permission"}
)

// Authorization
var (
	ErrUnauthorized            = &Error{"unauthorized", KindAuthorization, "caller is not authorized for this agent"}
	ErrAgentRevoked            = &Error{"agent_revoked", KindAuthorization, "agent has been revoked"}
	ErrInsufficientPermissions = &Error{"insufficient_permissions", KindAuthorization, "agent lacks the permission for this activity"}
	ErrDelegationInvalid       = &Error{"delegation_invalid", KindAuthorization, "delegation is inactive or expired"}
	ErrDestinationNotAllowed   = &Error{"destination_not_whitelisted", KindAuthorization, "destination is not on the whitelist"}
	ErrProtocolPaused          = &Error{"protocol_paused", KindAuthorization, "protocol is paused"}
)

// Quota
var (
	ErrExceedsTransactionLimit = &Error{"exceeds_transaction_limit", KindQuota, "amount exceeds the per-transaction limit"}
	ErrExceedsDailyLimit       = &Error{"exceeds_daily_limit", KindQuota, "amount exceeds the remaining daily limit"}
	ErrRateLimited             = &Error{"rate_limited", KindQuota, "transaction rate limit exceeded"}
)

// Resource
var (
	ErrInsufficientAgentBalance = &Error{"insufficient_agent_balance", KindResource, "agent balance cannot cover amount plus reserve"}
	ErrInsufficientBalance      = &Error{"insufficient_balance", KindResource, "balance above reserve cannot cover amount"}
	ErrMaxAgentsReached         = &Error{"max_agents_reached", KindResource, "owner has reached the agent limit"}
	ErrWhitelistFull            = &Error{"whitelist_full", KindResource, "whitelist holds the maximum of 100 addresses"}
	ErrTooManyEmergencyContacts = &Error{"too_many_emergency_contacts", KindResource, "at most 5 emergency contacts"}
)

// Arithmetic
var (
	ErrNumericalOverflow = &Error{"numerical_overflow", KindArithmetic, "numerical overflow"}
)

// Lookup and storage
var (
	ErrAgentNotFound      = &Error{"agent_not_found", KindNotFound, "agent not found"}
	ErrDelegationNotFound = &Error{"delegation_not_found", KindNotFound, "delegation not found"}
	ErrWhitelistNotFound  = &Error{"whitelist_not_found", KindNotFound, "whitelist not found"}
	ErrAgentExists        = &Error{"agent_exists", KindConflict, "agent already exists"}
	ErrDelegationExists   = &Error{"delegation_exists", KindConflict, "agent already has a delegation"}
	ErrSequenceConflict   = &Error{"sequence_conflict", KindConflict, "owner agent counter changed concurrently"}
	ErrTransferFailed     = &Error{"transfer_failed", KindExternal, "value transfer failed"}
)

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the Code of err, or "" when err is not an *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
