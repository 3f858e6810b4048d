package wire

// Error kinds carried in ErrorDetail.Kind. Auth and domain kinds are expected
// outcomes the client reacts to; infra kinds are retryable failures.
const (
	KindInvalidCredentials    = "invalid_credentials"
	KindAccountDisabled       = "account_disabled"
	KindSessionExpired        = "session_expired"
	KindSessionNotFound       = "session_not_found"
	KindInsufficientRole      = "insufficient_role"
	KindBookUnavailable       = "book_unavailable"
	KindAlreadyBorrowed       = "already_borrowed"
	KindAlreadyReturned       = "already_returned"
	KindLoanNotFound          = "loan_not_found"
	KindInsufficientAvailable = "insufficient_available"
	KindConstraintViolation   = "constraint_violation"
	KindNotFound              = "not_found"
	KindStorageUnavailable    = "storage_unavailable"
	KindLockTimeout           = "lock_timeout"
	KindProtocolError         = "protocol_error"
	KindBadRequest            = "bad_request"
	KindRateLimited           = "rate_limited"
	KindInternal              = "internal"
)
