package dispatch

import (
	"errors"

	"github.com/lalithlochan/herald/internal/transport"
)

// Outcome classes. Worker paths end in an audit record carrying one of
// these as its reason; operational errors are returned to callers.
var (
	// ErrAddressInvalid is a missing or malformed address. Never retried.
	ErrAddressInvalid = errors.New("address invalid")

	// ErrRecipientUnreachable means the address is not registered on the
	// channel. Never retried; the recipient's last-sent time still advances.
	ErrRecipientUnreachable = errors.New("recipient unreachable")

	// ErrTransportFailure is a timeout or network-class failure. Retried with backoff.
	ErrTransportFailure = transport.ErrFailure

	// ErrRateLimited is a throttling response. Waited out, not counted as a failure.
	ErrRateLimited = transport.ErrRateLimited

	// ErrChannelCooldown means the channel breaker is open. The recipient is skipped.
	ErrChannelCooldown = errors.New("channel cooldown")

	// ErrDailyLimitReached means the channel quota for today is used up.
	ErrDailyLimitReached = errors.New("daily limit reached")

	// ErrJobCancelled stops a worker cooperatively. No record is written.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrConfiguration fails a submission fast: nothing to send, nowhere to send it.
	ErrConfiguration = errors.New("configuration error")
)

// Operational errors.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotActive     = errors.New("job not active")
	ErrNotResendable    = errors.New("audit record is not resendable")
	ErrResendInProgress = errors.New("resend already in progress")

	// ErrLimiterUnavailable means the rate-limit backend kept failing after retries.
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")

	// ErrJobIncomplete fails a job whose workers returned before every
	// recipient had an outcome.
	ErrJobIncomplete = errors.New("job incomplete")
)

// Skip reasons written on audit records.
const (
	ReasonChannelCooldown  = "channel cooldown"
	ReasonDailyLimit       = "daily limit reached"
	ReasonNotFound         = "recipient not found"
	ReasonSequenceComplete = "sequence complete"
	ReasonNoTemplate       = "template not found"
	ReasonEmptyMessage     = "empty message"

	// ReasonLimiterUnavailable is written as a failure; the recipient stays resendable.
	ReasonLimiterUnavailable = "rate limiter unavailable"
)
