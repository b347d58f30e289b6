package token

import "time"

// OutcomeKind classifies how a leased request ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransientFailure
	OutcomeTerminalFailure
	OutcomeQuotaExhausted
	OutcomeAborted
)

// QuotaUpdate carries fresh window readings from the upstream.
// Nil pointers leave the corresponding window untouched.
type QuotaUpdate struct {
	Default *QuotaWindow
	Heavy   *QuotaWindow
}

// Outcome is the report a caller hands back with a lease.
type Outcome struct {
	Kind    OutcomeKind
	Status  int    // upstream HTTP status for failures
	Reason  string // short failure description
	ResetAt time.Time
	Quota   *QuotaUpdate
}

// Success reports a structurally valid response. quota may be nil.
func Success(quota *QuotaUpdate) Outcome {
	return Outcome{Kind: OutcomeSuccess, Quota: quota}
}

// TransientFailure reports a retryable failure; counts toward the threshold.
func TransientFailure(status int, reason string) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Status: status, Reason: reason}
}

// TerminalFailure disables the token immediately.
func TerminalFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeTerminalFailure, Reason: reason}
}

// QuotaExhausted cools the token off until resetAt without penalty.
func QuotaExhausted(resetAt time.Time) Outcome {
	return Outcome{Kind: OutcomeQuotaExhausted, ResetAt: resetAt}
}

// Aborted reports a request that ended before the upstream proved anything
// about the token, such as a client disconnect. No counters move.
func Aborted() Outcome {
	return Outcome{Kind: OutcomeAborted}
}

// Lease is a non-exclusive claim on one token for one request. Multiple
// leases on the same token may be live at once.
type Lease struct {
	TokenID    string
	Class      Class
	Window     string
	AcquiredAt time.Time
	Record     *Record // snapshot at acquisition time
}

// Cookie renders the leased credential for the upstream Cookie header.
func (l *Lease) Cookie() string { return l.Record.Cookie() }
