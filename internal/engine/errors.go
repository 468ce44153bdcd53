package engine

import "fmt"

// ErrorKind classifies command failures so the API layer can map them
// to HTTP statuses and audit records can carry a stable reason.
type ErrorKind string

const (
	KindInvalidArgument      ErrorKind = "invalid_argument"
	KindInsufficientFunds    ErrorKind = "insufficient_funds"
	KindInsufficientHoldings ErrorKind = "insufficient_holdings"
	KindInsufficientAmount   ErrorKind = "insufficient_amount"
	KindNothingToCommit      ErrorKind = "nothing_to_commit"
	KindNothingToCancel      ErrorKind = "nothing_to_cancel"
	KindNoPendingSetBuy      ErrorKind = "no_pending_set_buy"
	KindNoPendingSetSell     ErrorKind = "no_pending_set_sell"
	KindUpstreamUnavailable  ErrorKind = "upstream_unavailable"
	KindSchemaViolation      ErrorKind = "schema_violation"
	KindInternal             ErrorKind = "internal"
)

// Error is a command failure with a machine-readable kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapf(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or KindInternal for anything that
// is not an *Error.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}
