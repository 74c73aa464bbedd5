// Package agentpayerr defines the error kinds shared across the broker's
// components, so orchestration logic can branch on kind rather than on
// string matching.
package agentpayerr

import "errors"

// Kind identifies a class of failure. Callers compare with Is(err, kind), or
// with errors.Is against the matching sentinel.
type Kind string

const (
	KindIdentityUnavailable     Kind = "identity_unavailable"
	KindConfigInvalid           Kind = "config_invalid"
	KindNameNotFound            Kind = "name_not_found"
	KindRecordMissing           Kind = "record_missing"
	KindClearingAuthRejected    Kind = "clearing_auth_rejected"
	KindClearingTimeout         Kind = "clearing_timeout"
	KindClearingProtocol        Kind = "clearing_protocol"
	KindQuorumPending           Kind = "quorum_pending"
	KindPaymentVerificationFail Kind = "payment_verification_failed"
	KindBillExpired             Kind = "bill_expired"
	KindOnChainFailed           Kind = "on_chain_failed"
	KindCancelled               Kind = "cancelled"
)

// Error wraps an underlying error with a broker-level Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrX) match any *Error carrying ErrX's Kind,
// whatever its underlying cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New builds an *Error of the given kind wrapping err (err may be nil).
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinels for errors.Is comparisons that do not need an underlying cause.
var (
	ErrIdentityUnavailable     = New(KindIdentityUnavailable, nil)
	ErrConfigInvalid           = New(KindConfigInvalid, nil)
	ErrNameNotFound            = New(KindNameNotFound, nil)
	ErrRecordMissing           = New(KindRecordMissing, nil)
	ErrClearingAuthRejected    = New(KindClearingAuthRejected, nil)
	ErrClearingTimeout         = New(KindClearingTimeout, nil)
	ErrClearingProtocol        = New(KindClearingProtocol, nil)
	ErrQuorumPending           = New(KindQuorumPending, nil)
	ErrPaymentVerificationFail = New(KindPaymentVerificationFail, nil)
	ErrBillExpired             = New(KindBillExpired, nil)
	ErrOnChainFailed           = New(KindOnChainFailed, nil)
	ErrCancelled               = New(KindCancelled, nil)
)
