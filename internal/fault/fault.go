package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for API mapping and retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindBlockchain
	KindBusinessRule
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindBlockchain:
		return "blockchain"
	case KindBusinessRule:
		return "business_rule"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind      Kind
	Step      int // migration step 1-7, 0 when not step-scoped
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Step > 0 {
		return fmt.Sprintf("%s (migration step %d): %s", e.Kind, e.Step, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func BusinessRule(format string, args ...any) *Error {
	return &Error{Kind: KindBusinessRule, Message: fmt.Sprintf(format, args...)}
}

// Blockchain wraps an RPC or contract failure. The underlying transport
// message is preserved via Unwrap.
func Blockchain(err error, format string, args ...any) *Error {
	return &Error{Kind: KindBlockchain, Message: fmt.Sprintf(format, args...), Err: err}
}

// BlockchainRetryable marks a transport-level failure that is safe to retry
// with a freshly rebuilt operation.
func BlockchainRetryable(err error, format string, args ...any) *Error {
	return &Error{Kind: KindBlockchain, Retryable: true, Message: fmt.Sprintf(format, args...), Err: err}
}

// AtStep annotates err with the migration step it occurred at. Existing
// fault errors keep their kind; anything else becomes a blockchain fault.
func AtStep(step int, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Kind: fe.Kind, Step: step, Retryable: fe.Retryable, Message: fe.Message, Err: fe.Err}
	}
	return &Error{Kind: KindBlockchain, Step: step, Err: err}
}

func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

func StepOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Step
	}
	return 0
}
