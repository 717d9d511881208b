// Package fault tags errors raised while handling a stage message with
// the class of failure they represent.  The stage processor settles a
// message from the Kind alone and never inspects error text.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindTransient failures may succeed on redelivery.  Untagged errors
	// are transient.
	KindTransient Kind = iota
	// KindValidation marks a payload that can never be processed.
	KindValidation
	// KindPermanent marks a provider rejection that retrying cannot fix.
	KindPermanent
	// KindDeadline marks work cut short by the per-message deadline.
	KindDeadline
	// KindShutdown marks work cut short by host cancellation.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindPermanent:
		return "permanent"
	case KindDeadline:
		return "deadline"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// CodeInvalidPayload is the code attached to validation failures.
const CodeInvalidPayload = "InvalidPayload"

// Error is an error tagged with a Kind and, for permanent failures, the
// provider's error code.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation tags err as an unprocessable payload.
func Validation(err error) error {
	return &Error{Kind: KindValidation, Code: CodeInvalidPayload, Err: err}
}

// Permanent tags err as a non-retryable rejection carrying code.
func Permanent(code string, err error) error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// Transient tags err as retryable.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Deadline tags err as a per-message deadline expiry.
func Deadline(err error) error {
	return &Error{Kind: KindDeadline, Err: err}
}

// Shutdown tags err as host cancellation.
func Shutdown(err error) error {
	return &Error{Kind: KindShutdown, Err: err}
}

// FromStatus classifies a provider failure by its HTTP status.  Client
// errors are permanent and keep the provider code; 408 and 429 are
// throttling signals and stay transient along with everything else.
func FromStatus(status int, code string, err error) error {
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		if code == "" {
			code = http.StatusText(status)
		}
		return Permanent(code, err)
	}
	return Transient(err)
}

// KindOf returns the Kind of the outermost tagged error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// CodeOf returns the code of the outermost tagged error in err's chain.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsPermanent reports whether err should be dead-lettered.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindPermanent:
		return true
	default:
		return false
	}
}
