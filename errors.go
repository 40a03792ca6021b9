package birpc

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying the taxonomy from the error handling design:
// not-found, closed, timeout, ack-timeout and rejected-pending-call.
var (
	ErrNotFound   = errors.New("function not found")
	ErrClosed     = errors.New("endpoint closed")
	ErrTimeout    = errors.New("timeout")
	ErrAckTimeout = errors.New("ack timeout")
	ErrRejected   = errors.New("rejected pending call")
)

// pathError wraps base with the offending method path, the way every
// user-visible birpc error is expected to carry its path.
func pathError(path string, base error) error {
	return fmt.Errorf("birpc: %s: %w", path, base)
}

// ErrClassifier classifies an error into a short, stable label, mirroring
// the shape of an error classifier used for structured logging.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the ErrClassifier interface.
type ErrClassifierFunc func(error) string

// Classify implements ErrClassifier.
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier maps ErrNotFound, ErrClosed, ErrAckTimeout and
// ErrTimeout to short labels and falls back to "error" for anything else,
// ErrRejected included.
var DefaultErrClassifier = ErrClassifierFunc(func(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrAckTimeout):
		return "ack_timeout"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
})

// errorToPayload converts a raw (unwrapped) error into its wire form. path
// is recorded separately so the receiver can reconstruct a pathError.
func errorToPayload(path string, err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	return &ErrorPayload{
		Kind:    DefaultErrClassifier.Classify(err),
		Message: err.Error(),
		Path:    path,
	}
}

// payloadToError reconstructs a caller-side error from a received
// ErrorPayload, re-wrapping known kinds in their sentinel so errors.Is
// keeps working across the wire.
func payloadToError(path string, p *ErrorPayload) error {
	if p == nil {
		return pathError(path, errors.New("unknown remote error"))
	}
	switch p.Kind {
	case "not_found":
		return pathError(path, ErrNotFound)
	case "closed":
		return pathError(path, ErrClosed)
	case "timeout":
		return pathError(path, ErrTimeout)
	case "ack_timeout":
		return pathError(path, ErrAckTimeout)
	default:
		msg := p.Message
		if msg == "" {
			msg = "remote error"
		}
		return fmt.Errorf("birpc: %s: %s", path, msg)
	}
}
