package bus

import (
	"errors"
	"fmt"
)

// ErrBackendUnavailable marks transient backend failures. Callers retry with
// bounded backoff; the failure is never fatal to a worker.
var ErrBackendUnavailable = errors.New("event bus backend unavailable")

// ErrDecode marks a malformed entry. Callers log the raw payload, count the
// event, and drop (or dead-letter ack) the single entry.
var ErrDecode = errors.New("event bus decode error")

// opError ties an operation name and an error class to the underlying cause
// so both errors.Is(err, ErrBackendUnavailable) and the original backend
// error remain visible in the chain.
type opError struct {
	op   string
	kind error
	err  error
}

func (e *opError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *opError) Unwrap() []error {
	return []error{e.kind, e.err}
}

func backendErr(op string, err error) error {
	return &opError{op: op, kind: ErrBackendUnavailable, err: err}
}

func decodeErr(op string, err error) error {
	return &opError{op: op, kind: ErrDecode, err: err}
}
