package pipeline

import (
	"errors"
	"fmt"
)

// The two propagating error kinds of the processing engine. A FatalError ends
// the stage: bad input, permanently missing upstream data, exhausted attempt
// budget, or a client-side rejection from a collaborator. A TransientError
// leaves the stage retryable: downstream unavailability, timeouts, and
// anything that could not be classified with confidence.
//
// Classification happens as close to the failure as possible and must survive
// re-wrapping; Classify only touches errors that carry neither kind.

type FatalError struct {
	Message string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *FatalError) Unwrap() error { return e.Err }

type TransientError struct {
	Message string
	Err     error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *TransientError) Unwrap() error { return e.Err }

// Fatal wraps err as fatal unless it already carries a classification, which
// is preserved.
func Fatal(message string, err error) error {
	if IsFatal(err) || IsTransient(err) {
		return wrapKeepingKind(message, err)
	}
	return &FatalError{Message: message, Err: err}
}

// Transient wraps err as transient unless it already carries a classification,
// which is preserved.
func Transient(message string, err error) error {
	if IsFatal(err) || IsTransient(err) {
		return wrapKeepingKind(message, err)
	}
	return &TransientError{Message: message, Err: err}
}

func Fatalf(format string, args ...interface{}) error {
	return &FatalError{Message: fmt.Sprintf(format, args...)}
}

func Transientf(format string, args ...interface{}) error {
	return &TransientError{Message: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether the nearest classification in err's chain is fatal.
// The outermost kind wins so a transient wrapper around a fatal cause is not
// misread as fatal, and vice versa.
func IsFatal(err error) bool {
	f, _ := kindOf(err)
	return f
}

func IsTransient(err error) bool {
	_, t := kindOf(err)
	return t
}

func kindOf(err error) (fatal, transient bool) {
	for err != nil {
		switch err.(type) {
		case *FatalError:
			return true, false
		case *TransientError:
			return false, true
		}
		err = errors.Unwrap(err)
	}
	return false, false
}

// Classify defaults an unclassified error to transient. Preferring retry over
// silent data loss: a duplicate delivery is recoverable, a dropped one is not.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) || IsTransient(err) {
		return err
	}
	return &TransientError{Message: "unclassified pipeline error", Err: err}
}

func wrapKeepingKind(message string, err error) error {
	if IsFatal(err) {
		return &FatalError{Message: message, Err: err}
	}
	return &TransientError{Message: message, Err: err}
}
