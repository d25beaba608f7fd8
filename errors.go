package main

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrObjectNotFound   = errors.New("object not found")
	ErrObjectUnreadable = errors.New("object unreadable")
	ErrObjectTooLarge   = errors.New("object too large")
	ErrUndecodableImage = errors.New("undecodable image")
	ErrEncodeFailed     = errors.New("jpeg encode failed")
	ErrOverwriteSource  = errors.New("destination would overwrite source")
)

// ErrorKind tells the queue driver how to settle a message.
type ErrorKind int

const (
	// leave the message for redelivery
	KindRetryable ErrorKind = iota
	// acknowledge, a FAILURE record is owed
	KindPermanent
	// leave unacknowledged, alert and stop
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type ProcessingError struct {
	Kind   ErrorKind
	Stage  Stage
	Reason string
	Err    error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failure during %s: %s", e.Kind, e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s failure during %s: %s: %v", e.Kind, e.Stage, e.Reason, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

func retryable(stage Stage, reason string, err error) *ProcessingError {
	return &ProcessingError{Kind: KindRetryable, Stage: stage, Reason: reason, Err: err}
}

func permanent(stage Stage, reason string, err error) *ProcessingError {
	return &ProcessingError{Kind: KindPermanent, Stage: stage, Reason: reason, Err: err}
}

func fatal(stage Stage, reason string, err error) *ProcessingError {
	return &ProcessingError{Kind: KindFatal, Stage: stage, Reason: reason, Err: err}
}

// KindOf classifies err. Anything that is not a ProcessingError is treated as
// retryable so that the queue redelivers rather than drops it.
func KindOf(err error) ErrorKind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindRetryable
}

func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindRetryable
}

func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}
