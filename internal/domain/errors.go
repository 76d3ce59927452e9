package domain

import (
	"errors"
	"fmt"
	"strings"
)

// DisallowedMarker is the text a joinRoom error carries when the user is blocked.
const DisallowedMarker = "not allowed"

var (
	ErrEntryDenied    = errors.New("entry denied")
	ErrEntryRejected  = errors.New("entry rejected")
	ErrCapabilityLoad = errors.New("capability load failed")
	ErrNegotiation    = errors.New("negotiation failed")
	ErrSessionBusy    = errors.New("session already started")
	ErrSessionEnded   = errors.New("session ended")
)

// RejectedError is the negative outcome of a room join.
type RejectedError struct {
	Blocked bool
	Message string
}

func NewRejectedError(message string) *RejectedError {
	return &RejectedError{
		Blocked: strings.Contains(message, DisallowedMarker),
		Message: message,
	}
}

func (e *RejectedError) Error() string {
	if e.Blocked {
		return "join denied: " + e.Message
	}
	return "join rejected: " + e.Message
}

func (e *RejectedError) Unwrap() error {
	if e.Blocked {
		return ErrEntryDenied
	}
	return ErrEntryRejected
}

// NegotiationError scopes a failed round-trip to a single transport or producer.
type NegotiationError struct {
	Step      string
	Transport TransportID
	Producer  ProducerID
	Err       error
}

func (e *NegotiationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "negotiation %s failed", e.Step)
	if e.Transport != "" {
		fmt.Fprintf(&b, " transport=%s", e.Transport)
	}
	if e.Producer != "" {
		fmt.Fprintf(&b, " producer=%s", e.Producer)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NegotiationError) Unwrap() []error {
	return []error{ErrNegotiation, e.Err}
}
