package domain

import (
	"fmt"
	"strings"
)

// Status is the delivery state of a Record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusPending, StatusUploading, StatusUploaded, StatusFailed}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusUploaded
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusUploaded, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts user input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Event is something that moves a Record between statuses.
type Event int

const (
	// EventSubmit is a dispatcher handing the record to the transport.
	EventSubmit Event = iota
	// EventSucceed is the transport reporting a successful transfer.
	EventSucceed
	// EventFail is the transport reporting a failed transfer, or recovery
	// giving up on a transfer it cannot find.
	EventFail
	// EventRearm puts a failed record back in the pending set.
	EventRearm
)

// String returns a human-readable representation of the event.
func (e Event) String() string {
	switch e {
	case EventSubmit:
		return "submit"
	case EventSucceed:
		return "succeed"
	case EventFail:
		return "fail"
	case EventRearm:
		return "rearm"
	default:
		return "unknown"
	}
}

// Transition returns the status reached by applying e to from.
// Every pair not in the transition table yields ErrInvalidTransition.
func Transition(from Status, e Event) (Status, error) {
	switch {
	case e == EventSubmit && (from == StatusPending || from == StatusFailed):
		return StatusUploading, nil
	case e == EventSucceed && from == StatusUploading:
		return StatusUploaded, nil
	case e == EventFail && from == StatusUploading:
		return StatusFailed, nil
	case e == EventRearm && from == StatusFailed:
		return StatusPending, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, from)
}

// CanTransition reports whether from may move directly to to.
func CanTransition(from, to Status) bool {
	for _, e := range []Event{EventSubmit, EventSucceed, EventFail, EventRearm} {
		if next, err := Transition(from, e); err == nil && next == to {
			return true
		}
	}
	return false
}

// EventFor maps a target status reached from from to the event producing it.
func EventFor(from, to Status) (Event, error) {
	for _, e := range []Event{EventSubmit, EventSucceed, EventFail, EventRearm} {
		if next, err := Transition(from, e); err == nil && next == to {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
