package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownStatus is returned when a status code cannot be parsed.
var ErrUnknownStatus = errors.New("unknown work item status")

// Status represents the lifecycle state of a work item.
type Status int

// Work item statuses.
const (
	StatusQueued Status = iota + 1
	StatusClaimed
	StatusProcessing
	StatusSent
	StatusFailed
)

var statusCodes = map[Status]string{
	StatusQueued:     "queued",
	StatusClaimed:    "claimed",
	StatusProcessing: "processing",
	StatusSent:       "sent",
	StatusFailed:     "failed",
}

// Statuses lists every valid status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusQueued, StatusClaimed, StatusProcessing, StatusSent, StatusFailed}
}

// Code returns the persisted representation of the status.
func (s Status) Code() string {
	if code, ok := statusCodes[s]; ok {
		return code
	}
	return "unknown"
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return s.Code()
}

// ParseStatus converts a persisted code back into a Status.
func ParseStatus(code string) (Status, error) {
	for s, c := range statusCodes {
		if c == code {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, code)
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// IsLocked reports whether an item in this status must carry a lock owner.
func (s Status) IsLocked() bool {
	return s == StatusClaimed || s == StatusProcessing
}

// MarshalText encodes the status as its code.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusCodes[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
	}
	return []byte(s.Code()), nil
}

// UnmarshalText decodes a status code.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
