package request

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an analysis request.
// The integer values are stable and used as-is in persisted rows.
type Status int

const (
	StatusPending    Status = 1
	StatusValid      Status = 2
	StatusInvalid    Status = 3
	StatusProcessing Status = 4
	StatusFailed     Status = 5
	StatusFinished   Status = 6
	StatusDeleted    Status = 7
)

var statusNames = map[Status]string{
	StatusPending:    "pending",
	StatusValid:      "valid",
	StatusInvalid:    "invalid",
	StatusProcessing: "processing",
	StatusFailed:     "failed",
	StatusFinished:   "finished",
	StatusDeleted:    "deleted",
}

// transitions lists the allowed targets for each source status.
var transitions = map[Status][]Status{
	StatusPending:    {StatusValid, StatusInvalid, StatusProcessing, StatusDeleted},
	StatusValid:      {StatusProcessing, StatusInvalid, StatusDeleted},
	StatusProcessing: {StatusFinished, StatusFailed, StatusDeleted},
	StatusFinished:   {StatusDeleted},
	StatusFailed:     {StatusDeleted},
	StatusInvalid:    {StatusDeleted},
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// IsTerminal reports whether the supervisor is done with a request in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusInvalid, StatusDeleted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	p, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = p
	return nil
}

// ParseStatus converts a status name (case-insensitive) back to a Status.
func ParseStatus(name string) (Status, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}
