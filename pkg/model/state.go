package model

import (
	"fmt"
	"strings"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusCreated    JobStatus = "CREATED"
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusTerminated JobStatus = "TERMINATED"
	JobStatusComplete   JobStatus = "COMPLETE"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusFailed     JobStatus = "FAILED"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusComplete, JobStatusCancelled, JobStatusFailed, JobStatusTerminated:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// RUNNING -> QUEUED is a cooperative suspend.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusCreated: {JobStatusQueued},
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled, JobStatusTerminated},
	JobStatusRunning: {JobStatusQueued, JobStatusComplete, JobStatusFailed, JobStatusTerminated},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusCreated,
	JobStatusQueued,
	JobStatusRunning,
	JobStatusTerminated,
	JobStatusComplete,
	JobStatusCancelled,
	JobStatusFailed,
}

// Priority orders queued jobs. Lower values run first.
type Priority int

const (
	// PriorityUnset is the priority of a job that has not been submitted.
	PriorityUnset Priority = iota
	PriorityHighest
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityLowest
)

var priorityNames = map[Priority]string{
	PriorityUnset:   "UNSET",
	PriorityHighest: "HIGHEST",
	PriorityHigh:    "HIGH",
	PriorityNormal:  "NORMAL",
	PriorityLow:     "LOW",
	PriorityLowest:  "LOWEST",
}

// String returns the upper-case name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Valid reports whether p can be used for submission.
func (p Priority) Valid() bool {
	return p >= PriorityHighest && p <= PriorityLowest
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority converts a case-insensitive name to a Priority.
// An empty string yields PriorityNormal; "UNSET" round-trips PriorityUnset.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "HIGHEST":
		return PriorityHighest, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	case "LOWEST":
		return PriorityLowest, nil
	case "UNSET":
		return PriorityUnset, nil
	}
	return PriorityUnset, fmt.Errorf("unknown priority %q", s)
}
