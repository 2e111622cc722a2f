package model

import "time"

// JobRecord is a point-in-time snapshot of a job, used by the history store
// and the observer API.
type JobRecord struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Priority        Priority   `json:"priority"`
	Status          JobStatus  `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	ProgressString  string     `json:"progress,omitempty"`
	Error           string     `json:"error,omitempty"`
	Attempts        int        `json:"attempts"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Duration        string     `json:"duration,omitempty"`
}

// QueueSummary describes the scheduler's current occupancy.
type QueueSummary struct {
	Busy     bool             `json:"busy"`
	Running  *JobRecord       `json:"running,omitempty"`
	Pending  []JobRecord      `json:"pending"`
	Finished map[string]int64 `json:"finished"`
	Dropped  int64            `json:"dropped_events"`
}
