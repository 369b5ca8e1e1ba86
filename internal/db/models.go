package db

import "time"

// PrintLogEntry is one local print attempt.
type PrintLogEntry struct {
	ID          int64     `json:"id"`
	JobID       int64     `json:"job_id"`
	Filename    string    `json:"filename"`
	Printer     string    `json:"printer"`
	Copies      int       `json:"copies"`
	Orientation string    `json:"orientation"`
	Attempt     int       `json:"attempt"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}
