package model

import "time"

// RunStatus represents the outcome of a rule run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusSkipped  RunStatus = "skipped"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one execution of a rule against a record.
type Run struct {
	ID         string     `json:"id"`
	RecordType string     `json:"record_type"`
	RecordID   string     `json:"record_id"`
	RuleID     string     `json:"rule_id"`
	FieldName  string     `json:"field_name"`
	Status     RunStatus  `json:"status"`
	Result     *RunResult `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunResult holds the final outcome of a rule run.
type RunResult struct {
	Candidates int    `json:"candidates"`
	Accepted   int    `json:"accepted"`
	Rejected   int    `json:"rejected"`
	Stored     bool   `json:"stored"`
	Duration   int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}
