package storage

import "time"

// RunRecord is the audit row for one finished run.
type RunRecord struct {
	ID             string     `json:"id" db:"id"`
	Engine         string     `json:"engine" db:"engine"` // evaluator or supervisor
	Language       string     `json:"language" db:"language"`
	Principal      string     `json:"principal,omitempty" db:"principal"`
	FileName       string     `json:"file_name,omitempty" db:"file_name"`
	CodeHash       string     `json:"code_hash" db:"code_hash"`
	ExitCode       int        `json:"exit_code" db:"exit_code"`
	Output         string     `json:"output,omitempty" db:"output"`
	Lines          int        `json:"lines" db:"lines"`
	DurationMS     int64      `json:"duration_ms" db:"duration_ms"`
	SecurityEvents int        `json:"security_events" db:"security_events"`
	Outcome        string     `json:"outcome" db:"outcome"` // completed, timeout, spawn_failed, internal_error, canceled
	RequestIP      string     `json:"request_ip,omitempty" db:"request_ip"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SecurityEventRecord stores a suspicious-code finding for audit.
type SecurityEventRecord struct {
	ID        string    `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	Type      string    `json:"type" db:"type"`
	Severity  string    `json:"severity" db:"severity"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RunFilter provides criteria for querying runs.
type RunFilter struct {
	Engine    string
	Outcome   string
	Principal string
	Limit     int
	Offset    int
}
