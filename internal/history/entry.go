package history

import (
	"time"
)

// DefaultLimit is the number of entries kept per list.
const DefaultLimit = 100

// Entry is a persisted summary of a finished run.
type Entry struct {
	ID              string    `json:"id"`
	FileName        string    `json:"fileName"`
	Code            string    `json:"code"`
	ExitCode        int       `json:"exitCode"`
	Language        string    `json:"language"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	Timestamp       time.Time `json:"timestamp"`
}

// Summary is what an engine hands over once a run is terminal.
type Summary struct {
	FileName      string
	Code          string
	ExitCode      int
	Language      string
	ExecutionTime time.Duration
}
