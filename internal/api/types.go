package api

import (
	"coderunner/internal/history"
	"coderunner/internal/run"
	"coderunner/internal/storage"
)

// RunRequest is the body of POST /api/run.
type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	FileName string `json:"fileName,omitempty"`
}

// RunResponse is returned for every evaluated request, including ones whose
// code threw or timed out.
type RunResponse struct {
	Success         bool       `json:"success"`
	Logs            []run.Line `json:"logs"`
	Error           string     `json:"error,omitempty"`
	RunID           string     `json:"runId"`
	ExecutionTimeMs int64      `json:"executionTimeMs"`
	TimedOut        bool       `json:"timedOut,omitempty"`
}

// HistoryResponse is returned by GET /api/history.
type HistoryResponse struct {
	Principal string          `json:"principal"`
	Limit     int             `json:"limit"`
	Entries   []history.Entry `json:"entries"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string              `json:"status"`
	Database   bool                `json:"database"`
	ActiveRuns int64               `json:"active_runs"`
	Audit      *storage.AuditStats `json:"audit,omitempty"`
	Uptime     string              `json:"uptime"`
}

// Message types exchanged on the streaming connection.
const (
	MsgAuth     = "auth"
	MsgRun      = "run"
	MsgCancel   = "cancel"
	MsgInfo     = "info"
	MsgLog      = "log"
	MsgError    = "error"
	MsgComplete = "complete"
)

// ClientMessage is any message a streaming client sends.
type ClientMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// ServerMessage is any message the server sends on a streaming connection.
// The pointer fields are set on complete messages only.
type ServerMessage struct {
	Type            string `json:"type"`
	RunID           string `json:"runId,omitempty"`
	Content         string `json:"content,omitempty"`
	Principal       string `json:"principal,omitempty"`
	ExecutionTimeMs *int64 `json:"executionTimeMs,omitempty"`
	ExitCode        *int   `json:"exitCode,omitempty"`
	Warning         string `json:"warning,omitempty"`
}
