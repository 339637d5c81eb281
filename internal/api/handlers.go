package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"coderunner/internal/auth"
	"coderunner/internal/evaluator"
	"coderunner/internal/history"
	"coderunner/internal/monitor"
	"coderunner/internal/run"
	"coderunner/internal/storage"
	"coderunner/internal/supervisor"
)

const (
	engineEvaluator  = "evaluator"
	engineSupervisor = "supervisor"

	auditTimeout = 5 * time.Second
)

// RunStore is the audit log queried by the runs endpoints. *storage.DB
// implements it.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*storage.RunRecord, error)
	ListRuns(ctx context.Context, filter storage.RunFilter) ([]storage.RunRecord, error)
	LogSecurityEvent(ctx context.Context, event *storage.SecurityEventRecord) error
}

// Deps are the collaborators behind the HTTP API. Evaluator, Supervisor,
// History and Metrics are required; the rest may be nil.
type Deps struct {
	Evaluator  *evaluator.Evaluator
	Supervisor *supervisor.Supervisor
	History    *history.Recorder
	Verifier   auth.Verifier
	DB         *storage.DB
	Audit      *storage.AuditWriter
	Metrics    *monitor.Metrics

	AllowedOrigins  []string
	MaxMessageBytes int64
}

type Handlers struct {
	evaluator  *evaluator.Evaluator
	supervisor *supervisor.Supervisor
	history    *history.Recorder
	verifier   auth.Verifier
	runs       RunStore
	audit      *storage.AuditWriter
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	detector   *monitor.Detector

	upgrader        websocket.Upgrader
	maxMessageBytes int64

	streamsMu sync.Mutex
	streams   map[*streamConn]struct{}
}

func NewHandlers(d Deps) *Handlers {
	h := &Handlers{
		evaluator:       d.Evaluator,
		supervisor:      d.Supervisor,
		history:         d.History,
		verifier:        d.Verifier,
		audit:           d.Audit,
		metrics:         d.Metrics,
		tracer:          monitor.NewTracer(),
		detector:        monitor.NewDetector(),
		maxMessageBytes: d.MaxMessageBytes,
		streams:         make(map[*streamConn]struct{}),
	}
	if d.DB != nil {
		h.runs = d.DB
	}
	if h.verifier == nil {
		h.verifier = auth.GuestVerifier{}
	}
	if h.maxMessageBytes <= 0 {
		h.maxMessageBytes = 1 << 20
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(d.AllowedOrigins),
	}
	return h
}

// HandleRun evaluates code in-process and returns all of its output at once.
// Failures of the submitted code are reported in the body with status 200.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if !run.IsSupported(req.Language) {
		writeError(w, fmt.Sprintf("%s: %q", run.ErrUnsupportedLanguage, req.Language), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
		return
	}
	if h.evaluator == nil {
		writeError(w, "evaluator unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	principal := PrincipalFromContext(r.Context())
	h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	detections := h.detector.AnalyzeCode(req.Code)

	ctx, span := h.tracer.StartSpan(r.Context(), "evaluate",
		monitor.AttrEngine.String(engineEvaluator),
		monitor.AttrLanguage.String(req.Language),
		monitor.AttrPrincipal.String(principal.String()),
	)
	defer span.End()

	h.metrics.ActiveRuns.WithLabelValues(engineEvaluator).Inc()
	res, err := h.evaluator.Evaluate(ctx, req.Code)
	h.metrics.ActiveRuns.WithLabelValues(engineEvaluator).Dec()
	if err != nil {
		switch {
		case errors.Is(err, evaluator.ErrEmptySource):
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		case errors.Is(err, context.Canceled):
			log.Info().Str("request_id", RequestIDFromContext(r.Context())).Msg("client went away during evaluation")
			h.metrics.RecordRun(engineEvaluator, string(run.OutcomeCanceled), 0, 0)
		default:
			h.metrics.RecordError("internal")
			span.RecordError(err)
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("evaluation failed")
			writeError(w, "evaluation failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		}
		return
	}

	rn := res.Run
	outcome := rn.Outcome()
	logs := res.Logs
	if logs == nil {
		logs = []run.Line{}
	}

	h.metrics.RecordRun(engineEvaluator, string(outcome.Kind), rn.Duration().Seconds(), len(logs))
	if res.TimedOut {
		h.metrics.RecordError("timeout")
	}
	span.SetAttributes(
		monitor.AttrRunID.String(rn.ID),
		monitor.AttrOutcome.String(string(outcome.Kind)),
		monitor.AttrDurationMS.Int64(rn.Duration().Milliseconds()),
	)

	exitCode := 0
	if !res.Success {
		exitCode = 1
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = supervisor.DefaultFileName
	}
	if err := h.history.Record(context.WithoutCancel(ctx), string(principal), history.Summary{
		FileName:      fileName,
		Code:          req.Code,
		ExitCode:      exitCode,
		Language:      req.Language,
		ExecutionTime: rn.Duration(),
	}); err != nil {
		log.Error().Err(err).Str("run_id", rn.ID).Msg("failed to record history")
	}

	detections = append(detections, h.detector.AnalyzeOutput(joinLines(logs))...)
	h.recordDetections(ctx, rn.ID, detections)
	h.logAudit(rn, engineEvaluator, principal, fileName, exitCode, len(detections), r.RemoteAddr)

	writeJSON(w, http.StatusOK, RunResponse{
		Success:         res.Success,
		Logs:            logs,
		Error:           res.Error,
		RunID:           rn.ID,
		ExecutionTimeMs: rn.Duration().Milliseconds(),
		TimedOut:        res.TimedOut,
	})
}

func (h *Handlers) HandleListHistory(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())

	entries, err := h.history.List(r.Context(), string(principal))
	if err != nil {
		log.Error().Err(err).Str("principal", principal.String()).Msg("history list failed")
		writeError(w, "history unavailable", "HISTORY_UNAVAILABLE", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Principal: principal.String(),
		Limit:     h.history.Limit(),
		Entries:   entries,
	})
}

func (h *Handlers) HandleDeleteHistoryEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "history entry ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	principal := PrincipalFromContext(r.Context())
	err := h.history.Delete(r.Context(), string(principal), id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, "history entry not found", "NOT_FOUND", http.StatusNotFound, r)
	case err != nil:
		log.Error().Err(err).Str("principal", principal.String()).Msg("history delete failed")
		writeError(w, "history unavailable", "HISTORY_UNAVAILABLE", http.StatusInternalServerError, r)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if err := h.history.Clear(r.Context(), string(principal)); err != nil {
		log.Error().Err(err).Str("principal", principal.String()).Msg("history clear failed")
		writeError(w, "history unavailable", "HISTORY_UNAVAILABLE", http.StatusInternalServerError, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "run ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.runs == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	rec, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("run_id", id).Msg("run lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.RunFilter{
		Engine:    q.Get("engine"),
		Outcome:   q.Get("outcome"),
		Principal: q.Get("principal"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, "limit must be between 1 and 1000", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}

	recs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("run listing failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}

	writeJSON(w, http.StatusOK, recs)
}

// recordDetections counts findings and stores them next to the run's audit
// row when a database is configured.
func (h *Handlers) recordDetections(ctx context.Context, runID string, detections []monitor.Detection) {
	for _, d := range detections {
		h.metrics.RecordSecurityEvent(d.Pattern)
	}
	if h.runs == nil || len(detections) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	for _, d := range detections {
		err := h.runs.LogSecurityEvent(ctx, &storage.SecurityEventRecord{
			RunID:    runID,
			Type:     d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
		})
		if err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("failed to store security event")
			return
		}
	}
}

func (h *Handlers) logAudit(rn *run.Run, engine string, principal auth.Principal, fileName string, exitCode, detections int, remoteAddr string) {
	if h.audit == nil || rn == nil {
		return
	}

	lines := rn.Lines()
	completedAt := rn.FinishedAt()
	h.audit.Log(&storage.RunRecord{
		ID:             rn.ID,
		Engine:         engine,
		Language:       rn.Language,
		Principal:      string(principal),
		FileName:       fileName,
		CodeHash:       fmt.Sprintf("%x", sha256.Sum256([]byte(rn.Source))),
		ExitCode:       exitCode,
		Output:         joinLines(lines),
		Lines:          len(lines),
		DurationMS:     rn.Duration().Milliseconds(),
		SecurityEvents: detections,
		Outcome:        string(rn.Outcome().Kind),
		RequestIP:      remoteAddr,
		CreatedAt:      rn.StartedAt(),
		CompletedAt:    &completedAt,
	})
}

func joinLines(lines []run.Line) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Text)
	}
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
