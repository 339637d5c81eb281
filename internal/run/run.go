package run

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LanguageJavaScript is the only language tag accepted by either engine.
const LanguageJavaScript = "javascript"

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrEmptySource         = errors.New("source is empty")
	ErrRunTerminal         = errors.New("run already finished")
	ErrInvalidTransition   = errors.New("invalid run state transition")
)

// State is the lifecycle position of a Run.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Stream tags an output line with where it came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	Log    Stream = "log"
	Info   Stream = "info"
	Warn   Stream = "warn"
	Error  Stream = "error"
)

// Line is a single unit of captured output.
type Line struct {
	Stream Stream `json:"type"`
	Text   string `json:"content"`
}

// OutcomeKind classifies how a run ended.
type OutcomeKind string

const (
	OutcomeCompleted     OutcomeKind = "completed"
	OutcomeTimedOut      OutcomeKind = "timeout"
	OutcomeSpawnFailed   OutcomeKind = "spawn_failed"
	OutcomeInternalError OutcomeKind = "internal_error"
	OutcomeCanceled      OutcomeKind = "canceled"
)

// Outcome is the terminal result of a run. ExitCode is meaningful for
// Completed, and carries the child exit status for TimedOut and Canceled
// runs of the process supervisor.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Reason   string
}

func Completed(exitCode int) Outcome { return Outcome{Kind: OutcomeCompleted, ExitCode: exitCode} }

func TimedOut(exitCode int) Outcome { return Outcome{Kind: OutcomeTimedOut, ExitCode: exitCode} }

func Canceled(exitCode int) Outcome { return Outcome{Kind: OutcomeCanceled, ExitCode: exitCode} }

func SpawnFailed(reason string) Outcome {
	return Outcome{Kind: OutcomeSpawnFailed, ExitCode: -1, Reason: reason}
}

func InternalError(reason string) Outcome {
	return Outcome{Kind: OutcomeInternalError, ExitCode: -1, Reason: reason}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeCompleted:
		return fmt.Sprintf("completed(%d)", o.ExitCode)
	case OutcomeSpawnFailed, OutcomeInternalError:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
	default:
		return string(o.Kind)
	}
}

// Retention caps the output a Run keeps. Zero fields mean no cap.
type Retention struct {
	MaxLines int
	MaxBytes int
}

// Run is one execution attempt. It is mutated only by the engine that owns
// it; Append is safe for concurrent use so that stdout and stderr readers
// can feed the same run.
type Run struct {
	ID       string
	Source   string
	Language string

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	finishedAt time.Time
	outcome    Outcome
	lines      []Line

	retention Retention
	kept      int // bytes of Text held in lines
	truncated bool
}

// New validates the request and creates a Run in the Created state.
func New(source, language string) (*Run, error) {
	if !IsSupported(language) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptySource
	}
	return &Run{
		ID:       NewID(),
		Source:   source,
		Language: language,
	}, nil
}

// IsSupported reports whether language is accepted.
func IsSupported(language string) bool {
	return language == LanguageJavaScript
}

// NewID returns a run identifier made of a base-36 millisecond timestamp
// and a random suffix.
func NewID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return ts + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Start moves the run from Created to Running.
func (r *Run) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateCreated {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, r.state)
	}
	r.state = StateRunning
	r.startedAt = time.Now()
	return nil
}

// Retain sets the output cap. Lines already kept are not affected.
func (r *Run) Retain(limit Retention) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retention = limit
}

// Append adds an output line. Lines are rejected once the run is terminal.
// Past the retention cap a single warning line is kept and later lines are
// discarded without error.
func (r *Run) Append(stream Stream, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateTerminal {
		return ErrRunTerminal
	}
	if r.truncated {
		return nil
	}
	lim := r.retention
	if (lim.MaxLines > 0 && len(r.lines) >= lim.MaxLines) ||
		(lim.MaxBytes > 0 && r.kept+len(text) > lim.MaxBytes) {
		r.truncated = true
		r.lines = append(r.lines, Line{
			Stream: Warn,
			Text:   fmt.Sprintf("output truncated after %d lines (%d bytes)", len(r.lines), r.kept),
		})
		return nil
	}
	r.lines = append(r.lines, Line{Stream: stream, Text: text})
	r.kept += len(text)
	return nil
}

// Truncated reports whether output was dropped by the retention cap.
func (r *Run) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

// Finish records the outcome and freezes the run.
func (r *Run) Finish(outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRunning {
		return fmt.Errorf("%w: finish from %s", ErrInvalidTransition, r.state)
	}
	r.state = StateTerminal
	r.finishedAt = time.Now()
	r.outcome = outcome
	return nil
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outcome returns the terminal outcome; the zero Outcome before Finish.
func (r *Run) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

func (r *Run) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

func (r *Run) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

// Duration is FinishedAt-StartedAt for a terminal run and the elapsed time
// otherwise. A run that never started has zero duration.
func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.startedAt.IsZero():
		return 0
	case r.state == StateTerminal:
		return r.finishedAt.Sub(r.startedAt)
	default:
		return time.Since(r.startedAt)
	}
}

// Lines returns a copy of the captured output.
func (r *Run) Lines() []Line {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Line, len(r.lines))
	copy(out, r.lines)
	return out
}
