package supervisor

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"coderunner/internal/history"
	"coderunner/internal/run"
	"coderunner/internal/runtime"
	"coderunner/internal/scratch"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxLineBytes = 1 << 20
	DefaultFileName     = "untitled.js"

	// Output kept on the Run for auditing and detection. Streaming to the
	// sink is not capped.
	DefaultMaxRetainedLines = 10000
	DefaultMaxRetainedBytes = 1 << 20

	// killGrace bounds how long exit handling waits for the output pipes to
	// close after the process group was killed.
	killGrace     = 2 * time.Second
	historyBudget = 5 * time.Second
)

// EventKind is the type of a supervisor event.
type EventKind string

const (
	EventInfo     EventKind = "info"
	EventOutput   EventKind = "output"
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"
)

// Event is emitted to a Sink while a run progresses. RunID is empty for
// requests rejected before a run existed.
type Event struct {
	Kind          EventKind
	RunID         string
	Stream        run.Stream // EventOutput only
	Text          string
	ExecutionTime time.Duration // EventComplete only
	ExitCode      int           // EventComplete only
	Warning       string        // EventComplete only
}

// Sink receives events. Send is called from several goroutines and must be
// safe for concurrent use.
type Sink interface {
	Send(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Send(e Event) { f(e) }

// Recorder receives summaries of runs that reached process exit.
type Recorder interface {
	Record(ctx context.Context, principal string, s history.Summary) error
}

// Request is one streamed execution request.
type Request struct {
	Code      string
	Language  string
	FileName  string
	Principal string // empty for guests
}

// Options configures a Supervisor.
type Options struct {
	Runtimes     *runtime.Registry
	Scratch      *scratch.Dir
	History      Recorder // may be nil
	Timeout      time.Duration
	MaxLineBytes int

	MaxRetainedLines int
	MaxRetainedBytes int
}

// Supervisor runs submitted code as child processes and streams their
// output line by line.
type Supervisor struct {
	runtimes     *runtime.Registry
	scratch      *scratch.Dir
	history      Recorder
	timeout      time.Duration
	maxLineBytes int
	retention    run.Retention

	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex // protects closed
	closed bool

	shutdown context.Context
	stop     context.CancelFunc
}

// New creates a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Runtimes == nil {
		return nil, errors.New("supervisor: runtime registry is required")
	}
	if opts.Scratch == nil {
		return nil, errors.New("supervisor: scratch directory is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	if opts.MaxRetainedLines <= 0 {
		opts.MaxRetainedLines = DefaultMaxRetainedLines
	}
	if opts.MaxRetainedBytes <= 0 {
		opts.MaxRetainedBytes = DefaultMaxRetainedBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runtimes:     opts.Runtimes,
		scratch:      opts.Scratch,
		history:      opts.History,
		timeout:      opts.Timeout,
		maxLineBytes: opts.MaxLineBytes,
		retention:    run.Retention{MaxLines: opts.MaxRetainedLines, MaxBytes: opts.MaxRetainedBytes},
		shutdown:     ctx,
		stop:         cancel,
	}, nil
}

// Run executes req and blocks until the run is terminal. Exactly one
// EventComplete is sent to sink for every call. The returned Run is nil when
// the request was rejected before a run was created. The error is nil when
// the process ran to exit, whatever its exit code.
func (s *Supervisor) Run(ctx context.Context, req Request, sink Sink) (*run.Run, error) {
	r, err := run.New(req.Code, req.Language)
	if err != nil {
		reject(sink, err)
		return nil, &ExecutionError{Op: "validate", Err: err}
	}
	r.Retain(s.retention)
	rt, err := s.runtimes.Get(req.Language)
	if err != nil {
		reject(sink, err)
		return nil, &ExecutionError{Op: "get_runtime", Err: err}
	}
	if err := rt.Validate(req.Code); err != nil {
		reject(sink, err)
		return nil, &ExecutionError{Op: "validate", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		reject(sink, ErrClosed)
		return nil, &ExecutionError{Op: "acquire", Err: ErrClosed}
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	s.active.Add(1)
	defer s.active.Add(-1)

	if req.FileName == "" {
		req.FileName = DefaultFileName
	}

	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))
	logger := log.With().
		Str("run_id", r.ID).
		Str("file", req.FileName).
		Str("principal", principalLabel(req.Principal)).
		Str("code_hash", codeHash[:16]).
		Logger()

	_ = r.Start()
	sink.Send(Event{Kind: EventInfo, RunID: r.ID, Text: fmt.Sprintf("Running %s...", req.FileName)})

	return r, s.execute(ctx, r, rt, req, sink, logger)
}

func (s *Supervisor) execute(ctx context.Context, r *run.Run, rt runtime.Runtime, req Request, sink Sink, logger zerolog.Logger) error {
	file, err := s.scratch.Create([]byte(req.Code), rt.FileExtension())
	if err != nil {
		logger.Error().Err(err).Msg("failed to write run file")
		s.fail(r, sink, run.InternalError(err.Error()), "failed to prepare run: "+err.Error())
		return &ExecutionError{RunID: r.ID, Op: "write_code", Err: err}
	}
	defer file.Remove()

	argv := rt.Command(file.Path())
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- interpreter from config, argument is our own temp file
	cmd.Dir = s.scratch.Path()
	isolate(cmd)

	removeFile := func() {
		if err := file.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove run file")
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeFile()
		s.fail(r, sink, run.InternalError(err.Error()), "failed to prepare run: "+err.Error())
		return &ExecutionError{RunID: r.ID, Op: "stdout_pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		removeFile()
		s.fail(r, sink, run.InternalError(err.Error()), "failed to prepare run: "+err.Error())
		return &ExecutionError{RunID: r.ID, Op: "stderr_pipe", Err: err}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stopOnShutdown := context.AfterFunc(s.shutdown, cancelRun)
	defer stopOnShutdown()

	execCtx, cancel := context.WithTimeout(runCtx, s.timeout)
	defer cancel()

	if err := cmd.Start(); err != nil {
		logger.Warn().Err(err).Str("interpreter", argv[0]).Msg("spawn failed")
		removeFile()
		s.fail(r, sink, run.SpawnFailed(err.Error()), fmt.Sprintf("%s: %s", ErrSpawn, err))
		return &ExecutionError{RunID: r.ID, Op: "spawn", Err: fmt.Errorf("%w: %w", ErrSpawn, err)}
	}
	logger.Info().Int("pid", cmd.Process.Pid).Msg("process started")

	var g errgroup.Group
	g.Go(func() error { return s.pump(stdout, r, run.Stdout, sink) })
	g.Go(func() error { return s.pump(stderr, r, run.Stderr, sink) })

	done := make(chan error, 1)
	go func() {
		if err := g.Wait(); err != nil {
			logger.Debug().Err(err).Msg("output pump ended with error")
		}
		done <- cmd.Wait()
	}()

	var stopErr error
	select {
	case <-done:
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil {
			stopErr = ErrTimeout
			sink.Send(Event{Kind: EventError, RunID: r.ID, Text: fmt.Sprintf("%s after %s", ErrTimeout, s.timeout)})
		} else {
			stopErr = ErrCanceled
			sink.Send(Event{Kind: EventError, RunID: r.ID, Text: ErrCanceled.Error()})
		}
		if err := kill(cmd); err != nil {
			logger.Warn().Err(err).Msg("kill failed")
		}

		select {
		case <-done:
		case <-time.After(killGrace):
			// A descendant outside the process group still holds the pipes.
			_ = stdout.Close()
			_ = stderr.Close()
			<-done
		}
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	var outcome run.Outcome
	switch stopErr {
	case ErrTimeout:
		outcome = run.TimedOut(exitCode)
	case ErrCanceled:
		outcome = run.Canceled(exitCode)
	default:
		outcome = run.Completed(exitCode)
	}

	removeFile()
	_ = r.Finish(outcome)

	logger.Info().
		Str("outcome", outcome.String()).
		Int("exit_code", exitCode).
		Bool("output_truncated", r.Truncated()).
		Dur("duration", r.Duration()).
		Msg("process exited")

	s.record(ctx, r, req, exitCode, logger)

	complete := Event{Kind: EventComplete, RunID: r.ID, ExecutionTime: r.Duration(), ExitCode: exitCode}
	switch {
	case exitCode == -1:
		complete.Warning = "Process was terminated"
	case exitCode != 0:
		complete.Warning = fmt.Sprintf("Process exited with code %d", exitCode)
	}
	sink.Send(complete)

	if stopErr != nil {
		return &ExecutionError{RunID: r.ID, Op: "wait", Err: stopErr}
	}
	return nil
}

// pump forwards each line read from rd. Lines longer than maxLineBytes are
// split into several lines.
func (s *Supervisor) pump(rd io.Reader, r *run.Run, stream run.Stream, sink Sink) error {
	sc := newLineScanner(rd, s.maxLineBytes)
	for sc.Scan() {
		text := sc.Text()
		if err := r.Append(stream, text); err != nil {
			return err
		}
		sink.Send(Event{Kind: EventOutput, RunID: r.ID, Stream: stream, Text: text})
	}
	return sc.Err()
}

func newLineScanner(rd io.Reader, maxLine int) *bufio.Scanner {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, min(64*1024, maxLine+1)), maxLine+1)
	sc.Split(splitLines(maxLine))
	return sc
}

// splitLines is bufio.ScanLines with tokens capped at max bytes.
func splitLines(max int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := bufio.ScanLines(data, atEOF)
		if len(token) > max || (advance == 0 && token == nil && err == nil && len(data) >= max) {
			return max, data[:max], nil
		}
		return advance, token, err
	}
}

func (s *Supervisor) record(ctx context.Context, r *run.Run, req Request, exitCode int, logger zerolog.Logger) {
	if s.history == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyBudget)
	defer cancel()

	err := s.history.Record(hctx, req.Principal, history.Summary{
		FileName:      req.FileName,
		Code:          req.Code,
		ExitCode:      exitCode,
		Language:      req.Language,
		ExecutionTime: r.Duration(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record history")
	}
}

// fail finishes a run that never reached process exit.
func (s *Supervisor) fail(r *run.Run, sink Sink, outcome run.Outcome, msg string) {
	_ = r.Finish(outcome)
	sink.Send(Event{Kind: EventError, RunID: r.ID, Text: msg})
	sink.Send(Event{Kind: EventComplete, RunID: r.ID, ExecutionTime: r.Duration(), ExitCode: -1})
}

func reject(sink Sink, err error) {
	sink.Send(Event{Kind: EventError, Text: err.Error()})
	sink.Send(Event{Kind: EventComplete, ExitCode: -1})
}

// Active returns the number of runs in flight.
func (s *Supervisor) Active() int64 {
	return s.active.Load()
}

// Close rejects new runs, kills in-flight ones and waits for their cleanup.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
	return nil
}

func principalLabel(p string) string {
	if p == "" {
		return "guest"
	}
	return p
}
