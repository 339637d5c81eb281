// Package evaluator runs JavaScript inside an embedded interpreter with a
// fixed global surface and collects console output. Output written while the
// submitted code's top-level body runs is reported before output written by
// timers and promise continuations.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"coderunner/internal/run"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultDrainWindow   = 200 * time.Millisecond
	DefaultMaxLogEntries = 10000
)

var ErrEmptySource = run.ErrEmptySource

// Options configures an Evaluator.
type Options struct {
	Timeout       time.Duration
	DrainWindow   time.Duration
	MaxLogEntries int
}

// Evaluator executes source text in a fresh interpreter per call.
type Evaluator struct {
	timeout       time.Duration
	drainWindow   time.Duration
	maxLogEntries int
}

// Result is the buffered outcome of one evaluation.
type Result struct {
	Run      *run.Run
	Success  bool
	Logs     []run.Line
	Error    string
	TimedOut bool
}

func New(opts Options) *Evaluator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DrainWindow <= 0 {
		opts.DrainWindow = DefaultDrainWindow
	}
	if opts.MaxLogEntries <= 0 {
		opts.MaxLogEntries = DefaultMaxLogEntries
	}
	return &Evaluator{
		timeout:       opts.Timeout,
		drainWindow:   opts.DrainWindow,
		maxLogEntries: opts.MaxLogEntries,
	}
}

type phase int

const (
	phaseSync phase = iota
	phaseAsync
)

// execution is the per-run interpreter state. It is confined to the
// goroutine calling Evaluate.
type execution struct {
	vm        *goja.Runtime
	phase     phase
	stringify goja.Callable

	syncLines  []run.Line
	asyncLines []run.Line
	lines      int
	maxLines   int
	truncated  bool

	timers        map[int64]*timer
	nextID        int64
	nextSeq       int64
	firing        int64
	firingCleared bool

	main       *goja.Promise
	syncThrow  bool
	unhandled  []*goja.Promise
	failed     bool
	firstError string
}

// interrupt values passed to Runtime.Interrupt.
type interruptReason int

const (
	reasonTimeout interruptReason = iota + 1
	reasonCanceled
)

// Evaluate runs source and returns its captured output. Exceptions, syntax
// errors and timeouts are reported in the Result, not as an error; the error
// is non-nil only for empty source or a canceled ctx.
func (e *Evaluator) Evaluate(ctx context.Context, source string) (*Result, error) {
	r, err := run.New(source, run.LanguageJavaScript)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("run_id", r.ID).Str("engine", "evaluator").Logger()
	_ = r.Start()

	vm := goja.New()
	x := &execution{
		vm:       vm,
		maxLines: e.maxLogEntries,
		timers:   make(map[int64]*timer),
	}
	x.stringify = stringifier(vm)
	vm.SetPromiseRejectionTracker(x.trackRejection)
	if err := x.install(); err != nil {
		_ = r.Finish(run.InternalError(err.Error()))
		return nil, fmt.Errorf("installing globals: %w", err)
	}

	deadline := time.Now().Add(e.timeout)
	timeout := time.AfterFunc(e.timeout, func() { vm.Interrupt(reasonTimeout) })
	defer timeout.Stop()
	stopCancel := context.AfterFunc(ctx, func() { vm.Interrupt(reasonCanceled) })
	defer stopCancel()

	stopped := x.evaluate(ctx, source, deadline, e.drainWindow)

	var outcome run.Outcome
	res := &Result{Run: r}
	switch stopped {
	case reasonTimeout:
		res.TimedOut = true
		msg := fmt.Sprintf("execution timed out after %s", e.timeout)
		x.appendLine(run.Line{Stream: run.Error, Text: "Error: " + msg})
		res.Error = msg
		outcome = run.TimedOut(-1)
	case reasonCanceled:
		_ = r.Finish(run.Canceled(-1))
		logger.Info().Msg("evaluation canceled")
		return nil, ctx.Err()
	default:
		x.reportUnhandled()
		res.Success = !x.failed
		res.Error = x.firstError
		if x.failed {
			outcome = run.Completed(1)
		} else {
			outcome = run.Completed(0)
		}
	}

	for _, l := range append(x.syncLines, x.asyncLines...) {
		_ = r.Append(l.Stream, l.Text)
	}
	_ = r.Finish(outcome)
	res.Logs = r.Lines()

	logger.Info().
		Str("outcome", outcome.String()).
		Int("lines", len(res.Logs)).
		Dur("duration", r.Duration()).
		Msg("evaluation finished")

	return res, nil
}

// evaluate drives the sync pass, the await phase and the drain window. It
// returns a non-zero reason when execution was interrupted.
func (x *execution) evaluate(ctx context.Context, source string, deadline time.Time, drain time.Duration) interruptReason {
	hook := "__settle_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	wrapped := "(function(" + hook + ") { return " + hook + "((async function() {\n" + source + "\n})()); })"

	fnVal, err := x.vm.RunString(wrapped)
	if err != nil {
		if reason := interrupted(err); reason != 0 {
			return reason
		}
		x.fail(err)
		return 0
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		x.fail(errors.New("internal: wrapper is not callable"))
		return 0
	}

	// The hook runs as soon as the async body returns its promise, before
	// any continuation is dequeued, so every later console call is async.
	settle := x.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		x.phase = phaseAsync
		if obj, ok := call.Argument(0).(*goja.Object); ok {
			if p, ok := obj.Export().(*goja.Promise); ok {
				x.main = p
				x.syncThrow = p.State() == goja.PromiseStateRejected
			}
		}
		return call.Argument(0)
	})

	if _, err := fn(goja.Undefined(), settle); err != nil {
		if reason := interrupted(err); reason != 0 {
			return reason
		}
		x.fail(err)
		return 0
	}

	// Await phase: fire timers until the body settles or nothing can settle it.
	for x.main != nil && x.main.State() == goja.PromiseStatePending {
		t := x.next()
		if t == nil {
			break
		}
		if reason := x.waitAndFire(ctx, t, deadline); reason != 0 {
			return reason
		}
	}
	x.reportMain()

	// Drain window: timers due inside the window still fire; later ones are
	// dropped. The window ends early once the queue is empty.
	end := time.Now().Add(drain)
	if end.After(deadline) {
		end = deadline
	}
	for {
		t := x.next()
		if t == nil || t.due.After(end) {
			return 0
		}
		if reason := x.waitAndFire(ctx, t, deadline); reason != 0 {
			return reason
		}
	}
}

func (x *execution) waitAndFire(ctx context.Context, t *timer, deadline time.Time) interruptReason {
	if wait := time.Until(t.due); wait > 0 {
		if t.due.After(deadline) {
			wait = time.Until(deadline)
		}
		sleep := time.NewTimer(wait)
		select {
		case <-sleep.C:
		case <-ctx.Done():
			sleep.Stop()
			return reasonCanceled
		}
		if t.due.After(deadline) {
			return reasonTimeout
		}
	}

	if err := x.fire(t); err != nil {
		if reason := interrupted(err); reason != 0 {
			return reason
		}
		x.fail(err)
	}
	return 0
}

// inAsync runs fn in the async phase and restores the previous phase on
// return, including when fn throws.
func (x *execution) inAsync(fn func() error) error {
	prev := x.phase
	x.phase = phaseAsync
	defer func() { x.phase = prev }()
	return fn()
}

// reportMain logs the rejection of the wrapped body. A rejection observed by
// the settle hook came from a synchronous throw.
func (x *execution) reportMain() {
	if x.main == nil || x.main.State() != goja.PromiseStateRejected {
		return
	}
	prev := x.phase
	if x.syncThrow {
		x.phase = phaseSync
	}
	x.failValue(x.main.Result())
	x.phase = prev
}

func (x *execution) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		x.unhandled = append(x.unhandled, p)
	case goja.PromiseRejectionHandle:
		for i, u := range x.unhandled {
			if u == p {
				x.unhandled = append(x.unhandled[:i], x.unhandled[i+1:]...)
				break
			}
		}
	}
}

// reportUnhandled logs rejections nothing ever handled, other than the
// body's own promise which reportMain covers.
func (x *execution) reportUnhandled() {
	for _, p := range x.unhandled {
		if p == x.main {
			continue
		}
		x.phase = phaseAsync
		x.failValue(p.Result())
	}
}

func (x *execution) fail(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		x.failValue(ex.Value())
		return
	}
	x.failText(err.Error())
}

func (x *execution) failValue(v goja.Value) {
	x.failText(x.format(v))
}

func (x *execution) failText(text string) {
	x.failed = true
	if x.firstError == "" {
		x.firstError = text
	}
	x.emit(run.Error, text)
}

func interrupted(err error) interruptReason {
	var ie *goja.InterruptedError
	if !errors.As(err, &ie) {
		return 0
	}
	if reason, ok := ie.Value().(interruptReason); ok {
		return reason
	}
	return reasonTimeout
}
