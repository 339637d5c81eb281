package evaluator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"coderunner/internal/run"
)

func evaluate(t *testing.T, e *Evaluator, src string) *Result {
	t.Helper()
	res, err := e.Evaluate(context.Background(), src)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return res
}

func texts(lines []run.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func countStream(lines []run.Line, s run.Stream) int {
	n := 0
	for _, l := range lines {
		if l.Stream == s {
			n++
		}
	}
	return n
}

func TestEvaluate_Basic(t *testing.T) {
	e := New(Options{})
	res := evaluate(t, e, "console.log(1+1)")

	if !res.Success {
		t.Fatalf("Success = false, error %q", res.Error)
	}
	if len(res.Logs) != 1 {
		t.Fatalf("logs = %v, want one line", res.Logs)
	}
	if res.Logs[0].Stream != run.Log || res.Logs[0].Text != "2" {
		t.Errorf("log = %+v, want {log 2}", res.Logs[0])
	}
	if got := res.Run.Outcome(); got.Kind != run.OutcomeCompleted || got.ExitCode != 0 {
		t.Errorf("outcome = %s, want completed(0)", got)
	}
	if res.Run.State() != run.StateTerminal {
		t.Errorf("run state = %s, want terminal", res.Run.State())
	}
}

func TestEvaluate_EmptySource(t *testing.T) {
	_, err := New(Options{}).Evaluate(context.Background(), "  \n")
	if !errors.Is(err, ErrEmptySource) {
		t.Errorf("error = %v, want ErrEmptySource", err)
	}
}

func TestEvaluate_ConsoleLevelsAndFormatting(t *testing.T) {
	src := `
console.info("info", 1)
console.warn("careful")
console.error(new TypeError("bad type"))
console.debug("dbg")
console.log({a: 1, b: [1, 2]})
console.log(function named() {}, null, undefined, true)
`
	res := evaluate(t, New(Options{}), src)

	want := []run.Line{
		{Stream: run.Info, Text: "info 1"},
		{Stream: run.Warn, Text: "careful"},
		{Stream: run.Error, Text: "TypeError: bad type"},
		{Stream: run.Log, Text: "dbg"},
		{Stream: run.Log, Text: `{"a":1,"b":[1,2]}`},
		{Stream: run.Log, Text: "[Function: named] null undefined true"},
	}
	if len(res.Logs) != len(want) {
		t.Fatalf("logs = %v, want %v", res.Logs, want)
	}
	for i := range want {
		if res.Logs[i] != want[i] {
			t.Errorf("logs[%d] = %+v, want %+v", i, res.Logs[i], want[i])
		}
	}
	// console.error output alone does not fail the run.
	if !res.Success {
		t.Errorf("Success = false, want true")
	}
}

func TestEvaluate_DrainWindow(t *testing.T) {
	tests := []struct {
		name     string
		delay    string
		wantLate bool
	}{
		{"inside window", "50", true},
		{"beyond window", "10000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			res := evaluate(t, New(Options{}), `setTimeout(() => console.log("late"), `+tt.delay+`)`)

			got := strings.Join(texts(res.Logs), ",")
			if (got == "late") != tt.wantLate {
				t.Errorf("logs = %q, wantLate %v", got, tt.wantLate)
			}
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Errorf("evaluation took %s", elapsed)
			}
		})
	}
}

func TestEvaluate_SyncBeforeAsync(t *testing.T) {
	src := `
setTimeout(() => console.log("timer"), 0)
Promise.resolve().then(() => console.log("microtask"))
console.log("first")
await null
console.log("after await")
console.log("second")
`
	res := evaluate(t, New(Options{}), src)

	got := strings.Join(texts(res.Logs), ",")
	want := "first,microtask,after await,second,timer"
	if got != want {
		t.Errorf("order = %q, want %q", got, want)
	}
}

func TestEvaluate_PhaseTagsDeferredOutput(t *testing.T) {
	// The timer fires while the body is suspended on the await.
	src := `
console.log("sync")
await new Promise(resolve => setTimeout(() => { console.log("from timer"); resolve() }, 10))
console.log("resumed")
`
	res := evaluate(t, New(Options{}), src)
	got := strings.Join(texts(res.Logs), ",")
	if got != "sync,from timer,resumed" {
		t.Errorf("logs = %q", got)
	}
}

func TestEvaluate_SyncThrow(t *testing.T) {
	src := `
console.log("before")
setTimeout(() => console.log("async"), 0)
throw new Error("boom")
`
	res := evaluate(t, New(Options{}), src)

	if res.Success {
		t.Fatal("Success = true, want false")
	}
	if n := countStream(res.Logs, run.Error); n != 1 {
		t.Fatalf("error lines = %d, want exactly 1 (%v)", n, res.Logs)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("Error = %q, want the exception message", res.Error)
	}
	// The error belongs to the sync bucket, ahead of the timer output.
	got := strings.Join(texts(res.Logs), ",")
	if got != "before,Error: boom,async" {
		t.Errorf("logs = %q", got)
	}
	if got := res.Run.Outcome(); got.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", got.ExitCode)
	}
}

func TestEvaluate_AsyncRejection(t *testing.T) {
	src := `
console.log("start")
await new Promise(r => setTimeout(r, 5))
throw new RangeError("later")
`
	res := evaluate(t, New(Options{}), src)
	if res.Success {
		t.Fatal("Success = true, want false")
	}
	got := strings.Join(texts(res.Logs), ",")
	if got != "start,RangeError: later" {
		t.Errorf("logs = %q", got)
	}
}

func TestEvaluate_SyntaxError(t *testing.T) {
	res := evaluate(t, New(Options{}), "console.log('x'")
	if res.Success {
		t.Fatal("Success = true, want false")
	}
	if n := countStream(res.Logs, run.Error); n != 1 || len(res.Logs) != 1 {
		t.Fatalf("logs = %v, want one error line", res.Logs)
	}
	if !strings.Contains(res.Logs[0].Text, "SyntaxError") {
		t.Errorf("error = %q, want a SyntaxError", res.Logs[0].Text)
	}
}

func TestEvaluate_TimerCallbackThrowContinues(t *testing.T) {
	src := `
setTimeout(() => { throw new Error("tick") }, 0)
setTimeout(() => console.log("still running"), 5)
`
	res := evaluate(t, New(Options{}), src)
	got := strings.Join(texts(res.Logs), ",")
	if got != "Error: tick,still running" {
		t.Errorf("logs = %q", got)
	}
	if res.Success {
		t.Error("Success = true, want false")
	}
}

func TestEvaluate_UnhandledRejection(t *testing.T) {
	res := evaluate(t, New(Options{}), `Promise.reject(new Error("nobody caught me"))`)
	if res.Success {
		t.Error("Success = true, want false")
	}
	if n := countStream(res.Logs, run.Error); n != 1 {
		t.Errorf("logs = %v, want one error line", res.Logs)
	}

	res = evaluate(t, New(Options{}), `Promise.reject(new Error("x")).catch(() => console.log("caught"))`)
	if !res.Success || strings.Join(texts(res.Logs), ",") != "caught" {
		t.Errorf("handled rejection: success=%v logs=%v", res.Success, res.Logs)
	}
}

func TestEvaluate_Timeout(t *testing.T) {
	e := New(Options{Timeout: 200 * time.Millisecond})

	tests := []struct {
		name string
		src  string
	}{
		{"sync loop", `console.log("before"); while (true) {}`},
		{"timer loop", `console.log("before"); setTimeout(() => { while (true) {} }, 0)`},
		{"pending interval", `console.log("before"); setInterval(() => {}, 20); await new Promise(() => setTimeout(() => {}, 60000))`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			res := evaluate(t, e, tt.src)
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Errorf("evaluation took %s with a 200ms budget", elapsed)
			}
			if !res.TimedOut || res.Success {
				t.Fatalf("TimedOut=%v Success=%v, want timed out", res.TimedOut, res.Success)
			}
			if res.Logs[0].Text != "before" {
				t.Errorf("partial output lost: %v", res.Logs)
			}
			if got := res.Run.Outcome(); got.Kind != run.OutcomeTimedOut {
				t.Errorf("outcome = %s, want timeout", got)
			}
		})
	}
}

func TestEvaluate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := New(Options{}).Evaluate(ctx, "while (true) {}")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestEvaluate_RestrictedGlobals(t *testing.T) {
	src := `
console.log(typeof require, typeof process, typeof eval, typeof Function)
console.log(typeof Reflect, typeof Proxy, typeof Uint8Array)
console.log(typeof Math, typeof JSON, typeof Promise, typeof setTimeout, typeof Map)
`
	res := evaluate(t, New(Options{}), src)
	got := texts(res.Logs)
	if len(got) != 3 {
		t.Fatalf("logs = %v", res.Logs)
	}
	if got[0] != "undefined undefined undefined undefined" {
		t.Errorf("host globals visible: %q", got[0])
	}
	if got[1] != "undefined undefined undefined" {
		t.Errorf("non-enumerable built-ins visible: %q", got[1])
	}
	if got[2] != "object object function function function" {
		t.Errorf("allowed globals missing: %q", got[2])
	}
}

func TestEvaluate_IntervalsAndClear(t *testing.T) {
	src := `
let n = 0
const id = setInterval(() => {
  n++
  console.log("tick " + n)
  if (n === 3) clearInterval(id)
}, 5)
const never = setTimeout(() => console.log("cleared"), 1)
clearTimeout(never)
setImmediate((a, b) => console.log(a + b), 2, 3)
`
	res := evaluate(t, New(Options{}), src)
	got := strings.Join(texts(res.Logs), ",")
	if got != "5,tick 1,tick 2,tick 3" {
		t.Errorf("logs = %q", got)
	}
}

func TestEvaluate_TruncatesOutput(t *testing.T) {
	e := New(Options{MaxLogEntries: 5})
	res := evaluate(t, e, `for (let i = 0; i < 100; i++) console.log(i)`)

	if len(res.Logs) != 6 {
		t.Fatalf("len(logs) = %d, want 5 lines plus one notice", len(res.Logs))
	}
	if last := res.Logs[5]; last.Stream != run.Warn || !strings.Contains(last.Text, "truncated") {
		t.Errorf("last line = %+v, want truncation warning", last)
	}
}

func TestEvaluate_IsolatedRuns(t *testing.T) {
	e := New(Options{})
	evaluate(t, e, `globalThis.leak = 42; Math.leaked = true`)
	res := evaluate(t, e, `console.log(typeof leak, typeof Math.leaked)`)
	if got := texts(res.Logs); len(got) != 1 || got[0] != "undefined undefined" {
		t.Errorf("state leaked between runs: %v", got)
	}
}
