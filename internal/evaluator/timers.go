package evaluator

import (
	"time"

	"github.com/dop251/goja"
)

// minInterval keeps a zero-delay setInterval from spinning.
const minInterval = time.Millisecond

type timer struct {
	id       int64
	seq      int64
	due      time.Time
	interval time.Duration
	repeat   bool
	fn       goja.Callable
	args     []goja.Value
}

// schedule returns the JS function behind setTimeout, setInterval and
// setImmediate. Callbacks never run re-entrantly: they are queued here and
// fired by the evaluation loop.
func (x *execution) schedule(repeat, hasDelay bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(x.vm.NewTypeError("callback must be a function"))
		}

		var delay time.Duration
		rest := 1
		if hasDelay {
			if ms := call.Argument(1).ToInteger(); ms > 0 {
				delay = time.Duration(ms) * time.Millisecond
			}
			rest = 2
		}
		var args []goja.Value
		if len(call.Arguments) > rest {
			args = append(args, call.Arguments[rest:]...)
		}

		x.nextID++
		t := &timer{
			id:     x.nextID,
			due:    time.Now().Add(delay),
			repeat: repeat,
			fn:     fn,
			args:   args,
		}
		if repeat {
			t.interval = max(delay, minInterval)
		}
		x.enqueue(t)
		return x.vm.ToValue(t.id)
	}
}

func (x *execution) clear(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if id == x.firing {
		x.firingCleared = true
	}
	delete(x.timers, id)
	return goja.Undefined()
}

func (x *execution) enqueue(t *timer) {
	x.nextSeq++
	t.seq = x.nextSeq
	x.timers[t.id] = t
}

// next returns the pending timer with the earliest deadline, ties broken by
// scheduling order.
func (x *execution) next() *timer {
	var best *timer
	for _, t := range x.timers {
		if best == nil || t.due.Before(best.due) || (t.due.Equal(best.due) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

// fire runs one timer callback in the async phase. A repeating timer that
// was not cleared by its own callback is rescheduled.
func (x *execution) fire(t *timer) error {
	delete(x.timers, t.id)
	x.firing, x.firingCleared = t.id, false

	err := x.inAsync(func() error {
		_, err := t.fn(goja.Undefined(), t.args...)
		return err
	})

	if t.repeat && !x.firingCleared {
		t.due = t.due.Add(t.interval)
		if now := time.Now(); t.due.Before(now) {
			t.due = now
		}
		x.enqueue(t)
	}
	x.firing = 0
	return err
}
