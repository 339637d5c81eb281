package evaluator

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"coderunner/internal/run"
)

func (x *execution) console() map[string]any {
	level := func(stream run.Stream) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = x.format(arg)
			}
			x.emit(stream, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	return map[string]any{
		"log":   level(run.Log),
		"info":  level(run.Info),
		"warn":  level(run.Warn),
		"error": level(run.Error),
		"debug": level(run.Log),
	}
}

// emit appends a line to the bucket of the current phase.
func (x *execution) emit(stream run.Stream, text string) {
	if x.lines >= x.maxLines {
		if !x.truncated {
			x.truncated = true
			x.appendLine(run.Line{Stream: run.Warn, Text: fmt.Sprintf("output truncated after %d lines", x.maxLines)})
		}
		return
	}
	x.lines++
	x.appendLine(run.Line{Stream: stream, Text: text})
}

func (x *execution) appendLine(l run.Line) {
	if x.phase == phaseSync {
		x.syncLines = append(x.syncLines, l)
	} else {
		x.asyncLines = append(x.asyncLines, l)
	}
}

// format renders a value the way a console prints it.
func (x *execution) format(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}

	if _, isFn := goja.AssertFunction(obj); isFn {
		name := obj.Get("name")
		if name == nil || name.String() == "" {
			return "[Function (anonymous)]"
		}
		return "[Function: " + name.String() + "]"
	}
	if obj.ClassName() == "Error" {
		return errorText(obj)
	}

	if x.stringify != nil {
		out, err := x.stringify(goja.Undefined(), obj)
		if err == nil && out != nil && !goja.IsUndefined(out) {
			return out.String()
		}
	}
	return obj.String()
}

func errorText(obj *goja.Object) string {
	name := "Error"
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		name = n.String()
	}
	msg := obj.Get("message")
	if msg == nil || goja.IsUndefined(msg) || msg.String() == "" {
		return name
	}
	return name + ": " + msg.String()
}
