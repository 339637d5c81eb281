package evaluator

import (
	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"
)

// intrinsics are interpreter built-ins that stay visible to user code.
var intrinsics = []string{
	"Math", "JSON", "Date", "Array", "Object", "String", "Number", "Boolean",
	"RegExp", "Promise", "Symbol", "Map", "Set", "WeakMap", "WeakSet",
	"Error", "TypeError", "RangeError", "SyntaxError", "ReferenceError", "EvalError", "URIError",
	"undefined", "NaN", "Infinity", "globalThis",
	"parseInt", "parseFloat", "isNaN", "isFinite",
	"encodeURIComponent", "decodeURIComponent", "encodeURI", "decodeURI",
}

// capability is a host binding installed into every run's global scope.
type capability struct {
	name string
	bind func(x *execution) any
}

// capabilities is the complete host surface. Nothing else from the process
// reaches user code.
var capabilities = []capability{
	{"console", func(x *execution) any { return x.console() }},
	{"setTimeout", func(x *execution) any { return x.schedule(false, true) }},
	{"setInterval", func(x *execution) any { return x.schedule(true, true) }},
	{"setImmediate", func(x *execution) any { return x.schedule(false, false) }},
	{"clearTimeout", func(x *execution) any { return x.clear }},
	{"clearInterval", func(x *execution) any { return x.clear }},
	{"clearImmediate", func(x *execution) any { return x.clear }},
}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(intrinsics)+len(capabilities))
	for _, name := range intrinsics {
		m[name] = true
	}
	for _, c := range capabilities {
		m[c.name] = true
	}
	return m
}()

// install strips the global object down to the allow-list and binds the
// host capabilities to x.
func (x *execution) install() error {
	global := x.vm.GlobalObject()
	names, err := ownPropertyNames(x.vm)
	if err != nil {
		return err
	}
	for _, name := range names {
		if allowed[name] {
			continue
		}
		if err := global.Delete(name); err != nil {
			log.Debug().Err(err).Str("global", name).Msg("could not remove global")
		}
	}

	for _, c := range capabilities {
		if err := x.vm.Set(c.name, c.bind(x)); err != nil {
			return err
		}
	}
	return nil
}

// ownPropertyNames lists every own property of the global object, the
// non-enumerable built-ins included.
func ownPropertyNames(vm *goja.Runtime) ([]string, error) {
	v, err := vm.RunString("Object.getOwnPropertyNames(globalThis)")
	if err != nil {
		return nil, err
	}
	var names []string
	if err := vm.ExportTo(v, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// stringifier captures JSON.stringify before user code can replace it.
func stringifier(vm *goja.Runtime) goja.Callable {
	json := vm.Get("JSON")
	if json == nil {
		return nil
	}
	fn, _ := goja.AssertFunction(json.ToObject(vm).Get("stringify"))
	return fn
}
