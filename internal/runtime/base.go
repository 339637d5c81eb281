package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// maxSourceBytes bounds the size of a submitted program.
const maxSourceBytes = 1 << 20

// Runtime defines how to run source code for one language as a child process.
type Runtime interface {
	// Name returns the language tag clients send (e.g. "javascript").
	Name() string

	// Command returns the interpreter binary followed by its arguments.
	// codePath is the absolute path of the run file.
	Command(codePath string) []string

	// FileExtension returns the extension for run files (e.g. ".js").
	FileExtension() string

	// Validate is a best-effort pre-check before anything is written to disk.
	Validate(code string) error
}

// Registry maps language tags to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with the JavaScript runtime backed by the
// given interpreter binary.
func NewRegistry(interpreter string) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&NodeRuntime{Binary: interpreter})
	return r
}

// Register adds a runtime, replacing any runtime with the same name.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language tags in sorted order.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

func validateSize(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > maxSourceBytes {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
