// Package script compiles and runs trigger scripts.
//
// A script is the body of a Go function
//
//	func Run(c *ami.Context) any
//
// interpreted with yaegi. Leading import lines are hoisted out of the body
// and checked against a whitelist. A script that returns an error value is
// treated as failed.
//
// The whitelist only keeps scripts from importing packages like os or
// net; it is not a sandbox. Scripts run with the trust of the host.
package script

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Slot names one of the three scripts of a trigger.
type Slot string

const (
	SlotTarget    Slot = "target"
	SlotCondition Slot = "condition"
	SlotAction    Slot = "action"
)

// Default bodies of empty slots.
const (
	NoopTarget    = "return nil"
	NoopCondition = "return true"
	NoopAction    = "return nil"
)

var (
	// ErrForbiddenImport is returned for scripts importing packages outside
	// the whitelist.
	ErrForbiddenImport = errors.New("script: forbidden import")
	// ErrPanic wraps a panic raised by a script.
	ErrPanic = errors.New("script: panic")
)

// Func is a compiled script.
type Func func(*Context) any

// Source identifies one slot of one trigger at one version.
type Source struct {
	TriggerID string
	Slot      Slot
	// Version is the trigger's UpdatedAt. A different version recompiles.
	Version int64
	Code    string
}

// Key returns the cache key of s.
func (s Source) Key() string {
	return s.TriggerID + "::" + string(s.Slot)
}

// DefaultAllowedImports are the packages scripts may import.
var DefaultAllowedImports = []string{
	"bytes",
	"encoding/base64",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"path",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
}

type entry struct {
	version int64
	fn      Func
	err     error
}

// Runtime compiles scripts and caches them per trigger and slot. It is safe
// for concurrent use.
type Runtime struct {
	mu       sync.Mutex
	cache    map[string]entry
	allowed  map[string]bool
	logger   *slog.Logger
	compiles int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithAllowedImports replaces the import whitelist.
func WithAllowedImports(pkgs ...string) Option {
	return func(r *Runtime) {
		r.allowed = map[string]bool{}
		for _, p := range pkgs {
			r.allowed[p] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime returns a Runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{cache: map[string]entry{}, logger: slog.Default()}
	WithAllowedImports(DefaultAllowedImports...)(r)
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "script"))
	return r
}

// Compile returns the compiled function for src, compiling it on first use
// or when src.Version changed. Compile errors are cached as well.
func (r *Runtime) Compile(src Source) (Func, error) {
	key := src.Key()
	r.mu.Lock()
	if e, ok := r.cache[key]; ok && e.version == src.Version {
		r.mu.Unlock()
		return e.fn, e.err
	}
	r.mu.Unlock()

	fn, err := r.compile(src.Code)
	if err != nil {
		err = fmt.Errorf("compile %s: %w", key, err)
		r.logger.Warn("script does not compile", slog.String("key", key), slog.Any("error", err))
	}

	r.mu.Lock()
	r.compiles++
	r.cache[key] = entry{version: src.Version, fn: fn, err: err}
	r.mu.Unlock()
	return fn, err
}

// Run calls fn with c. Panics and returned error values become errors.
func (r *Runtime) Run(fn Func, c *Context) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	res = fn(c)
	if e, ok := res.(error); ok {
		return nil, e
	}
	return res, nil
}

// Exec compiles src if needed and runs it.
func (r *Runtime) Exec(src Source, c *Context) (any, error) {
	fn, err := r.Compile(src)
	if err != nil {
		return nil, err
	}
	res, err := r.Run(fn, c)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", src.Key(), err)
	}
	return res, nil
}

// Invalidate drops every cached slot of the trigger.
func (r *Runtime) Invalidate(triggerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := triggerID + "::"
	maps.DeleteFunc(r.cache, func(k string, _ entry) bool {
		return strings.HasPrefix(k, prefix)
	})
}

// Len returns the number of cached slots.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Compiles returns how many times a script was compiled.
func (r *Runtime) Compiles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compiles
}

func (r *Runtime) compile(code string) (Func, error) {
	imports, body := splitImports(code)
	var forbidden []string
	for _, pkg := range imports {
		if !r.allowed[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrForbiddenImport, forbidden)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}
	if err := i.Use(Symbols); err != nil {
		return nil, fmt.Errorf("load host symbols: %w", err)
	}
	if _, err := i.Eval(wrap(imports, body)); err != nil {
		return nil, err
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return nil, fmt.Errorf("Run not found: %w", err)
	}
	fn, ok := v.Interface().(func(*Context) any)
	if !ok {
		return nil, fmt.Errorf("Run has type %s", v.Type())
	}
	return fn, nil
}

// wrap builds the package source around a script body.
func wrap(imports []string, body string) string {
	var sb strings.Builder
	sb.WriteString("package main\n\nimport (\n\t\"ami\"\n")
	for _, pkg := range imports {
		fmt.Fprintf(&sb, "\t%q\n", pkg)
	}
	sb.WriteString(")\n\nfunc Run(c *ami.Context) any {\n")
	sb.WriteString(body)
	// scripts that fall off the end return nil
	sb.WriteString("\n\treturn nil\n}\n")
	return sb.String()
}

// splitImports removes leading import lines and blocks from code and
// returns the imported paths and the remaining body.
func splitImports(code string) ([]string, string) {
	lines := strings.Split(code, "\n")
	var imports []string
	inBlock := false
	i := 0
scan:
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if trimmed != "" {
				imports = append(imports, strings.Trim(trimmed, `"`))
			}
		case trimmed == "":
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.Trim(strings.TrimSpace(strings.TrimPrefix(trimmed, "import ")), `";`))
		default:
			break scan
		}
	}
	imports = slices.DeleteFunc(imports, func(p string) bool { return p == "ami" })
	slices.Sort(imports)
	return slices.Compact(imports), strings.Join(lines[i:], "\n")
}
