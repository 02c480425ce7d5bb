// Package dialplan turns user-typed destinations into E.164 numbers.
//
// Numbers are cleaned and normalised first. An optional JavaScript dial plan
// may then rewrite or reject them; it must define a function route(to)
// returning the number to dial, null to keep it, or false to refuse it.
package dialplan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidNumber = errors.New("not a valid phone number")
	ErrRejected      = errors.New("destination rejected by dial plan")
)

const defaultTimeout = 250 * time.Millisecond

// Plan resolves destinations. It is safe for concurrent use; each script
// run gets its own runtime.
type Plan struct {
	countryCode string
	prog        *goja.Program
	timeout     time.Duration
	log         zerolog.Logger
}

type Option func(*Plan)

func WithTimeout(d time.Duration) Option {
	return func(p *Plan) { p.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Plan) { p.log = l }
}

// New compiles script, which may be empty.
func New(countryCode, script string, opts ...Option) (*Plan, error) {
	p := &Plan{
		countryCode: normalizeCountryCode(countryCode),
		timeout:     defaultTimeout,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if strings.TrimSpace(script) == "" {
		return p, nil
	}
	prog, err := goja.Compile("dialplan.js", script, true)
	if err != nil {
		return nil, fmt.Errorf("compile dial plan: %w", err)
	}
	p.prog = prog

	// Catch a missing route function at startup rather than on the first call.
	vm, err := p.runtime()
	if err != nil {
		return nil, err
	}
	if _, ok := goja.AssertFunction(vm.Get("route")); !ok {
		return nil, errors.New("dial plan does not define route(to)")
	}
	return p, nil
}

// Load reads the dial plan script from path. An empty path means no script.
func Load(countryCode, path string, opts ...Option) (*Plan, error) {
	if path == "" {
		return New(countryCode, "", opts...)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dial plan: %w", err)
	}
	return New(countryCode, string(data), opts...)
}

// Scripted reports whether a dial plan script is loaded.
func (p *Plan) Scripted() bool {
	return p.prog != nil
}

// Resolve normalises to and runs it through the dial plan.
func (p *Plan) Resolve(ctx context.Context, to string) (string, error) {
	n, err := Normalize(to, p.countryCode)
	if err != nil {
		return "", err
	}
	if p.prog == nil {
		return n, nil
	}
	routed, err := p.route(ctx, n)
	if err != nil {
		return "", err
	}
	if routed != n {
		p.log.Debug().Str("from", n).Str("to", routed).Msg("dial plan rewrote destination")
	}
	return routed, nil
}

func (p *Plan) runtime() (*goja.Runtime, error) {
	vm := goja.New()
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		p.log.Debug().Str("source", "dialplan").Msg(strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
	if _, err := vm.RunProgram(p.prog); err != nil {
		return nil, fmt.Errorf("run dial plan: %w", err)
	}
	return vm, nil
}

func (p *Plan) route(ctx context.Context, to string) (string, error) {
	vm, err := p.runtime()
	if err != nil {
		return "", err
	}
	fn, ok := goja.AssertFunction(vm.Get("route"))
	if !ok {
		return "", errors.New("dial plan does not define route(to)")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("dial plan timeout")
	})
	defer stop()

	val, err := fn(goja.Undefined(), vm.ToValue(to))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return "", fmt.Errorf("dial plan timed out after %s", p.timeout)
		}
		return "", fmt.Errorf("dial plan: %w", err)
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return to, nil
	}
	if ok, isBool := val.Export().(bool); isBool {
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrRejected, to)
		}
		return to, nil
	}
	// A rewritten number gets the same cleanup as user input.
	return Normalize(val.String(), p.countryCode)
}

// Normalize cleans a typed number and returns it in E.164 form. Separators
// are dropped, a 00 prefix becomes +, and a national number with a leading 0
// gets countryCode in its place. Anything else without a + gets one.
func Normalize(to, countryCode string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(to) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, to)
		}
	}
	n := b.String()
	cc := normalizeCountryCode(countryCode)

	switch {
	case strings.HasPrefix(n, "+"):
	case strings.HasPrefix(n, "00"):
		n = "+" + n[2:]
	case strings.HasPrefix(n, "0") && cc != "":
		n = cc + strings.TrimLeft(n, "0")
	default:
		n = "+" + n
	}

	digits := len(n) - 1
	if digits < 6 || digits > 15 || n[1] == '0' {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, to)
	}
	return n, nil
}

func normalizeCountryCode(cc string) string {
	cc = strings.TrimSpace(cc)
	if cc == "" {
		return ""
	}
	return "+" + strings.TrimLeft(cc, "+")
}
