// Package templating renders the string and dict templates used by flow
// actions and command topics. Templates are Go text/template syntax
// (the config model already reserves "{{" as a literal marker — see
// internal/config's quoteAmbiguousScalars), evaluated against an
// execution context and, where a BusCaller is wired in, able to reach
// back onto the bus mid-render via dbus_list/dbus_call/dbus_property_get.
package templating

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// ExpectedType constrains what a rendered template must decode to.
type ExpectedType int

const (
	// ExpectAny converts the rendered string to the most specific value
	// it parses as (see coerceAny), falling back to the string itself.
	ExpectAny ExpectedType = iota
	// ExpectString requires the render to produce a valid UTF-8 string
	// (always true for text/template output, kept for symmetry with the
	// original contract).
	ExpectString
	// ExpectBool coerces the rendered text via strconv.ParseBool.
	ExpectBool
	// ExpectDict decodes the rendered text as a JSON object;
	// only used for dict-valued templates (e.g. payload_template given
	// as a mapping instead of a string).
	ExpectDict
)

// UndefinedVariableError is returned when a template references a name
// not present in the execution context. Kept distinct from other
// execution errors so callers (flow actions) can treat "the data isn't
// there yet" differently from a malformed template.
type UndefinedVariableError struct {
	Name string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("templating: undefined variable %q", e.Name)
}

// BusCaller is the subset of the bus client's capability surface exposed
// to templates via dbus_list/dbus_call/dbus_property_get. Implementations
// must be safe for concurrent use; a call may block on the live bus.
type BusCaller interface {
	ListNames(ctx context.Context) ([]string, error)
	Call(ctx context.Context, busName, path, iface, method string, args ...any) ([]any, error)
	PropertyGet(ctx context.Context, busName, path, iface, property string) (any, error)
}

// Engine renders templates against an execution context, with optional
// bus-calling functions wired in.
type Engine struct {
	bus BusCaller
}

// New creates a templating Engine. bus may be nil, in which case
// dbus_call/dbus_list/dbus_property_get error if a template tries to use
// them — this is how the Template Engine can be unit tested without a
// live bus connection.
func New(bus BusCaller) *Engine {
	return &Engine{bus: bus}
}

// SetBus wires (or rewires) the bus-calling backend after construction.
// Needed because the bus client itself implements BusCaller but the
// Engine must already exist to pass into the bus client's constructor;
// main.go closes the loop with New(nil) followed by SetBus(client).
func (e *Engine) SetBus(bus BusCaller) {
	e.bus = bus
}

// funcMap builds the template.FuncMap for one render call, closing over
// ctx so bus-calling functions honor cancellation/timeouts.
func (e *Engine) funcMap(ctx context.Context) template.FuncMap {
	return template.FuncMap{
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"dbus_list": func(pattern string) ([]string, error) {
			if e.bus == nil {
				return nil, fmt.Errorf("templating: dbus_list called with no bus wired in")
			}
			names, err := e.bus.ListNames(ctx)
			if err != nil {
				return nil, err
			}
			var out []string
			for _, n := range names {
				if ok, _ := path.Match(pattern, n); ok {
					out = append(out, n)
				}
			}
			return out, nil
		},
		"dbus_call": func(busName, path, iface, method string, args ...any) (any, error) {
			if e.bus == nil {
				return nil, fmt.Errorf("templating: dbus_call called with no bus wired in")
			}
			out, err := e.bus.Call(ctx, busName, path, iface, method, args...)
			if err != nil {
				return nil, err
			}
			if len(out) == 1 {
				return out[0], nil
			}
			return out, nil
		},
		"dbus_property_get": func(busName, path, iface, property string) (any, error) {
			if e.bus == nil {
				return nil, fmt.Errorf("templating: dbus_property_get called with no bus wired in")
			}
			return e.bus.PropertyGet(ctx, busName, path, iface, property)
		},
	}
}

// RenderString renders a string template synchronously: the returned
// string is fully resolved, including any bus-calling function calls
// made during execution (hence "suspendable" — the caller's goroutine
// blocks on the bus round trip; for a flow action that is the flow
// engine's trigger loop, so later triggers wait until it returns).
func (e *Engine) RenderString(ctx context.Context, tmplText string, vars map[string]any) (string, error) {
	t, err := template.New("tmpl").Option("missingkey=error").Funcs(e.funcMap(ctx)).Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("templating: parse: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		if name, ok := missingKeyName(err); ok {
			return "", &UndefinedVariableError{Name: name}
		}
		return "", fmt.Errorf("templating: execute: %w", err)
	}
	return buf.String(), nil
}

// RenderTyped renders a string template and coerces the result to the
// requested ExpectedType.
func (e *Engine) RenderTyped(ctx context.Context, tmplText string, vars map[string]any, want ExpectedType) (any, error) {
	rendered, err := e.RenderString(ctx, tmplText, vars)
	if err != nil {
		return nil, err
	}

	switch want {
	case ExpectBool:
		b, err := strconv.ParseBool(rendered)
		if err != nil {
			return nil, fmt.Errorf("templating: %q is not a bool: %w", rendered, err)
		}
		return b, nil
	case ExpectDict:
		var m map[string]any
		if err := json.Unmarshal([]byte(rendered), &m); err != nil {
			return nil, fmt.Errorf("templating: %q is not a JSON object: %w", rendered, err)
		}
		return m, nil
	case ExpectString:
		return rendered, nil
	default:
		return coerceAny(rendered), nil
	}
}

// coerceAny best-effort infers a Go type for a rendered string when the
// caller asked for ExpectAny, rather than always handing back the raw
// string: "3" becomes the int 3, "[1,2,3]" becomes a []any holding the
// float64 values 1, 2 and 3 (JSON number decoding), "None"
// and "null" become nil, "true"/"false" become bool. Anything that
// doesn't parse as one of these falls back to the raw string.
func coerceAny(rendered string) any {
	switch rendered {
	case "None", "null":
		return nil
	}
	if i, err := strconv.Atoi(rendered); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(rendered, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(rendered); err == nil {
		return b
	}
	if strings.HasPrefix(rendered, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(rendered), &arr); err == nil {
			return arr
		}
	}
	return rendered
}

// RenderDict renders every string-valued leaf of a dict template
// (map[string]any, possibly nested) and returns a new map with rendered
// values. Non-string leaves (numbers, bools already typed in YAML) pass
// through unchanged. Used for payload_template/context/global_context
// when the action author wrote a mapping instead of a single string.
func (e *Engine) RenderDict(ctx context.Context, dict map[string]any, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(dict))
	for k, v := range dict {
		rv, err := e.renderValue(ctx, v, vars)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (e *Engine) renderValue(ctx context.Context, v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return e.RenderString(ctx, val, vars)
	case map[string]any:
		return e.RenderDict(ctx, val, vars)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			rv, err := e.renderValue(ctx, elem, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// missingKeyName extracts the variable name from a text/template
// "map has no entry for key" execution error, so RenderString can
// surface it as a typed UndefinedVariableError.
func missingKeyName(err error) (string, bool) {
	const marker = `map has no entry for key "`
	s := err.Error()
	idx := indexOf(s, marker)
	if idx < 0 {
		return "", false
	}
	rest := s[idx+len(marker):]
	end := indexOf(rest, `"`)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
