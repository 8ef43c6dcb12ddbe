package busclient

import (
	"fmt"
	"math"

	"github.com/godbus/dbus/v5"
)

// unwrapDBusValue strips dbus.Variant wrappers recursively, turning
// variant lists and string-keyed maps into []any and map[string]any
// suitable for JSON encoding onto MQTT; any other value (including
// numeric types such as uint32 or int32) is returned unchanged. Mirrors the
// teacher domain's "round trip through a generic encoder" idiom, here
// done directly instead of via a JSON marshal/unmarshal detour.
func unwrapDBusValue(v any) any {
	switch val := v.(type) {
	case dbus.Variant:
		return unwrapDBusValue(val.Value())
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = unwrapDBusValue(e)
		}
		return out
	case []dbus.Variant:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = unwrapDBusValue(e.Value())
		}
		return out
	case map[string]dbus.Variant:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = unwrapDBusValue(e.Value())
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = unwrapDBusValue(e)
		}
		return out
	default:
		return v
	}
}

// unwrapDBusValues applies unwrapDBusValue to a whole argument list, the
// shape signals and method replies arrive in.
func unwrapDBusValues(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = unwrapDBusValue(a)
	}
	return out
}

// inferSignature picks a D-Bus signature byte for a plain Go value
// decoded from an inbound MQTT JSON payload. Integers default to "i"
// (int32) unless they overflow it, in which case "x" (int64) is used;
// this mirrors the common case of small counters and indices while still
// accepting large values.
func inferSignature(v any) byte {
	switch val := v.(type) {
	case bool:
		return 'b'
	case string:
		return 's'
	case float64:
		if val == math.Trunc(val) && val >= math.MinInt32 && val <= math.MaxInt32 {
			return 'i'
		}
		if val == math.Trunc(val) && val >= math.MinInt64 && val < math.MaxInt64 {
			return 'x'
		}
		return 'd'
	case float32:
		return 'd'
	case int, int32:
		return 'i'
	case int64, uint64, uint32, uint:
		return 'x'
	case []any:
		return 'a'
	case map[string]any:
		return 'e' // dict-like; wrapped as a{sv} by wrapMethodArg
	default:
		return 's'
	}
}

// wrapMethodArg converts one decoded JSON value (string, float64, bool,
// []any, map[string]any) into the Go value godbus/dbus/v5 expects for the
// inferred signature, performing the numeric narrowing dbus.Call requires
// (it does not coerce float64 into int32 on your behalf).
func wrapMethodArg(v any) (any, error) {
	switch sig := inferSignature(v); sig {
	case 'b':
		return v.(bool), nil
	case 's':
		return v.(string), nil
	case 'i':
		f := v.(float64)
		return int32(f), nil
	case 'x':
		switch n := v.(type) {
		case float64:
			return int64(n), nil
		case int64:
			return n, nil
		case uint64:
			return int64(n), nil
		default:
			return nil, fmt.Errorf("busclient: unexpected int64 source type %T", v)
		}
	case 'd':
		return v.(float64), nil
	case 'a':
		list := v.([]any)
		out := make([]any, len(list))
		for i, e := range list {
			we, err := wrapMethodArg(e)
			if err != nil {
				return nil, err
			}
			out[i] = we
		}
		return out, nil
	case 'e':
		m := v.(map[string]any)
		out := make(map[string]dbus.Variant, len(m))
		for k, e := range m {
			we, err := wrapMethodArg(e)
			if err != nil {
				return nil, err
			}
			out[k] = dbus.MakeVariant(we)
		}
		return out, nil
	default:
		return v, nil
	}
}

// wrapMethodArgs converts a whole decoded JSON argument list for an
// outbound D-Bus method call.
func wrapMethodArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		w, err := wrapMethodArg(a)
		if err != nil {
			return nil, fmt.Errorf("busclient: arg %d: %w", i, err)
		}
		out[i] = w
	}
	return out, nil
}

// wrapPropertyValue converts one decoded JSON value into a dbus.Variant
// suitable for Properties.Set, inferring the signature the same way
// wrapMethodArg does for method arguments.
func wrapPropertyValue(v any) (dbus.Variant, error) {
	w, err := wrapMethodArg(v)
	if err != nil {
		return dbus.Variant{}, err
	}
	return dbus.MakeVariant(w), nil
}
