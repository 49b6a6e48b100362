// Package wire implements the presentation codec used on every transport:
// a JSON-compatible encoding that preserves rich types (timestamps, binary,
// regular expressions, non-finite numbers and user-registered custom types)
// through tagged single-key objects.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Reserved tag keys. A decoded object whose shape matches one of these is
// inverted back into the rich value it represents.
const (
	tagDate   = "$date"
	tagInfNaN = "$InfNaN"
	tagBinary = "$binary"
	tagRegexp = "$regexp"
	tagFlags  = "$flags"
	tagEscape = "$escape"
	tagType   = "$type"
	tagValue  = "$value"
)

// Regexp is the wire-level representation of a regular expression. Flags are
// carried verbatim so that round trips with non-Go peers preserve them.
type Regexp struct {
	Pattern string
	Flags   string
}

// Compile builds a Go regexp from the pattern, ignoring flags Go does not
// support natively.
func (r Regexp) Compile() (*regexp.Regexp, error) {
	if strings.Contains(r.Flags, "i") {
		return regexp.Compile("(?i)" + r.Pattern)
	}
	return regexp.Compile(r.Pattern)
}

// ErrCycle is returned by Marshal when the value graph contains a cycle.
var ErrCycle = fmt.Errorf("wire: cycle detected in value graph")

// ParseError wraps a decode failure of malformed input. Callers translate it
// into a "parse" error envelope.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("wire: parse error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// TypeCodec describes a user-registered custom type. Encode receives a value
// of Type and returns its JSON-compatible payload; Decode inverts it.
type TypeCodec struct {
	Name   string
	Type   reflect.Type
	Encode func(v any) (any, error)
	Decode func(v any) (any, error)
}

var (
	customMu      sync.RWMutex
	customByName  = make(map[string]TypeCodec)
	customByRType = make(map[reflect.Type]TypeCodec)
)

// RegisterType registers a custom type codec. Registering the same name or
// Go type twice returns an error.
func RegisterType(c TypeCodec) error {
	if c.Name == "" || c.Type == nil || c.Encode == nil || c.Decode == nil {
		return fmt.Errorf("wire: incomplete type codec %q", c.Name)
	}
	customMu.Lock()
	defer customMu.Unlock()
	if _, ok := customByName[c.Name]; ok {
		return fmt.Errorf("wire: custom type %q already registered", c.Name)
	}
	if _, ok := customByRType[c.Type]; ok {
		return fmt.Errorf("wire: go type %v already registered", c.Type)
	}
	customByName[c.Name] = c
	customByRType[c.Type] = c
	return nil
}

func lookupCustomByName(name string) (TypeCodec, bool) {
	customMu.RLock()
	defer customMu.RUnlock()
	c, ok := customByName[name]
	return c, ok
}

func lookupCustomByType(t reflect.Type) (TypeCodec, bool) {
	customMu.RLock()
	defer customMu.RUnlock()
	c, ok := customByRType[t]
	return c, ok
}

// Marshal encodes a value into the tagged JSON wire format.
func Marshal(v any) ([]byte, error) {
	tree, err := encodeValue(reflect.ValueOf(v), map[uintptr]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// Unmarshal decodes wire bytes back into Go values. Tagged objects become
// time.Time, []byte, Regexp, non-finite float64 or registered custom values;
// everything else decodes as map[string]any, []any, float64, string, bool
// and nil. Malformed input yields a *ParseError.
func Unmarshal(b []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &ParseError{Err: err}
	}
	return decodeValue(raw)
}

func encodeValue(rv reflect.Value, seen map[uintptr]struct{}) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	// Unwrap interfaces before type dispatch.
	if rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem(), seen)
	}

	if codec, ok := lookupCustomByType(rv.Type()); ok {
		payload, err := codec.Encode(rv.Interface())
		if err != nil {
			return nil, fmt.Errorf("wire: encode custom %q: %w", codec.Name, err)
		}
		inner, err := encodeValue(reflect.ValueOf(payload), seen)
		if err != nil {
			return nil, err
		}
		return map[string]any{tagType: codec.Name, tagValue: inner}, nil
	}

	switch v := rv.Interface().(type) {
	case time.Time:
		return map[string]any{tagDate: v.UnixMilli()}, nil
	case *regexp.Regexp:
		if v == nil {
			return nil, nil
		}
		return map[string]any{tagRegexp: v.String(), tagFlags: ""}, nil
	case Regexp:
		return map[string]any{tagRegexp: v.Pattern, tagFlags: v.Flags}, nil
	case []byte:
		return map[string]any{tagBinary: base64.StdEncoding.EncodeToString(v)}, nil
	case json.RawMessage:
		var raw any
		if err := json.Unmarshal(v, &raw); err != nil {
			return nil, &ParseError{Err: err}
		}
		return raw, nil
	}

	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return nil, ErrCycle
		}
		seen[ptr] = struct{}{}
		out, err := encodeValue(rv.Elem(), seen)
		delete(seen, ptr)
		return out, err

	case reflect.Bool:
		return rv.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil

	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		switch {
		case math.IsNaN(f):
			return map[string]any{tagInfNaN: 0}, nil
		case math.IsInf(f, 1):
			return map[string]any{tagInfNaN: 1}, nil
		case math.IsInf(f, -1):
			return map[string]any{tagInfNaN: -1}, nil
		}
		return f, nil

	case reflect.String:
		return rv.String(), nil

	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return nil, ErrCycle
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		return encodeSequence(rv, seen)

	case reflect.Array:
		return encodeSequence(rv, seen)

	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("wire: unsupported map key type %v", rv.Type().Key())
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return nil, ErrCycle
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)

		out := make(map[string]any, rv.Len())
		escape := false
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			if strings.HasPrefix(key, "$") {
				escape = true
			}
			enc, err := encodeValue(iter.Value(), seen)
			if err != nil {
				return nil, err
			}
			out[key] = enc
		}
		if escape {
			return map[string]any{tagEscape: out}, nil
		}
		return out, nil

	case reflect.Struct:
		return encodeStruct(rv, seen)

	default:
		return nil, fmt.Errorf("wire: unsupported value kind %v", rv.Kind())
	}
}

func encodeSequence(rv reflect.Value, seen map[uintptr]struct{}) (any, error) {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		enc, err := encodeValue(rv.Index(i), seen)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

// encodeStruct walks exported fields honoring encoding/json tags so that
// rich-typed fields keep their tagged representation.
func encodeStruct(rv reflect.Value, seen map[uintptr]struct{}) (any, error) {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		omitempty := false
		if tag, ok := field.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitempty = true
				}
			}
		}
		fv := rv.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}
		enc, err := encodeValue(fv, seen)
		if err != nil {
			return nil, err
		}
		out[name] = enc
	}
	return out, nil
}

func decodeValue(raw any) (any, error) {
	switch v := raw.(type) {
	case map[string]any:
		if tagged, ok, err := decodeTagged(v); ok || err != nil {
			return tagged, err
		}
		out := make(map[string]any, len(v))
		for key, val := range v {
			dec, err := decodeValue(val)
			if err != nil {
				return nil, err
			}
			out[key] = dec
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			dec, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil

	default:
		return raw, nil
	}
}

// decodeTagged detects the reserved single-key shapes and inverts them.
// Returns ok=false when the object is a plain untagged map.
func decodeTagged(obj map[string]any) (any, bool, error) {
	switch len(obj) {
	case 1:
		if ms, ok := obj[tagDate]; ok {
			f, ok := ms.(float64)
			if !ok {
				return nil, true, &ParseError{Err: fmt.Errorf("invalid %s payload", tagDate)}
			}
			return time.UnixMilli(int64(f)).UTC(), true, nil
		}
		if sign, ok := obj[tagInfNaN]; ok {
			f, ok := sign.(float64)
			if !ok {
				return nil, true, &ParseError{Err: fmt.Errorf("invalid %s payload", tagInfNaN)}
			}
			switch int(f) {
			case 1:
				return math.Inf(1), true, nil
			case -1:
				return math.Inf(-1), true, nil
			default:
				return math.NaN(), true, nil
			}
		}
		if b64, ok := obj[tagBinary]; ok {
			s, ok := b64.(string)
			if !ok {
				return nil, true, &ParseError{Err: fmt.Errorf("invalid %s payload", tagBinary)}
			}
			data, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, true, &ParseError{Err: err}
			}
			return data, true, nil
		}
		if inner, ok := obj[tagEscape]; ok {
			m, ok := inner.(map[string]any)
			if !ok {
				return nil, true, &ParseError{Err: fmt.Errorf("invalid %s payload", tagEscape)}
			}
			out := make(map[string]any, len(m))
			for key, val := range m {
				dec, err := decodeValue(val)
				if err != nil {
					return nil, true, err
				}
				out[key] = dec
			}
			return out, true, nil
		}

	case 2:
		if pattern, ok := obj[tagRegexp]; ok {
			p, pok := pattern.(string)
			f, fok := obj[tagFlags].(string)
			if !pok || !fok {
				return nil, true, &ParseError{Err: fmt.Errorf("invalid %s payload", tagRegexp)}
			}
			return Regexp{Pattern: p, Flags: f}, true, nil
		}
		if name, ok := obj[tagType]; ok {
			n, nok := name.(string)
			if !nok {
				return nil, true, &ParseError{Err: fmt.Errorf("invalid %s payload", tagType)}
			}
			codec, found := lookupCustomByName(n)
			if !found {
				return nil, true, fmt.Errorf("wire: unknown custom type %q", n)
			}
			inner, err := decodeValue(obj[tagValue])
			if err != nil {
				return nil, true, err
			}
			out, err := codec.Decode(inner)
			if err != nil {
				return nil, true, fmt.Errorf("wire: decode custom %q: %w", n, err)
			}
			return out, true, nil
		}
	}
	return nil, false, nil
}
