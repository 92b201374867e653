// Package codec implements the wire codec and frame format described in
// spec §4.A and §6: JSON payloads richer than plain structural JSON
// (undefined, timestamps, binary blobs, error objects, big integers,
// sets, keyed maps, regular expressions), each tagged with the
// __noex_type__ marker, inside a length-prefixed, optionally
// HMAC-signed frame.
package codec

import (
	"encoding/json"
	"math/big"
	"reflect"
	"regexp"
	"time"

	"github.com/noexrun/noex/errdefs"
)

// Set is an unordered collection, encoded with the Set special-type tag.
// Construction does not deduplicate; callers build a Set from already
// deduplicated elements, matching the spec's description of Set as "an
// unordered set", not a deduplicating container in its own right.
type Set []any

// MapEntry is one key/value pair of a Map special-type value; Map uses
// entry lists rather than Go's comparable-key maps so arbitrary keys
// (including non-string, non-comparable ones on the far side) round-trip.
type MapEntry struct {
	Key   any
	Value any
}

// Map is a keyed collection whose keys are not necessarily strings,
// encoded with the Map special-type tag.
type Map []MapEntry

// Encode renders v as the richer-than-JSON encoding described in spec
// §4.A. Cyclic graphs return an error instead of recursing forever.
func Encode(v any) ([]byte, error) {
	enc := &encoder{seen: map[uintptr]bool{}}
	tree, err := enc.encode(reflect.ValueOf(v))
	if err != nil {
		return nil, errdefs.NewMessageSerialization(err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, errdefs.NewMessageSerialization(err)
	}
	return out, nil
}

// Decode parses data produced by Encode (or an equivalent JSON payload
// from a peer) into a generic any-tree, restoring special-type tags to
// their Go approximations (Undefined, time.Time, *big.Int, Set, Map,
// *regexp.Regexp, *ErrorValue).
func Decode(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errdefs.NewMessageSerialization(err)
	}
	return decodeValue(raw), nil
}

type cyclicError struct{}

func (cyclicError) Error() string { return "cyclic value cannot be encoded" }

type encoder struct {
	seen map[uintptr]bool
}

func (e *encoder) encode(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	switch x := v.Interface().(type) {
	case Undefined:
		return tagUndefined(), nil
	case time.Time:
		return tagDate(x), nil
	case *big.Int:
		return tagBigInt(x), nil
	case big.Int:
		return tagBigInt(&x), nil
	case *regexp.Regexp:
		return tagRegExp(x), nil
	case []byte:
		return tagBinary(x), nil
	case *ErrorValue:
		return tagError(x), nil
	case error:
		return tagError(errorValueOf(x)), nil
	case Set:
		return e.encodeSet(x)
	case Map:
		return e.encodeMap(x)
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		if v.Kind() == reflect.Ptr {
			addr := v.Pointer()
			if e.seen[addr] {
				return nil, cyclicError{}
			}
			e.seen[addr] = true
			defer delete(e.seen, addr)
		}
		return e.encode(v.Elem())
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				return nil, nil
			}
			addr := v.Pointer()
			if e.seen[addr] {
				return nil, cyclicError{}
			}
			e.seen[addr] = true
			defer delete(e.seen, addr)
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := e.encode(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		addr := v.Pointer()
		if e.seen[addr] {
			return nil, cyclicError{}
		}
		e.seen[addr] = true
		defer delete(e.seen, addr)
		if v.Type().Key().Kind() == reflect.String {
			out := map[string]any{}
			iter := v.MapRange()
			for iter.Next() {
				val, err := e.encode(iter.Value())
				if err != nil {
					return nil, err
				}
				out[iter.Key().String()] = val
			}
			return out, nil
		}
		var entries [][2]any
		iter := v.MapRange()
		for iter.Next() {
			key, err := e.encode(iter.Key())
			if err != nil {
				return nil, err
			}
			val, err := e.encode(iter.Value())
			if err != nil {
				return nil, err
			}
			entries = append(entries, [2]any{key, val})
		}
		return tagMapEntries(entries), nil
	case reflect.Struct:
		out := map[string]any{}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue // unexported
			}
			val, err := e.encode(v.Field(i))
			if err != nil {
				return nil, err
			}
			out[jsonFieldName(f)] = val
		}
		return out, nil
	default:
		return v.Interface(), nil
	}
}

func (e *encoder) encodeSet(s Set) (any, error) {
	out := make([]any, len(s))
	for i, elem := range s {
		v, err := e.encode(reflect.ValueOf(elem))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return tagSetValues(out), nil
}

func (e *encoder) encodeMap(m Map) (any, error) {
	var entries [][2]any
	for _, kv := range m {
		key, err := e.encode(reflect.ValueOf(kv.Key))
		if err != nil {
			return nil, err
		}
		val, err := e.encode(reflect.ValueOf(kv.Value))
		if err != nil {
			return nil, err
		}
		entries = append(entries, [2]any{key, val})
	}
	return tagMapEntries(entries), nil
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return f.Name
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			if i == 0 {
				return f.Name
			}
			return tag[:i]
		}
	}
	return tag
}

func errorValueOf(err error) *ErrorValue {
	var cause *ErrorValue
	type causer interface{ Cause() error }
	type unwrapper interface{ Unwrap() error }
	switch c := err.(type) {
	case causer:
		if u := c.Cause(); u != nil && u != err {
			cause = errorValueOf(u)
		}
	case unwrapper:
		if u := c.Unwrap(); u != nil && u != err {
			cause = errorValueOf(u)
		}
	}
	return &ErrorValue{Name: "Error", Message: err.Error(), Cause: cause}
}

// decodeValue restores special-type tags within an already-unmarshaled
// any-tree (maps/slices/primitives from encoding/json) into their Go
// approximations.
func decodeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if kind, ok := x[TypeMarker]; ok {
			return decodeTagged(Kind(kind.(string)), x["value"])
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = decodeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = decodeValue(val)
		}
		return out
	default:
		return v
	}
}

func decodeTagged(kind Kind, raw any) any {
	switch kind {
	case KindUndefined:
		return Undefined{}
	case KindDate:
		s, _ := raw.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return s
		}
		return t
	case KindBigInt:
		s, _ := raw.(string)
		n := new(big.Int)
		n.SetString(s, 10)
		return n
	case KindRegExp:
		s, _ := raw.(string)
		re, err := regexp.Compile(s)
		if err != nil {
			return s
		}
		return re
	case "Buffer":
		return raw // caller base64-decodes if it needs raw bytes
	case KindError:
		m, _ := raw.(map[string]any)
		return errorValueFromAny(m)
	case KindSet:
		arr, _ := raw.([]any)
		out := make(Set, len(arr))
		for i, elem := range arr {
			out[i] = decodeValue(elem)
		}
		return out
	case KindMap:
		arr, _ := raw.([]any)
		out := make(Map, 0, len(arr))
		for _, elem := range arr {
			pair, _ := elem.([]any)
			if len(pair) != 2 {
				continue
			}
			out = append(out, MapEntry{Key: decodeValue(pair[0]), Value: decodeValue(pair[1])})
		}
		return out
	default:
		return decodeValue(raw)
	}
}

func errorValueFromAny(m map[string]any) *ErrorValue {
	if m == nil {
		return nil
	}
	ev := &ErrorValue{}
	if n, ok := m["name"].(string); ok {
		ev.Name = n
	}
	if msg, ok := m["message"].(string); ok {
		ev.Message = msg
	}
	if s, ok := m["stack"].(string); ok {
		ev.Stack = s
	}
	if c, ok := m["cause"].(map[string]any); ok {
		ev.Cause = errorValueFromAny(c)
	}
	return ev
}
