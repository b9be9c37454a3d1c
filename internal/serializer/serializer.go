// Package serializer implements the durable-step wire format: JSON extended
// with tagged wrappers for types the encoding/json package does not natively
// round-trip (time.Time, *big.Int, maps with non-string semantics preserved
// as ordered pairs, and sets). Values produced by Marshal are safe to store in
// the step cache and to send across the orchestrator HTTP boundary.
package serializer

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// typeTag is the discriminator key used by tagged wrappers, e.g.
// {"__type":"Date","value":"2024-01-01T00:00:00Z"}.
const typeTag = "__type"

const (
	tagDate   = "Date"
	tagBigInt = "BigInt"
	tagMap    = "Map"
	tagSet    = "Set"
)

// Set models an unordered collection of comparable values. Unlike a Go slice,
// encoding a Set always produces the "Set" tagged wrapper so the receiving
// side can reconstruct set semantics instead of a plain array.
type Set []any

// MapEntry is a single key/value pair preserved in original insertion order
// inside a tagged Map. Ordinary Go maps with string keys marshal as plain
// JSON objects; use Map when key order or non-string keys must survive a
// round trip.
type MapEntry struct {
	Key   any
	Value any
}

// Map is an ordered association list that round-trips through the tagged
// "Map" wrapper, mirroring the wire format of a JS Map in the source system.
type Map []MapEntry

// taggedValue is the on-wire shape of every tagged wrapper.
type taggedValue struct {
	Type  string `json:"__type"`
	Value json.RawMessage `json:"value"`
}

// Marshal encodes v into the tagged JSON wire format. time.Time, *big.Int,
// Map, and Set values are wrapped with a "__type" discriminator; everything
// else is encoded by the standard library.
func Marshal(v any) ([]byte, error) {
	wrapped, err := wrap(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wrapped)
}

// Unmarshal decodes the tagged JSON wire format produced by Marshal into a
// generic any tree. Tagged wrappers are materialized into their concrete Go
// type (time.Time, *big.Int, Map, Set); unknown "__type" tags are passed
// through unchanged as a map so forward-compatible additions don't crash
// older workers, per spec §6.
func Unmarshal(data []byte, out *any) error {
	var raw json.RawMessage = data
	v, err := unwrap(raw)
	if err != nil {
		return err
	}
	*out = v
	return nil
}

func wrap(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return taggedWrapper(tagDate, val.UTC().Format(time.RFC3339Nano))
	case *big.Int:
		if val == nil {
			return nil, nil
		}
		return taggedWrapper(tagBigInt, val.String())
	case big.Int:
		return taggedWrapper(tagBigInt, val.String())
	case Set:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = plainValue(item)
		}
		return taggedWrapper(tagSet, items)
	case Map:
		pairs := make([][2]any, len(val))
		for i, entry := range val {
			pairs[i] = [2]any{plainValue(entry.Key), plainValue(entry.Value)}
		}
		return taggedWrapper(tagMap, pairs)
	case map[string]any:
		return plainValue(val), nil
	case []any:
		return plainValue(val), nil
	default:
		return val, nil
	}
}

// plainValue recursively encodes v the way encoding/json would if asked to
// marshal it directly: nested containers are walked, but type-directed
// wrapping is never re-applied below the top level. A nested time.Time
// relies on its own MarshalJSON (a plain RFC3339 string) rather than the
// "Date" tag, so it degrades to an ordinary string once embedded inside a
// plain map or slice (spec §8): only Marshal's own top-level dispatch
// produces a tagged wrapper.
func plainValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = plainValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = plainValue(vv)
		}
		return out
	default:
		return val
	}
}

func taggedWrapper(tag string, value any) (any, error) {
	enc, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("serializer: encode %s value: %w", tag, err)
	}
	return taggedValue{Type: tag, Value: enc}, nil
}

func unwrap(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if tagRaw, ok := obj[typeTag]; ok {
			var tag string
			if err := json.Unmarshal(tagRaw, &tag); err != nil {
				return nil, fmt.Errorf("serializer: decode %s: %w", typeTag, err)
			}
			valueRaw, hasValue := obj["value"]
			switch tag {
			case tagDate:
				var s string
				if hasValue {
					if err := json.Unmarshal(valueRaw, &s); err != nil {
						return nil, fmt.Errorf("serializer: decode Date value: %w", err)
					}
				}
				t, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return nil, fmt.Errorf("serializer: parse Date %q: %w", s, err)
				}
				return t, nil
			case tagBigInt:
				var s string
				if hasValue {
					if err := json.Unmarshal(valueRaw, &s); err != nil {
						return nil, fmt.Errorf("serializer: decode BigInt value: %w", err)
					}
				}
				n, ok := new(big.Int).SetString(s, 10)
				if !ok {
					return nil, fmt.Errorf("serializer: invalid BigInt literal %q", s)
				}
				return n, nil
			case tagSet:
				var items []json.RawMessage
				if hasValue {
					if err := json.Unmarshal(valueRaw, &items); err != nil {
						return nil, fmt.Errorf("serializer: decode Set value: %w", err)
					}
				}
				out := make(Set, len(items))
				for i, item := range items {
					v, err := unwrap(item)
					if err != nil {
						return nil, fmt.Errorf("serializer: set[%d]: %w", i, err)
					}
					out[i] = v
				}
				return out, nil
			case tagMap:
				var pairs [][2]json.RawMessage
				if hasValue {
					if err := json.Unmarshal(valueRaw, &pairs); err != nil {
						return nil, fmt.Errorf("serializer: decode Map value: %w", err)
					}
				}
				out := make(Map, len(pairs))
				for i, pair := range pairs {
					k, err := unwrap(pair[0])
					if err != nil {
						return nil, fmt.Errorf("serializer: map key %d: %w", i, err)
					}
					v, err := unwrap(pair[1])
					if err != nil {
						return nil, fmt.Errorf("serializer: map value %d: %w", i, err)
					}
					out[i] = MapEntry{Key: k, Value: v}
				}
				return out, nil
			default:
				// Unknown tag: pass through unchanged so newer wrappers don't
				// break older workers (spec §6).
				passthrough := make(map[string]any, len(obj))
				for k, v := range obj {
					uv, err := unwrap(v)
					if err != nil {
						return nil, err
					}
					passthrough[k] = uv
				}
				return passthrough, nil
			}
		}

		out := make(map[string]any, len(obj))
		for k, v := range obj {
			uv, err := unwrap(v)
			if err != nil {
				return nil, fmt.Errorf("serializer: field %q: %w", k, err)
			}
			out[k] = uv
		}
		return out, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		out := make([]any, len(arr))
		for i, item := range arr {
			uv, err := unwrap(item)
			if err != nil {
				return nil, fmt.Errorf("serializer: index %d: %w", i, err)
			}
			out[i] = uv
		}
		return out, nil
	}

	var scalar any
	if err := json.Unmarshal(raw, &scalar); err != nil {
		return nil, fmt.Errorf("serializer: decode scalar: %w", err)
	}
	return scalar, nil
}
