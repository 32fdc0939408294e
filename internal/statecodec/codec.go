// Package statecodec serializes node runtime state for the persistence
// boundary. Plain JSON cannot carry dates, binary data, shared references
// or identity cycles, all of which show up in node outputs; this codec
// flattens the value graph into a reference table and encodes it with
// msgpack, which round-trips time.Time and []byte losslessly.
package statecodec

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dimfeld/ergo-sub000/internal/graph"
	"github.com/dimfeld/ergo-sub000/internal/sandbox"
)

// Entry kinds in the flattened value table.
const (
	kindScalar = "scalar"
	kindMap    = "map"
	kindSlice  = "slice"
)

type entry struct {
	Kind string `msgpack:"kind"`
	// Value holds the payload for scalar entries.
	Value any `msgpack:"value,omitempty"`
	// Keys and Elems describe composite entries: for maps, Keys[i] maps to
	// the entry at index Elems[i]; for slices only Elems is used.
	Keys  []string `msgpack:"keys,omitempty"`
	Elems []int    `msgpack:"elems,omitempty"`
}

type document struct {
	Entries []entry       `msgpack:"entries"`
	Roots   map[int64]int `msgpack:"roots"`
}

// ErrUnsupported is returned for values the codec cannot represent, such
// as functions that leaked out of the sandbox.
var ErrUnsupported = errors.New("statecodec: unsupported value")

// Encode serializes a full node state map.
func Encode(state sandbox.State) ([]byte, error) {
	enc := &encoder{seen: map[seenKey]int{}}
	doc := document{Roots: make(map[int64]int, len(state))}
	for id, v := range state {
		idx, err := enc.add(v)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", id, err)
		}
		doc.Roots[int64(id)] = idx
	}
	doc.Entries = enc.entries
	return msgpack.Marshal(doc)
}

// Decode reverses Encode, rebuilding shared references and cycles.
func Decode(data []byte) (sandbox.State, error) {
	var doc document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("statecodec: %w", err)
	}

	dec := &decoder{entries: doc.Entries, built: make([]any, len(doc.Entries)), done: make([]bool, len(doc.Entries))}
	state := make(sandbox.State, len(doc.Roots))
	for id, idx := range doc.Roots {
		v, err := dec.value(idx)
		if err != nil {
			return nil, err
		}
		state[graph.NodeID(id)] = v
	}
	return state, nil
}

// seenKey identifies a map or slice by its backing pointer so aliases and
// cycles collapse onto one table entry.
type seenKey struct {
	ptr  uintptr
	kind reflect.Kind
}

type encoder struct {
	entries []entry
	seen    map[seenKey]int
}

func (e *encoder) add(v any) (int, error) {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, []byte, time.Time:
		e.entries = append(e.entries, entry{Kind: kindScalar, Value: val})
		return len(e.entries) - 1, nil

	case map[string]any:
		key := seenKey{ptr: reflect.ValueOf(val).Pointer(), kind: reflect.Map}
		if idx, ok := e.seen[key]; ok {
			return idx, nil
		}
		idx := len(e.entries)
		e.entries = append(e.entries, entry{Kind: kindMap})
		e.seen[key] = idx

		// Deterministic key order keeps encodings stable across runs.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		elems := make([]int, len(keys))
		for i, k := range keys {
			child, err := e.add(val[k])
			if err != nil {
				return 0, fmt.Errorf("key %q: %w", k, err)
			}
			elems[i] = child
		}
		e.entries[idx].Keys = keys
		e.entries[idx].Elems = elems
		return idx, nil

	case []any:
		key := seenKey{ptr: reflect.ValueOf(val).Pointer(), kind: reflect.Slice}
		if len(val) > 0 {
			if idx, ok := e.seen[key]; ok {
				return idx, nil
			}
		}
		idx := len(e.entries)
		e.entries = append(e.entries, entry{Kind: kindSlice})
		if len(val) > 0 {
			e.seen[key] = idx
		}
		elems := make([]int, len(val))
		for i, el := range val {
			child, err := e.add(el)
			if err != nil {
				return 0, fmt.Errorf("index %d: %w", i, err)
			}
			elems[i] = child
		}
		e.entries[idx].Elems = elems
		return idx, nil

	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

type decoder struct {
	entries []entry
	built   []any
	done    []bool
}

func (d *decoder) value(idx int) (any, error) {
	if idx < 0 || idx >= len(d.entries) {
		return nil, fmt.Errorf("statecodec: entry index %d out of range", idx)
	}
	if d.done[idx] {
		return d.built[idx], nil
	}

	ent := d.entries[idx]
	switch ent.Kind {
	case kindScalar:
		d.built[idx] = ent.Value
		d.done[idx] = true
		return ent.Value, nil

	case kindMap:
		if len(ent.Keys) != len(ent.Elems) {
			return nil, errors.New("statecodec: malformed map entry")
		}
		// Register the container before filling it so cycles resolve to
		// the same instance.
		m := make(map[string]any, len(ent.Keys))
		d.built[idx] = m
		d.done[idx] = true
		for i, k := range ent.Keys {
			child, err := d.value(ent.Elems[i])
			if err != nil {
				return nil, err
			}
			m[k] = child
		}
		return m, nil

	case kindSlice:
		s := make([]any, len(ent.Elems))
		d.built[idx] = s
		d.done[idx] = true
		for i, el := range ent.Elems {
			child, err := d.value(el)
			if err != nil {
				return nil, err
			}
			s[i] = child
		}
		return s, nil
	}
	return nil, fmt.Errorf("statecodec: unknown entry kind %q", ent.Kind)
}
