package enginetest

import (
	"bytes"
	"encoding/json"
	"sort"
)

// keyOrder ranks object keys by first appearance in the input stream. gojq
// decodes objects into maps, so output key order is rebuilt from it.
type keyOrder map[string]int

// scanKeyOrder walks the input tokens and records every object key. It stops
// at the first syntax error; the evaluator reports that error itself.
func scanKeyOrder(data []byte) keyOrder {
	type frame struct {
		object  bool
		wantKey bool
	}

	order := keyOrder{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var stack []frame

	for {
		tok, err := dec.Token()
		if err != nil {
			return order
		}
		top := len(stack) - 1

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, frame{object: true, wantKey: true})
			case '[':
				stack = append(stack, frame{})
			default:
				stack = stack[:top]
				if top > 0 && stack[top-1].object {
					stack[top-1].wantKey = true
				}
			}
		case string:
			if top >= 0 && stack[top].object && stack[top].wantKey {
				if _, seen := order[t]; !seen {
					order[t] = len(order)
				}
				stack[top].wantKey = false
				continue
			}
			if top >= 0 && stack[top].object {
				stack[top].wantKey = true
			}
		default:
			if top >= 0 && stack[top].object {
				stack[top].wantKey = true
			}
		}
	}
}

// sortedKeys returns the keys of obj. With a nil order they are sorted by
// name; otherwise ranked keys come first in input order, then the rest by name.
func (o keyOrder) sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := o[keys[i]]
		rj, jok := o[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

// encoder writes jq-style output: one value per line, two-space indent
// unless compact.
type encoder struct {
	w       *bytes.Buffer
	order   keyOrder
	compact bool
	scratch bytes.Buffer
	scalar  *json.Encoder
}

func newEncoder(w *bytes.Buffer, order keyOrder, compact bool) *encoder {
	e := &encoder{w: w, order: order, compact: compact}
	e.scalar = json.NewEncoder(&e.scratch)
	e.scalar.SetEscapeHTML(false)
	return e
}

func (e *encoder) Encode(v any) error {
	if err := e.value(v, 0); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

func (e *encoder) value(v any, depth int) error {
	switch v := v.(type) {
	case map[string]any:
		if len(v) == 0 {
			e.w.WriteString("{}")
			return nil
		}
		e.w.WriteByte('{')
		for i, k := range e.order.sortedKeys(v) {
			if i > 0 {
				e.w.WriteByte(',')
			}
			e.newline(depth + 1)
			if err := e.scalarValue(k); err != nil {
				return err
			}
			e.w.WriteByte(':')
			if !e.compact {
				e.w.WriteByte(' ')
			}
			if err := e.value(v[k], depth+1); err != nil {
				return err
			}
		}
		e.newline(depth)
		e.w.WriteByte('}')
		return nil
	case []any:
		if len(v) == 0 {
			e.w.WriteString("[]")
			return nil
		}
		e.w.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				e.w.WriteByte(',')
			}
			e.newline(depth + 1)
			if err := e.value(item, depth+1); err != nil {
				return err
			}
		}
		e.newline(depth)
		e.w.WriteByte(']')
		return nil
	default:
		return e.scalarValue(v)
	}
}

func (e *encoder) scalarValue(v any) error {
	e.scratch.Reset()
	if err := e.scalar.Encode(v); err != nil {
		return err
	}
	e.w.Write(bytes.TrimSuffix(e.scratch.Bytes(), []byte{'\n'}))
	return nil
}

func (e *encoder) newline(depth int) {
	if e.compact {
		return
	}
	e.w.WriteByte('\n')
	for range depth {
		e.w.WriteString("  ")
	}
}
