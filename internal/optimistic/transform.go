package optimistic

import (
	"errors"
	"fmt"
	"strings"
)

// Values handled here are JSON-like trees: map[string]any, []any and
// scalars. Transforms never mutate their input.

var errPathGone = errors.New("cached value no longer has the recorded shape")

// counterFields are sibling totals decremented when records are removed.
var counterFields = []string{"total", "totalCount", "count", "total_count"}

// idFields name the identifier of a record.
var idFields = []string{"id", "_id"}

// undo reverses one transform on the value currently cached under a key.
type undo interface {
	revert(current any) (any, error)
}

// path addresses a node: string elements index maps, int elements index arrays.
type path []any

func (p path) with(step any) path {
	out := make(path, len(p)+1)
	copy(out, p)
	out[len(p)] = step
	return out
}

func sameID(v any, id string) bool {
	if v == nil {
		return false
	}
	return fmt.Sprint(v) == id
}

func isRecord(m map[string]any, id string) bool {
	for _, f := range idFields {
		if v, ok := m[f]; ok && sameID(v, id) {
			return true
		}
	}
	return false
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

// resolve walks p from root and returns the node it addresses.
func resolve(root any, p path) (any, error) {
	cur := root
	for _, step := range p {
		switch s := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, errPathGone
			}
			if cur, ok = m[s]; !ok {
				return nil, errPathGone
			}
		case int:
			a, ok := cur.([]any)
			if !ok || s < 0 || s >= len(a) {
				return nil, errPathGone
			}
			cur = a[s]
		}
	}
	return cur, nil
}

// replace sets the node at p to v and returns the new root. Slices are
// re-assigned into their parent because inserting may grow them.
func replace(root any, p path, v any) (any, error) {
	if len(p) == 0 {
		return v, nil
	}
	parent, err := resolve(root, p[:len(p)-1])
	if err != nil {
		return nil, err
	}
	switch s := p[len(p)-1].(type) {
	case string:
		m, ok := parent.(map[string]any)
		if !ok {
			return nil, errPathGone
		}
		m[s] = v
	case int:
		a, ok := parent.([]any)
		if !ok || s >= len(a) {
			return nil, errPathGone
		}
		a[s] = v
	}
	return root, nil
}

// ---- delete ----

type removed struct {
	index int
	item  any
}

type arrayRemoval struct {
	at    path // post-delete path of the array
	items []removed
}

type counterChange struct {
	at       path
	field    string
	original any
}

type deleteUndo struct {
	root      bool
	rootValue any
	arrays    []arrayRemoval
	counters  []counterChange
}

// applyDelete removes every record matching id from every array, decrements
// sibling counters and nils a root record equal to the entity.
func applyDelete(v any, id string) (any, undo, bool) {
	if m, ok := v.(map[string]any); ok && isRecord(m, id) {
		return nil, &deleteUndo{root: true, rootValue: deepCopy(v)}, true
	}
	out := deepCopy(v)
	u := &deleteUndo{}
	out, _ = u.walk(out, nil, id)
	if len(u.arrays) == 0 {
		return v, nil, false
	}
	return out, u, true
}

// walk returns the rewritten node and how many removals below it are not
// yet reflected in a counter.
func (u *deleteUndo) walk(v any, at path, id string) (any, int) {
	switch t := v.(type) {
	case []any:
		kept := t[:0:0]
		var gone []removed
		for i, e := range t {
			if m, ok := e.(map[string]any); ok && isRecord(m, id) {
				gone = append(gone, removed{index: i, item: e})
				continue
			}
			kept = append(kept, e)
		}
		if len(gone) > 0 {
			u.arrays = append(u.arrays, arrayRemoval{at: at, items: gone})
		}
		pending := len(gone)
		for i, e := range kept {
			var n int
			kept[i], n = u.walk(e, at.with(i), id)
			pending += n
		}
		return kept, pending

	case map[string]any:
		pending := 0
		for k, e := range t {
			var n int
			t[k], n = u.walk(e, at.with(k), id)
			pending += n
		}
		if pending == 0 {
			return t, 0
		}
		counted := false
		for _, f := range counterFields {
			cur, ok := t[f]
			if !ok {
				continue
			}
			next, ok := addToNumber(cur, -pending)
			if !ok {
				continue
			}
			u.counters = append(u.counters, counterChange{at: at, field: f, original: cur})
			t[f] = next
			counted = true
		}
		if counted {
			return t, 0
		}
		return t, pending
	}
	return v, 0
}

func (u *deleteUndo) revert(current any) (any, error) {
	if u.root {
		return deepCopy(u.rootValue), nil
	}
	out := deepCopy(current)
	for _, c := range u.counters {
		node, err := resolve(out, c.at)
		if err != nil {
			return nil, err
		}
		m, ok := node.(map[string]any)
		if !ok {
			return nil, errPathGone
		}
		m[c.field] = c.original
	}
	// Children were recorded after their parent array, so walking backwards
	// restores nested arrays while parent indices still match.
	for i := len(u.arrays) - 1; i >= 0; i-- {
		r := u.arrays[i]
		node, err := resolve(out, r.at)
		if err != nil {
			return nil, err
		}
		a, ok := node.([]any)
		if !ok {
			return nil, errPathGone
		}
		for _, g := range r.items {
			a = insertAt(a, g.index, deepCopy(g.item))
		}
		if out, err = replace(out, r.at, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func insertAt(a []any, i int, v any) []any {
	if i >= len(a) {
		return append(a, v)
	}
	a = append(a, nil)
	copy(a[i+1:], a[i:])
	a[i] = v
	return a
}

// addToNumber adds delta to a numeric value keeping its dynamic type.
// Counters never go below zero.
func addToNumber(v any, delta int) (any, bool) {
	clamp := func(n int64) int64 {
		if n < 0 {
			return 0
		}
		return n
	}
	switch n := v.(type) {
	case int:
		return int(clamp(int64(n) + int64(delta))), true
	case int8:
		return int8(clamp(int64(n) + int64(delta))), true
	case int16:
		return int16(clamp(int64(n) + int64(delta))), true
	case int32:
		return int32(clamp(int64(n) + int64(delta))), true
	case int64:
		return clamp(n + int64(delta)), true
	case uint:
		return uint(clamp(int64(n) + int64(delta))), true
	case uint8:
		return uint8(clamp(int64(n) + int64(delta))), true
	case uint16:
		return uint16(clamp(int64(n) + int64(delta))), true
	case uint32:
		return uint32(clamp(int64(n) + int64(delta))), true
	case uint64:
		return uint64(clamp(int64(n) + int64(delta))), true
	case float32:
		f := n + float32(delta)
		if f < 0 {
			f = 0
		}
		return f, true
	case float64:
		f := n + float64(delta)
		if f < 0 {
			f = 0
		}
		return f, true
	}
	return nil, false
}

// ---- update ----

type fieldRestore struct {
	at       path
	original map[string]any
	missing  []string
}

type updateUndo struct {
	records []fieldRestore
}

// applyUpdate shallow-merges fields into every record matching id.
func applyUpdate(v any, id string, fields map[string]any) (any, undo, bool) {
	if len(fields) == 0 {
		return v, nil, false
	}
	out := deepCopy(v)
	u := &updateUndo{}
	u.walk(out, nil, id, fields)
	if len(u.records) == 0 {
		return v, nil, false
	}
	return out, u, true
}

func (u *updateUndo) walk(v any, at path, id string, fields map[string]any) {
	switch t := v.(type) {
	case []any:
		for i, e := range t {
			u.walk(e, at.with(i), id, fields)
		}
	case map[string]any:
		if isRecord(t, id) {
			r := fieldRestore{at: at, original: make(map[string]any)}
			for k, nv := range fields {
				if old, ok := t[k]; ok {
					r.original[k] = old
				} else {
					r.missing = append(r.missing, k)
				}
				t[k] = deepCopy(nv)
			}
			u.records = append(u.records, r)
			return
		}
		for k, e := range t {
			u.walk(e, at.with(k), id, fields)
		}
	}
}

func (u *updateUndo) revert(current any) (any, error) {
	out := deepCopy(current)
	for _, r := range u.records {
		node, err := resolve(out, r.at)
		if err != nil {
			return nil, err
		}
		m, ok := node.(map[string]any)
		if !ok {
			return nil, errPathGone
		}
		for k, old := range r.original {
			m[k] = deepCopy(old)
		}
		for _, k := range r.missing {
			delete(m, k)
		}
	}
	return out, nil
}

// ---- nullify ----

// wholeUndo restores a key's value as it was before the transform.
type wholeUndo struct {
	before any
}

func (u *wholeUndo) revert(any) (any, error) {
	return deepCopy(u.before), nil
}

// ForeignKeyNames returns the field names treated as references to
// entityType: camelCase, snake_case and upper-ID variants.
func ForeignKeyNames(entityType string) []string {
	if entityType == "" {
		return nil
	}
	camel := strings.ToLower(entityType[:1]) + entityType[1:]
	snake := strings.ToLower(entityType)
	return []string{camel + "Id", snake + "_id", camel + "ID"}
}

// applyNullify sets every foreign-key field referencing id to nil.
func applyNullify(v any, entityType, id string) (any, undo, bool) {
	names := ForeignKeyNames(entityType)
	if len(names) == 0 {
		return v, nil, false
	}
	out := deepCopy(v)
	if !nullifyWalk(out, names, id) {
		return v, nil, false
	}
	return out, &wholeUndo{before: deepCopy(v)}, true
}

func nullifyWalk(v any, names []string, id string) bool {
	changed := false
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if nullifyWalk(e, names, id) {
				changed = true
			}
		}
	case map[string]any:
		for _, n := range names {
			if ref, ok := t[n]; ok && references(ref, id) {
				t[n] = nil
				changed = true
			}
		}
		for _, e := range t {
			if nullifyWalk(e, names, id) {
				changed = true
			}
		}
	}
	return changed
}

// references reports whether a foreign-key value points at id, either as a
// bare id or as an embedded record.
func references(v any, id string) bool {
	if m, ok := v.(map[string]any); ok {
		return isRecord(m, id)
	}
	return sameID(v, id)
}
