package naturalquery

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Row is one fetched record keyed by column name.
type Row = map[string]any

// colKind classifies how a result column is scanned into a struct field.
type colKind uint8

const (
	ckSink  colKind = iota // column has no field, scan into a throwaway
	ckPtr                  // field is *T, scanned through a **T holder
	ckValue                // field is addressed directly (values and sql.Scanner)
)

type fieldInfo struct {
	index     []int
	ambiguous bool
}

// scanPlan maps each result column to a destination field. Immutable.
type scanPlan struct {
	kinds []colKind
	paths [][]int
	types []reflect.Type // for ckPtr: the *T field type
}

type planKey struct {
	dst  reflect.Type
	cols string
}

var (
	fieldIndexCache = newGenCache[reflect.Type, map[string]fieldInfo](cacheSize)
	scanPlanCache   = newGenCache[planKey, *scanPlan](cacheSize)
)

// scanRows reads every row into a Row. []byte values are copied since the
// driver may reuse them.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, 8)
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				vals[i] = append([]byte(nil), b...)
			}
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanAll scans all rows into dest, a pointer to a slice of structs, of
// *struct, or of single-column primitives / sql.Scanner types.
func scanAll(rows *sql.Rows, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("naturalquery: dest must be a non-nil pointer")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Slice {
		return fmt.Errorf("naturalquery: dest must point to a slice, got %s", rv.Type())
	}
	rv.Set(rv.Slice(0, 0))

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	elemT := rv.Type().Elem()
	isPtr := elemT.Kind() == reflect.Pointer
	structT := elemT
	if isPtr {
		structT = elemT.Elem()
	}

	if structT.Kind() != reflect.Struct || implementsScanner(structT) {
		if isPtr {
			return fmt.Errorf("naturalquery: slice of pointers to non-struct %s", elemT)
		}
		if len(cols) != 1 {
			return fmt.Errorf("naturalquery: scanning into []%s requires 1 column, got %d", elemT, len(cols))
		}
		for rows.Next() {
			item := reflect.New(elemT)
			if err := rows.Scan(item.Interface()); err != nil {
				return err
			}
			rv.Set(reflect.Append(rv, item.Elem()))
		}
		return rows.Err()
	}

	plan, err := getScanPlan(cols, structT)
	if err != nil {
		return err
	}
	targets := make([]any, len(cols))
	holders := make([]reflect.Value, len(cols))
	for i, k := range plan.kinds {
		switch k {
		case ckSink:
			targets[i] = new(any)
		case ckPtr:
			holders[i] = reflect.New(plan.types[i]) // **T
			targets[i] = holders[i].Interface()
		}
	}

	for rows.Next() {
		item := reflect.New(structT)
		dst := item.Elem()
		for i, k := range plan.kinds {
			switch k {
			case ckValue:
				targets[i] = fieldByIndexAlloc(dst, plan.paths[i]).Addr().Interface()
			case ckPtr:
				holders[i].Elem().SetZero()
			}
		}
		if err := rows.Scan(targets...); err != nil {
			return err
		}
		for i, k := range plan.kinds {
			if k == ckPtr {
				fieldByIndexAlloc(dst, plan.paths[i]).Set(holders[i].Elem())
			}
		}
		if isPtr {
			rv.Set(reflect.Append(rv, item))
		} else {
			rv.Set(reflect.Append(rv, dst))
		}
	}
	return rows.Err()
}

var scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

func implementsScanner(t reflect.Type) bool {
	return t.Implements(scannerIface) || reflect.PointerTo(t).Implements(scannerIface)
}

// fieldByIndexAlloc walks a struct by index path, allocating nil embedded
// pointers on the way. The leaf is returned as-is.
func fieldByIndexAlloc(v reflect.Value, path []int) reflect.Value {
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			f = f.Elem()
		}
		v = f
	}
	return v
}

func getScanPlan(cols []string, dstT reflect.Type) (*scanPlan, error) {
	key := planKey{dst: dstT, cols: strings.Join(cols, "\x1f")}
	if p, ok := scanPlanCache.get(key); ok {
		return p, nil
	}

	fields := fieldIndexMap(dstT)
	p := &scanPlan{
		kinds: make([]colKind, len(cols)),
		paths: make([][]int, len(cols)),
		types: make([]reflect.Type, len(cols)),
	}
	for i, c := range cols {
		fi, ok := fields[c]
		if !ok {
			continue // ckSink
		}
		if fi.ambiguous {
			return nil, fmt.Errorf("naturalquery: ambiguous field for column %q", c)
		}
		ft := dstT.FieldByIndex(fi.index).Type
		p.paths[i] = fi.index
		if ft.Kind() == reflect.Pointer && !implementsScanner(ft) {
			p.kinds[i] = ckPtr
			p.types[i] = ft
			continue
		}
		p.kinds[i] = ckValue
	}
	scanPlanCache.put(key, p)
	return p, nil
}

// fieldIndexMap maps column names to field index paths. Names come from the
// `db` tag or the field name; `db:"-"` skips a field. Embedded structs
// without a tag are flattened. Duplicate names are marked ambiguous.
func fieldIndexMap(t reflect.Type) map[string]fieldInfo {
	if m, ok := fieldIndexCache.get(t); ok {
		return m
	}
	m := make(map[string]fieldInfo, t.NumField())
	// types on the current embedding path; a struct embedding itself is
	// walked once
	visited := make(map[reflect.Type]bool)
	var walk func(rt reflect.Type, path []int)
	walk = func(rt reflect.Type, path []int) {
		if visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			idx := append(append([]int(nil), path...), i)

			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if f.Anonymous && tag == "" && ft.Kind() == reflect.Struct && !implementsScanner(ft) {
				walk(ft, idx)
				continue
			}

			name := f.Name
			if n, _, _ := strings.Cut(tag, ","); n != "" {
				name = n
			}
			if _, dup := m[name]; dup {
				m[name] = fieldInfo{ambiguous: true}
				continue
			}
			m[name] = fieldInfo{index: idx}
		}
	}
	walk(t, nil)
	fieldIndexCache.put(t, m)
	return m
}

// genCache is a two-generation cache: when the current generation fills up
// it becomes the previous one, bounding memory without per-entry bookkeeping.
type genCache[K comparable, V any] struct {
	mu   sync.RWMutex
	curr map[K]V
	prev map[K]V
	max  int
}

func newGenCache[K comparable, V any](max int) *genCache[K, V] {
	return &genCache[K, V]{
		curr: make(map[K]V, max/2),
		prev: make(map[K]V),
		max:  max,
	}
}

func (c *genCache[K, V]) get(k K) (V, bool) {
	c.mu.RLock()
	if v, ok := c.curr[k]; ok {
		c.mu.RUnlock()
		return v, true
	}
	v, ok := c.prev[k]
	c.mu.RUnlock()
	if ok {
		c.put(k, v)
	}
	return v, ok
}

func (c *genCache[K, V]) put(k K, v V) {
	c.mu.Lock()
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[K]V, c.max/2)
	}
	c.curr[k] = v
	c.mu.Unlock()
}
