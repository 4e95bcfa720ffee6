package naturalquery

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/squirrel"
)

var _ squirrel.Sqlizer = (*Builder)(nil)

// Builder assembles a single SQL statement and its bound parameters.
// It is NOT safe for concurrent use: one builder per statement, never shared.
// Build is a pure projection of the current state and may be called any
// number of times.
type Builder struct {
	kind    Kind
	style   PlaceholderStyle
	table   string
	columns []string
	where   []string
	joins   []join
	values  []any // aligned with the columns appended by Set/SetValues
	bound   []any // referenced by where fragments, in call order
	groupBy []string
	having  string
	orderBy []string
	limit   *uint64
	offset  *uint64
	err     error
}

type join struct {
	kind  JoinKind
	table string
	on    string
}

// New returns a Builder for the given statement kind. The placeholder style
// defaults to Dollar ($1, $2, ...).
func New(kind Kind, style ...PlaceholderStyle) *Builder {
	b := &Builder{kind: kind, style: Dollar}
	if len(style) > 0 {
		b.style = style[0]
	}
	return b
}

// Kind returns the statement kind the builder was created with.
func (b *Builder) Kind() Kind { return b.kind }

// Style returns the placeholder style the builder was created with.
func (b *Builder) Style() PlaceholderStyle { return b.style }

// Err returns the first error recorded by a mutator, if any.
func (b *Builder) Err() error { return b.err }

// ClearErr forgets the recorded mutator error. Valid calls made after a
// failure are kept, so a builder can be repaired and built.
func (b *Builder) ClearErr() *Builder {
	b.err = nil
	return b
}

// fail records the first mutator error and leaves the state as it was.
// Later valid mutators still apply.
func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// From sets the target table, replacing any previous one.
func (b *Builder) From(table string) *Builder {
	if strings.TrimSpace(table) == "" {
		return b.fail(ErrInvalidTable)
	}
	b.table = table
	return b
}

// Columns replaces the column list. For SELECT it is the projection; an
// empty list renders "*".
func (b *Builder) Columns(names ...string) *Builder {
	for i, n := range names {
		if n == "" {
			return b.fail(ErrEmptyColumn.detail("position %d", i))
		}
	}
	b.columns = append([]string(nil), names...)
	return b
}

// Where appends a predicate; multiple predicates are joined with AND.
// args are appended to the bound parameters after any earlier ones. The
// fragment is not inspected: it must already carry the right markers.
func (b *Builder) Where(cond string, args ...any) *Builder {
	b.where = append(b.where, cond)
	b.bound = append(b.bound, args...)
	return b
}

// Join appends a join clause rendered as "<KIND> <table> ON <on>".
func (b *Builder) Join(kind JoinKind, table, on string) *Builder {
	b.joins = append(b.joins, join{kind: kind, table: table, on: on})
	return b
}

// Set appends one INSERT/UPDATE column together with its value.
func (b *Builder) Set(column string, value any) *Builder {
	if column == "" {
		return b.fail(ErrEmptyColumn)
	}
	b.columns = append(b.columns, column)
	b.values = append(b.values, value)
	return b
}

// SetValues appends column/value pairs in argument order:
//
//	b.SetValues("name", "Alice", "age", 30)
//
// The order is significant: it is the order of the INSERT column and VALUES
// lists and of the UPDATE SET pairs. On error nothing from the call is applied.
func (b *Builder) SetValues(kv ...any) *Builder {
	cols, vals, err := splitPairs(kv)
	if err != nil {
		return b.fail(err)
	}
	b.columns = append(b.columns, cols...)
	b.values = append(b.values, vals...)
	return b
}

// SetMap appends the entries of m in ascending column order.
func (b *Builder) SetMap(m map[string]any) *Builder {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "" {
			return b.fail(ErrPairKey)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.columns = append(b.columns, k)
		b.values = append(b.values, m[k])
	}
	return b
}

// SetJSON behaves like SetValues but stores each value JSON-encoded, for
// json/jsonb columns.
func (b *Builder) SetJSON(kv ...any) *Builder {
	cols, vals, err := splitPairs(kv)
	if err != nil {
		return b.fail(err)
	}
	for i, v := range vals {
		raw, err := json.Marshal(v)
		if err != nil {
			return b.fail(&BuilderError{msg: "cannot JSON-encode value for column " + strconv.Quote(cols[i]), err: err})
		}
		vals[i] = string(raw)
	}
	b.columns = append(b.columns, cols...)
	b.values = append(b.values, vals...)
	return b
}

// GroupBy replaces the GROUP BY columns.
func (b *Builder) GroupBy(names ...string) *Builder {
	b.groupBy = append([]string(nil), names...)
	return b
}

// Having replaces the HAVING predicate.
func (b *Builder) Having(cond string) *Builder {
	b.having = cond
	return b
}

// OrderBy replaces the ORDER BY terms, e.g. OrderBy("created_at DESC", "id").
func (b *Builder) OrderBy(names ...string) *Builder {
	b.orderBy = append([]string(nil), names...)
	return b
}

// Limit sets the LIMIT, replacing any previous value.
func (b *Builder) Limit(n uint64) *Builder {
	b.limit = &n
	return b
}

// Offset sets the OFFSET, replacing any previous value.
func (b *Builder) Offset(n uint64) *Builder {
	b.offset = &n
	return b
}

// NextPlaceholder returns the marker for the next bound parameter position,
// counting values first and predicate parameters after. Call it once all
// values are set:
//
//	b.Set("name", "Bob").Where("id = "+b.NextPlaceholder(), 5)
func (b *Builder) NextPlaceholder() string {
	ph, err := b.style.placeholders(len(b.values)+len(b.bound)+1, 1)
	if err != nil {
		b.fail(err)
		return ""
	}
	return ph[0]
}

// Parameters returns the values followed by the predicate parameters, in
// the order the rendered markers expect them. The slice is a fresh copy.
func (b *Builder) Parameters() []any {
	out := make([]any, 0, len(b.values)+len(b.bound))
	out = append(out, b.values...)
	return append(out, b.bound...)
}

// SQL renders the statement text only.
func (b *Builder) SQL() (string, error) {
	if b.table == "" {
		return "", ErrTableRequired
	}
	if b.err != nil {
		return "", b.err
	}

	var sb strings.Builder
	sb.Grow(64 + 16*(len(b.columns)+len(b.where)))
	clause := func(parts ...string) {
		for _, p := range parts {
			sb.WriteString(p)
		}
		sb.WriteByte(' ')
	}

	clause(b.kind.String())

	switch b.kind {
	case Select:
		cols := "*"
		if len(b.columns) > 0 {
			cols = strings.Join(b.columns, ", ")
		}
		clause(cols, " FROM ", b.table)
	case Insert:
		ph, err := b.style.placeholders(1, len(b.values))
		if err != nil {
			return "", err
		}
		clause("INTO ", b.table, " (", strings.Join(b.columns, ", "), ") VALUES (", strings.Join(ph, ", "), ")")
	case Update:
		ph, err := b.style.placeholders(1, len(b.columns))
		if err != nil {
			return "", err
		}
		sets := make([]string, len(b.columns))
		for i, c := range b.columns {
			sets[i] = c + " = " + ph[i]
		}
		clause(b.table, " SET ", strings.Join(sets, ", "))
	case Delete:
		clause("FROM ", b.table)
	default:
		return "", ErrUnknownKind.detail("%d", int(b.kind))
	}

	for _, j := range b.joins {
		clause(j.kind.String(), " ", j.table, " ON ", j.on)
	}
	if len(b.where) > 0 {
		clause("WHERE ", strings.Join(b.where, " AND "))
	}
	if len(b.groupBy) > 0 {
		clause("GROUP BY ", strings.Join(b.groupBy, ", "))
	}
	if b.having != "" {
		clause("HAVING ", b.having)
	}
	if len(b.orderBy) > 0 {
		clause("ORDER BY ", strings.Join(b.orderBy, ", "))
	}
	if b.limit != nil {
		clause("LIMIT ", strconv.FormatUint(*b.limit, 10))
	}
	if b.offset != nil {
		clause("OFFSET ", strconv.FormatUint(*b.offset, 10))
	}

	return strings.TrimSpace(sb.String()), nil
}

// Build renders the statement and returns it with its parameters.
func (b *Builder) Build() (string, []any, error) {
	q, err := b.SQL()
	if err != nil {
		return "", nil, err
	}
	return q, b.Parameters(), nil
}

// ToSql is Build under the name squirrel.Sqlizer expects.
func (b *Builder) ToSql() (string, []any, error) {
	return b.Build()
}

// splitPairs validates k/v pairs without touching builder state.
func splitPairs(kv []any) ([]string, []any, error) {
	if len(kv)%2 != 0 {
		return nil, nil, ErrOddPairs.detail("got %d", len(kv))
	}
	cols := make([]string, 0, len(kv)/2)
	vals := make([]any, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok || k == "" {
			return nil, nil, ErrPairKey.detail("position %d, got %T", i, kv[i])
		}
		cols = append(cols, k)
		vals = append(vals, kv[i+1])
	}
	return cols, vals, nil
}
