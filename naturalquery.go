package naturalquery

import (
	"context"
	"database/sql"
	"strings"

	"github.com/Masterminds/squirrel"
)

// Kind identifies the statement a Builder renders. It is fixed at construction.
type Kind int

// JoinKind identifies the flavor of a JOIN clause.
type JoinKind int

// PlaceholderStyle selects how bind positions are marked in the rendered SQL.
// It is chosen once per Builder, never per call.
type PlaceholderStyle int

// Execer abstracts *sql.Conn / *sql.DB / *sql.Tx ExecContext.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer abstracts *sql.Conn / *sql.DB / *sql.Tx QueryContext.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const (
	Select Kind = iota
	Insert
	Update
	Delete
)

const (
	InnerJoin JoinKind = iota
	LeftJoin
	RightJoin
	FullJoin
)

const (
	Dollar   PlaceholderStyle = iota // $1, $2, ...
	Question                         // ?, ?, ...
	Colon                            // :1, :2, ...
	AtP                              // @p1, @p2, ...
)

const cacheSize = 4096 // Default size for the field-index and scan-plan caches

// String returns the SQL keyword of the statement kind.
func (k Kind) String() string {
	switch k {
	case Select:
		return "SELECT"
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// String returns the SQL keyword phrase of the join kind.
func (j JoinKind) String() string {
	switch j {
	case InnerJoin:
		return "INNER JOIN"
	case LeftJoin:
		return "LEFT JOIN"
	case RightJoin:
		return "RIGHT JOIN"
	case FullJoin:
		return "FULL JOIN"
	default:
		return "JOIN"
	}
}

// String returns the name of the placeholder style.
func (s PlaceholderStyle) String() string {
	switch s {
	case Dollar:
		return "dollar"
	case Question:
		return "question"
	case Colon:
		return "colon"
	case AtP:
		return "atp"
	default:
		return "unknown"
	}
}

// format maps the style onto the squirrel placeholder format that renders it.
func (s PlaceholderStyle) format() (squirrel.PlaceholderFormat, bool) {
	switch s {
	case Dollar:
		return squirrel.Dollar, true
	case Question:
		return squirrel.Question, true
	case Colon:
		return squirrel.Colon, true
	case AtP:
		return squirrel.AtP, true
	default:
		return nil, false
	}
}

// placeholders returns n markers numbered from..from+n-1 in the given style.
func (s PlaceholderStyle) placeholders(from, n int) ([]string, error) {
	pf, ok := s.format()
	if !ok {
		return nil, ErrUnknownStyle.detail("%d", int(s))
	}
	out := make([]string, n)
	if n == 0 {
		return out, nil
	}
	// squirrel numbers every '?' it sees starting at 1, so the leading
	// (from-1) markers are rendered and dropped.
	total := from - 1 + n
	marks := make([]string, total)
	for i := range marks {
		marks[i] = "?"
	}
	q, err := pf.ReplacePlaceholders(strings.Join(marks, markSep))
	if err != nil {
		return nil, err
	}
	rendered := strings.Split(q, markSep)
	copy(out, rendered[from-1:])
	return out, nil
}

// markSep never appears in a rendered marker.
const markSep = "\x1f"
