package naturalquery

import (
	"errors"
	"testing"
)

// TestErrorTaxonomy ensures every error kind can be caught broadly through
// ErrNaturalQuery and narrowly through its own type.
func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("driver says no")
	tests := []struct {
		name string
		err  error
	}{
		{"builder sentinel", ErrTableRequired},
		{"builder detail", ErrEmptyColumn.detail("position %d", 2)},
		{"connection", &ConnectionError{Driver: "pgx", Err: cause}},
		{"execution", &ExecutionError{Op: "execute", Query: "SELECT 1", Err: cause}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, ErrNaturalQuery) {
				t.Fatalf("%v does not match ErrNaturalQuery", tt.err)
			}
		})
	}

	if !errors.Is(ErrEmptyColumn.detail("x"), ErrEmptyColumn) {
		t.Fatalf("detail lost its sentinel")
	}
	if errors.Is(ErrEmptyColumn.detail("x"), ErrTableRequired) {
		t.Fatalf("detail matched an unrelated sentinel")
	}
	if errors.Is(ErrTableRequired, ErrEmptyColumn) {
		t.Fatalf("sentinels must not match each other")
	}
	if ErrTableRequired.Unwrap() != nil {
		t.Fatalf("builder sentinels never wrap a cause")
	}
	if !errors.Is(&ExecutionError{Op: "fetch", Err: cause}, cause) {
		t.Fatalf("execution error does not unwrap to its cause")
	}
	if got := (&ExecutionError{Op: "fetch", Err: cause}).Error(); got != "naturalquery: fetch: driver says no" {
		t.Fatalf("got %q", got)
	}
}
