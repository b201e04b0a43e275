package assessment

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSearchWhere(t *testing.T) {
	where, args, next, err := searchWhere(map[string]string{
		"severity":   "high",
		"calculator": "bmi",
		"since":      "2024-01-01T00:00:00Z",
		"unknown":    "x",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := ` WHERE 1=1 AND calculator = $1 AND severity = $2 AND created_at >= $3`
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
	if next != 4 {
		t.Errorf("next placeholder = %d, want 4", next)
	}
	wantArgs := []interface{}{"bmi", "high", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if diff := cmp.Diff(wantArgs, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchWhere_CategoryIsExactMatch(t *testing.T) {
	for _, v := range []string{"%", "_ormal", `Normal\`} {
		where, args, _, err := searchWhere(map[string]string{"category": v})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Contains(strings.ToUpper(where), "LIKE") {
			t.Errorf("category %q uses a pattern match: %s", v, where)
		}
		if !strings.Contains(where, `lower(category) = lower($1)`) {
			t.Errorf("unexpected category predicate: %s", where)
		}
		if len(args) != 1 || args[0] != v {
			t.Errorf("category value must be passed unchanged, got %v", args)
		}
	}
}

func TestSearchWhere_InvalidTime(t *testing.T) {
	if _, _, _, err := searchWhere(map[string]string{"until": "yesterday"}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("expected ErrInvalidFilter, got %v", err)
	}
}
