package extauth

import (
	"sort"
	"testing"
)

func TestBoolExprEval(t *testing.T) {
	tests := []struct {
		expr     string
		outcomes map[string]bool
		want     bool
	}{
		{"A", map[string]bool{"A": true}, true},
		{"A", map[string]bool{"A": false}, false},
		{"!A", map[string]bool{"A": false}, true},
		{"A && B", map[string]bool{"A": true, "B": true}, true},
		{"A && B", map[string]bool{"A": true, "B": false}, false},
		{"A || B", map[string]bool{"A": false, "B": true}, true},
		{"A || B", map[string]bool{"A": false, "B": false}, false},
		// ! binds tighter than &&, which binds tighter than ||.
		{"!A && B || C", map[string]bool{"A": true, "B": true, "C": true}, true},
		{"!A && B || C", map[string]bool{"A": true, "B": true, "C": false}, false},
		{"A || B && C", map[string]bool{"A": true, "B": false, "C": false}, true},
		{"(A || B) && C", map[string]bool{"A": true, "B": false, "C": false}, false},
		// Word operators.
		{"not A and B", map[string]bool{"A": false, "B": true}, true},
		{"A or B", map[string]bool{"A": false, "B": true}, true},
		// Names with separators.
		{"api-key.prod || basic_auth", map[string]bool{"api-key.prod": true, "basic_auth": false}, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := ParseBoolExpr(tt.expr)
			if err != nil {
				t.Fatal(err)
			}
			if got := e.Eval(tt.outcomes); got != tt.want {
				t.Errorf("Eval(%v) = %v, want %v", tt.outcomes, got, tt.want)
			}
		})
	}
}

func TestBoolExprParseErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"A &&",
		"&& A",
		"A & B",
		"A | B",
		"(A",
		"A)",
		"A B",
		"A ^ B",
	} {
		if _, err := ParseBoolExpr(expr); err == nil {
			t.Errorf("ParseBoolExpr(%q) should fail", expr)
		}
	}
}

func TestBoolExprNames(t *testing.T) {
	e, err := ParseBoolExpr("!A && (B || C) && A")
	if err != nil {
		t.Fatal(err)
	}
	names := e.Names()
	sort.Strings(names)
	want := []string{"A", "B", "C"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}
