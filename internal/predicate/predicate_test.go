package predicate

import "testing"

func lookupFrom(props map[string]string) Lookup {
	return func(name string) ([]byte, bool) {
		v, ok := props[name]
		if !ok {
			return nil, false
		}
		return []byte(v), true
	}
}

func TestParseAndEvalComparison(t *testing.T) {
	expr, err := Parse("status = 'active' AND age > 5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cases := []struct {
		status string
		age    string
		want   bool
	}{
		{`"active"`, "3", false},
		{`"active"`, "7", true},
		{`"inactive"`, "7", false},
	}
	for _, c := range cases {
		ok, err := Eval(expr, lookupFrom(map[string]string{"status": c.status, "age": c.age}))
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if ok != c.want {
			t.Errorf("status=%s age=%s: got %v, want %v", c.status, c.age, ok, c.want)
		}
	}
}

func TestBetween(t *testing.T) {
	expr, err := Parse("score BETWEEN 10 AND 20")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for score, want := range map[string]bool{"5": false, "10": true, "15": true, "20": true, "21": false} {
		ok, err := Eval(expr, lookupFrom(map[string]string{"score": score}))
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if ok != want {
			t.Errorf("score=%s: got %v, want %v", score, ok, want)
		}
	}
}

func TestInAndIsNull(t *testing.T) {
	expr, err := Parse("color IN ('red', 'blue') OR color IS NULL")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ok, _ := Eval(expr, lookupFrom(map[string]string{"color": `"red"`})); !ok {
		t.Errorf("expected red to match")
	}
	if ok, _ := Eval(expr, lookupFrom(map[string]string{"color": `"green"`})); ok {
		t.Errorf("expected green not to match")
	}
	if ok, _ := Eval(expr, lookupFrom(map[string]string{})); !ok {
		t.Errorf("expected absent color (IS NULL) to match")
	}
}

func TestPathTraversal(t *testing.T) {
	expr, err := Parse("meta.tags.0 = 'urgent'")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ok, err := Eval(expr, lookupFrom(map[string]string{"meta": `{"tags":["urgent","later"]}`}))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Errorf("expected nested path match")
	}
}

func TestPlaceholderMustBeBound(t *testing.T) {
	expr, err := Parse("status = ?")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !HasPlaceholder(expr) {
		t.Fatalf("expected HasPlaceholder true before bind")
	}
	if _, err := Eval(expr, lookupFrom(map[string]string{"status": `"active"`})); err == nil {
		t.Fatalf("expected error evaluating unbound placeholder")
	}

	bound, err := Bind(expr, []Literal{{Kind: KindString, Str: "active"}})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if HasPlaceholder(bound) {
		t.Fatalf("expected no placeholder after bind")
	}
	ok, err := Eval(bound, lookupFrom(map[string]string{"status": `"active"`}))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Errorf("expected bound predicate to match")
	}
}

func TestWildcard(t *testing.T) {
	expr, err := Parse("TRUE")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !IsWildcard(expr) {
		t.Errorf("expected TRUE to be recognized as wildcard")
	}
	ok, err := Eval(expr, lookupFrom(nil))
	if err != nil || !ok {
		t.Errorf("expected TRUE to always evaluate true, got %v %v", ok, err)
	}
}

func TestWalkCollectsClauses(t *testing.T) {
	expr, err := Parse("a = 1 AND (b > 2 OR c BETWEEN 1 AND 2)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var fields []string
	Walk(expr, func(path Path, clause Expr) {
		fields = append(fields, path.String())
	})
	if len(fields) != 3 {
		t.Fatalf("expected 3 clauses, got %d: %v", len(fields), fields)
	}
}
