package sat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"membranecore/internal/core"
	"membranecore/pkg/domain"
)

const canonical = `c (x1 | x2 | x3) & (!x1 | x2 | x4) & (x1 | x3 | x4)
p cnf 4 3
1 2 3 0
-1 2 4 0
1 3 4 0
`

func TestParseDIMACS(t *testing.T) {
	f, err := ParseDIMACS(strings.NewReader(canonical))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Vars != 4 || len(f.Clauses) != 3 {
		t.Fatalf("formula = %+v", f)
	}
	if got := f.Clauses[1]; len(got) != 3 || got[0] != -1 || got[2] != 4 {
		t.Fatalf("clause 2 = %v", got)
	}
	if f.CountModels() != 11 {
		t.Fatalf("models = %d", f.CountModels())
	}
}

func TestParseDIMACS_MultiLineClauseAndTerminator(t *testing.T) {
	f, err := ParseDIMACS(strings.NewReader("p cnf 2 2\n1\n-2 0 2\n%\n0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Clauses) != 2 || len(f.Clauses[0]) != 2 || f.Clauses[1][0] != 2 {
		t.Fatalf("clauses = %v", f.Clauses)
	}
}

func TestParseDIMACS_Errors(t *testing.T) {
	cases := map[string]string{
		"no header":       "1 2 0\n",
		"bad header":      "p dnf 2 1\n1 0\n",
		"duplicate p":     "p cnf 2 1\np cnf 2 1\n1 0\n",
		"bad literal":     "p cnf 2 1\n1 x 0\n",
		"out of range":    "p cnf 2 1\n3 0\n",
		"count mismatch":  "p cnf 2 2\n1 0\n",
		"negative counts": "p cnf -1 0\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseDIMACS(strings.NewReader(input)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestEncode_Validates(t *testing.T) {
	f, _ := ParseDIMACS(strings.NewReader(canonical))
	def, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := def.Normalized(); err != nil {
		t.Fatalf("encoded definition invalid: %v", err)
	}
	if _, err := Encode(Formula{}); err == nil {
		t.Fatal("expected error for empty formula")
	}
}

func run(t *testing.T, f Formula, seed uint64) (*core.Engine, domain.Outcome) {
	t.Helper()
	def, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	e, err := core.NewEngine(def, core.WithSeed(seed), core.WithInvariantChecks())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	_, outcome, err := e.RunUntilHalt(context.Background(), 100)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return e, outcome
}

func TestEncode_CanonicalRegression(t *testing.T) {
	f, err := ParseDIMACS(strings.NewReader(canonical))
	if err != nil {
		t.Fatal(err)
	}
	for _, seed := range []uint64{1, 7, 42} {
		e, outcome := run(t, f, seed)
		if outcome != domain.OutcomeHalted {
			t.Fatalf("seed %d: outcome = %s", seed, outcome)
		}
		m := e.Metrics()
		if m.Steps != 6 || m.TotalRuleApplications != 64 || m.PeakMembraneCount != 16 {
			t.Fatalf("seed %d: metrics = %+v", seed, m)
		}
		if m.Divisions != 14 || m.Dissolutions != 1 {
			t.Fatalf("seed %d: divisions %d dissolutions %d", seed, m.Divisions, m.Dissolutions)
		}
		if got := e.Result().Count(Yes); got != 11 {
			t.Fatalf("seed %d: yes = %d", seed, got)
		}
	}
}

func TestEncode_CountsMatchEnumeration(t *testing.T) {
	formulas := []string{
		"p cnf 2 2\n1 2 0\n-1 -2 0\n",
		"p cnf 3 4\n1 0\n-1 2 0\n-2 3 0\n-3 0\n",
		"p cnf 3 2\n1 -1 0\n2 3 0\n",
		"p cnf 3 0\n",
		"p cnf 1 0\n",
		"p cnf 2 1\n1 -1 0\n",
		"p cnf 3 2\n2 -2 0\n-3 3 1 0\n",
	}
	for _, text := range formulas {
		f, err := ParseDIMACS(strings.NewReader(text))
		if err != nil {
			t.Fatalf("parse %q: %v", text, err)
		}
		e, outcome := run(t, f, 3)
		if outcome != domain.OutcomeHalted {
			t.Fatalf("%q: outcome %s", text, outcome)
		}
		if got, want := e.Result().Count(Yes), f.CountModels(); got != want {
			t.Fatalf("%q: yes = %d, models = %d", text, got, want)
		}
	}
}
