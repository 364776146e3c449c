// Package sat reads CNF formulas in DIMACS format and encodes them as P
// systems with active membranes that count satisfying assignments.
package sat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"membranecore/pkg/domain"
)

// Formula is a CNF formula over variables 1..Vars. A positive literal v is
// x_v, a negative literal -v is its negation.
type Formula struct {
	Vars    int
	Clauses [][]int
}

// ErrMalformed marks DIMACS input that cannot be parsed.
var ErrMalformed = errors.New("sat: malformed dimacs")

// ParseDIMACS reads a formula. Comment lines start with "c", the problem line
// is "p cnf <vars> <clauses>" and every clause ends with 0. A trailing "%"
// line ends the input.
func ParseDIMACS(r io.Reader) (Formula, error) {
	var (
		f        Formula
		declared = -1
		clause   []int
		line     int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "c") {
			continue
		}
		if text == "%" {
			break
		}
		if strings.HasPrefix(text, "p") {
			if declared >= 0 {
				return Formula{}, fmt.Errorf("%w: line %d: duplicate problem line", ErrMalformed, line)
			}
			fields := strings.Fields(text)
			if len(fields) != 4 || fields[1] != "cnf" {
				return Formula{}, fmt.Errorf("%w: line %d: want \"p cnf <vars> <clauses>\"", ErrMalformed, line)
			}
			vars, err1 := strconv.Atoi(fields[2])
			n, err2 := strconv.Atoi(fields[3])
			if err1 != nil || err2 != nil || vars < 0 || n < 0 {
				return Formula{}, fmt.Errorf("%w: line %d: bad counts", ErrMalformed, line)
			}
			f.Vars, declared = vars, n
			continue
		}
		if declared < 0 {
			return Formula{}, fmt.Errorf("%w: line %d: clause before problem line", ErrMalformed, line)
		}
		for _, field := range strings.Fields(text) {
			lit, err := strconv.Atoi(field)
			if err != nil {
				return Formula{}, fmt.Errorf("%w: line %d: literal %q", ErrMalformed, line, field)
			}
			if lit == 0 {
				f.Clauses = append(f.Clauses, clause)
				clause = nil
				continue
			}
			if abs(lit) > f.Vars {
				return Formula{}, fmt.Errorf("%w: line %d: variable %d exceeds %d", ErrMalformed, line, abs(lit), f.Vars)
			}
			clause = append(clause, lit)
		}
	}
	if err := sc.Err(); err != nil {
		return Formula{}, fmt.Errorf("sat: read dimacs: %w", err)
	}
	if declared < 0 {
		return Formula{}, fmt.Errorf("%w: missing problem line", ErrMalformed)
	}
	if len(clause) > 0 {
		f.Clauses = append(f.Clauses, clause)
	}
	if len(f.Clauses) != declared {
		return Formula{}, fmt.Errorf("%w: %d clauses declared, %d found", ErrMalformed, declared, len(f.Clauses))
	}
	return f, nil
}

// Satisfied reports whether assignment (indexed by variable, index 0 unused)
// satisfies every clause.
func (f Formula) Satisfied(assignment []bool) bool {
	for _, c := range f.Clauses {
		ok := false
		for _, lit := range c {
			if assignment[abs(lit)] == (lit > 0) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// CountModels counts satisfying assignments by enumeration. It is meant for
// checking small encodings.
func (f Formula) CountModels() int {
	count := 0
	assignment := make([]bool, f.Vars+1)
	for bits := 0; bits < 1<<f.Vars; bits++ {
		for v := 1; v <= f.Vars; v++ {
			assignment[v] = bits&(1<<(v-1)) != 0
		}
		if f.Satisfied(assignment) {
			count++
		}
	}
	return count
}

// Symbol names used by the encoding.
const (
	Skin   = "skin"
	Cell   = "cell"
	Yes    = "yes"
	seed   = "s"
	failed = "n"
	done   = "d"
)

func varSym(v int) string   { return "x" + strconv.Itoa(v) }
func trueSym(v int) string  { return "t" + strconv.Itoa(v) }
func falseSym(v int) string { return "f" + strconv.Itoa(v) }
func clauseSym(j int) string {
	return "c" + strconv.Itoa(j)
}

// literalSym names the assignment symbol that makes lit true.
func literalSym(lit int) string {
	if lit > 0 {
		return trueSym(lit)
	}
	return falseSym(-lit)
}

// Encode builds a P system whose halting configuration holds one yes in the
// skin per satisfying assignment.
//
// A single cell divides once per variable, lower variables first. The last
// division adds done, which promotes the literal rules and is consumed by
// select, so no clause is evaluated before every variable is assigned. Clauses
// that do not mention the last variable are checked early, and a cell that
// falsifies one consumes its last variable (skipping that division) and
// dissolves. Once every variable is assigned each literal produces the
// tokens of the clauses it satisfies, and a cell holding every clause token
// sends yes out.
func Encode(f Formula) (domain.Definition, error) {
	if f.Vars < 1 {
		return domain.Definition{}, fmt.Errorf("sat: formula has no variables")
	}
	n := f.Vars
	last := varSym(n)
	alphabet := []string{seed, failed, done, Yes}
	initial := domain.Multiset{seed: 1}
	for v := 1; v <= n; v++ {
		alphabet = append(alphabet, varSym(v), trueSym(v), falseSym(v))
		initial[varSym(v)] = 1
	}
	for j := range f.Clauses {
		alphabet = append(alphabet, clauseSym(j+1))
	}

	var (
		rules      []domain.Rule
		pruneRank  = n + 6
		literalRnk = n + 4
	)

	for j, c := range f.Clauses {
		lits := dedupe(c)
		if tautology(lits) || slices.ContainsFunc(lits, func(l int) bool { return abs(l) == n }) {
			continue
		}
		lhs := domain.Multiset{last: 1}
		for _, lit := range lits {
			lhs[literalSym(-lit)] = 1
		}
		rules = append(rules, domain.Rule{
			ID:       domain.RuleID(fmt.Sprintf("prune_c%d", j+1)),
			Membrane: Cell,
			LHS:      lhs,
			RHS:      domain.Multiset{failed: 1},
			Priority: pruneRank,
		})
	}

	for v := 1; v <= n; v++ {
		for _, lit := range []int{v, -v} {
			rhs := domain.Multiset{}
			for j, c := range f.Clauses {
				if slices.Contains(c, lit) && !tautology(dedupe(c)) {
					rhs.Add(clauseSym(j+1), 1)
				}
			}
			if rhs.Empty() {
				continue
			}
			rules = append(rules, domain.Rule{
				ID:         domain.RuleID("lit_" + literalSym(lit)),
				Membrane:   Cell,
				LHS:        domain.Multiset{literalSym(lit): 1},
				RHS:        rhs,
				Priority:   literalRnk,
				Promoters:  []string{done},
				Inhibitors: []string{failed},
			})
		}
	}

	for v := 1; v <= n; v++ {
		spec := &domain.DivisionSpec{
			First:  domain.Multiset{trueSym(v): 1},
			Second: domain.Multiset{falseSym(v): 1},
		}
		if v == n {
			spec.First[done] = 1
			spec.Second[done] = 1
		}
		rules = append(rules, domain.Rule{
			ID:       domain.RuleID("divide_" + varSym(v)),
			Membrane: Cell,
			LHS:      domain.Multiset{varSym(v): 1},
			Priority: n + 1 - v,
			Divide:   spec,
		})
	}

	rules = append(rules, domain.Rule{
		ID:       "retire",
		Membrane: Cell,
		LHS:      domain.Multiset{failed: 1, seed: 1},
		Dissolve: true,
	})

	// The last division is the only source of done, so select cannot fire
	// in the step that divides on the last variable.
	selectLHS := domain.Multiset{seed: 1, done: 1}
	for j, c := range f.Clauses {
		if !tautology(dedupe(c)) {
			selectLHS[clauseSym(j+1)] = 1
		}
	}
	rules = append(rules, domain.Rule{
		ID:         "select",
		Membrane:   Cell,
		LHS:        selectLHS,
		RHS:        domain.Multiset{Yes: 1},
		Direction:  domain.DirectionOut,
		Inhibitors: []string{failed},
	})

	return domain.Definition{
		Name:     fmt.Sprintf("sat-%dv-%dc", n, len(f.Clauses)),
		Alphabet: alphabet,
		Output:   Skin,
		Membranes: []domain.MembraneDefinition{
			{Name: Skin},
			{Name: Cell, Parent: Skin, Objects: initial},
		},
		Rules: rules,
		Limits: &domain.Limits{
			MaxMembranes: max(domain.DefaultLimits.MaxMembranes, 1<<min(n, 30)+2),
			MaxDepth:     domain.DefaultLimits.MaxDepth,
		},
	}, nil
}

func dedupe(clause []int) []int {
	out := slices.Clone(clause)
	slices.Sort(out)
	return slices.Compact(out)
}

// tautology reports whether a sorted, deduplicated clause holds a literal
// and its negation. Such clauses are always satisfied.
func tautology(lits []int) bool {
	for _, l := range lits {
		if l > 0 && slices.Contains(lits, -l) {
			return true
		}
	}
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
