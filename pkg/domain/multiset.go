package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Multiset is a counted collection of symbols. Only counts matter; a symbol
// with a zero count is absent. The zero value is an empty multiset.
type Multiset map[string]int

// NewMultiset builds a multiset from alternating symbol occurrences, e.g.
// NewMultiset("a", "a", "b") == {a:2, b:1}.
func NewMultiset(symbols ...string) Multiset {
	m := make(Multiset, len(symbols))
	for _, s := range symbols {
		m[s]++
	}
	return m
}

// ParseMultiset parses the textual form "a^2 b c" (whitespace or comma
// separated, optional ^n multiplicity).
func ParseMultiset(text string) (Multiset, error) {
	m := Multiset{}
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	for _, field := range fields {
		symbol, count := field, 1
		if idx := strings.LastIndexByte(field, '^'); idx >= 0 {
			n, err := strconv.Atoi(field[idx+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("multiset: invalid multiplicity in %q", field)
			}
			symbol, count = field[:idx], n
		}
		if symbol == "" {
			return nil, fmt.Errorf("multiset: empty symbol in %q", text)
		}
		m[symbol] += count
	}
	return m, nil
}

// MustParseMultiset is ParseMultiset for literals known to be valid.
func MustParseMultiset(text string) Multiset {
	m, err := ParseMultiset(text)
	if err != nil {
		panic(err)
	}
	return m
}

// Count returns the multiplicity of symbol.
func (m Multiset) Count(symbol string) int { return m[symbol] }

// Size returns the total number of objects.
func (m Multiset) Size() int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}

// Empty reports whether the multiset holds no objects.
func (m Multiset) Empty() bool { return m.Size() == 0 }

// Clone returns an independent copy without zero entries.
func (m Multiset) Clone() Multiset {
	out := make(Multiset, len(m))
	for s, n := range m {
		if n != 0 {
			out[s] = n
		}
	}
	return out
}

// Add increases symbol by n. Non-positive n is a no-op.
func (m Multiset) Add(symbol string, n int) {
	if n <= 0 {
		return
	}
	m[symbol] += n
}

// AddAll adds every object of other, times copies.
func (m Multiset) AddAll(other Multiset, copies int) {
	if copies <= 0 {
		return
	}
	for s, n := range other {
		m.Add(s, n*copies)
	}
}

// Remove decreases symbol by n, failing with ErrInsufficientObjects when the
// multiset does not hold n copies.
func (m Multiset) Remove(symbol string, n int) error {
	if n <= 0 {
		return nil
	}
	have := m[symbol]
	if have < n {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientObjects, symbol, have, n)
	}
	if have == n {
		delete(m, symbol)
		return nil
	}
	m[symbol] = have - n
	return nil
}

// RemoveAll removes other times copies, leaving m untouched on failure.
func (m Multiset) RemoveAll(other Multiset, copies int) error {
	if copies <= 0 {
		return nil
	}
	for _, s := range other.Symbols() {
		if m[s] < other[s]*copies {
			return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientObjects, s, m[s], other[s]*copies)
		}
	}
	for s, n := range other {
		_ = m.Remove(s, n*copies)
	}
	return nil
}

// Contains reports whether other ≤ m pointwise.
func (m Multiset) Contains(other Multiset) bool {
	for s, n := range other {
		if n > 0 && m[s] < n {
			return false
		}
	}
	return true
}

// Times returns how many disjoint copies of other fit into m. An empty other
// fits an unbounded number of times, reported as -1.
func (m Multiset) Times(other Multiset) int {
	best := -1
	for s, n := range other {
		if n <= 0 {
			continue
		}
		k := m[s] / n
		if best < 0 || k < best {
			best = k
		}
	}
	return best
}

// Has reports whether symbol is present at least once.
func (m Multiset) Has(symbol string) bool { return m[symbol] > 0 }

// Equal compares two multisets ignoring zero entries.
func (m Multiset) Equal(other Multiset) bool {
	for s, n := range m {
		if n != other[s] {
			return false
		}
	}
	for s, n := range other {
		if n != m[s] {
			return false
		}
	}
	return true
}

// Union returns m + other as a new multiset.
func (m Multiset) Union(other Multiset) Multiset {
	out := m.Clone()
	out.AddAll(other, 1)
	return out
}

// Symbols returns present symbols in lexical order.
func (m Multiset) Symbols() []string {
	out := make([]string, 0, len(m))
	for s, n := range m {
		if n > 0 {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Key is a canonical string usable as a map key for equal multisets.
func (m Multiset) Key() string { return m.String() }

// String renders the canonical textual form, e.g. "a^2 b".
func (m Multiset) String() string {
	var b strings.Builder
	for i, s := range m.Symbols() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
		if n := m[s]; n > 1 {
			b.WriteByte('^')
			b.WriteString(strconv.Itoa(n))
		}
	}
	return b.String()
}

// MarshalJSON encodes the multiset as an object with sorted keys.
func (m Multiset) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int(m.Clone()))
}

// UnmarshalJSON accepts either {"a":2} or "a^2".
func (m *Multiset) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := ParseMultiset(text)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("multiset: %w", err)
	}
	return m.assign(raw)
}

// UnmarshalYAML accepts either a mapping or the textual form.
func (m *Multiset) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		parsed, err := ParseMultiset(node.Value)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	case yaml.SequenceNode:
		var symbols []string
		if err := node.Decode(&symbols); err != nil {
			return fmt.Errorf("multiset: %w", err)
		}
		*m = NewMultiset(symbols...)
		return nil
	default:
		var raw map[string]int
		if err := node.Decode(&raw); err != nil {
			return fmt.Errorf("multiset: %w", err)
		}
		return m.assign(raw)
	}
}

func (m *Multiset) assign(raw map[string]int) error {
	out := make(Multiset, len(raw))
	for s, n := range raw {
		if n < 0 {
			return fmt.Errorf("multiset: negative multiplicity %d for %s", n, s)
		}
		if n > 0 {
			out[s] = n
		}
	}
	*m = out
	return nil
}
