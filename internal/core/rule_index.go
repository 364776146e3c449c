package core

import (
	"sort"

	"membranecore/pkg/domain"
)

// indexedRule is a loaded rule with the values the scheduler needs
// precomputed.
type indexedRule struct {
	domain.Rule
	order int
	// bulk is true when no promoter or inhibitor is consumed by the rule, so
	// the instance count can be computed in one division instead of a loop.
	bulk bool
}

// ruleBlock is the unit shuffled among equal-priority candidates: a single
// rule, or a probabilistic group sharing one lhs.
type ruleBlock struct {
	rules         []*indexedRule
	probabilistic bool
	lhsKey        string
}

// ruleLevel holds the blocks of one priority.
type ruleLevel struct {
	priority int
	blocks   []ruleBlock
}

// RuleIndex answers which rules a membrane may apply, by label.
type RuleIndex struct {
	byID    map[domain.RuleID]*indexedRule
	byLabel map[string][]ruleLevel
	ids     map[string][]domain.RuleID
}

// NewRuleIndex builds the index from normalized rules.
func NewRuleIndex(rules []domain.Rule) *RuleIndex {
	idx := &RuleIndex{
		byID:    make(map[domain.RuleID]*indexedRule, len(rules)),
		byLabel: map[string][]ruleLevel{},
		ids:     map[string][]domain.RuleID{},
	}
	grouped := map[string][]*indexedRule{}
	for i, r := range rules {
		ir := &indexedRule{Rule: r, order: i, bulk: true}
		for _, s := range append(append([]string{}, r.Promoters...), r.Inhibitors...) {
			if r.LHS.Has(s) {
				ir.bulk = false
			}
		}
		idx.byID[r.ID] = ir
		grouped[r.Membrane] = append(grouped[r.Membrane], ir)
	}
	for label, list := range grouped {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority > list[j].Priority
			}
			return list[i].order < list[j].order
		})
		ids := make([]domain.RuleID, len(list))
		for i, r := range list {
			ids[i] = r.ID
		}
		idx.ids[label] = ids
		idx.byLabel[label] = buildLevels(list)
	}
	return idx
}

func buildLevels(sorted []*indexedRule) []ruleLevel {
	var levels []ruleLevel
	for start := 0; start < len(sorted); {
		end := start
		for end < len(sorted) && sorted[end].Priority == sorted[start].Priority {
			end++
		}
		level := ruleLevel{priority: sorted[start].Priority}
		groups := map[string]int{}
		for _, r := range sorted[start:end] {
			if !r.IsProbabilistic() {
				level.blocks = append(level.blocks, ruleBlock{rules: []*indexedRule{r}, lhsKey: r.LHS.Key()})
				continue
			}
			key := r.LHS.Key()
			if at, ok := groups[key]; ok {
				level.blocks[at].rules = append(level.blocks[at].rules, r)
				continue
			}
			groups[key] = len(level.blocks)
			level.blocks = append(level.blocks, ruleBlock{rules: []*indexedRule{r}, probabilistic: true, lhsKey: key})
		}
		levels = append(levels, level)
		start = end
	}
	return levels
}

// Rule looks up a rule by id.
func (x *RuleIndex) Rule(id domain.RuleID) (domain.Rule, bool) {
	r, ok := x.byID[id]
	if !ok {
		return domain.Rule{}, false
	}
	return r.Rule, true
}

func (x *RuleIndex) indexed(id domain.RuleID) *indexedRule { return x.byID[id] }

// RuleIDs returns the ids carried by membranes of label, in priority order.
func (x *RuleIndex) RuleIDs(label string) []domain.RuleID {
	return append([]domain.RuleID(nil), x.ids[label]...)
}

// Levels returns the candidate rules for label grouped by descending priority.
func (x *RuleIndex) Levels(label string) []ruleLevel { return x.byLabel[label] }

// Len returns the number of indexed rules.
func (x *RuleIndex) Len() int { return len(x.byID) }
