package core

import (
	"fmt"

	"membranecore/pkg/domain"
)

// Executor performs the local commit phase. Consume subtracts the reserved
// left-hand sides of every membrane; Produce adds the same-membrane products
// once the exchanges against the reduced contents have been resolved.
type Executor struct {
	objects *ObjectStore
}

// Consume removes the lhs of every planned instance. A failure means the
// scheduler proposed a set that was not jointly applicable.
func (x *Executor) Consume(plans []membranePlan) error {
	for _, p := range plans {
		for _, a := range p.apps {
			if err := x.objects.RemoveAll(p.membrane, a.rule.LHS, a.count); err != nil {
				return fmt.Errorf("core: commit rule %s: %w", a.rule.ID, err)
			}
		}
	}
	return nil
}

// Produce adds the products that stay in their own membrane. Catalysts come
// back here, so they are held out of the region while imports are resolved.
func (x *Executor) Produce(plans []membranePlan) error {
	for _, p := range plans {
		for _, a := range p.apps {
			if err := x.objects.AddAll(p.membrane, localProducts(a.rule), a.count); err != nil {
				return fmt.Errorf("core: commit rule %s: %w", a.rule.ID, err)
			}
		}
	}
	return nil
}

// localProducts returns what one instance adds to its own membrane.
// Transport and timed rules add nothing here; their products are placed by
// the topology phase.
func localProducts(r *indexedRule) domain.Multiset {
	if r.Direction != domain.DirectionNone || r.DelaySteps() > 0 {
		return nil
	}
	return r.RHS
}
