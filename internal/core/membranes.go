package core

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"membranecore/pkg/domain"
)

// errNotElementary is returned when division targets a membrane with children.
var errNotElementary = errors.New("membrane is not elementary")

type membraneRecord struct {
	id           domain.MembraneID
	label        string
	parent       domain.MembraneID
	children     []domain.MembraneID
	charge       domain.Charge
	permeability domain.Permeability
	rules        []domain.RuleID
}

// MembraneStore is the arena of live membrane records. Parent and child links
// are ids; ids are allocated monotonically and never reused.
type MembraneStore struct {
	records map[domain.MembraneID]*membraneRecord
	root    domain.MembraneID
	nextID  domain.MembraneID
	objects *ObjectStore
}

// NewMembraneStore returns an empty arena whose contents live in objects.
func NewMembraneStore(objects *ObjectStore) *MembraneStore {
	return &MembraneStore{
		records: map[domain.MembraneID]*membraneRecord{},
		root:    domain.NoMembrane,
		objects: objects,
	}
}

// Create allocates a membrane under parent. Passing domain.NoMembrane creates
// the root, which is allowed only once.
func (s *MembraneStore) Create(parent domain.MembraneID, label string) (domain.MembraneID, error) {
	if parent == domain.NoMembrane {
		if s.root != domain.NoMembrane {
			return domain.NoMembrane, fmt.Errorf("core: root membrane already exists")
		}
	} else if _, ok := s.records[parent]; !ok {
		return domain.NoMembrane, fmt.Errorf("%w: %s", domain.ErrUnknownMembrane, parent)
	}
	id := s.allocate()
	s.records[id] = &membraneRecord{
		id:           id,
		label:        label,
		parent:       parent,
		charge:       domain.ChargeNeutral,
		permeability: domain.PermeableBoth,
	}
	if parent == domain.NoMembrane {
		s.root = id
	} else {
		p := s.records[parent]
		p.children = append(p.children, id)
	}
	s.objects.Ensure(id)
	return id, nil
}

func (s *MembraneStore) allocate() domain.MembraneID {
	id := s.nextID
	s.nextID++
	return id
}

// Dissolve removes membrane id. Its objects are merged into the parent by
// plain multiset union and its children are re-parented in its place.
func (s *MembraneStore) Dissolve(id domain.MembraneID) error {
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownMembrane, id)
	}
	if id == s.root {
		return domain.ErrCannotDissolveRoot
	}
	parent := s.records[rec.parent]
	if err := s.objects.Merge(parent.id, id); err != nil {
		return err
	}
	for _, c := range rec.children {
		s.records[c].parent = parent.id
	}
	idx := slices.Index(parent.children, id)
	parent.children = slices.Replace(parent.children, idx, idx+1, rec.children...)
	delete(s.records, id)
	return nil
}

// Divide replaces the elementary, non-root membrane id by two siblings that
// inherit its label, charge, permeability and rules. partition decides how
// the current contents are shared; nil copies them to both.
func (s *MembraneStore) Divide(id domain.MembraneID, partition func(domain.Multiset) (domain.Multiset, domain.Multiset)) (domain.MembraneID, domain.MembraneID, error) {
	rec, ok := s.records[id]
	if !ok {
		return domain.NoMembrane, domain.NoMembrane, fmt.Errorf("%w: %s", domain.ErrUnknownMembrane, id)
	}
	if id == s.root {
		return domain.NoMembrane, domain.NoMembrane, fmt.Errorf("core: cannot divide root membrane %s", id)
	}
	if len(rec.children) > 0 {
		return domain.NoMembrane, domain.NoMembrane, fmt.Errorf("core: divide %s: %w", id, errNotElementary)
	}
	if partition == nil {
		partition = domain.DivisionSpec{}.Partition
	}
	first, second := partition(s.objects.Snapshot(id))
	a, b := s.allocate(), s.allocate()
	for _, pair := range []struct {
		id       domain.MembraneID
		contents domain.Multiset
	}{{a, first}, {b, second}} {
		s.records[pair.id] = &membraneRecord{
			id:           pair.id,
			label:        rec.label,
			parent:       rec.parent,
			charge:       rec.charge,
			permeability: rec.permeability,
			rules:        slices.Clone(rec.rules),
		}
		s.objects.Set(pair.id, pair.contents)
	}
	parent := s.records[rec.parent]
	idx := slices.Index(parent.children, id)
	parent.children = slices.Replace(parent.children, idx, idx+1, a, b)
	s.objects.Drop(id)
	delete(s.records, id)
	return a, b, nil
}

// Restore replaces the arena and its contents with the membranes of a
// configuration. The id counter never moves backwards.
func (s *MembraneStore) Restore(states []domain.MembraneState, environment domain.Multiset) error {
	records := make(map[domain.MembraneID]*membraneRecord, len(states))
	root := domain.NoMembrane
	next := s.nextID
	for _, st := range states {
		if _, dup := records[st.ID]; dup {
			return fmt.Errorf("core: restore: duplicate membrane %s", st.ID)
		}
		records[st.ID] = &membraneRecord{
			id:           st.ID,
			label:        st.Label,
			parent:       st.ParentID(),
			children:     slices.Clone(st.Children),
			charge:       st.Charge.Normalize(),
			permeability: st.Permeability.Normalize(),
			rules:        slices.Clone(st.Rules),
		}
		if st.IsRoot() {
			if root != domain.NoMembrane {
				return fmt.Errorf("core: restore: multiple roots")
			}
			root = st.ID
		}
		next = max(next, st.ID+1)
	}
	if root == domain.NoMembrane {
		return fmt.Errorf("core: restore: no root membrane")
	}
	for _, rec := range records {
		if rec.parent == domain.NoMembrane {
			continue
		}
		if _, ok := records[rec.parent]; !ok {
			return fmt.Errorf("core: restore: %s has unknown parent %s", rec.id, rec.parent)
		}
	}
	s.records, s.root, s.nextID = records, root, next
	s.objects.regions = map[domain.MembraneID]domain.Multiset{domain.NoMembrane: environment.Clone()}
	for _, st := range states {
		s.objects.Set(st.ID, st.Objects)
	}
	return nil
}

// Root returns the root id.
func (s *MembraneStore) Root() domain.MembraneID { return s.root }

// Len returns the number of live membranes.
func (s *MembraneStore) Len() int { return len(s.records) }

// Live returns live ids in ascending order.
func (s *MembraneStore) Live() []domain.MembraneID {
	out := make([]domain.MembraneID, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Exists reports whether id is live.
func (s *MembraneStore) Exists(id domain.MembraneID) bool {
	_, ok := s.records[id]
	return ok
}

// Parent returns the parent of id, domain.NoMembrane for the root.
func (s *MembraneStore) Parent(id domain.MembraneID) domain.MembraneID {
	if rec, ok := s.records[id]; ok {
		return rec.parent
	}
	return domain.NoMembrane
}

// Children returns a copy of id's ordered children.
func (s *MembraneStore) Children(id domain.MembraneID) []domain.MembraneID {
	if rec, ok := s.records[id]; ok {
		return slices.Clone(rec.children)
	}
	return nil
}

// Label returns the label of id.
func (s *MembraneStore) Label(id domain.MembraneID) string {
	if rec, ok := s.records[id]; ok {
		return rec.label
	}
	return ""
}

// Depth returns the number of edges between id and the root.
func (s *MembraneStore) Depth(id domain.MembraneID) int {
	depth := 0
	for rec, ok := s.records[id]; ok && rec.parent != domain.NoMembrane; rec, ok = s.records[rec.parent] {
		depth++
	}
	return depth
}

// MaxDepth returns the depth of the deepest live membrane.
func (s *MembraneStore) MaxDepth() int {
	best := 0
	for id := range s.records {
		best = max(best, s.Depth(id))
	}
	return best
}

// Charge returns the charge of id.
func (s *MembraneStore) Charge(id domain.MembraneID) domain.Charge {
	if rec, ok := s.records[id]; ok {
		return rec.charge
	}
	return domain.ChargeNeutral
}

// SetCharge updates the charge of id.
func (s *MembraneStore) SetCharge(id domain.MembraneID, c domain.Charge) error {
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownMembrane, id)
	}
	if !c.Valid() {
		return fmt.Errorf("%w: invalid charge %q", domain.ErrConfiguration, c)
	}
	rec.charge = c.Normalize()
	return nil
}

// SetPermeability updates the permeability of id.
func (s *MembraneStore) SetPermeability(id domain.MembraneID, p domain.Permeability) error {
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownMembrane, id)
	}
	rec.permeability = p.Normalize()
	return nil
}

// AttachRules sets the ordered rule ids carried by id.
func (s *MembraneStore) AttachRules(id domain.MembraneID, rules []domain.RuleID) error {
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownMembrane, id)
	}
	rec.rules = slices.Clone(rules)
	return nil
}

// State renders membrane id for a Configuration.
func (s *MembraneStore) State(id domain.MembraneID) (domain.MembraneState, bool) {
	rec, ok := s.records[id]
	if !ok {
		return domain.MembraneState{}, false
	}
	st := domain.MembraneState{
		ID:           rec.id,
		Label:        rec.label,
		Children:     slices.Clone(rec.children),
		Charge:       rec.charge,
		Permeability: rec.permeability,
		Objects:      s.objects.Snapshot(rec.id),
		Rules:        slices.Clone(rec.rules),
	}
	if rec.parent != domain.NoMembrane {
		p := rec.parent
		st.Parent = &p
	}
	if st.Children == nil {
		st.Children = []domain.MembraneID{}
	}
	if st.Rules == nil {
		st.Rules = []domain.RuleID{}
	}
	return st, true
}
