package core

import (
	"fmt"

	"membranecore/pkg/domain"
)

// ObjectStore holds one multiset per live membrane plus the environment,
// which is addressed as domain.NoMembrane.
type ObjectStore struct {
	regions map[domain.MembraneID]domain.Multiset
}

// NewObjectStore returns a store holding only an empty environment.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{regions: map[domain.MembraneID]domain.Multiset{
		domain.NoMembrane: {},
	}}
}

func (s *ObjectStore) region(id domain.MembraneID) (domain.Multiset, error) {
	m, ok := s.regions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownMembrane, id)
	}
	return m, nil
}

// Ensure registers an empty region for id if it has none.
func (s *ObjectStore) Ensure(id domain.MembraneID) {
	if _, ok := s.regions[id]; !ok {
		s.regions[id] = domain.Multiset{}
	}
}

// Count returns the multiplicity of symbol in membrane id.
func (s *ObjectStore) Count(id domain.MembraneID, symbol string) int {
	return s.regions[id].Count(symbol)
}

// Add places n copies of symbol in membrane id.
func (s *ObjectStore) Add(id domain.MembraneID, symbol string, n int) error {
	m, err := s.region(id)
	if err != nil {
		return err
	}
	m.Add(symbol, n)
	return nil
}

// AddAll places copies of every object of ms in membrane id.
func (s *ObjectStore) AddAll(id domain.MembraneID, ms domain.Multiset, copies int) error {
	m, err := s.region(id)
	if err != nil {
		return err
	}
	m.AddAll(ms, copies)
	return nil
}

// Remove takes n copies of symbol out of membrane id. It fails with
// domain.ErrInsufficientObjects when fewer are present.
func (s *ObjectStore) Remove(id domain.MembraneID, symbol string, n int) error {
	m, err := s.region(id)
	if err != nil {
		return err
	}
	if err := m.Remove(symbol, n); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return nil
}

// RemoveAll takes ms times copies out of membrane id atomically.
func (s *ObjectStore) RemoveAll(id domain.MembraneID, ms domain.Multiset, copies int) error {
	m, err := s.region(id)
	if err != nil {
		return err
	}
	if err := m.RemoveAll(ms, copies); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return nil
}

// Times returns how many copies of ms membrane id can supply.
func (s *ObjectStore) Times(id domain.MembraneID, ms domain.Multiset) int {
	return s.regions[id].Times(ms)
}

// Snapshot returns a private copy of membrane id's multiset.
func (s *ObjectStore) Snapshot(id domain.MembraneID) domain.Multiset {
	return s.regions[id].Clone()
}

// Set replaces the contents of membrane id.
func (s *ObjectStore) Set(id domain.MembraneID, ms domain.Multiset) {
	s.regions[id] = ms.Clone()
}

// Merge moves every object of src into dst and forgets src.
func (s *ObjectStore) Merge(dst, src domain.MembraneID) error {
	from, err := s.region(src)
	if err != nil {
		return err
	}
	to, err := s.region(dst)
	if err != nil {
		return err
	}
	to.AddAll(from, 1)
	delete(s.regions, src)
	return nil
}

// Drop forgets the region of membrane id.
func (s *ObjectStore) Drop(id domain.MembraneID) {
	if id == domain.NoMembrane {
		return
	}
	delete(s.regions, id)
}

// Environment returns a copy of the environment multiset.
func (s *ObjectStore) Environment() domain.Multiset {
	return s.Snapshot(domain.NoMembrane)
}
