package core

import (
	"errors"
	"testing"

	"membranecore/pkg/domain"
)

func TestObjectStore_CountAddRemove(t *testing.T) {
	s := NewObjectStore()
	s.Ensure(0)
	if err := s.Add(0, "a", 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddAll(0, domain.MustParseMultiset("a b^2"), 2); err != nil {
		t.Fatalf("add all: %v", err)
	}
	if s.Count(0, "a") != 4 || s.Count(0, "b") != 4 {
		t.Fatalf("contents = %v", s.Snapshot(0))
	}
	if err := s.Remove(0, "a", 5); !errors.Is(err, domain.ErrInsufficientObjects) {
		t.Fatalf("expected ErrInsufficientObjects, got %v", err)
	}
	if err := s.RemoveAll(0, domain.MustParseMultiset("a b^3"), 2); !errors.Is(err, domain.ErrInsufficientObjects) {
		t.Fatalf("expected atomic failure, got %v", err)
	}
	if s.Count(0, "b") != 4 {
		t.Fatal("failed RemoveAll must not change the region")
	}
	if err := s.Remove(0, "a", 4); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Times(0, domain.MustParseMultiset("b^2")) != 2 {
		t.Fatalf("times = %d", s.Times(0, domain.MustParseMultiset("b^2")))
	}

	snap := s.Snapshot(0)
	snap.Add("z", 1)
	if s.Count(0, "z") != 0 {
		t.Fatal("snapshot must be a private copy")
	}
	if err := s.Add(7, "a", 1); !errors.Is(err, domain.ErrUnknownMembrane) {
		t.Fatalf("expected ErrUnknownMembrane, got %v", err)
	}
	if err := s.Add(domain.NoMembrane, "e", 1); err != nil || s.Environment().Count("e") != 1 {
		t.Fatalf("environment add: %v", err)
	}
}

func TestObjectStore_Merge(t *testing.T) {
	s := NewObjectStore()
	s.Set(1, domain.MustParseMultiset("a"))
	s.Set(2, domain.MustParseMultiset("a b"))
	if err := s.Merge(1, 2); err != nil {
		t.Fatalf("merge: %v", err)
	}
	expectObjects(t, s.Snapshot(1), "a^2 b")
	if err := s.Merge(1, 2); !errors.Is(err, domain.ErrUnknownMembrane) {
		t.Fatalf("merged region should be gone, got %v", err)
	}
	s.Drop(domain.NoMembrane)
	if _, err := s.region(domain.NoMembrane); err != nil {
		t.Fatal("the environment cannot be dropped")
	}
}

func newTree(t *testing.T) (*MembraneStore, *ObjectStore, domain.MembraneID, domain.MembraneID, domain.MembraneID) {
	t.Helper()
	objects := NewObjectStore()
	s := NewMembraneStore(objects)
	root, err := s.Create(domain.NoMembrane, "skin")
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	mid, err := s.Create(root, "mid")
	if err != nil {
		t.Fatalf("create mid: %v", err)
	}
	leaf, err := s.Create(mid, "leaf")
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}
	return s, objects, root, mid, leaf
}

func TestMembraneStore_CreateAndQuery(t *testing.T) {
	s, _, root, mid, leaf := newTree(t)
	if root != 0 || mid != 1 || leaf != 2 {
		t.Fatalf("ids = %d %d %d", root, mid, leaf)
	}
	if _, err := s.Create(domain.NoMembrane, "again"); err == nil {
		t.Fatal("second root must be rejected")
	}
	if _, err := s.Create(42, "orphan"); !errors.Is(err, domain.ErrUnknownMembrane) {
		t.Fatalf("expected ErrUnknownMembrane, got %v", err)
	}
	if s.Depth(leaf) != 2 || s.MaxDepth() != 2 || s.Parent(mid) != root || s.Parent(root) != domain.NoMembrane {
		t.Fatal("unexpected tree shape")
	}
	if s.Label(leaf) != "leaf" || s.Len() != 3 {
		t.Fatalf("label %q len %d", s.Label(leaf), s.Len())
	}
	st, ok := s.State(root)
	if !ok || !st.IsRoot() || len(st.Children) != 1 || st.Charge != domain.ChargeNeutral {
		t.Fatalf("root state = %+v", st)
	}
}

func TestMembraneStore_Dissolve(t *testing.T) {
	s, objects, root, mid, leaf := newTree(t)
	objects.Set(mid, domain.MustParseMultiset("a^2"))
	objects.Set(root, domain.MustParseMultiset("a"))
	if err := s.Dissolve(mid); err != nil {
		t.Fatalf("dissolve: %v", err)
	}
	expectObjects(t, objects.Snapshot(root), "a^3")
	if s.Parent(leaf) != root || s.Exists(mid) {
		t.Fatal("children must be re-parented to the dissolved membrane's parent")
	}
	if got := s.Children(root); len(got) != 1 || got[0] != leaf {
		t.Fatalf("root children = %v", got)
	}
	if err := s.Dissolve(root); !errors.Is(err, domain.ErrCannotDissolveRoot) {
		t.Fatalf("expected ErrCannotDissolveRoot, got %v", err)
	}
	if err := s.Dissolve(mid); !errors.Is(err, domain.ErrUnknownMembrane) {
		t.Fatalf("expected ErrUnknownMembrane, got %v", err)
	}
}

func TestMembraneStore_Divide(t *testing.T) {
	s, objects, root, mid, leaf := newTree(t)
	_ = s.SetCharge(leaf, domain.ChargePositive)
	_ = s.AttachRules(leaf, []domain.RuleID{"r1"})
	objects.Set(leaf, domain.MustParseMultiset("a^3 b"))

	if _, _, err := s.Divide(root, nil); err == nil {
		t.Fatal("root must not divide")
	}
	if _, _, err := s.Divide(mid, nil); !errors.Is(err, errNotElementary) {
		t.Fatalf("expected errNotElementary, got %v", err)
	}
	a, b, err := s.Divide(leaf, domain.DivisionSpec{Policy: domain.PartitionSplit}.Partition)
	if err != nil {
		t.Fatalf("divide: %v", err)
	}
	if a != 3 || b != 4 || s.Exists(leaf) {
		t.Fatalf("children %d %d, leaf live %v", a, b, s.Exists(leaf))
	}
	expectObjects(t, objects.Snapshot(a), "a^2 b")
	expectObjects(t, objects.Snapshot(b), "a")
	if got := s.Children(mid); len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("mid children = %v", got)
	}
	st, _ := s.State(b)
	if st.Label != "leaf" || st.Charge != domain.ChargePositive || len(st.Rules) != 1 {
		t.Fatalf("child state = %+v", st)
	}
}

func TestMembraneStore_Restore(t *testing.T) {
	s, objects, root, _, leaf := newTree(t)
	var states []domain.MembraneState
	for _, id := range s.Live() {
		st, _ := s.State(id)
		states = append(states, st)
	}
	if _, _, err := s.Divide(leaf, nil); err != nil {
		t.Fatalf("divide: %v", err)
	}
	if err := s.Restore(states, domain.MustParseMultiset("env")); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if s.Len() != 3 || !s.Exists(leaf) || s.Root() != root {
		t.Fatalf("restored %v", s.Live())
	}
	if objects.Environment().Count("env") != 1 {
		t.Fatal("environment not restored")
	}
	if id, _ := s.Create(leaf, "fresh"); id != 5 {
		t.Fatalf("ids must never be reused, got %d", id)
	}

	if err := s.Restore(nil, nil); err == nil {
		t.Fatal("restore without a root must fail")
	}
	dup := append(states[:1:1], states[0])
	if err := s.Restore(dup, nil); err == nil {
		t.Fatal("duplicate ids must fail")
	}
}
