package transport

import "testing"

func TestSlotArrayRejectsOnOverflow(t *testing.T) {
	s := newSlotArray[int, string](2)
	if !s.Put(1, "a") || !s.Put(2, "b") {
		t.Fatal("expected first two puts to succeed")
	}
	if s.Put(3, "c") {
		t.Fatal("expected third put to be rejected (pool exhausted)")
	}
	if s.Len() != 2 {
		t.Fatalf("expected len 2, got %d", s.Len())
	}
}

func TestSlotArrayOverwriteExisting(t *testing.T) {
	s := newSlotArray[int, string](2)
	s.Put(1, "a")
	if !s.Put(1, "a2") {
		t.Fatal("expected overwrite of existing key to succeed even when at capacity")
	}
	v, ok := s.Get(1)
	if !ok || v != "a2" {
		t.Fatalf("expected updated value, got %q ok=%v", v, ok)
	}
}

func TestSlotArrayDeleteFreesSlot(t *testing.T) {
	s := newSlotArray[int, string](1)
	s.Put(1, "a")
	s.Delete(1)
	if !s.Put(2, "b") {
		t.Fatal("expected freed slot to be reusable")
	}
}

func TestHashRingDedupAndEviction(t *testing.T) {
	r := newHashRing[int](64)
	for i := 0; i < 65; i++ {
		if !r.Insert(i) {
			t.Fatalf("expected insert of new key %d to succeed", i)
		}
	}
	if r.Contains(0) {
		t.Fatal("expected the 1st hash to be evicted after 65 inserts into a 64-entry ring")
	}
	if !r.Contains(64) {
		t.Fatal("expected the 65th hash to remain")
	}
	if r.Insert(64) {
		t.Fatal("expected re-inserting a present key to report duplicate")
	}
}
