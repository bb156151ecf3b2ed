package pid

import (
	"math/rand"
	"testing"
)

func TestAllocateSequential(t *testing.T) {
	a := New()
	first := a.Allocate()
	if first != Max {
		t.Fatalf("first allocation = %d, want %d (highest interval end)", first, Max)
	}
	second := a.Allocate()
	if second != Max-1 {
		t.Fatalf("second allocation = %d, want %d", second, Max-1)
	}
}

func TestExhaustion(t *testing.T) {
	a := New()
	for i := 0; i < Max; i++ {
		if id := a.Allocate(); id == 0 {
			t.Fatalf("unexpected exhaustion after %d allocations", i)
		}
	}
	if id := a.Allocate(); id != 0 {
		t.Fatalf("Allocate() after exhaustion = %d, want 0", id)
	}
	if a.InUse() != Max {
		t.Fatalf("InUse() = %d, want %d", a.InUse(), Max)
	}
}

func TestFreeRestoresOneSlot(t *testing.T) {
	a := New()
	ids := make([]uint16, 0, Max)
	for i := 0; i < Max; i++ {
		ids = append(ids, a.Allocate())
	}
	a.Free(ids[0])
	if a.InUse() != Max-1 {
		t.Fatalf("InUse() after one free = %d, want %d", a.InUse(), Max-1)
	}
	if id := a.Allocate(); id != ids[0] {
		t.Fatalf("Allocate() after free = %d, want %d", id, ids[0])
	}
}

func TestFreeIsIdempotentForUnallocated(t *testing.T) {
	a := New()
	a.Free(5) // never allocated
	a.Free(0)
	if a.InUse() != 0 {
		t.Fatalf("InUse() = %d, want 0", a.InUse())
	}
}

// TestRandomSequencePreservesIdentity exercises the invariant that the set
// of free ids always equals [1, Max] minus the set of allocated ids.
func TestRandomSequencePreservesIdentity(t *testing.T) {
	a := New()
	r := rand.New(rand.NewSource(1))
	held := make(map[uint16]struct{})

	for i := 0; i < 200000; i++ {
		if len(held) == 0 || r.Intn(2) == 0 {
			id := a.Allocate()
			if id == 0 {
				continue
			}
			if _, dup := held[id]; dup {
				t.Fatalf("allocate returned an id already held: %d", id)
			}
			held[id] = struct{}{}
		} else {
			var victim uint16
			for k := range held {
				victim = k
				break
			}
			delete(held, victim)
			a.Free(victim)
		}
	}

	if a.InUse() != len(held) {
		t.Fatalf("InUse() = %d, want %d", a.InUse(), len(held))
	}
}
