package arena

import "testing"

func TestAllocAndReset(t *testing.T) {
	a := NewArena[int](4)

	p1 := a.Alloc()
	*p1 = 42
	p2 := a.Alloc()
	*p2 = 7

	if a.Len() != 2 {
		t.Fatalf("len = %d, want 2", a.Len())
	}
	if *p1 != 42 || *p2 != 7 {
		t.Fatalf("values = %d, %d", *p1, *p2)
	}

	a.Reset()
	if a.Len() != 0 {
		t.Fatalf("len after reset = %d, want 0", a.Len())
	}
	// The next generation hands back zeroed slots.
	if v := a.Alloc(); *v != 0 {
		t.Fatalf("slot not zeroed across generations: %d", *v)
	}
}

func TestAllocGrowsWithinGeneration(t *testing.T) {
	a := NewArena[int](2)
	ptrs := make([]*int, 0, 10)
	for i := 0; i < 10; i++ {
		p := a.Alloc()
		*p = i
		ptrs = append(ptrs, p)
	}
	if a.Len() != 10 {
		t.Fatalf("len = %d, want 10", a.Len())
	}
	// The latest slot, handed out after the arena grew, holds its write.
	last := ptrs[len(ptrs)-1]
	if *last != 9 {
		t.Fatalf("latest slot = %d, want 9", *last)
	}
}

func TestAllocSlice(t *testing.T) {
	a := NewArena[int](8)

	s := a.AllocSlice(3)
	if len(s) != 3 {
		t.Fatalf("slice len = %d, want 3", len(s))
	}
	s[0], s[1], s[2] = 1, 2, 3

	s2 := a.AllocSlice(2)
	s2[0] = 99
	if s[0] != 1 || s[2] != 3 {
		t.Fatal("second slice overlapped the first within one generation")
	}

	// Appending past a full-capacity slice must not bleed into the next
	// allocation's cells.
	s3 := a.AllocSlice(1)
	_ = append(s2, 1000)
	if s3[0] != 0 {
		t.Fatalf("append through a capped slice clobbered the arena: %d", s3[0])
	}

	if a.Len() != 6 {
		t.Fatalf("len = %d, want 6", a.Len())
	}
}

func TestPoolReusesValues(t *testing.T) {
	allocs := 0
	p := NewPool(func() *[]byte {
		allocs++
		b := make([]byte, 0, 64)
		return &b
	})

	v := p.Get()
	p.Put(v)
	_ = p.Get()

	if allocs < 1 {
		t.Fatal("pool never allocated")
	}
}
