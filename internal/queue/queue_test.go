package queue

import (
	"sync"
	"testing"
)

func TestPushPopOrder(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 5; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := q.TryPop()
		if !ok {
			t.Fatalf("pop %d: queue unexpectedly empty", i)
		}
		if v != i {
			t.Fatalf("single-producer FIFO violated: got %d, want %d", v, i)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestPushFullReturnsErrFull(t *testing.T) {
	q := New[int](4)
	for i := 0; i < 4; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := q.Push(99); err != ErrFull {
		t.Fatalf("expected ErrFull on a full bounded queue, got %v", err)
	}
	// Draining one slot makes room again.
	if _, ok := q.TryPop(); !ok {
		t.Fatal("pop on full queue failed")
	}
	if err := q.Push(99); err != nil {
		t.Fatalf("push after drain: %v", err)
	}
}

func TestCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	q := New[int](5)
	for i := 0; i < 8; i++ {
		if err := q.Push(i); err != nil {
			t.Fatalf("push %d into capacity-5 (rounded to 8) queue: %v", i, err)
		}
	}
	if err := q.Push(8); err != ErrFull {
		t.Fatalf("expected ErrFull at slot 9, got %v", err)
	}
}

// Concurrent producers and consumers must hand every value across exactly
// once — no loss, no duplication — under real contention. Per-producer
// FIFO is covered by TestPushPopOrder; with multiple consumers the
// collection order here says nothing about queue order.
func TestConcurrentProducersConsumers(t *testing.T) {
	const (
		producers    = 4
		perProducer  = 1000
		consumers    = 4
	)
	q := New[[2]int](64)

	var wgProd sync.WaitGroup
	for p := 0; p < producers; p++ {
		wgProd.Add(1)
		go func(p int) {
			defer wgProd.Done()
			for i := 0; i < perProducer; i++ {
				for q.Push([2]int{p, i}) == ErrFull {
				}
			}
		}(p)
	}

	var mu sync.Mutex
	got := make(map[int][]int)
	var wgCons sync.WaitGroup
	done := make(chan struct{})
	for c := 0; c < consumers; c++ {
		wgCons.Add(1)
		go func() {
			defer wgCons.Done()
			for {
				v, ok := q.TryPop()
				if !ok {
					select {
					case <-done:
						if v, ok := q.TryPop(); ok {
							mu.Lock()
							got[v[0]] = append(got[v[0]], v[1])
							mu.Unlock()
							continue
						}
						return
					default:
						continue
					}
				}
				mu.Lock()
				got[v[0]] = append(got[v[0]], v[1])
				mu.Unlock()
			}
		}()
	}

	wgProd.Wait()
	close(done)
	wgCons.Wait()

	total := 0
	for p := 0; p < producers; p++ {
		seq := got[p]
		total += len(seq)
		seen := make(map[int]bool, len(seq))
		for _, v := range seq {
			if seen[v] {
				t.Fatalf("producer %d value %d delivered twice", p, v)
			}
			seen[v] = true
		}
	}
	if total != producers*perProducer {
		t.Fatalf("delivered %d values, want %d", total, producers*perProducer)
	}
}
