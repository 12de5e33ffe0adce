package ringbuf

import (
	"sync"
	"testing"
	"time"

	"crypto-trading-core/internal/model"
)

func TestRing_BasicPushPop(t *testing.T) {
	r := New(4)

	c1 := model.Candle{Symbol: "BTC/USD", TS: 1, Open: 100}
	c2 := model.Candle{Symbol: "BTC/USD", TS: 2, Open: 200}

	if !r.Push(c1) {
		t.Fatal("push c1 should succeed")
	}
	if !r.Push(c2) {
		t.Fatal("push c2 should succeed")
	}

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}

	got, ok := r.Pop()
	if !ok || got.TS != 1 {
		t.Fatalf("expected ts=1, got %v ok=%v", got.TS, ok)
	}

	got, ok = r.Pop()
	if !ok || got.TS != 2 {
		t.Fatalf("expected ts=2, got %v ok=%v", got.TS, ok)
	}

	_, ok = r.Pop()
	if ok {
		t.Fatal("pop from empty should return false")
	}
}

func TestRing_Overflow(t *testing.T) {
	r := New(2)

	r.Push(model.Candle{TS: 1})
	r.Push(model.Candle{TS: 2})

	ok := r.Push(model.Candle{TS: 3})
	if ok {
		t.Fatal("push to full buffer should return false")
	}
	if r.Overflow() != 1 {
		t.Fatalf("expected overflow=1, got %d", r.Overflow())
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New(4)

	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			if !r.Push(model.Candle{TS: int64(round*10 + i)}) {
				t.Fatalf("round %d push %d failed", round, i)
			}
		}
		for i := 0; i < 4; i++ {
			c, ok := r.Pop()
			if !ok {
				t.Fatalf("round %d pop %d failed", round, i)
			}
			if c.TS != int64(round*10+i) {
				t.Fatalf("round %d pop %d: expected ts=%d, got %d", round, i, round*10+i, c.TS)
			}
		}
	}
}

func TestRing_DrainPreservesOrder(t *testing.T) {
	r := New(8)
	for i := 1; i <= 5; i++ {
		r.Push(model.Candle{TS: int64(i)})
	}

	var seen []int64
	n := r.Drain(func(c model.Candle) { seen = append(seen, c.TS) })

	if n != 5 || r.Len() != 0 {
		t.Fatalf("drained %d, len=%d", n, r.Len())
	}
	for i, ts := range seen {
		if ts != int64(i+1) {
			t.Fatalf("at %d: ts=%d", i, ts)
		}
	}
}

func TestRing_SPSC_Concurrent(t *testing.T) {
	const count = 100_000
	r := New(1024)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < count; i++ {
			for !r.Push(model.Candle{TS: int64(i)}) {
				// spin-wait (busy loop for test only)
			}
		}
	}()

	received := make([]int64, 0, count)
	go func() {
		defer wg.Done()
		for len(received) < count {
			c, ok := r.Pop()
			if ok {
				received = append(received, c.TS)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("SPSC test timed out")
	}

	for i, v := range received {
		if v != int64(i) {
			t.Fatalf("at index %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestRing_NextPow2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {7, 8}, {8, 8}, {9, 16}, {1023, 1024},
	}
	for _, tc := range cases {
		got := nextPow2(tc.in)
		if got != tc.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
