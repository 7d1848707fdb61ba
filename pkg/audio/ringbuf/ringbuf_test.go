package ringbuf

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
)

func newSplit(t *testing.T, capacity int) (*Queue, *Producer, *Consumer) {
	t.Helper()
	q, err := New(capacity)
	if err != nil {
		t.Fatalf("New(%d): %v", capacity, err)
	}
	p, c := q.Split()
	return q, p, c
}

func TestNew_RejectsNonPositiveCapacity(t *testing.T) {
	t.Parallel()
	for _, c := range []int{0, -1, -1024} {
		if _, err := New(c); !errors.Is(err, ErrInvalidCapacity) {
			t.Errorf("New(%d) error = %v, want ErrInvalidCapacity", c, err)
		}
	}
}

func TestSplit_SecondCallPanics(t *testing.T) {
	t.Parallel()
	q, _, _ := newSplit(t, 4)
	defer func() {
		if recover() == nil {
			t.Fatal("second Split did not panic")
		}
	}()
	q.Split()
}

func TestFIFO_AnySequenceUpToCapacity(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))

	for _, capacity := range []int{1, 2, 3, 7, 64, 1000} {
		for trial := 0; trial < 20; trial++ {
			q, p, c := newSplit(t, capacity)

			// Rotate the cursors so the sequence wraps around the buffer end.
			offset := rng.IntN(capacity)
			p.Fill(0, offset)
			for range offset {
				c.Pop()
			}

			n := rng.IntN(capacity + 1)
			want := make([]float32, n)
			for i := range want {
				want[i] = rng.Float32()*2 - 1
				if !p.Push(want[i]) {
					t.Fatalf("cap=%d: push %d of %d rejected", capacity, i, n)
				}
			}
			if q.Len() != n {
				t.Fatalf("cap=%d: Len = %d, want %d", capacity, q.Len(), n)
			}

			for i := 0; i < capacity; i++ {
				s, ok := c.Pop()
				if i < n {
					if !ok || s != want[i] {
						t.Fatalf("cap=%d: pop %d = (%v,%v), want (%v,true)", capacity, i, s, ok, want[i])
					}
				} else if ok {
					t.Fatalf("cap=%d: pop %d returned a sample past the pushed sequence", capacity, i)
				}
			}
		}
	}
}

func TestPush_FullQueueRejectsWithoutOverwrite(t *testing.T) {
	t.Parallel()
	q, p, c := newSplit(t, 3)

	for _, s := range []float32{0.1, 0.2, 0.3} {
		if !p.Push(s) {
			t.Fatalf("push %v rejected before full", s)
		}
	}
	if p.Push(0.9) {
		t.Fatal("push into full queue accepted")
	}
	if got := q.Len(); got != 3 {
		t.Errorf("Len after rejected push = %d, want 3", got)
	}
	if got := q.Free(); got != 0 {
		t.Errorf("Free after rejected push = %d, want 0", got)
	}

	for _, want := range []float32{0.1, 0.2, 0.3} {
		if got, _ := c.Pop(); got != want {
			t.Errorf("Pop = %v, want %v", got, want)
		}
	}
}

func TestPop_EmptyQueue(t *testing.T) {
	t.Parallel()
	q, p, c := newSplit(t, 4)

	s, ok := c.Pop()
	if ok || s != 0 {
		t.Errorf("Pop on empty = (%v,%v), want (0,false)", s, ok)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}

	p.Push(0.5)
	c.Pop()
	if _, ok := c.Pop(); ok {
		t.Error("Pop after draining returned a sample")
	}
	if q.Len() != 0 {
		t.Errorf("Len after drain = %d, want 0", q.Len())
	}
}

func TestPushSlice_PartialWhenNearlyFull(t *testing.T) {
	t.Parallel()
	q, p, c := newSplit(t, 5)

	if n := p.PushSlice([]float32{1, 2, 3}); n != 3 {
		t.Fatalf("first PushSlice = %d, want 3", n)
	}
	if n := p.PushSlice([]float32{4, 5, 6, 7}); n != 2 {
		t.Fatalf("second PushSlice = %d, want 2", n)
	}
	if q.Len() != 5 {
		t.Fatalf("Len = %d, want 5", q.Len())
	}

	dst := make([]float32, 8)
	if n := c.PopSlice(dst); n != 5 {
		t.Fatalf("PopSlice = %d, want 5", n)
	}
	want := []float32{1, 2, 3, 4, 5, 0, 0, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestSliceOps_WrapAround(t *testing.T) {
	t.Parallel()
	_, p, c := newSplit(t, 4)

	p.PushSlice([]float32{1, 2, 3})
	c.PopSlice(make([]float32, 2))
	// write cursor at slot 3, read cursor at slot 2: the next push wraps.
	if n := p.PushSlice([]float32{4, 5, 6}); n != 3 {
		t.Fatalf("PushSlice = %d, want 3", n)
	}
	dst := make([]float32, 4)
	if n := c.PopSlice(dst); n != 4 {
		t.Fatalf("PopSlice = %d, want 4", n)
	}
	for i, want := range []float32{3, 4, 5, 6} {
		if dst[i] != want {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want)
		}
	}
}

func TestFill(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		capacity int
		n        int
		want     int
	}{
		{name: "exact", capacity: 8, n: 8, want: 8},
		{name: "partial", capacity: 8, n: 3, want: 3},
		{name: "overfill", capacity: 8, n: 20, want: 8},
		{name: "zero", capacity: 8, n: 0, want: 0},
		{name: "negative", capacity: 8, n: -4, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q, p, c := newSplit(t, tt.capacity)
			if got := p.Fill(0, tt.n); got != tt.want {
				t.Errorf("Fill = %d, want %d", got, tt.want)
			}
			if q.Len() != tt.want {
				t.Errorf("Len = %d, want %d", q.Len(), tt.want)
			}
			for range tt.want {
				if s, ok := c.Pop(); !ok || s != 0 {
					t.Fatalf("Pop = (%v,%v), want (0,true)", s, ok)
				}
			}
		})
	}
}

func TestConcurrent_ProducerConsumerPreserveOrder(t *testing.T) {
	t.Parallel()
	const total = 200_000
	_, p, c := newSplit(t, 257)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if p.Push(float32(i)) {
				i++
			}
		}
	}()

	var bad int
	go func() {
		defer wg.Done()
		next := 0
		buf := make([]float32, 32)
		for next < total {
			n := c.PopSlice(buf)
			for _, s := range buf[:n] {
				if s != float32(next) {
					bad++
				}
				next++
			}
		}
	}()

	wg.Wait()
	if bad != 0 {
		t.Fatalf("%d samples arrived out of order", bad)
	}
}

func BenchmarkPushPop(b *testing.B) {
	q, _ := New(4096)
	p, c := q.Split()
	for i := 0; b.Loop(); i++ {
		p.Push(float32(i))
		c.Pop()
	}
}
