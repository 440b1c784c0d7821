package priocq

import (
	"sync"
	"testing"
	"time"
)

func TestPriorityThenFIFO(t *testing.T) {
	q := New[string](nil)
	q.Push(1, "low-a")
	q.Push(2, "high-a")
	q.Push(1, "low-b")
	q.Push(2, "high-b")
	q.Push(0, "idle")

	want := []string{"high-a", "high-b", "low-a", "low-b", "idle"}
	for _, w := range want {
		got, ok := q.TryPop()
		if !ok || got != w {
			t.Fatalf("got %q want %q", got, w)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestPopBlocksUntilPushOrClose(t *testing.T) {
	q := New[int](nil)
	var wg sync.WaitGroup
	wg.Add(1)
	var got int
	go func() {
		defer wg.Done()
		got, _ = q.Pop()
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(5, 42)
	wg.Wait()
	if got != 42 {
		t.Fatalf("got %d", got)
	}

	done := make(chan bool)
	go func() { _, ok := q.Pop(); done <- ok }()
	q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("pop after close should fail")
		}
	case <-time.After(time.Second):
		t.Fatal("pop not woken by close")
	}
	if q.Push(1, 1) {
		t.Fatal("push after close accepted")
	}
}

func TestTokenBucketShapesPop(t *testing.T) {
	if NewTokenBucket(0, 0) != nil {
		t.Fatal("zero rate should mean unlimited")
	}
	q := New[int](NewTokenBucket(100, 1))
	for i := 0; i < 3; i++ {
		q.Push(0, i)
	}
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, ok := q.Pop(); !ok {
			t.Fatal("pop failed")
		}
	}
	if el := time.Since(start); el < 15*time.Millisecond {
		t.Fatalf("shaper did not delay: %v", el)
	}
}
