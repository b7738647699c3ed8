package future

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestResolveThenObservesResult(t *testing.T) {
	f, p := New[int]()
	p.Resolve(42)
	result, err := f.Wait()
	if err != nil || result != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", result, err)
	}
}

func TestRejectThenObservesError(t *testing.T) {
	f, p := New[int]()
	want := errors.New("boom")
	p.Reject(want)
	_, err := f.Wait()
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestThenFiresExactlyOnce(t *testing.T) {
	f, p := New[string]()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		f.Then(func(result string, err error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	p.Resolve("done")
	wg.Wait()
	if len(order) != 3 {
		t.Fatalf("expected 3 callbacks, got %d", len(order))
	}
}

func TestThenAfterCompletionFiresImmediately(t *testing.T) {
	f := Resolved(7)
	done := make(chan int, 1)
	f.Then(func(result int, err error) { done <- result })
	select {
	case v := <-done:
		if v != 7 {
			t.Fatalf("got %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("continuation never fired")
	}
}

func TestDoubleCompleteIsNoOp(t *testing.T) {
	f, p := New[int]()
	p.Resolve(1)
	p.Resolve(2)
	p.Reject(errors.New("late"))
	result, err := f.Wait()
	if err != nil || result != 1 {
		t.Fatalf("expected first completion to win, got (%d, %v)", result, err)
	}
}

func TestMapPropagatesErrorAndValue(t *testing.T) {
	f, p := New[int]()
	mapped := Map(f, func(v int) (string, error) {
		return "x", nil
	})
	p.Resolve(5)
	result, err := mapped.Wait()
	if err != nil || result != "x" {
		t.Fatalf("got (%q, %v)", result, err)
	}

	f2, p2 := New[int]()
	mapped2 := Map(f2, func(v int) (string, error) { return "", errors.New("bad") })
	p2.Resolve(5)
	if _, err := mapped2.Wait(); err == nil {
		t.Fatalf("expected mapped error")
	}
}

func TestFailedHelper(t *testing.T) {
	want := errors.New("x")
	f := Failed[int](want)
	_, err := f.Wait()
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}
