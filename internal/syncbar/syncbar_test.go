package syncbar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBarrierReleasesOnlyWhenAllArrive(t *testing.T) {
	c := NewCoordinator()
	const k = 3
	ids := []string{"t0", "t1", "t2"}
	c.Register("b1", ids)

	var arrived atomic.Int32
	var wg sync.WaitGroup

	for _, id := range ids[:k-1] {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := c.Wait(context.Background(), "b1", id, "step-0"); err != nil {
				t.Errorf("wait %s: %v", id, err)
			}
			arrived.Add(1)
		}(id)
	}

	time.Sleep(50 * time.Millisecond)
	if got := arrived.Load(); got != 0 {
		t.Fatalf("%d participants passed the barrier before all arrived", got)
	}

	if err := c.Wait(context.Background(), "b1", ids[k-1], "step-0"); err != nil {
		t.Fatalf("final wait: %v", err)
	}
	wg.Wait()
	if got := arrived.Load(); got != k-1 {
		t.Fatalf("arrived: got %d want %d", got, k-1)
	}
}

func TestBarrierKeysAreIndependent(t *testing.T) {
	c := NewCoordinator()
	c.Register("b1", []string{"a", "b"})

	done := make(chan error, 1)
	go func() {
		done <- c.Wait(context.Background(), "b1", "a", "step-1")
	}()

	// b signals a different key; a must stay blocked.
	go c.Wait(context.Background(), "b1", "b", "complete_0")

	select {
	case err := <-done:
		t.Fatalf("barrier released on mismatched key: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := c.Wait(context.Background(), "b1", "b", "step-1"); err != nil {
		t.Fatalf("wait b: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait a: %v", err)
	}
}

func TestWaitUnknownBatch(t *testing.T) {
	c := NewCoordinator()
	err := c.Wait(context.Background(), "nope", "t", "k")
	if !errors.Is(err, ErrUnknownBatch) {
		t.Fatalf("expected ErrUnknownBatch, got %v", err)
	}
}

func TestWaitUnregisteredParticipant(t *testing.T) {
	c := NewCoordinator()
	c.Register("b1", []string{"a"})
	err := c.Wait(context.Background(), "b1", "intruder", "k")
	if !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestWaitContextCancel(t *testing.T) {
	c := NewCoordinator()
	c.Register("b1", []string{"a", "b"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Wait(ctx, "b1", "a", "step-0")
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}
}

func TestLeaveReleasesRemainder(t *testing.T) {
	c := NewCoordinator()
	c.Register("b1", []string{"a", "b"})

	done := make(chan error, 1)
	go func() {
		done <- c.Wait(context.Background(), "b1", "a", "step-0")
	}()
	time.Sleep(20 * time.Millisecond)
	c.Leave("b1", "b")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait after leave: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("leave did not release the barrier")
	}
}

func TestLockstepOrdering(t *testing.T) {
	c := NewCoordinator()
	const k = 4
	const steps = 5
	ids := make([]string, k)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%d", i)
	}
	c.Register("batch", ids)

	var maxStep [k]atomic.Int32
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for s := 0; s < steps; s++ {
				if err := c.Wait(context.Background(), "batch", id, fmt.Sprintf("step-%d", s)); err != nil {
					t.Errorf("wait: %v", err)
					return
				}
				maxStep[i].Store(int32(s))
				// No participant may be more than one step ahead.
				for j := 0; j < k; j++ {
					if d := int32(s) - maxStep[j].Load(); d > 1 {
						t.Errorf("participant %d is %d steps ahead of %d", i, d, j)
						return
					}
				}
				if err := c.Wait(context.Background(), "batch", id, fmt.Sprintf("complete_%d", s)); err != nil {
					t.Errorf("wait complete: %v", err)
					return
				}
			}
		}(i, id)
	}
	wg.Wait()
}
