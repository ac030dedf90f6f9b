// Package syncbar provides the rendezvous barrier that keeps multi-device
// batches executing matching workflow steps in lockstep.
package syncbar

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownBatch       = errors.New("syncbar: unknown batch")
	ErrUnknownParticipant = errors.New("syncbar: test not registered in batch")
)

// Coordinator tracks per-batch readiness. A barrier key releases only when
// every registered test has signaled that exact key. Participants must call
// Wait for every key in the same order; a participant that never arrives
// blocks the batch until its context is cancelled (no timeout by design).
type Coordinator struct {
	mu      sync.Mutex
	cond    *sync.Cond
	batches map[string]*batch
}

type batch struct {
	members map[string]struct{}
	ready   map[string]map[string]struct{} // key -> set of ready test ids
}

func NewCoordinator() *Coordinator {
	c := &Coordinator{batches: make(map[string]*batch)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Register declares the participants of a batch. Re-registering a batch
// resets its readiness state.
func (c *Coordinator) Register(batchID string, testIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := &batch{
		members: make(map[string]struct{}, len(testIDs)),
		ready:   make(map[string]map[string]struct{}),
	}
	for _, id := range testIDs {
		b.members[id] = struct{}{}
	}
	c.batches[batchID] = b
	c.cond.Broadcast()
}

// Unregister drops a batch and releases anyone still waiting on it.
func (c *Coordinator) Unregister(batchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.batches, batchID)
	c.cond.Broadcast()
}

// Leave removes one participant from a batch, releasing barriers that were
// only waiting on it. Used when a test stops early so the rest of the batch
// does not deadlock.
func (c *Coordinator) Leave(batchID, testID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[batchID]
	if !ok {
		return
	}
	delete(b.members, testID)
	c.cond.Broadcast()
}

// Wait marks testID ready under key and blocks until every member of the
// batch has signaled the same key, or ctx is cancelled.
func (c *Coordinator) Wait(ctx context.Context, batchID, testID, key string) error {
	c.mu.Lock()
	b, ok := c.batches[batchID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}
	if _, ok := b.members[testID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnknownParticipant, batchID, testID)
	}
	set, ok := b.ready[key]
	if !ok {
		set = make(map[string]struct{})
		b.ready[key] = set
	}
	set[testID] = struct{}{}
	c.cond.Broadcast()

	// Wake waiters when ctx dies; Cond has no native cancellation.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	for !c.releasedLocked(batchID, key) {
		if ctx.Err() != nil {
			c.mu.Unlock()
			return ctx.Err()
		}
		c.cond.Wait()
	}
	c.mu.Unlock()
	return nil
}

// releasedLocked reports whether every current member signaled key. A batch
// that disappeared counts as released so stragglers unblock on Unregister.
func (c *Coordinator) releasedLocked(batchID, key string) bool {
	b, ok := c.batches[batchID]
	if !ok {
		return true
	}
	set := b.ready[key]
	for id := range b.members {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
