package conn

import (
	"context"
	"sync"
	"time"
)

// signalBoard tracks a monotonic per-device update sequence and lets
// callers block until the sequence advances past a point they observed.
//
// This replaces sleep-and-recheck polling for "has fresh state arrived
// yet": the read loop advances the sequence after each processed message,
// and a waiter wakes on the first advance after its snapshot.
type signalBoard struct {
	mu      sync.Mutex
	seqs    map[string]uint64
	waiters map[string][]chan struct{}
}

func newSignalBoard() *signalBoard {
	return &signalBoard{
		seqs:    make(map[string]uint64),
		waiters: make(map[string][]chan struct{}),
	}
}

// seq returns the current sequence for a device. Zero means no message has
// ever been processed for it.
func (b *signalBoard) seq(deviceID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[deviceID]
}

// advance bumps the device's sequence and wakes every waiter.
func (b *signalBoard) advance(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seqs[deviceID]++
	for _, ch := range b.waiters[deviceID] {
		close(ch)
	}
	delete(b.waiters, deviceID)
}

// wait blocks until the device's sequence passes since, the timeout
// elapses, or the context is cancelled. Returns true only on an advance.
//
// The timeout is a hard deadline: a device that acknowledges nothing must
// not be able to stall a poll cycle indefinitely.
func (b *signalBoard) wait(ctx context.Context, deviceID string, since uint64, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if b.seqs[deviceID] > since {
			b.mu.Unlock()
			return true
		}
		ch := make(chan struct{})
		b.waiters[deviceID] = append(b.waiters[deviceID], ch)
		b.mu.Unlock()

		select {
		case <-ch:
			// Re-check under the lock; a concurrent advance may have been
			// for a message processed before our snapshot was taken.
		case <-deadline.C:
			b.remove(deviceID, ch)
			return false
		case <-ctx.Done():
			b.remove(deviceID, ch)
			return false
		}
	}
}

// remove deregisters a waiter that gave up, so a device that never
// advances again does not accumulate dead channels across timed-out
// cycles.
func (b *signalBoard) remove(deviceID string, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiters := b.waiters[deviceID]
	for i, w := range waiters {
		if w == ch {
			b.waiters[deviceID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(b.waiters[deviceID]) == 0 {
		delete(b.waiters, deviceID)
	}
}
