package session

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Pop after Close.
var ErrQueueClosed = errors.New("turn queue closed")

// TurnKind distinguishes appends from preempting enqueues.
type TurnKind string

const (
	KindAppend          TurnKind = "append"
	KindIsolateAndClear TurnKind = "isolate-and-clear"
)

// Turn is one unit of engine work. Immutable once enqueued; the policy it
// carries is the snapshot captured at enqueue time.
type Turn struct {
	Text   string
	Policy Snapshot
	Kind   TurnKind
}

// TurnQueue is a FIFO with a single consumer. Consecutive pending turns
// with equal policy fingerprints coalesce into one turn.
type TurnQueue struct {
	mu     sync.Mutex
	items  []*Turn
	signal chan struct{}
	closed bool
}

// NewTurnQueue creates an empty queue.
func NewTurnQueue() *TurnQueue {
	return &TurnQueue{signal: make(chan struct{}, 1)}
}

// Push appends a turn. When the newest pending turn carries the same policy
// fingerprint, the texts merge separated by a newline.
func (q *TurnQueue) Push(text string, policy Snapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	if n := len(q.items); n > 0 {
		last := q.items[n-1]
		if last.Kind == KindAppend && last.Policy.Fingerprint == policy.Fingerprint {
			last.Text += "\n" + text
			q.wake()
			return nil
		}
	}

	q.items = append(q.items, &Turn{Text: text, Policy: policy, Kind: KindAppend})
	q.wake()
	return nil
}

// PushIsolateAndClear atomically discards all pending turns and enqueues
// this one at the head.
func (q *TurnQueue) PushIsolateAndClear(text string, policy Snapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	q.items = []*Turn{{Text: text, Policy: policy, Kind: KindIsolateAndClear}}
	q.wake()
	return nil
}

// wake nudges the consumer. Callers hold the lock.
func (q *TurnQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until a turn is available, the queue closes, or the context
// ends. Single consumer only.
func (q *TurnQueue) Pop(ctx context.Context) (*Turn, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			turn := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return turn, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of pending turns.
func (q *TurnQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drains nothing and wakes the consumer; pending turns stay poppable
// until empty, after which Pop returns ErrQueueClosed.
func (q *TurnQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}
