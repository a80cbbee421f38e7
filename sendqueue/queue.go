// Package sendqueue is a bounded send FIFO: a mutex-plus-condition-variable
// queue with byte-count accounting, a coalescing window, a sticky
// flush-immediately flag, and age-agnostic overflow drop from the head.
package sendqueue

import (
	"sync"
	"time"
)

// Entry is one queued outbound bus message.
type Entry struct {
	Channel  string
	Payload  []byte
	RecvTime time.Time
}

// accountedSize is len(channel)+len(payload)+sizeof(tunnel-lcm-header); the
// queue's byte total must track this exactly for the overflow check to be
// meaningful.
func accountedSize(e Entry) int { return len(e.Channel) + len(e.Payload) + 8 }

// Queue is a bounded FIFO of Entry, safe for concurrent producers and a
// single consumer (the endpoint's send goroutine).
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	entries []Entry
	bytes   int

	maxBytes       int
	flushPredicate func(channel string) bool
	flushNow       bool
	stopped        bool

	// OnDrop, if set, is called (under no lock) once per Enqueue call with
	// the number of entries dropped to satisfy maxBytes, for logging.
	OnDrop func(dropped int, channel string)
}

// New builds a Queue capped at maxBytes. flushPredicate, if non-nil, marks
// channels that should bypass the coalescing window entirely and flush on
// the next Wait regardless of elapsed time or byte total.
func New(maxBytes int, flushPredicate func(string) bool) *Queue {
	q := &Queue{maxBytes: maxBytes, flushPredicate: flushPredicate}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends e, drops from the head if the byte total would exceed
// maxBytes, and wakes any waiter.
func (q *Queue) Enqueue(channel string, payload []byte, recvTime time.Time) {
	e := Entry{Channel: channel, Payload: payload, RecvTime: recvTime}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.bytes += accountedSize(e)

	dropped := 0
	for q.bytes > q.maxBytes && len(q.entries) > 0 {
		head := q.entries[0]
		q.entries = q.entries[1:]
		q.bytes -= accountedSize(head)
		dropped++
	}
	if q.flushPredicate != nil && q.flushPredicate(channel) {
		q.flushNow = true
	}
	q.mu.Unlock()

	if dropped > 0 && q.OnDrop != nil {
		q.OnDrop(dropped, channel)
	}
	q.cond.Broadcast()
}

// Drain atomically swaps the internal deque for an empty one and returns it
// along with its byte count.
func (q *Queue) Drain() ([]Entry, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.entries
	bytes := q.bytes
	q.entries = nil
	q.bytes = 0
	q.flushNow = false
	return entries, bytes
}

// Bytes returns the current byte total (for invariant checks in tests).
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Stop wakes any waiter and makes Wait return stop=true once the queue is
// empty. Entries still queued are first handed out by Wait as a normal batch
// (stop=false) for the caller to Drain.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// immediateBytesThreshold is the byte total above which the coalescing
// window is bypassed outright, regardless of elapsed time.
const immediateBytesThreshold = 32 * 1024

// Wait blocks until there is a batch ready to send, implementing the
// coalescing discipline:
//
//  1. if the queue is empty, wait indefinitely for a signal;
//  2. once non-empty, wait until maxDelay has elapsed since the first
//     wakeup, unless bytes exceed the immediate threshold or the sticky
//     flush flag is set;
//  3. otherwise return, ready for the caller to Drain.
//
// Wait returns stop=true once Stop has been called and there is nothing
// left to drain.
func (q *Queue) Wait(maxDelay time.Duration) (stop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var nextFlush time.Time
	haveDeadline := false

	for {
		if q.stopped && len(q.entries) == 0 {
			return true
		}
		if len(q.entries) == 0 {
			q.cond.Wait()
			haveDeadline = false
			continue
		}
		if !haveDeadline {
			nextFlush = time.Now().Add(maxDelay)
			haveDeadline = true
		}
		if maxDelay <= 0 || q.bytes >= immediateBytesThreshold || time.Now().After(nextFlush) || q.flushNow {
			return false
		}
		q.timedWait(nextFlush)
	}
}

// timedWait releases the lock and blocks until either cond is signaled or
// deadline passes, then re-acquires the lock. sync.Cond has no native timed
// wait, so this follows the standard Go idiom of pairing it with a timer
// goroutine that broadcasts on expiry.
func (q *Queue) timedWait(deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		q.cond.Broadcast()
	})
	defer timer.Stop()
	q.cond.Wait()
}
