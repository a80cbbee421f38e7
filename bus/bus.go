// Package bus provides the publish/subscribe message bus the tunnel sits on
// top of: subscribe by channel regex, receive a callback carrying channel
// name, payload bytes, and receive timestamp. A production deployment
// would bind this interface to a real external bus; this package is a
// minimal in-process implementation of the same contract, compiling each
// subscription's regex once up front and matching it against every
// published channel.
package bus

import (
	"regexp"
	"sync"
	"time"
)

// Message is one bus delivery.
type Message struct {
	Channel  string
	Payload  []byte
	RecvTime time.Time

	// Origin is an opaque loop-suppression tag. Empty means the message was
	// organically published; a non-empty value means some tunnel endpoint
	// republished it after receiving it from a peer.
	Origin string
}

// Callback receives bus deliveries matching a subscription's regex.
type Callback func(Message)

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe()
}

// Bus is the contract the tunnel endpoint and server depend on.
type Bus interface {
	Subscribe(pattern string, cb Callback) (Subscription, error)
	Publish(msg Message) error
}

type subscriber struct {
	re *regexp.Regexp
	cb Callback
}

// LocalBus is an in-process Bus. It is safe for concurrent use.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// New returns an empty LocalBus.
func New() *LocalBus {
	return &LocalBus{subs: make(map[int]*subscriber)}
}

type localSub struct {
	b  *LocalBus
	id int
}

func (s *localSub) Unsubscribe() {
	s.b.mu.Lock()
	delete(s.b.subs, s.id)
	s.b.mu.Unlock()
}

// Subscribe compiles pattern once and registers cb for every future Publish
// whose channel matches.
func (b *LocalBus) Subscribe(pattern string, cb Callback) (Subscription, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscriber{re: re, cb: cb}
	b.mu.Unlock()
	return &localSub{b: b, id: id}, nil
}

// Publish delivers msg synchronously to every matching subscriber; the
// caller (the endpoint's receive path, or application code) runs each
// callback in turn.
func (b *LocalBus) Publish(msg Message) error {
	if msg.RecvTime.IsZero() {
		msg.RecvTime = time.Now()
	}
	b.mu.RLock()
	matched := make([]Callback, 0, len(b.subs))
	for _, s := range b.subs {
		if s.re.MatchString(msg.Channel) {
			matched = append(matched, s.cb)
		}
	}
	b.mu.RUnlock()
	for _, cb := range matched {
		cb(msg)
	}
	return nil
}
