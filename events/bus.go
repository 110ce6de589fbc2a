// Package events delivers domain events to subscribers keyed by entity.
package events

import (
	"sync"

	"github.com/meow-io/go-groupsync/config"
	"go.uber.org/zap"
)

const bufferSize = 100

// Event is implemented by every published value. Key names the entity it concerns.
type Event interface {
	Key() string
}

type UpdateChannel chan Event

type subscription struct {
	id  uint64
	key string
	ch  UpdateChannel
}

type Bus struct {
	log    *zap.SugaredLogger
	lock   sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*subscription
	all    map[uint64]*subscription
	closed bool
}

func NewBus(c *config.Config) *Bus {
	return &Bus{
		log:  c.Logger("events"),
		subs: make(map[string]map[uint64]*subscription),
		all:  make(map[uint64]*subscription),
	}
}

// Subscribe returns a channel receiving events for key and a function ending the subscription.
func (b *Bus) Subscribe(key string) (UpdateChannel, func()) {
	b.lock.Lock()
	defer b.lock.Unlock()
	s := b.newSubscription(key)
	if b.closed {
		return s.ch, func() {}
	}
	if _, ok := b.subs[key]; !ok {
		b.subs[key] = make(map[uint64]*subscription)
	}
	b.subs[key][s.id] = s
	return s.ch, func() { b.cancel(s) }
}

// SubscribeAll receives every event regardless of key.
func (b *Bus) SubscribeAll() (UpdateChannel, func()) {
	b.lock.Lock()
	defer b.lock.Unlock()
	s := b.newSubscription("")
	if b.closed {
		return s.ch, func() {}
	}
	b.all[s.id] = s
	return s.ch, func() { b.cancel(s) }
}

func (b *Bus) newSubscription(key string) *subscription {
	b.nextID++
	ch := make(UpdateChannel, bufferSize)
	if b.closed {
		close(ch)
	}
	return &subscription{id: b.nextID, key: key, ch: ch}
}

func (b *Bus) cancel(s *subscription) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if s.key == "" {
		if _, ok := b.all[s.id]; !ok {
			return
		}
		delete(b.all, s.id)
	} else {
		if _, ok := b.subs[s.key][s.id]; !ok {
			return
		}
		delete(b.subs[s.key], s.id)
		if len(b.subs[s.key]) == 0 {
			delete(b.subs, s.key)
		}
	}
	close(s.ch)
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (b *Bus) Publish(e Event) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs[e.Key()] {
		b.send(s, e)
	}
	for _, s := range b.all {
		b.send(s, e)
	}
}

func (b *Bus) send(s *subscription, e Event) {
	select {
	case s.ch <- e:
	default:
		b.log.Warnf("dropping %T for %s, subscriber is full", e, e.Key())
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for key, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(b.subs, key)
	}
	for id, s := range b.all {
		close(s.ch)
		delete(b.all, id)
	}
}
