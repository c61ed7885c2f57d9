package fabric

import (
	"context"
	"sync"

	"github.com/playperu/tabletop/internal/queue"
)

// Broker is an in-process pub/sub keyed by group. It never drops events: a
// slow subscriber only grows its own queue.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*brokerSub]struct{}
}

type brokerSub struct {
	broker *Broker
	group  string
	events *queue.Queue[Event]
	cancel context.CancelFunc
	once   sync.Once
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[*brokerSub]struct{}),
	}
}

func (b *Broker) Subscribe(_ context.Context, group string, deliver func(Event)) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &brokerSub{
		broker: b,
		group:  group,
		events: queue.New[Event](),
		cancel: cancel,
	}

	b.mu.Lock()
	if b.subs[group] == nil {
		b.subs[group] = make(map[*brokerSub]struct{})
	}
	b.subs[group][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			ev, err := sub.events.Pop(ctx)
			if err != nil {
				return
			}
			deliver(ev)
		}
	}()
	return sub, nil
}

// Publish queues ev for every subscriber of group.
func (b *Broker) Publish(_ context.Context, group string, ev Event) error {
	b.mu.RLock()
	for sub := range b.subs[group] {
		sub.events.Push(ev)
	}
	b.mu.RUnlock()
	return nil
}

// Subscribers returns the number of live subscriptions to group.
func (b *Broker) Subscribers(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[group])
}

func (s *brokerSub) Close() error {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		delete(b.subs[s.group], s)
		if len(b.subs[s.group]) == 0 {
			delete(b.subs, s.group)
		}
		b.mu.Unlock()
		s.events.Close()
		s.cancel()
	})
	return nil
}
