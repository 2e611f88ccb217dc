package channel

import (
	"context"
	"sync"
)

// Publisher is an in-process subscriber that only ever sends. Jobs running in
// the same process as the registry use it instead of dialing the websocket
// endpoint; like any subscriber it never receives its own messages.
type Publisher struct {
	registry *Registry
	sub      *Subscription

	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// Attach subscribes a Publisher to name.
func (r *Registry) Attach(name string) *Publisher {
	return &Publisher{
		registry: r,
		sub:      r.Subscribe(name, discardConn{}),
	}
}

// Send broadcasts msg to every other subscriber of the channel.
func (p *Publisher) Send(ctx context.Context, msg []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.registry.BroadcastExcept(ctx, p.sub.channel, p.sub, msg)
	return nil
}

// Close unsubscribes the publisher.
func (p *Publisher) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.registry.Unsubscribe(p.sub)
	})
	return nil
}

// discardConn drops messages other subscribers send to a publisher.
type discardConn struct{}

func (discardConn) Send(context.Context, []byte) error { return nil }
