// Package channel implements named progress channels: a registry of
// subscribers per channel name with broadcast-to-others delivery, the
// websocket endpoint clients subscribe through, and the client side used by
// jobs that publish progress.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSendTimeout bounds a single delivery to one subscriber.
const DefaultSendTimeout = 5 * time.Second

// ErrClosed is returned by Conn implementations after Close.
var ErrClosed = errors.New("connection closed")

// Conn is the outbound side of one subscriber connection.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
}

// Relay forwards locally broadcast messages to other server instances.
type Relay interface {
	Publish(ctx context.Context, channel string, msg []byte) error
}

// Subscription is the handle returned by Subscribe. It identifies one
// connection on one channel.
type Subscription struct {
	id      uint64
	channel string
	conn    Conn
}

// Channel returns the channel name the subscription belongs to.
func (s *Subscription) Channel() string { return s.channel }

// Registry holds the active channels and their subscribers. It is safe for
// concurrent use; a channel with no subscribers is never kept.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[uint64]*Subscription

	nextID      atomic.Uint64
	sendTimeout time.Duration
	relay       Relay
	log         *slog.Logger
}

// NewRegistry returns an empty registry. log may be nil.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		channels:    make(map[string]map[uint64]*Subscription),
		sendTimeout: DefaultSendTimeout,
		log:         log,
	}
}

// SetRelay installs a relay that receives a copy of every local broadcast.
// Must be called before the registry is shared.
func (r *Registry) SetRelay(relay Relay) {
	r.relay = relay
}

// Subscribe adds conn to the named channel, creating the channel if needed.
func (r *Registry) Subscribe(name string, conn Conn) *Subscription {
	sub := &Subscription{
		id:      r.nextID.Add(1),
		channel: name,
		conn:    conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.getOrCreateChannelLocked(name)
	subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub from its channel and drops the channel once empty.
// Calling it more than once is a no-op.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.channels[sub.channel]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(r.channels, sub.channel)
	}
}

// BroadcastExcept sends msg to every subscriber of name other than sender and
// forwards it to the relay, if any. It returns the number of local
// subscribers the message reached.
func (r *Registry) BroadcastExcept(ctx context.Context, name string, sender *Subscription, msg []byte) int {
	var exclude uint64
	if sender != nil {
		exclude = sender.id
	}
	n := r.deliver(ctx, name, exclude, msg)

	if r.relay != nil {
		if err := r.relay.Publish(ctx, name, msg); err != nil {
			r.log.Warn("relay publish failed", slog.String("channel", name), slog.String("error", err.Error()))
		}
	}
	return n
}

// Deliver sends msg to every local subscriber of name. It is used for
// messages that arrived through the relay and is never forwarded again.
func (r *Registry) Deliver(ctx context.Context, name string, msg []byte) int {
	return r.deliver(ctx, name, 0, msg)
}

// deliver sends outside the lock so a slow subscriber does not block
// Subscribe/Unsubscribe on other channels. A failed send is logged and does
// not stop delivery to the rest.
func (r *Registry) deliver(ctx context.Context, name string, exclude uint64, msg []byte) int {
	targets := r.snapshot(name, exclude)

	delivered := 0
	for _, sub := range targets {
		sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		err := sub.conn.Send(sendCtx, msg)
		cancel()
		if err != nil {
			r.log.Debug("progress delivery failed",
				slog.String("channel", name),
				slog.Uint64("subscriber", sub.id),
				slog.String("error", err.Error()))
			continue
		}
		delivered++
	}
	return delivered
}

// ChannelCount returns the number of channels with at least one subscriber.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// SubscriberCount returns the number of subscribers on name.
func (r *Registry) SubscriberCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[name])
}

func (r *Registry) snapshot(name string, exclude uint64) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.channels[name]
	out := make([]*Subscription, 0, len(subs))
	for id, sub := range subs {
		if id == exclude {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// getOrCreateChannelLocked returns the subscriber set for name, creating it.
// Caller must hold r.mu in write mode.
func (r *Registry) getOrCreateChannelLocked(name string) map[uint64]*Subscription {
	if subs, ok := r.channels[name]; ok {
		return subs
	}
	subs := make(map[uint64]*Subscription)
	r.channels[name] = subs
	return subs
}
