package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type recordingConn struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (c *recordingConn) Send(_ context.Context, msg []byte) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(msg))
	return nil
}

func (c *recordingConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

type recordingRelay struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRelay) Publish(_ context.Context, channel string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, channel+":"+string(msg))
	return nil
}

func TestRegistry_BroadcastExcept_skips_sender(t *testing.T) {
	reg := NewRegistry(nil)
	a, b, c := &recordingConn{}, &recordingConn{}, &recordingConn{}
	subA := reg.Subscribe("room", a)
	reg.Subscribe("room", b)
	reg.Subscribe("room", c)
	other := &recordingConn{}
	reg.Subscribe("elsewhere", other)

	n := reg.BroadcastExcept(context.Background(), "room", subA, []byte("hello"))
	if n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
	if len(a.received()) != 0 {
		t.Errorf("sender should not receive its own message, got %v", a.received())
	}
	for i, conn := range []*recordingConn{b, c} {
		if got := conn.received(); len(got) != 1 || got[0] != "hello" {
			t.Errorf("subscriber %d: got %v", i, got)
		}
	}
	if len(other.received()) != 0 {
		t.Error("message leaked to another channel")
	}
}

func TestRegistry_BroadcastExcept_isolates_failures(t *testing.T) {
	reg := NewRegistry(nil)
	sender := reg.Subscribe("room", &recordingConn{})
	reg.Subscribe("room", &recordingConn{err: errors.New("broken pipe")})
	healthy := &recordingConn{}
	reg.Subscribe("room", healthy)

	n := reg.BroadcastExcept(context.Background(), "room", sender, []byte("x"))
	if n != 1 {
		t.Errorf("expected 1 successful delivery, got %d", n)
	}
	if got := healthy.received(); len(got) != 1 {
		t.Errorf("healthy subscriber should still receive, got %v", got)
	}
}

func TestRegistry_Unsubscribe_drops_empty_channel(t *testing.T) {
	reg := NewRegistry(nil)
	s1 := reg.Subscribe("room", &recordingConn{})
	s2 := reg.Subscribe("room", &recordingConn{})

	reg.Unsubscribe(s1)
	if reg.SubscriberCount("room") != 1 || reg.ChannelCount() != 1 {
		t.Fatalf("after first unsubscribe: subs=%d channels=%d", reg.SubscriberCount("room"), reg.ChannelCount())
	}

	reg.Unsubscribe(s2)
	if reg.ChannelCount() != 0 {
		t.Errorf("channel should be removed once empty, count=%d", reg.ChannelCount())
	}

	t.Run("idempotent", func(t *testing.T) {
		reg.Unsubscribe(s2)
		reg.Unsubscribe(nil)
		if reg.ChannelCount() != 0 {
			t.Error("repeat unsubscribe changed state")
		}
	})

	t.Run("resubscribe_creates_fresh_channel", func(t *testing.T) {
		fresh := &recordingConn{}
		reg.Subscribe("room", fresh)
		if reg.SubscriberCount("room") != 1 {
			t.Errorf("expected exactly the new subscriber, got %d", reg.SubscriberCount("room"))
		}
		if len(fresh.received()) != 0 {
			t.Error("fresh channel must not replay earlier messages")
		}
	})
}

func TestRegistry_relay(t *testing.T) {
	reg := NewRegistry(nil)
	relay := &recordingRelay{}
	reg.SetRelay(relay)
	local := &recordingConn{}
	reg.Subscribe("room", local)

	reg.BroadcastExcept(context.Background(), "room", nil, []byte("a"))
	reg.Deliver(context.Background(), "room", []byte("b"))

	if len(relay.calls) != 1 || relay.calls[0] != "room:a" {
		t.Errorf("relay should see only the local broadcast, got %v", relay.calls)
	}
	if got := local.received(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("local subscriber got %v", got)
	}
}

func TestRegistry_concurrent_access(t *testing.T) {
	reg := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("room-%d", i%5)
			sub := reg.Subscribe(name, &recordingConn{})
			reg.BroadcastExcept(context.Background(), name, sub, []byte("tick"))
			reg.Unsubscribe(sub)
		}(i)
	}
	wg.Wait()
	if reg.ChannelCount() != 0 {
		t.Errorf("all channels should be gone, got %d", reg.ChannelCount())
	}
}

func TestPublisher(t *testing.T) {
	reg := NewRegistry(nil)
	watcher := &recordingConn{}
	reg.Subscribe("job", watcher)

	pub := reg.Attach("job")
	if reg.SubscriberCount("job") != 2 {
		t.Fatalf("publisher should count as a subscriber, got %d", reg.SubscriberCount("job"))
	}
	if err := pub.Send(context.Background(), []byte(`{"message":"Done","progress":100}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := watcher.received(); len(got) != 1 {
		t.Errorf("watcher got %v", got)
	}

	pub.Close()
	pub.Close()
	if err := pub.Send(context.Background(), []byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if reg.SubscriberCount("job") != 1 {
		t.Errorf("publisher should be unsubscribed, count=%d", reg.SubscriberCount("job"))
	}
}
