package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tierfs/tierfs/errdefs"
)

func newTestBroadcaster(t *testing.T, cfg Config) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(cfg)
	t.Cleanup(b.Close)
	return b
}

// drain collects frames from a subscriber until quiet for the given window.
func drain(sub *Subscriber, quiet time.Duration) []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-sub.Out:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-time.After(quiet):
			return out
		}
	}
}

func TestAcceptSendsWelcome(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{})
	sub, err := b.Accept()
	require.NoError(t, err)

	msg := <-sub.Out
	assert.Equal(t, "welcome", msg.Type)
	assert.Equal(t, sub.ID, msg.ConnectionID)
	assert.Equal(t, int64(30000), msg.HeartbeatInterval)
	assert.Equal(t, int64(90000), msg.ConnectionTimeout)
}

func TestConnectionCap(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{MaxConnections: 2})
	_, err := b.Accept()
	require.NoError(t, err)
	second, err := b.Accept()
	require.NoError(t, err)

	_, err = b.Accept()
	require.Error(t, err)
	assert.Equal(t, errdefs.Unavailable, errdefs.CodeOf(err))

	// removing one frees a slot
	b.Remove(second.ID, "test")
	_, err = b.Accept()
	require.NoError(t, err)
}

func TestSendErrorFrame(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{})
	sub, err := b.Accept()
	require.NoError(t, err)
	<-sub.Out // welcome

	b.SendError(sub.ID, string(errdefs.ResourceExhausted), "subscription limit reached")
	msg := <-sub.Out
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, string(errdefs.ResourceExhausted), msg.Code)
	assert.Equal(t, "subscription limit reached", msg.Message)

	// unknown ids are a noop
	b.SendError("conn-unknown", "EINVAL", "nobody home")
}

func TestStateDuringRemove(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{})
	sub, err := b.Accept()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			sub.State()
		}
	}()
	b.Remove(sub.ID, "test")
	<-done
	assert.Equal(t, StateClosed, sub.State())
}

func TestSubscribeDeliversMatchingEvents(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{BatchWindow: time.Millisecond})
	sub, err := b.Accept()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(sub.ID, "/data", true))

	b.Publish(Event{Type: EventCreate, Path: "/data/a.txt", Size: 3})
	b.Publish(Event{Type: EventCreate, Path: "/elsewhere/b.txt"})

	msgs := drain(sub, 50*time.Millisecond)
	var types []string
	var events []Message
	for _, m := range msgs {
		types = append(types, m.Type)
		if m.Type == string(EventCreate) {
			events = append(events, m)
		}
	}
	assert.Contains(t, types, "subscribed")
	require.Len(t, events, 1, "only the matching path is delivered")
	assert.Equal(t, "/data/a.txt", events[0].Path)
	assert.Equal(t, int64(3), events[0].Size)
	assert.NotZero(t, events[0].Timestamp)
}

func TestCoalesceWithinBatchWindow(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{BatchWindow: 20 * time.Millisecond})
	sub, err := b.Accept()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(sub.ID, "/f.txt", false))

	// three modifies inside one window collapse to one frame
	b.Publish(Event{Type: EventModify, Path: "/f.txt", Size: 1})
	b.Publish(Event{Type: EventModify, Path: "/f.txt", Size: 2})
	b.Publish(Event{Type: EventModify, Path: "/f.txt", Size: 3})

	msgs := drain(sub, 60*time.Millisecond)
	var events []Message
	for _, m := range msgs {
		if m.Type == string(EventModify) {
			events = append(events, m)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Size, "last state wins")
}

func TestCreateThenModifyStaysCreate(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{BatchWindow: 20 * time.Millisecond})
	sub, err := b.Accept()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(sub.ID, "/f", false))

	b.Publish(Event{Type: EventCreate, Path: "/f", Size: 1})
	b.Publish(Event{Type: EventModify, Path: "/f", Size: 9})

	msgs := drain(sub, 60*time.Millisecond)
	var events []Message
	for _, m := range msgs {
		if m.Type == string(EventCreate) || m.Type == string(EventModify) {
			events = append(events, m)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, string(EventCreate), events[0].Type)
	assert.Equal(t, int64(9), events[0].Size)
}

func TestDeleteSupersedesPending(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{BatchWindow: 20 * time.Millisecond})
	sub, err := b.Accept()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(sub.ID, "/f", false))

	b.Publish(Event{Type: EventModify, Path: "/f"})
	b.Publish(Event{Type: EventDelete, Path: "/f"})

	msgs := drain(sub, 60*time.Millisecond)
	var events []Message
	for _, m := range msgs {
		switch m.Type {
		case string(EventModify), string(EventDelete):
			events = append(events, m)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, string(EventDelete), events[0].Type)
}

func TestPrioritySortWithinBatch(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{BatchWindow: 20 * time.Millisecond, PrioritySort: true})
	sub, err := b.Accept()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(sub.ID, "/d", true))

	b.Publish(Event{Type: EventModify, Path: "/d/m"})
	b.Publish(Event{Type: EventCreate, Path: "/d/c"})
	b.Publish(Event{Type: EventDelete, Path: "/d/x"})

	msgs := drain(sub, 60*time.Millisecond)
	var order []string
	for _, m := range msgs {
		switch m.Type {
		case string(EventCreate), string(EventModify), string(EventDelete):
			order = append(order, m.Type)
		}
	}
	assert.Equal(t, []string{"delete", "create", "modify"}, order)
}

func TestRenameNotifiesOldPathWatchers(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{BatchWindow: time.Millisecond})
	sub, err := b.Accept()
	require.NoError(t, err)
	// watching only the old location
	require.NoError(t, b.Subscribe(sub.ID, "/old", true))

	b.Publish(Event{Type: EventRename, Path: "/new/f", OldPath: "/old/f"})

	msgs := drain(sub, 50*time.Millisecond)
	var events []Message
	for _, m := range msgs {
		if m.Type == string(EventRename) {
			events = append(events, m)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, "/new/f", events[0].Path)
	assert.Equal(t, "/old/f", events[0].OldPath)
}

func TestMaxBatchSizeFlushesImmediately(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{BatchWindow: time.Hour, MaxBatchSize: 3})
	sub, err := b.Accept()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(sub.ID, "/d", true))

	b.Publish(Event{Type: EventCreate, Path: "/d/1"})
	b.Publish(Event{Type: EventCreate, Path: "/d/2"})
	b.Publish(Event{Type: EventCreate, Path: "/d/3"})

	// the hour-long window never fires; only the size threshold can flush
	msgs := drain(sub, 50*time.Millisecond)
	count := 0
	for _, m := range msgs {
		if m.Type == string(EventCreate) {
			count++
		}
	}
	assert.Equal(t, 3, count)
}

func TestRateLimitedFrame(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{
		BatchWindow: time.Millisecond,
		SendBuffer:  16,
		RateLimit: RateLimitConfig{
			Window:      time.Second,
			MaxMessages: 100,
			BurstWindow: 100 * time.Millisecond,
			BurstMax:    2,
		},
	})
	sub, err := b.Accept()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(sub.ID, "/d", true))

	for i, p := range []string{"/d/1", "/d/2", "/d/3"} {
		b.Publish(Event{Type: EventCreate, Path: p})
		// separate flushes so each delivery is a distinct limiter hit
		time.Sleep(time.Duration(i+1) * 5 * time.Millisecond)
	}

	msgs := drain(sub, 50*time.Millisecond)
	var limited []Message
	created := 0
	for _, m := range msgs {
		switch m.Type {
		case "rate_limited":
			limited = append(limited, m)
		case string(EventCreate):
			created++
		}
	}
	assert.Equal(t, 2, created)
	require.Len(t, limited, 1)
	assert.Equal(t, string(errdefs.RateLimited), limited[0].Code)
	assert.Greater(t, limited[0].RetryAfterMs, int64(0))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{BatchWindow: time.Millisecond})
	sub, err := b.Accept()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(sub.ID, "/d", true))
	b.Unsubscribe(sub.ID, "/d/**")

	b.Publish(Event{Type: EventCreate, Path: "/d/f"})

	msgs := drain(sub, 50*time.Millisecond)
	for _, m := range msgs {
		assert.NotEqual(t, string(EventCreate), m.Type)
	}
}

func TestRemoveClosesChannel(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{})
	sub, err := b.Accept()
	require.NoError(t, err)
	b.Remove(sub.ID, "test")

	// drain welcome then observe close
	for {
		_, ok := <-sub.Out
		if !ok {
			break
		}
	}
	assert.Equal(t, StateClosed, sub.State())

	// double remove is harmless
	b.Remove(sub.ID, "test")
}

func TestClientPingGetsPong(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{})
	sub, err := b.Accept()
	require.NoError(t, err)

	b.ClientPing(sub.ID)
	msgs := drain(sub, 20*time.Millisecond)
	var types []string
	for _, m := range msgs {
		types = append(types, m.Type)
	}
	assert.Contains(t, types, "pong")
}

func TestHeartbeatEvictsSilentSubscriber(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		ConnectionTimeout: time.Hour,
		MaxMissedPongs:    2,
	})
	silent, err := b.Accept()
	require.NoError(t, err)
	lively, err := b.Accept()
	require.NoError(t, err)

	deadline := time.After(500 * time.Millisecond)
	evicted := false
	for !evicted {
		select {
		case msg, ok := <-silent.Out:
			if !ok {
				evicted = true
				break
			}
			if msg.Type == "error" {
				assert.Equal(t, "CONNECTION_STALE", msg.Code)
			}
		case msg, ok := <-lively.Out:
			if ok && msg.Type == "ping" {
				b.Pong(lively.ID)
			}
		case <-deadline:
			t.Fatal("silent subscriber was never evicted")
		}
	}

	stats := b.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.GreaterOrEqual(t, stats.StaleEvicted, int64(1))
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(t, Config{BatchWindow: time.Millisecond})
	sub, err := b.Accept()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(sub.ID, "/s", true))

	b.Publish(Event{Type: EventCreate, Path: "/s/f"})
	drain(sub, 50*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.GreaterOrEqual(t, stats.Delivered, int64(2), "welcome, subscribed ack, and the event")
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	t.Parallel()
	b := NewBroadcaster(Config{BatchWindow: time.Millisecond})
	b.Close()
	b.Publish(Event{Type: EventCreate, Path: "/x"})
	b.Close() // idempotent
}
