package watch

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/tierfs/tierfs/errdefs"
)

// ConnState tracks a subscriber connection's lifecycle.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosing    ConnState = "closing"
	StateClosed     ConnState = "closed"
)

// Message is one frame bound for a subscriber. Event frames reuse the same
// shape with Type set to the event type.
type Message struct {
	Type              string `json:"type"`
	ConnectionID      string `json:"connectionId,omitempty"`
	HeartbeatInterval int64  `json:"heartbeatInterval,omitempty"`
	ConnectionTimeout int64  `json:"connectionTimeout,omitempty"`
	ConnectedAt       int64  `json:"connectedAt,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
	Path              string `json:"path,omitempty"`
	OldPath           string `json:"oldPath,omitempty"`
	Size              int64  `json:"size,omitempty"`
	Mtime             int64  `json:"mtime,omitempty"`
	IsDirectory       bool   `json:"isDirectory,omitempty"`
	Message           string `json:"message,omitempty"`
	Code              string `json:"code,omitempty"`
	RetryAfterMs      int64  `json:"retryAfterMs,omitempty"`
}

// Subscriber is one accepted watch connection. The transport drains Out; a
// closed Out means the connection is finished.
type Subscriber struct {
	ID          string
	Out         chan Message
	ConnectedAt time.Time

	// guarded by mu, which is the owning broadcaster's mutex
	mu           *sync.Mutex
	state        ConnState
	lastActivity time.Time
	lastPingSent time.Time
	missedPongs  int
	closeReason  string
}

// State returns the connection state at last inspection.
func (s *Subscriber) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config tunes the broadcaster. Zero values select the defaults.
type Config struct {
	BatchWindow       time.Duration // flush interval, default 10ms
	MaxBatchSize      int           // immediate flush threshold, default 50
	PrioritySort      bool          // order batches delete>rename>create>modify
	HeartbeatInterval time.Duration // ping cadence, default 30s
	ConnectionTimeout time.Duration // idle eviction, default 90s
	MaxMissedPongs    int           // eviction threshold, default 3
	MaxConnections    int           // acceptance cap, default 1000
	MaxSubscriptions  int           // per-connection pattern cap, default 100
	SendBuffer        int           // outbound channel capacity, default 64
	RateLimit         RateLimitConfig
}

func (c Config) withDefaults() Config {
	if c.BatchWindow <= 0 {
		c.BatchWindow = 10 * time.Millisecond
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 90 * time.Second
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = 3
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit = DefaultRateLimitConfig()
	}
	return c
}

// DefaultConfig returns the standard broadcaster tuning with priority-sorted
// batches.
func DefaultConfig() Config {
	c := Config{PrioritySort: true}
	return c.withDefaults()
}

// Stats is a point-in-time broadcaster summary.
type Stats struct {
	Connections   int   `json:"connections"`
	Pending       int   `json:"pending"`
	Delivered     int64 `json:"delivered"`
	Dropped       int64 `json:"dropped"`
	RateLimited   int64 `json:"rateLimited"`
	StaleEvicted  int64 `json:"staleEvicted"`
}

// Broadcaster queues filesystem events, coalesces them per path, and fans
// batches out to matching subscribers. Delivery failures are strictly
// subscriber-local and never propagate to the mutating caller.
type Broadcaster struct {
	cfg     Config
	index   *SubscriptionIndex
	limiter *RateLimiter

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	pending     map[string]Event
	flushTimer  *time.Timer
	closed      bool

	delivered   int64
	dropped     int64
	rateLimited int64
	evicted     int64

	done chan struct{}
}

// NewBroadcaster constructs a broadcaster and starts its heartbeat loop.
func NewBroadcaster(cfg Config) *Broadcaster {
	cfg = cfg.withDefaults()
	b := &Broadcaster{
		cfg:         cfg,
		index:       NewSubscriptionIndex(cfg.MaxSubscriptions),
		limiter:     NewRateLimiter(cfg.RateLimit),
		subscribers: make(map[string]*Subscriber),
		pending:     make(map[string]Event),
		done:        make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Index exposes the subscription index for RPC-side queries.
func (b *Broadcaster) Index() *SubscriptionIndex { return b.index }

// Accept admits a new subscriber, assigns it a connection id, and queues its
// welcome message. Over the connection cap it fails with Unavailable.
func (b *Broadcaster) Accept() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errdefs.New(errdefs.Unavailable, "broadcaster shut down", "")
	}
	if len(b.subscribers) >= b.cfg.MaxConnections {
		return nil, errdefs.New(errdefs.Unavailable, "connection limit reached", "")
	}

	now := time.Now()
	sub := &Subscriber{
		ID:           "conn-" + xid.New().String(),
		Out:          make(chan Message, b.cfg.SendBuffer),
		ConnectedAt:  now,
		mu:           &b.mu,
		state:        StateOpen,
		lastActivity: now,
	}
	b.subscribers[sub.ID] = sub

	sub.Out <- Message{
		Type:              "welcome",
		ConnectionID:      sub.ID,
		HeartbeatInterval: b.cfg.HeartbeatInterval.Milliseconds(),
		ConnectionTimeout: b.cfg.ConnectionTimeout.Milliseconds(),
		ConnectedAt:       now.UnixMilli(),
	}
	log.Debug().Str("connectionID", sub.ID).Msg("Watch subscriber accepted.")
	return sub, nil
}

// Subscribe adds a pattern for a connection and acknowledges it.
func (b *Broadcaster) Subscribe(subID, path string, recursive bool) error {
	pattern, err := b.index.Subscribe(subID, path, recursive)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if sub, ok := b.subscribers[subID]; ok {
		b.trySend(sub, Message{Type: "subscribed", Path: pattern})
	}
	b.mu.Unlock()
	return nil
}

// Unsubscribe drops a pattern for a connection and acknowledges it.
func (b *Broadcaster) Unsubscribe(subID, path string) {
	b.index.Unsubscribe(subID, path)
	b.mu.Lock()
	if sub, ok := b.subscribers[subID]; ok {
		b.trySend(sub, Message{Type: "unsubscribed", Path: path})
	}
	b.mu.Unlock()
}

// SendError queues an error frame for a subscriber. Unknown ids are ignored.
func (b *Broadcaster) SendError(subID, code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[subID]; ok {
		b.trySend(sub, Message{Type: "error", Code: code, Message: message})
	}
}

// Remove closes a subscriber and removes its subscriptions. Safe to call for
// unknown or already removed ids.
func (b *Broadcaster) Remove(subID, reason string) {
	b.index.RemoveSubscriber(subID)
	b.limiter.Remove(subID)

	b.mu.Lock()
	sub, ok := b.subscribers[subID]
	if ok {
		delete(b.subscribers, subID)
		sub.state = StateClosed
		sub.closeReason = reason
		close(sub.Out)
	}
	b.mu.Unlock()
	if ok {
		log.Debug().Str("connectionID", subID).Str("reason", reason).Msg("Watch subscriber removed.")
	}
}

// Publish queues an event. Delivery happens on the next batch flush; an
// already-pending event for the same path is coalesced.
func (b *Broadcaster) Publish(e Event) {
	if e.TimestampMs == 0 {
		e.TimestampMs = time.Now().UnixMilli()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if existing, ok := b.pending[e.Path]; ok {
		b.pending[e.Path] = coalesce(existing, e)
	} else {
		b.pending[e.Path] = e
	}

	if len(b.pending) >= b.cfg.MaxBatchSize {
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		batch := b.takePendingLocked()
		b.mu.Unlock()
		b.deliver(batch)
		return
	}
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.cfg.BatchWindow, b.flush)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) flush() {
	b.mu.Lock()
	b.flushTimer = nil
	batch := b.takePendingLocked()
	b.mu.Unlock()
	b.deliver(batch)
}

func (b *Broadcaster) takePendingLocked() []Event {
	if len(b.pending) == 0 {
		return nil
	}
	batch := make([]Event, 0, len(b.pending))
	for _, e := range b.pending {
		batch = append(batch, e)
	}
	b.pending = make(map[string]Event)

	if b.cfg.PrioritySort {
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].Type.priority() > batch[j].Type.priority()
		})
	}
	return batch
}

func (b *Broadcaster) deliver(batch []Event) {
	for _, e := range batch {
		subIDs := b.index.SubscribersForPath(e.Path)
		if e.OldPath != "" {
			// renames also notify watchers of the old location
			seen := make(map[string]struct{}, len(subIDs))
			for _, id := range subIDs {
				seen[id] = struct{}{}
			}
			for _, id := range b.index.SubscribersForPath(e.OldPath) {
				if _, dup := seen[id]; !dup {
					subIDs = append(subIDs, id)
				}
			}
		}
		for _, subID := range subIDs {
			b.deliverOne(subID, e)
		}
	}
}

func (b *Broadcaster) deliverOne(subID string, e Event) {
	decision := b.limiter.Allow(subID)

	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[subID]
	if !ok || sub.state != StateOpen {
		return
	}
	if !decision.Allowed {
		b.rateLimited++
		code := string(errdefs.RateLimited)
		b.trySend(sub, Message{
			Type:         "rate_limited",
			Code:         code,
			RetryAfterMs: decision.RetryAfterMs,
			Path:         e.Path,
		})
		return
	}
	b.trySend(sub, Message{
		Type:        string(e.Type),
		Path:        e.Path,
		OldPath:     e.OldPath,
		Size:        e.Size,
		Mtime:       e.MtimeMs,
		IsDirectory: e.IsDirectory,
		Timestamp:   e.TimestampMs,
	})
}

// trySend pushes a message without ever blocking. A full channel drops the
// frame for that subscriber only. Callers hold b.mu.
func (b *Broadcaster) trySend(sub *Subscriber, msg Message) {
	if sub.state == StateClosed {
		return
	}
	select {
	case sub.Out <- msg:
		b.delivered++
	default:
		b.dropped++
	}
}

// Pong records a pong frame from a subscriber.
func (b *Broadcaster) Pong(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[subID]; ok {
		sub.missedPongs = 0
		sub.lastActivity = time.Now()
	}
}

// ClientPing answers a subscriber-initiated ping with a pong.
func (b *Broadcaster) ClientPing(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[subID]; ok {
		sub.lastActivity = time.Now()
		b.trySend(sub, Message{Type: "pong", Timestamp: time.Now().UnixMilli()})
	}
}

// Activity marks a subscriber as alive after any inbound frame.
func (b *Broadcaster) Activity(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[subID]; ok {
		sub.lastActivity = time.Now()
	}
}

func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.heartbeat()
		case <-b.done:
			return
		}
	}
}

// heartbeat evicts stale subscribers and pings the rest.
func (b *Broadcaster) heartbeat() {
	now := time.Now()

	b.mu.Lock()
	var stale []string
	for id, sub := range b.subscribers {
		if sub.state != StateOpen {
			continue
		}
		if sub.missedPongs >= b.cfg.MaxMissedPongs ||
			now.Sub(sub.lastActivity) > b.cfg.ConnectionTimeout {
			sub.state = StateClosing
			b.trySend(sub, Message{Type: "error", Code: "CONNECTION_STALE", Message: "connection stale"})
			stale = append(stale, id)
			continue
		}
		b.trySend(sub, Message{Type: "ping", Timestamp: now.UnixMilli()})
		sub.lastPingSent = now
		sub.missedPongs++
	}
	b.evicted += int64(len(stale))
	b.mu.Unlock()

	for _, id := range stale {
		b.Remove(id, "stale")
	}
}

// Stats reports broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Connections:  len(b.subscribers),
		Pending:      len(b.pending),
		Delivered:    b.delivered,
		Dropped:      b.dropped,
		RateLimited:  b.rateLimited,
		StaleEvicted: b.evicted,
	}
}

// Close flushes pending events, stops the heartbeat, and closes every
// subscriber channel.
func (b *Broadcaster) Close() {
	b.flush()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	close(b.done)
	for _, id := range ids {
		b.Remove(id, "shutdown")
	}
}
