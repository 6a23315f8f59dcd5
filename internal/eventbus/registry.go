// Package eventbus fans deployment events out to live subscribers. Channels
// are keyed by (server, deployment), created lazily on first publish or
// subscribe, and swept once they have been empty for a grace period.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/metrics"
)

const (
	defaultQueueSize  = 256
	defaultIdleGrace  = 2 * time.Minute
	defaultSweepEvery = 30 * time.Second
)

// ErrClosed is returned by Subscribe after the registry has been closed.
var ErrClosed = errors.New("eventbus: registry closed")

// Handler receives events for one subscription. Returning an error detaches
// the subscription.
type Handler func(domain.Event) error

// Options tunes a Registry. Zero values select defaults.
type Options struct {
	QueueSize  int
	IdleGrace  time.Duration
	SweepEvery time.Duration
	Logger     *slog.Logger
}

// Registry owns every live channel for the lifetime of the process.
type Registry struct {
	mu         sync.Mutex
	channels   map[domain.Key]*channel
	closed     bool
	queueSize  int
	idleGrace  time.Duration
	sweepEvery time.Duration
	logger     *slog.Logger
	now        func() time.Time
	nextID     atomic.Uint64

	subscribers prometheus.Gauge
	dropped     prometheus.Counter
	published   prometheus.Counter
}

type channel struct {
	mu         sync.Mutex
	key        domain.Key
	subs       map[uint64]*Subscription
	lastActive time.Time
	removed    bool
}

// New constructs a Registry.
func New(opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = defaultIdleGrace
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels:   make(map[domain.Key]*channel),
		queueSize:  opts.QueueSize,
		idleGrace:  opts.IdleGrace,
		sweepEvery: opts.SweepEvery,
		logger:     logger.With("component", "eventbus"),
		now:        time.Now,
		subscribers: metrics.Register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "eventbus",
			Name:      "subscribers",
			Help:      "Number of attached event bus subscribers",
		})),
		dropped: metrics.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "eventbus",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers detached because their queue overflowed",
		})),
		published: metrics.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "eventbus",
			Name:      "published_events_total",
			Help:      "Events published to the bus",
		})),
	}
}

// Publish broadcasts event to every current subscriber of key. It never
// blocks on a subscriber: one whose queue is full is detached.
func (r *Registry) Publish(key domain.Key, event domain.Event) {
	ch := r.channel(key)
	if ch == nil {
		return
	}
	r.published.Inc()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.lastActive = r.now()
	for id, sub := range ch.subs {
		select {
		case sub.queue <- event:
		default:
			delete(ch.subs, id)
			r.dropped.Inc()
			r.logger.Warn("subscriber queue full, detaching", "key", key.String(), "subscription", id)
			sub.stopDelivery()
		}
	}
}

// Subscribe attaches handler to key. Events are delivered in publish order
// on a dedicated goroutine.
func (r *Registry) Subscribe(key domain.Key, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("eventbus: nil handler")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	ch := r.channelLocked(key)
	sub := &Subscription{
		id:      r.nextID.Add(1),
		key:     key,
		ch:      ch,
		reg:     r,
		queue:   make(chan domain.Event, r.queueSize),
		handler: handler,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	ch.mu.Lock()
	ch.subs[sub.id] = sub
	ch.lastActive = r.now()
	ch.mu.Unlock()
	r.mu.Unlock()

	r.subscribers.Inc()
	go sub.deliver()
	return sub, nil
}

// SubscriberCount reports how many subscribers are attached to key.
func (r *Registry) SubscriberCount(key domain.Key) int {
	r.mu.Lock()
	ch, ok := r.channels[key]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// ChannelCount reports how many channels the registry currently holds.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Run sweeps idle channels until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes channels without subscribers that have been idle longer
// than the grace period.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.idleGrace)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, ch := range r.channels {
		ch.mu.Lock()
		if len(ch.subs) == 0 && !ch.lastActive.After(cutoff) {
			ch.removed = true
			delete(r.channels, key)
			removed++
		}
		ch.mu.Unlock()
	}
	if removed > 0 {
		r.logger.Debug("swept idle channels", "count", removed)
	}
	return removed
}

// Close detaches every subscriber and refuses new subscriptions.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	channels := r.channels
	r.channels = make(map[domain.Key]*channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.mu.Lock()
		ch.removed = true
		for id, sub := range ch.subs {
			delete(ch.subs, id)
			sub.stopDelivery()
		}
		ch.mu.Unlock()
	}
}

func (r *Registry) channel(key domain.Key) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.channelLocked(key)
}

func (r *Registry) channelLocked(key domain.Key) *channel {
	ch, ok := r.channels[key]
	if !ok {
		ch = &channel{key: key, subs: make(map[uint64]*Subscription), lastActive: r.now()}
		r.channels[key] = ch
	}
	return ch
}
