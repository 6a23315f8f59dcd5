package eventbus

import (
	"sync"

	"github.com/splax/bothost/internal/domain"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	key     domain.Key
	ch      *channel
	reg     *Registry
	queue   chan domain.Event
	handler Handler

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Key returns the channel key the subscription is attached to.
func (s *Subscription) Key() domain.Key {
	return s.key
}

// Done is closed once the subscription stops delivering, whether through
// Close, a handler error, queue overflow or registry shutdown.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.detach()
}

func (s *Subscription) detach() {
	s.ch.mu.Lock()
	if _, ok := s.ch.subs[s.id]; ok {
		delete(s.ch.subs, s.id)
		s.ch.lastActive = s.reg.now()
	}
	s.ch.mu.Unlock()
	s.stopDelivery()
}

// stopDelivery must be safe to call with ch.mu held.
func (s *Subscription) stopDelivery() {
	s.stopOnce.Do(func() {
		s.reg.subscribers.Dec()
		close(s.stop)
	})
}

func (s *Subscription) deliver() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case event := <-s.queue:
			select {
			case <-s.stop:
				return
			default:
			}
			if err := s.handler(event); err != nil {
				s.reg.logger.Debug("subscriber handler failed, detaching", "key", s.key.String(), "error", err)
				s.detach()
				return
			}
		}
	}
}
