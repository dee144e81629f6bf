package subscription

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/feed"
)

// SubscriptionState tracks one registration.
type SubscriptionState int

const (
	SubscriptionRegistering SubscriptionState = iota
	SubscriptionActive
	SubscriptionStopping
	SubscriptionStopped
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionActive:
		return "active"
	case SubscriptionStopping:
		return "stopping"
	case SubscriptionStopped:
		return "stopped"
	default:
		return "registering"
	}
}

// Subscription is one live query. Data payloads arrive in order on Data; the
// channel closes once the subscription stops for any reason.
type Subscription struct {
	id         string
	connection *Connection
	link       *link
	data       *feed.Queue[json.RawMessage]
	acked      chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	state    SubscriptionState
	err      error
	ackOnce  sync.Once
	doneOnce sync.Once
}

func newSubscription(id string, connection *Connection, current *link) *Subscription {
	return &Subscription{
		id:         id,
		connection: connection,
		link:       current,
		data:       feed.NewQueue[json.RawMessage](),
		acked:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the protocol id.
func (s *Subscription) ID() string {
	return s.id
}

// Data yields the raw payload of each data message.
func (s *Subscription) Data() <-chan json.RawMessage {
	return s.data.Out()
}

// Done closes when the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the cause of the stop, or nil for a clean stop.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close unsubscribes through the owning connection.
func (s *Subscription) Close(ctx context.Context) error {
	return s.connection.Unsubscribe(ctx, s)
}

func (s *Subscription) acknowledge() {
	s.mu.Lock()
	if s.state == SubscriptionRegistering {
		s.state = SubscriptionActive
	}
	s.mu.Unlock()
	s.ackOnce.Do(func() { close(s.acked) })
}

func (s *Subscription) deliver(payload json.RawMessage) {
	s.data.Push(payload)
}

func (s *Subscription) beginStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SubscriptionStopping || s.state == SubscriptionStopped {
		return false
	}
	s.state = SubscriptionStopping
	return true
}

// finish moves the subscription to Stopped. With discard set, undelivered
// payloads are dropped; otherwise they drain before Data closes.
func (s *Subscription) finish(cause error, discard bool) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.state = SubscriptionStopped
		s.err = cause
		s.mu.Unlock()
		if discard {
			s.data.Abort()
		} else {
			s.data.Close()
		}
		close(s.done)
	})
	if discard {
		s.data.Abort()
	}
}
