package payments

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSessionTTL is how long an untouched checkout stays open
const DefaultSessionTTL = 30 * time.Minute

// CheckoutFactory builds an unloaded checkout
type CheckoutFactory func(duesID, memberID uint) *Checkout

type session struct {
	checkout *Checkout
	expires  time.Time
}

// SessionManager keeps the open checkouts of an HTTP server. Closing a
// session, or letting it expire, closes its checkout.
type SessionManager struct {
	mu       sync.Mutex
	factory  CheckoutFactory
	clock    Clock
	ttl      time.Duration
	log      *logrus.Entry
	sessions map[string]*session
	stop     func()
}

// NewSessionManager creates a manager. It re-loads open checkouts of a dues
// row whenever a refresh for that row is published on evts.
func NewSessionManager(factory CheckoutFactory, clock Clock, ttl time.Duration, evts *Events, logger *logrus.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &SessionManager{
		factory:  factory,
		clock:    clock,
		ttl:      ttl,
		log:      logger.WithField("component", "sessions"),
		sessions: make(map[string]*session),
	}
	if evts != nil {
		m.stop = evts.Refresh.Subscribe(func(e RefreshRequested) {
			m.refreshDues(e.DuesID)
		})
	}
	return m
}

// Open creates and loads a checkout for duesID
func (m *SessionManager) Open(ctx context.Context, duesID, memberID uint) (*Checkout, error) {
	c := m.factory(duesID, memberID)
	if err := c.Load(ctx); err != nil {
		c.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[c.ID()] = &session{checkout: c, expires: m.clock.Now().Add(m.ttl)}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"session_id": c.ID(), "dues_id": duesID}).Debug("checkout opened")
	return c, nil
}

// Get returns an open checkout and extends its lifetime
func (m *SessionManager) Get(id string) (*Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := m.clock.Now()
	if now.After(s.expires) {
		delete(m.sessions, id)
		go s.checkout.Close()
		return nil, ErrSessionNotFound
	}
	s.expires = now.Add(m.ttl)
	return s.checkout, nil
}

// CloseSession closes and forgets a checkout
func (m *SessionManager) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.checkout.Close()
	return nil
}

// Sweep closes every expired checkout and returns how many were closed
func (m *SessionManager) Sweep() int {
	now := m.clock.Now()
	var expired []*Checkout

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.After(s.expires) {
			expired = append(expired, s.checkout)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		c.Close()
	}
	if len(expired) > 0 {
		m.log.WithField("closed", len(expired)).Info("expired checkouts closed")
	}
	return len(expired)
}

// Len returns the number of open sessions
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) refreshDues(duesID uint) {
	m.mu.Lock()
	var open []*Checkout
	for _, s := range m.sessions {
		if s.checkout.DuesID() == duesID {
			open = append(open, s.checkout)
		}
	}
	m.mu.Unlock()

	for _, c := range open {
		go func(c *Checkout) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Refresh(ctx); err != nil {
				m.log.WithError(err).WithField("session_id", c.ID()).Warn("checkout refresh failed")
			}
		}(c)
	}
}

// Close closes every open checkout
func (m *SessionManager) Close() {
	if m.stop != nil {
		m.stop()
	}
	m.mu.Lock()
	all := make([]*Checkout, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s.checkout)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
