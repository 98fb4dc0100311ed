// Package breakglass manages time-boxed emergency access sessions.
package breakglass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the fixed lifetime of a session.
const DefaultTTL = 15 * time.Minute

var (
	ErrReasonRequired = errors.New("breakglass: reason is required")
	ErrAlreadyActive  = errors.New("breakglass: session already active")
	ErrNotFound       = errors.New("breakglass: no session")
	ErrInvalidInput   = errors.New("breakglass: invalid input")
)

// State of a user's break-glass session.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StateExpired  State = "expired"
)

// Session is one activation. ExpiresAt is fixed at activation.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Reason      string    `json:"reason"`
	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StateAt reports the session state at now. Expiry is inclusive of ExpiresAt.
func (s Session) StateAt(now time.Time) State {
	if s.ID == "" {
		return StateInactive
	}
	if now.After(s.ExpiresAt) {
		return StateExpired
	}
	return StateActive
}

// Store persists sessions.
type Store interface {
	InsertSession(ctx context.Context, s Session) error
	LatestSession(ctx context.Context, userID string) (Session, error)
}

// Controller activates and inspects sessions. Expiry is evaluated lazily.
type Controller struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
}

// Option configures Controller.
type Option func(*Controller)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the controller clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController constructs a Controller.
func NewController(store Store, opts ...Option) *Controller {
	c := &Controller{store: store, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured session lifetime.
func (c *Controller) TTL() time.Duration { return c.ttl }

// Activate opens a session. An unexpired session cannot be extended or
// replaced; callers must wait for it to lapse.
func (c *Controller) Activate(ctx context.Context, userID, reason string) (Session, error) {
	userID = strings.TrimSpace(userID)
	reason = strings.TrimSpace(reason)
	if userID == "" {
		return Session{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if reason == "" {
		return Session{}, ErrReasonRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	current, err := c.store.LatestSession(ctx, userID)
	switch {
	case err == nil:
		if current.StateAt(now) == StateActive {
			return current, ErrAlreadyActive
		}
	case errors.Is(err, ErrNotFound):
	default:
		return Session{}, err
	}

	s := Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Reason:      reason,
		ActivatedAt: now,
		ExpiresAt:   now.Add(c.ttl),
	}
	if err := c.store.InsertSession(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Active returns the user's session when it is still in force at now.
func (c *Controller) Active(ctx context.Context, userID string) (Session, bool, error) {
	s, err := c.store.LatestSession(ctx, strings.TrimSpace(userID))
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	if s.StateAt(c.now()) != StateActive {
		return s, false, nil
	}
	return s, true, nil
}

// State reports the state of the user's latest session.
func (c *Controller) State(ctx context.Context, userID string) (Session, State, error) {
	s, err := c.store.LatestSession(ctx, strings.TrimSpace(userID))
	if errors.Is(err, ErrNotFound) {
		return Session{}, StateInactive, nil
	}
	if err != nil {
		return Session{}, StateInactive, err
	}
	return s, s.StateAt(c.now()), nil
}

// MemoryStore keeps sessions in process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Session)}
}

func (m *MemoryStore) InsertSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = append(m.sessions[s.UserID], s)
	return nil
}

func (m *MemoryStore) LatestSession(_ context.Context, userID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.sessions[userID]
	if len(list) == 0 {
		return Session{}, ErrNotFound
	}
	return list[len(list)-1], nil
}
