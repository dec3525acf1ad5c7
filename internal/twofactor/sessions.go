package twofactor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"skillforge-auth/internal/memstore"
)

// DefaultSessionTTL bounds how long a first-pass login may wait for its
// second factor.
const DefaultSessionTTL = 10 * time.Minute

// PendingSession is the transient state between a successful password check
// and a successful second-factor check.
type PendingSession struct {
	AccountID string
	Method    string
	Verified  bool
}

// Sessions manages pending 2FA sessions in process memory. Single-instance
// only; a multi-instance deployment swaps the backing store for a shared
// TTL store without changing call sites.
type Sessions struct {
	store *memstore.Store[PendingSession]
}

func NewSessions() *Sessions {
	return &Sessions{store: memstore.New[PendingSession]()}
}

// WithClock replaces the time source of the backing store. Test hook.
func (s *Sessions) WithClock(nowFn func() time.Time) *Sessions {
	s.store.WithClock(nowFn)
	return s
}

// Create opens a pending session for the account and returns its id.
func (s *Sessions) Create(accountID, method string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}

	s.store.Set(id.String(), PendingSession{AccountID: accountID, Method: method}, ttl)

	return id.String(), nil
}

// Peek returns the session without consuming it. Returns false if the
// session is missing or expired.
func (s *Sessions) Peek(sessionID string) (PendingSession, bool) {
	return s.store.Get(sessionID)
}

// MarkVerified flags the session after a successful second-factor check.
// Returns false if the session is missing or expired.
func (s *Sessions) MarkVerified(sessionID string) bool {
	return s.store.Update(sessionID, func(session PendingSession) PendingSession {
		session.Verified = true
		return session
	})
}

// Redeem exchanges a verified session for its account id, deleting it so it
// can be used exactly once. Returns false if the session is missing,
// expired, or was never marked verified.
func (s *Sessions) Redeem(sessionID string) (string, bool) {
	session, ok := s.store.Get(sessionID)
	if !ok || !session.Verified {
		return "", false
	}

	s.store.Delete(sessionID)

	return session.AccountID, true
}

// Run purges expired sessions on a fixed interval until ctx is cancelled.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	s.store.Run(ctx, interval)
}
