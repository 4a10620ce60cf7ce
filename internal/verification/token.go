package verification

import (
	"errors"
	"sync"
	"time"

	"github.com/developingchet/cascade-guard/internal/clock"
	"github.com/developingchet/cascade-guard/internal/metrics"
	"github.com/developingchet/cascade-guard/internal/security"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of an issued token.
const DefaultTokenTTL = 5 * time.Minute

var (
	ErrTokenUnknown  = errors.New("verification: token unknown or revoked")
	ErrTokenUsed     = errors.New("verification: token already used")
	ErrTokenExpired  = errors.New("verification: token expired")
	ErrTokenMismatch = errors.New("verification: token bound to a different operation")
)

// Token proves a completed verification for one (subject, kind, entity).
type Token struct {
	Value     string                 `json:"value"`
	SubjectID string                 `json:"subjectId"`
	Kind      security.OperationKind `json:"operationKind"`
	EntityID  string                 `json:"entityId,omitempty"`
	IssuedAt  time.Time              `json:"issuedAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

type tokenEntry struct {
	tok  Token
	used bool
}

// TokenStore issues and consumes single-use tokens.
type TokenStore struct {
	ttl   time.Duration
	clock clock.Clock

	mu     sync.Mutex
	tokens map[string]*tokenEntry
}

// NewTokenStore returns a store issuing tokens valid for ttl.
func NewTokenStore(ttl time.Duration, clk clock.Clock) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenStore{ttl: ttl, clock: clk, tokens: make(map[string]*tokenEntry)}
}

// Issue mints a token bound to subject, kind and entity.
func (s *TokenStore) Issue(subject string, kind security.OperationKind, entityID string) Token {
	now := s.clock.Now()
	tok := Token{
		Value:     uuid.NewString(),
		SubjectID: subject,
		Kind:      kind,
		EntityID:  entityID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.mu.Lock()
	s.tokens[tok.Value] = &tokenEntry{tok: tok}
	s.mu.Unlock()
	metrics.TokensIssued.Inc()
	return tok
}

// Consume accepts value exactly once, before its expiry, and only for the
// binding it was issued for. A mismatch does not burn the token.
func (s *TokenStore) Consume(value, subject string, kind security.OperationKind, entityID string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[value]
	switch {
	case !ok:
		return Token{}, reject(ErrTokenUnknown, "unknown")
	case e.used:
		return Token{}, reject(ErrTokenUsed, "used")
	case !s.clock.Now().Before(e.tok.ExpiresAt):
		return Token{}, reject(ErrTokenExpired, "expired")
	case e.tok.SubjectID != subject || e.tok.Kind != kind || e.tok.EntityID != entityID:
		return Token{}, reject(ErrTokenMismatch, "mismatch")
	}
	e.used = true
	return e.tok, nil
}

func reject(err error, reason string) error {
	metrics.TokensRejected.WithLabelValues(reason).Inc()
	return err
}

// RevokeSubject drops every token issued to subject and returns the count.
func (s *TokenStore) RevokeSubject(subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for v, e := range s.tokens {
		if e.tok.SubjectID == subject {
			delete(s.tokens, v)
			n++
		}
	}
	return n
}

// Prune removes tokens expired at now. Used tokens stay until expiry so a
// replay reports ErrTokenUsed rather than ErrTokenUnknown.
func (s *TokenStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for v, e := range s.tokens {
		if !now.Before(e.tok.ExpiresAt) {
			delete(s.tokens, v)
			n++
		}
	}
	return n
}

// Len returns the number of tracked tokens.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
