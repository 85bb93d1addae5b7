package main

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// UserStore persists accounts. Lookups return ErrNotFound for missing rows.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, hash string, at time.Time) error
	MarkEmailVerified(ctx context.Context, userID string, at time.Time) error
}

// SessionStore persists refresh-token sessions keyed by the token hash.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSessionByHash(ctx context.Context, hash string) (*Session, error)
	// RevokeSession sets revoked_at on an active session. Unknown or revoked hashes are not an error.
	RevokeSession(ctx context.Context, hash string, at time.Time) error
	// RotateSession revokes the active session oldHash and stores next in one step. It returns
	// ErrInvalidSession when oldHash is unknown, revoked or expired at now.
	RotateSession(ctx context.Context, oldHash string, next *Session, now time.Time) error
	RevokeAllSessions(ctx context.Context, userID string, at time.Time) error
}

// TokenStore persists one-time tokens.
type TokenStore interface {
	CreateOneTimeToken(ctx context.Context, t *OneTimeToken) error
	// ConsumeOneTimeToken marks an unused, unexpired token as used and returns its owner.
	// Every other case yields ErrInvalidOrExpiredToken.
	ConsumeOneTimeToken(ctx context.Context, hash string, purpose TokenPurpose, now time.Time) (string, error)
}

// IdeaStore persists pipeline ideas. Every call is scoped to an owner; rows owned by someone
// else behave as missing.
type IdeaStore interface {
	CreateIdea(ctx context.Context, i *Idea) error
	GetIdea(ctx context.Context, ownerID, id string) (*Idea, error)
	ListIdeas(ctx context.Context, ownerID string, f IdeaFilter) ([]*Idea, error)
	UpdateIdea(ctx context.Context, i *Idea) error
	DeleteIdea(ctx context.Context, ownerID, id string) error
	CountIdeasByStage(ctx context.Context, ownerID string) (map[Stage]int, error)
}

// ProductionStore persists productions and their artifacts, scoped to an owner.
type ProductionStore interface {
	CreateProduction(ctx context.Context, p *Production) error
	GetProduction(ctx context.Context, ownerID, id string) (*Production, error)
	ListProductions(ctx context.Context, ownerID string) ([]*Production, error)
	CreateArtifact(ctx context.Context, ownerID string, a *Artifact) error
	PublishArtifact(ctx context.Context, ownerID, productionID, artifactID string, at time.Time) (*Artifact, error)
}

// DB interface for database operations
type DB interface {
	UserStore
	SessionStore
	TokenStore
	IdeaStore
	ProductionStore
	Ping(ctx context.Context) error
	Close() error
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Memory DB
type MemDB struct {
	mu          sync.Mutex
	users       map[string]*User
	sessions    map[string]*Session
	tokens      map[string]*OneTimeToken
	ideas       map[string]*Idea
	productions map[string]*Production
	artifacts   map[string]*Artifact
}

var _ DB = (*MemDB)(nil)

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:       map[string]*User{},
		sessions:    map[string]*Session{},
		tokens:      map[string]*OneTimeToken{},
		ideas:       map[string]*Idea{},
		productions: map[string]*Production{},
		artifacts:   map[string]*Artifact{},
	}
}

func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error               { return nil }

func (m *MemDB) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *MemDB) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, ErrNotFound
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemDB) UpdatePassword(_ context.Context, userID, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = at
	return nil
}

func (m *MemDB) MarkEmailVerified(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &at
		u.UpdatedAt = at
	}
	return nil
}

func (m *MemDB) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.TokenHash]; ok {
		return ErrConflict
	}
	c := *s
	m.sessions[s.TokenHash] = &c
	return nil
}

func (m *MemDB) GetSessionByHash(_ context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[hash]; ok {
		c := *s
		return &c, nil
	}
	return nil, ErrNotFound
}

func (m *MemDB) RevokeSession(_ context.Context, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[hash]; ok && s.RevokedAt == nil {
		s.RevokedAt = &at
	}
	return nil
}

func (m *MemDB) RotateSession(_ context.Context, oldHash string, next *Session, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.sessions[oldHash]
	if !ok || !old.Active(now) {
		return ErrInvalidSession
	}
	if _, dup := m.sessions[next.TokenHash]; dup {
		return ErrConflict
	}
	old.RevokedAt = &now
	c := *next
	m.sessions[next.TokenHash] = &c
	return nil
}

func (m *MemDB) RevokeAllSessions(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &at
		}
	}
	return nil
}

func (m *MemDB) CreateOneTimeToken(_ context.Context, t *OneTimeToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.TokenHash]; ok {
		return ErrConflict
	}
	c := *t
	m.tokens[t.TokenHash] = &c
	return nil
}

func (m *MemDB) ConsumeOneTimeToken(_ context.Context, hash string, purpose TokenPurpose, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok || t.Purpose != purpose || t.UsedAt != nil || !now.Before(t.ExpiresAt) {
		return "", ErrInvalidOrExpiredToken
	}
	t.UsedAt = &now
	return t.UserID, nil
}

func (m *MemDB) CreateIdea(_ context.Context, i *Idea) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *i
	m.ideas[i.ID] = &c
	return nil
}

func (m *MemDB) GetIdea(_ context.Context, ownerID, id string) (*Idea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.ideas[id]
	if !ok || i.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	c := *i
	return &c, nil
}

func (m *MemDB) ListIdeas(_ context.Context, ownerID string, f IdeaFilter) ([]*Idea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Idea
	for _, i := range m.ideas {
		if i.OwnerID != ownerID || !f.matches(i) {
			continue
		}
		c := *i
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (f IdeaFilter) matches(i *Idea) bool {
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.From != nil || f.To != nil {
		if i.ScheduledFor == nil {
			return false
		}
		if f.From != nil && i.ScheduledFor.Before(*f.From) {
			return false
		}
		if f.To != nil && !i.ScheduledFor.Before(*f.To) {
			return false
		}
	}
	return true
}

func (m *MemDB) UpdateIdea(_ context.Context, i *Idea) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ideas[i.ID]
	if !ok || cur.OwnerID != i.OwnerID {
		return ErrNotFound
	}
	c := *i
	m.ideas[i.ID] = &c
	return nil
}

func (m *MemDB) DeleteIdea(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ideas[id]
	if !ok || cur.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.ideas, id)
	return nil
}

func (m *MemDB) CountIdeasByStage(_ context.Context, ownerID string) (map[Stage]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[Stage]int{}
	for _, i := range m.ideas {
		if i.OwnerID == ownerID {
			counts[i.Status]++
		}
	}
	return counts, nil
}

func (m *MemDB) CreateProduction(_ context.Context, p *Production) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.productions[p.ID] = &c
	return nil
}

func (m *MemDB) GetProduction(_ context.Context, ownerID, id string) (*Production, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.productions[id]
	if !ok || p.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return m.withCounts(p), nil
}

func (m *MemDB) ListProductions(_ context.Context, ownerID string) ([]*Production, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Production
	for _, p := range m.productions {
		if p.OwnerID == ownerID {
			out = append(out, m.withCounts(p))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// withCounts copies p and fills in artifact tallies. Caller holds m.mu.
func (m *MemDB) withCounts(p *Production) *Production {
	c := *p
	var list []*Artifact
	for _, a := range m.artifacts {
		if a.ProductionID == p.ID {
			list = append(list, a)
		}
	}
	c.tally(list)
	return &c
}

func (m *MemDB) CreateArtifact(_ context.Context, ownerID string, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.productions[a.ProductionID]
	if !ok || p.OwnerID != ownerID {
		return ErrNotFound
	}
	c := *a
	m.artifacts[a.ID] = &c
	return nil
}

func (m *MemDB) PublishArtifact(_ context.Context, ownerID, productionID, artifactID string, at time.Time) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.productions[productionID]
	if !ok || p.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	a, ok := m.artifacts[artifactID]
	if !ok || a.ProductionID != productionID {
		return nil, ErrNotFound
	}
	if a.PublishedAt == nil {
		a.PublishedAt = &at
	}
	c := *a
	return &c, nil
}
