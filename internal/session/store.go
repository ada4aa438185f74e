// Package session holds per-conversation message history so stateless
// OpenAI-style requests can continue a prior conversation. Sessions live in
// memory for the lifetime of the process; expiry is a sliding TTL re-based on
// every successful read or write.
package session

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/agentgate/agentgate/internal/openai"
)

// ErrNotFound is returned when an operation references an unknown session id.
var ErrNotFound = errors.New("session not found")

// ErrExists is returned by Create when the id is already present.
var ErrExists = errors.New("session already exists")

// Status classifies a session's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

// Session is a snapshot of one conversation. Messages are append-only and
// never mutated after being stored; snapshots returned by the store carry
// copies.
type Session struct {
	ID           string               `json:"id"`
	Model        string               `json:"model"`
	SystemPrompt string               `json:"system_prompt,omitempty"`
	Messages     []openai.ChatMessage `json:"messages"`
	NumTurns     int                  `json:"num_turns"`
	MaxTurns     int                  `json:"max_turns,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	LastAccess   time.Time            `json:"last_accessed_at"`
	ExpiresAt    time.Time            `json:"expires_at"`
	Status       Status               `json:"status"`
}

// Summary is the listing shape; it omits message bodies.
type Summary struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	NumTurns     int       `json:"num_turns"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccess   time.Time `json:"last_accessed_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Status       Status    `json:"status"`
}

// Stats aggregates store contents.
type Stats struct {
	Active        int `json:"active"`
	Expired       int `json:"expired"`
	TotalMessages int `json:"total_messages"`
}

// entry pairs a session with its own lock. The store's index lock covers only
// the map and LRU list; message reads and appends serialize per session so
// traffic on different ids never contends.
type entry struct {
	mu   sync.Mutex
	sess Session
	elem *list.Element // owned by Store.mu
}

// Store is a concurrency-safe TTL+LRU session store.
type Store struct {
	ttl      time.Duration
	maxCount int
	now      func() time.Time

	mu       sync.Mutex // index lock: sessions map + lru list only
	sessions map[string]*entry
	lru      *list.List // front = most recently accessed; values are ids
}

// NewStore builds a store with the given sliding TTL and capacity. When the
// capacity is exceeded the least-recently-accessed session is evicted before
// a new one is created.
func NewStore(ttl time.Duration, maxCount int) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxCount < 1 {
		maxCount = 1
	}
	return &Store{
		ttl:      ttl,
		maxCount: maxCount,
		now:      time.Now,
		sessions: make(map[string]*entry),
		lru:      list.New(),
	}
}

// Get returns a snapshot of the session and refreshes its TTL. Expired
// sessions are reported as missing; removal is the sweeper's job.
func (s *Store) Get(id string) (Session, bool) {
	e := s.lookupAndPromote(id)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.now().After(e.sess.ExpiresAt) {
		e.sess.Status = StatusExpired
		return Session{}, false
	}
	s.touchLocked(e)
	return snapshot(&e.sess), true
}

// Create inserts a new session. An empty id is minted. Returns ErrExists if
// the id is already present and still live; an expired entry awaiting sweep
// does not block reuse of its id. Eviction and insertion happen under one
// index lock acquisition, so concurrent creations cannot overshoot capacity.
func (s *Store) Create(id, model, systemPrompt string, maxTurns int) (Session, error) {
	if id == "" {
		id = shortuuid.New()
	}
	now := s.now()
	e := &entry{sess: Session{
		ID:           id,
		Model:        model,
		SystemPrompt: systemPrompt,
		MaxTurns:     maxTurns,
		CreatedAt:    now,
		LastAccess:   now,
		ExpiresAt:    now.Add(s.ttl),
		Status:       StatusActive,
	}}

	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		existing.mu.Lock()
		expired := now.After(existing.sess.ExpiresAt)
		if expired {
			existing.sess.Status = StatusExpired
		}
		existing.mu.Unlock()
		if !expired {
			s.mu.Unlock()
			return Session{}, ErrExists
		}
		s.lru.Remove(existing.elem)
		delete(s.sessions, id)
	}
	for len(s.sessions) >= s.maxCount {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(string)
		s.lru.Remove(oldest)
		delete(s.sessions, victim)
	}
	e.elem = s.lru.PushFront(id)
	s.sessions[id] = e
	s.mu.Unlock()

	return snapshot(&e.sess), nil
}

// GetOrCreate fetches an existing live session or creates one. created
// reports which path was taken.
func (s *Store) GetOrCreate(id, model, systemPrompt string, maxTurns int) (Session, bool, error) {
	if id != "" {
		if sess, ok := s.Get(id); ok {
			return sess, false, nil
		}
	}
	sess, err := s.Create(id, model, systemPrompt, maxTurns)
	if errors.Is(err, ErrExists) {
		// Lost a create race; the winner's session is the one to use.
		if got, ok := s.Get(id); ok {
			return got, false, nil
		}
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// AppendMessages appends to an existing session and refreshes its TTL.
// Messages are copied in; callers cannot mutate stored history afterwards.
func (s *Store) AppendMessages(id string, messages []openai.ChatMessage) error {
	e := s.lookupAndPromote(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.now().After(e.sess.ExpiresAt) {
		e.sess.Status = StatusExpired
		return ErrNotFound
	}
	e.sess.Messages = append(e.sess.Messages, messages...)
	for _, m := range messages {
		if m.Role == "assistant" {
			e.sess.NumTurns++
		}
	}
	s.touchLocked(e)
	return nil
}

// Delete removes the session. Exactly one concurrent caller observes true.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		s.lru.Remove(e.elem)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.sess.Status = StatusDeleted
	e.mu.Unlock()
	return true
}

// List returns summaries for all stored sessions, expired ones included.
func (s *Store) List() []Summary {
	entries := s.snapshotEntries()
	now := s.now()
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := e.sess.Status
		if st == StatusActive && now.After(e.sess.ExpiresAt) {
			st = StatusExpired
		}
		out = append(out, Summary{
			ID:           e.sess.ID,
			Model:        e.sess.Model,
			MessageCount: len(e.sess.Messages),
			NumTurns:     e.sess.NumTurns,
			CreatedAt:    e.sess.CreatedAt,
			LastAccess:   e.sess.LastAccess,
			ExpiresAt:    e.sess.ExpiresAt,
			Status:       st,
		})
		e.mu.Unlock()
	}
	return out
}

// Stats aggregates the store contents.
func (s *Store) Stats() Stats {
	entries := s.snapshotEntries()
	now := s.now()
	var st Stats
	for _, e := range entries {
		e.mu.Lock()
		if now.After(e.sess.ExpiresAt) {
			st.Expired++
		} else {
			st.Active++
		}
		st.TotalMessages += len(e.sess.Messages)
		e.mu.Unlock()
	}
	return st
}

// Sweep removes sessions whose expiry has passed and returns how many were
// removed. A session still within its TTL is never touched; a second sweep
// with no intervening access removes nothing further.
func (s *Store) Sweep() int {
	entries := s.snapshotEntries()
	now := s.now()
	var expired []string
	for _, e := range entries {
		e.mu.Lock()
		if now.After(e.sess.ExpiresAt) {
			e.sess.Status = StatusExpired
			expired = append(expired, e.sess.ID)
		}
		e.mu.Unlock()
	}
	removed := 0
	s.mu.Lock()
	for _, id := range expired {
		if e, ok := s.sessions[id]; ok {
			delete(s.sessions, id)
			s.lru.Remove(e.elem)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// Len reports the number of stored sessions, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// lookupAndPromote finds the entry and moves it to the LRU front under the
// index lock. The caller takes the entry lock afterwards; the index lock is
// never held across message access.
func (s *Store) lookupAndPromote(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil
	}
	s.lru.MoveToFront(e.elem)
	return e
}

func (s *Store) snapshotEntries() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e)
	}
	return out
}

// touchLocked re-bases the sliding expiry. Caller holds the entry lock.
func (s *Store) touchLocked(e *entry) {
	now := s.now()
	e.sess.LastAccess = now
	e.sess.ExpiresAt = now.Add(s.ttl)
}

func snapshot(sess *Session) Session {
	cp := *sess
	cp.Messages = make([]openai.ChatMessage, len(sess.Messages))
	copy(cp.Messages, sess.Messages)
	return cp
}
