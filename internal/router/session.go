package router

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/termkeep/internal/alist"
)

// DefaultSessionLimit bounds how many identities keep session state.
const DefaultSessionLimit = 256

// Pending is the follow-up answer a session is waiting for.
type Pending int

const (
	PendingNone Pending = iota
	PendingStreamURL
	PendingNetworkName
	PendingQuestion
)

func (p Pending) String() string {
	switch p {
	case PendingNone:
		return "idle"
	case PendingStreamURL:
		return "stream_url"
	case PendingNetworkName:
		return "network_name"
	case PendingQuestion:
		return "question"
	default:
		return "unknown"
	}
}

// Session is the per-identity conversation state.
type Session struct {
	ID       string
	Identity string
	// CurrentPath is the storage directory being browsed.
	CurrentPath string
	// LastListing is the listing that file-action indexes refer to.
	LastListing []alist.DirEntry
	Pending     Pending
	LastSeen    time.Time
}

// entry returns the listing item at i.
func (s *Session) entry(i int) (alist.DirEntry, bool) {
	if i < 0 || i >= len(s.LastListing) {
		return alist.DirEntry{}, false
	}
	return s.LastListing[i], true
}

// Sessions is an LRU of sessions keyed by identity. When full, the
// least recently used session is dropped.
type Sessions struct {
	mu    sync.Mutex
	limit int
	order *list.List // front is most recent; values are *Session
	index map[string]*list.Element
}

// NewSessions creates a session table holding at most limit entries.
// A limit <= 0 uses [DefaultSessionLimit].
func NewSessions(limit int) *Sessions {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	return &Sessions{
		limit: limit,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Get returns the session for identity, creating it if needed, and
// marks it most recently used.
func (s *Sessions) Get(identity string, now time.Time) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[identity]; ok {
		s.order.MoveToFront(el)
		sess := el.Value.(*Session)
		sess.LastSeen = now
		return sess
	}

	sess := &Session{
		ID:          uuid.NewString(),
		Identity:    identity,
		CurrentPath: alist.Root,
		LastSeen:    now,
	}
	s.index[identity] = s.order.PushFront(sess)

	for s.order.Len() > s.limit {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(*Session).Identity)
	}
	return sess
}

// Peek returns the session for identity without creating it or
// changing its recency.
func (s *Sessions) Peek(identity string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[identity]
	if !ok {
		return nil, false
	}
	return el.Value.(*Session), true
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
