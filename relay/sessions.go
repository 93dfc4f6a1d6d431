package relay

import (
	"bytes"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/conclave-mpc/conclave/protocol"
)

// SessionStatus is the lifecycle state of a session record. Transitions
// only ever move forward; Closed is reachable from any state.
type SessionStatus int

const (
	StatusCreated SessionStatus = iota
	StatusReady
	StatusActive
	StatusClosed
)

func (s SessionStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusReady:
		return "ready"
	case StatusActive:
		return "active"
	default:
		return "closed"
	}
}

// Session is one session record. All fields behind mu; the manager's maps
// are lock-free so independent sessions never contend.
type Session struct {
	mu sync.Mutex

	id    protocol.SessionID
	owner []byte
	keys  [][]byte

	status     SessionStatus
	registered []bool
	// channels[i] holds the peer indexes participant i has reported an
	// established channel with
	channels []map[int]struct{}

	createdAt    time.Time
	lastActivity time.Time
}

// ID returns the session identifier.
func (s *Session) ID() protocol.SessionID { return s.id }

// Keys returns the ordered participant transport keys fixed at creation.
func (s *Session) Keys() [][]byte { return s.keys }

// Owner returns the initiator's transport key.
func (s *Session) Owner() []byte { return s.owner }

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns the client-facing snapshot.
func (s *Session) State() protocol.SessionState {
	return protocol.SessionState{ID: s.id, Keys: s.keys}
}

func (s *Session) index(key []byte) int {
	for i, k := range s.keys {
		if bytes.Equal(k, key) {
			return i
		}
	}
	return -1
}

// SessionManager owns every live session record.
type SessionManager struct {
	cfg      Config
	sessions *xsync.MapOf[protocol.SessionID, *Session]
}

// NewSessionManager creates an empty session registry.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg.withDefaults(),
		sessions: xsync.NewMapOf[protocol.SessionID, *Session](),
	}
}

// New creates a session record. The owner supplies the full ordered
// participant key list, their own key included; the owner's slot registers
// immediately.
func (m *SessionManager) New(owner []byte, keys [][]byte) (*Session, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyParticipants
	}
	for i, a := range keys {
		for _, b := range keys[i+1:] {
			if bytes.Equal(a, b) {
				return nil, ErrDuplicateKey
			}
		}
	}

	now := time.Now()
	s := &Session{
		id:           protocol.NewSessionID(),
		owner:        owner,
		keys:         keys,
		registered:   make([]bool, len(keys)),
		channels:     make([]map[int]struct{}, len(keys)),
		createdAt:    now,
		lastActivity: now,
	}
	for i := range s.channels {
		s.channels[i] = make(map[int]struct{})
	}
	if idx := s.index(owner); idx < 0 {
		return nil, ErrKeyNotInSession
	} else {
		s.registered[idx] = true
	}
	m.sessions.Store(s.id, s)
	return s, nil
}

// Get looks up a session without touching its activity clock.
func (m *SessionManager) Get(id protocol.SessionID) (*Session, error) {
	s, ok := m.sessions.Load(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Touch refreshes a session's activity clock, keeping the expiry sweep away
// while rounds are in flight.
func (m *SessionManager) Touch(id protocol.SessionID) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return nil, ErrSessionClosed
	}
	s.lastActivity = time.Now()
	return s, nil
}

// Member verifies the key belongs to the session and returns its index.
func (m *SessionManager) Member(id protocol.SessionID, key []byte) (int, error) {
	s, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	idx := s.index(key)
	if idx < 0 {
		return 0, ErrNotAMember
	}
	return idx, nil
}

// Register claims the slot for the given transport key. Idempotent for a
// key that already registered. The returned becameReady flag is true on the
// transition to Ready, i.e. when the last declared participant registers.
func (m *SessionManager) Register(id protocol.SessionID, key []byte) (s *Session, becameReady bool, err error) {
	s, err = m.Get(id)
	if err != nil {
		return nil, false, err
	}
	idx := s.index(key)
	if idx < 0 {
		return nil, false, ErrKeyNotInSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return nil, false, ErrSessionClosed
	}
	s.lastActivity = time.Now()
	s.registered[idx] = true

	if s.status != StatusCreated {
		return s, false, nil
	}
	for _, r := range s.registered {
		if !r {
			return s, false, nil
		}
	}
	s.status = StatusReady
	return s, true, nil
}

// ChannelEstablished records one pairwise channel reported by a
// participant. becameActive is true on the transition to Active, once every
// participant has reported every peer.
func (m *SessionManager) ChannelEstablished(id protocol.SessionID, reporter, peer []byte) (s *Session, becameActive bool, err error) {
	s, err = m.Get(id)
	if err != nil {
		return nil, false, err
	}
	ri := s.index(reporter)
	pi := s.index(peer)
	if ri < 0 || pi < 0 {
		return nil, false, ErrKeyNotInSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return nil, false, ErrSessionClosed
	}
	s.lastActivity = time.Now()
	s.channels[ri][pi] = struct{}{}

	if s.status != StatusReady {
		return s, false, nil
	}
	for i := range s.keys {
		if len(s.channels[i]) < len(s.keys)-1 {
			return s, false, nil
		}
	}
	s.status = StatusActive
	return s, true, nil
}

// Close ends a session explicitly. Only the initiator may close.
func (m *SessionManager) Close(id protocol.SessionID, requester []byte) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(s.owner, requester) {
		return nil, ErrNotInitiator
	}
	s.mu.Lock()
	s.status = StatusClosed
	s.mu.Unlock()
	m.sessions.Delete(id)
	return s, nil
}

// Sweep closes and removes sessions idle past the TTL, returning them so
// the caller can notify their participants.
func (m *SessionManager) Sweep(now time.Time) []*Session {
	var expired []*Session
	m.sessions.Range(func(id protocol.SessionID, s *Session) bool {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity) > m.cfg.SessionTTL
		if idle && s.status != StatusClosed {
			s.status = StatusClosed
			expired = append(expired, s)
		}
		s.mu.Unlock()
		if idle {
			m.sessions.Delete(id)
		}
		return true
	})
	return expired
}
