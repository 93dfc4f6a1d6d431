package relay

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/conclave-mpc/conclave/protocol"
)

// Meeting is one meeting room record: a fixed set of identifier slots that
// participants fill exactly once with their long-term key material.
type Meeting struct {
	mu sync.Mutex

	id    protocol.MeetingID
	order []protocol.UserID
	slots map[protocol.UserID]*protocol.MeetingParticipant

	filled    int
	createdAt time.Time
	// zero until every slot is filled
	completedAt time.Time
}

// ID returns the meeting identifier.
func (mt *Meeting) ID() protocol.MeetingID { return mt.id }

// participants returns the filled slots in declaration order. Caller holds mu.
func (mt *Meeting) participants() []protocol.MeetingParticipant {
	out := make([]protocol.MeetingParticipant, 0, mt.filled)
	for _, id := range mt.order {
		if p := mt.slots[id]; p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// Participants returns a snapshot of the filled slots in declaration order.
func (mt *Meeting) Participants() []protocol.MeetingParticipant {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.participants()
}

// MeetingRegistry owns every live meeting record.
type MeetingRegistry struct {
	cfg      Config
	meetings *xsync.MapOf[protocol.MeetingID, *Meeting]
}

// NewMeetingRegistry creates an empty meeting registry.
func NewMeetingRegistry(cfg Config) *MeetingRegistry {
	return &MeetingRegistry{
		cfg:      cfg.withDefaults(),
		meetings: xsync.NewMapOf[protocol.MeetingID, *Meeting](),
	}
}

// New allocates a meeting with one empty slot per identifier and fills the
// owner's slot immediately. Identifiers must be unique and include the
// owner.
func (r *MeetingRegistry) New(ownerID protocol.UserID, slots []protocol.UserID, ownerKey, ownerData []byte) (*Meeting, error) {
	mt := &Meeting{
		id:        protocol.NewMeetingID(),
		order:     slots,
		slots:     make(map[protocol.UserID]*protocol.MeetingParticipant, len(slots)),
		createdAt: time.Now(),
	}
	for _, id := range slots {
		if _, ok := mt.slots[id]; ok {
			return nil, ErrDuplicateID
		}
		mt.slots[id] = nil
	}
	if _, ok := mt.slots[ownerID]; !ok {
		return nil, ErrUnknownParticipant
	}
	mt.slots[ownerID] = &protocol.MeetingParticipant{
		UserID:    ownerID,
		PublicKey: ownerKey,
		Data:      ownerData,
	}
	mt.filled = 1
	if mt.filled == len(mt.order) {
		mt.completedAt = time.Now()
	}
	r.meetings.Store(mt.id, mt)
	return mt, nil
}

// Join fills the caller's slot. complete is true exactly once, on the join
// that fills the last slot; the returned participant list is then the full
// atomic map to broadcast.
func (r *MeetingRegistry) Join(id protocol.MeetingID, userID protocol.UserID, key, data []byte) (mt *Meeting, complete bool, participants []protocol.MeetingParticipant, err error) {
	mt, ok := r.meetings.Load(id)
	if !ok {
		return nil, false, nil, ErrUnknownMeeting
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	slot, declared := mt.slots[userID]
	if !declared {
		return nil, false, nil, ErrUnknownParticipant
	}
	if slot != nil {
		return nil, false, nil, ErrAlreadyJoined
	}
	if !mt.completedAt.IsZero() {
		return nil, false, nil, ErrMeetingComplete
	}

	mt.slots[userID] = &protocol.MeetingParticipant{
		UserID:    userID,
		PublicKey: key,
		Data:      data,
	}
	mt.filled++

	if mt.filled == len(mt.order) {
		mt.completedAt = time.Now()
		return mt, true, mt.participants(), nil
	}
	return mt, false, mt.participants(), nil
}

// Sweep discards completed meetings past their retention window and stale
// meetings that never filled.
func (r *MeetingRegistry) Sweep(now time.Time) {
	r.meetings.Range(func(id protocol.MeetingID, mt *Meeting) bool {
		mt.mu.Lock()
		expired := false
		if !mt.completedAt.IsZero() {
			expired = now.Sub(mt.completedAt) > r.cfg.MeetingTTL
		} else {
			expired = now.Sub(mt.createdAt) > r.cfg.MeetingTTL
		}
		mt.mu.Unlock()
		if expired {
			r.meetings.Delete(id)
		}
		return true
	})
}
