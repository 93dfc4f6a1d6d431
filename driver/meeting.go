package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/conclave-mpc/conclave/client"
	"github.com/conclave-mpc/conclave/protocol"
)

// ErrDuplicateSlot is returned when a meeting declares the same user
// identifier twice.
var ErrDuplicateSlot = errors.New("driver: duplicate meeting slot")

// Meeting is the outcome of a completed meeting point: every slot filled,
// the same ordered participant map delivered to everyone.
type Meeting struct {
	ID           protocol.MeetingID
	Participants []protocol.MeetingParticipant
}

// Keys returns the participants' transport keys in slot declaration
// order, ready to seed a session.
func (m *Meeting) Keys() [][]byte {
	keys := make([][]byte, 0, len(m.Participants))
	for _, p := range m.Participants {
		keys = append(keys, p.PublicKey)
	}
	return keys
}

// CreateMeeting allocates a meeting room with one slot per identifier and
// fills the owner's slot. The owner then waits for the room with
// AwaitMeeting.
func CreateMeeting(ctx context.Context, t Transport, ownerID protocol.UserID, slots []protocol.UserID, data []byte) (protocol.MeetingID, error) {
	seen := make(map[protocol.UserID]struct{}, len(slots))
	for _, id := range slots {
		if _, dup := seen[id]; dup {
			return protocol.MeetingID{}, ErrDuplicateSlot
		}
		seen[id] = struct{}{}
	}

	if err := t.NewMeeting(ctx, ownerID, slots, data); err != nil {
		return protocol.MeetingID{}, err
	}
	for {
		ev, err := nextEvent(ctx, t)
		if err != nil {
			return protocol.MeetingID{}, err
		}
		switch e := ev.(type) {
		case client.MeetingCreatedEvent:
			return e.MeetingID, nil
		case client.ServerErrorEvent:
			return protocol.MeetingID{}, fmt.Errorf("driver: relay error %d: %s", e.Code, e.Message)
		}
	}
}

// JoinMeeting fills the caller's slot and waits for the room to complete.
func JoinMeeting(ctx context.Context, t Transport, meetingID protocol.MeetingID, userID protocol.UserID, data []byte) (*Meeting, error) {
	if err := t.JoinMeeting(ctx, meetingID, userID, data); err != nil {
		return nil, err
	}
	return AwaitMeeting(ctx, t, meetingID)
}

// AwaitMeeting waits until every slot of the meeting is filled and
// returns the participant map.
func AwaitMeeting(ctx context.Context, t Transport, meetingID protocol.MeetingID) (*Meeting, error) {
	for {
		ev, err := nextEvent(ctx, t)
		if err != nil {
			return nil, err
		}
		switch e := ev.(type) {
		case client.MeetingReadyEvent:
			if e.MeetingID != meetingID {
				continue
			}
			return &Meeting{ID: e.MeetingID, Participants: e.Participants}, nil
		case client.ServerErrorEvent:
			return nil, fmt.Errorf("driver: relay error %d: %s", e.Code, e.Message)
		}
	}
}

func nextEvent(ctx context.Context, t Transport) (client.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-t.Events():
		if !ok {
			return nil, ErrTransportClosed
		}
		if _, closed := ev.(client.ClosedEvent); closed {
			return nil, ErrTransportClosed
		}
		return ev, nil
	}
}
