package protocol

import "fmt"

// Server message ops, only ever carried inside a sealed ServerFrame.
const (
	opNewMeeting         byte = 1
	opMeetingCreated     byte = 2
	opJoinMeeting        byte = 3
	opMeetingReady       byte = 4
	opNewSession         byte = 5
	opSessionCreated     byte = 6
	opRegister           byte = 7
	opSessionReady       byte = 8
	opChannelEstablished byte = 9
	opSessionActive      byte = 10
	opCloseSession       byte = 11
	opSessionClosed      byte = 12
	opServerError        byte = 13
)

// ServerMessage is a control message between a client and the relay,
// authenticated and encrypted by the server channel.
type ServerMessage interface {
	serverOp() byte
}

// NewMeeting asks the relay to allocate a meeting room with one slot per
// identifier. The creator's slot is filled immediately.
type NewMeeting struct {
	OwnerID UserID
	Slots   []UserID
	Data    []byte
}

// MeetingCreated confirms meeting allocation to the creator.
type MeetingCreated struct {
	MeetingID MeetingID
}

// JoinMeeting fills the caller's slot in a meeting room.
type JoinMeeting struct {
	MeetingID MeetingID
	UserID    UserID
	Data      []byte
}

// MeetingParticipant is one filled slot of a completed meeting.
type MeetingParticipant struct {
	UserID    UserID
	PublicKey []byte
	Data      []byte
}

// MeetingReady delivers the complete participant map to every registered
// participant in one atomic notification.
type MeetingReady struct {
	MeetingID    MeetingID
	Participants []MeetingParticipant
}

// NewSession asks the relay to create a session over the given ordered set
// of transport public keys. The caller's key must be among them.
type NewSession struct {
	ParticipantKeys [][]byte
}

// SessionCreated announces a new session to its declared participants.
type SessionCreated struct {
	SessionID       SessionID
	ParticipantKeys [][]byte
}

// Register claims the caller's slot in a session.
type Register struct {
	SessionID SessionID
}

// SessionReady fires once every declared participant has registered.
type SessionReady struct {
	SessionID       SessionID
	ParticipantKeys [][]byte
}

// ChannelEstablished reports one pairwise secure channel as ready.
type ChannelEstablished struct {
	SessionID SessionID
	PeerKey   []byte
}

// SessionActive fires once every pairwise channel in the mesh is up.
type SessionActive struct {
	SessionID SessionID
}

// CloseSession ends a session; only the initiator may send it.
type CloseSession struct {
	SessionID SessionID
}

// SessionClosed announces session teardown, explicit or by expiry.
type SessionClosed struct {
	SessionID SessionID
}

// ServerError reports a failed operation over the established channel.
type ServerError struct {
	Code    uint16
	Message string
}

func (NewMeeting) serverOp() byte         { return opNewMeeting }
func (MeetingCreated) serverOp() byte     { return opMeetingCreated }
func (JoinMeeting) serverOp() byte        { return opJoinMeeting }
func (MeetingReady) serverOp() byte       { return opMeetingReady }
func (NewSession) serverOp() byte         { return opNewSession }
func (SessionCreated) serverOp() byte     { return opSessionCreated }
func (Register) serverOp() byte           { return opRegister }
func (SessionReady) serverOp() byte       { return opSessionReady }
func (ChannelEstablished) serverOp() byte { return opChannelEstablished }
func (SessionActive) serverOp() byte      { return opSessionActive }
func (CloseSession) serverOp() byte       { return opCloseSession }
func (SessionClosed) serverOp() byte      { return opSessionClosed }
func (ServerError) serverOp() byte        { return opServerError }

// EncodeServerMessage serializes a control message for sealing.
func EncodeServerMessage(m ServerMessage) []byte {
	w := &writer{}
	w.u8(m.serverOp())
	switch v := m.(type) {
	case NewMeeting:
		w.raw(v.OwnerID[:])
		w.u16(uint16(len(v.Slots)))
		for _, id := range v.Slots {
			w.raw(id[:])
		}
		w.bytes(v.Data)
	case MeetingCreated:
		w.raw(v.MeetingID[:])
	case JoinMeeting:
		w.raw(v.MeetingID[:])
		w.raw(v.UserID[:])
		w.bytes(v.Data)
	case MeetingReady:
		w.raw(v.MeetingID[:])
		w.u16(uint16(len(v.Participants)))
		for _, p := range v.Participants {
			w.raw(p.UserID[:])
			w.bytes(p.PublicKey)
			w.bytes(p.Data)
		}
	case NewSession:
		w.u16(uint16(len(v.ParticipantKeys)))
		for _, k := range v.ParticipantKeys {
			w.bytes(k)
		}
	case SessionCreated:
		w.raw(v.SessionID[:])
		w.u16(uint16(len(v.ParticipantKeys)))
		for _, k := range v.ParticipantKeys {
			w.bytes(k)
		}
	case Register:
		w.raw(v.SessionID[:])
	case SessionReady:
		w.raw(v.SessionID[:])
		w.u16(uint16(len(v.ParticipantKeys)))
		for _, k := range v.ParticipantKeys {
			w.bytes(k)
		}
	case ChannelEstablished:
		w.raw(v.SessionID[:])
		w.bytes(v.PeerKey)
	case SessionActive:
		w.raw(v.SessionID[:])
	case CloseSession:
		w.raw(v.SessionID[:])
	case SessionClosed:
		w.raw(v.SessionID[:])
	case ServerError:
		w.u16(v.Code)
		w.string(v.Message)
	}
	return w.buf.Bytes()
}

// DecodeServerMessage parses an unsealed control message.
func DecodeServerMessage(buf []byte) (ServerMessage, error) {
	r := &reader{buf: buf}
	op := r.u8()
	var m ServerMessage
	switch op {
	case opNewMeeting:
		var v NewMeeting
		copy(v.OwnerID[:], r.take(len(v.OwnerID)))
		n := int(r.u16())
		v.Slots = make([]UserID, 0, n)
		for i := 0; i < n; i++ {
			var id UserID
			copy(id[:], r.take(len(id)))
			v.Slots = append(v.Slots, id)
		}
		v.Data = r.bytes()
		m = v
	case opMeetingCreated:
		var v MeetingCreated
		copy(v.MeetingID[:], r.take(len(v.MeetingID)))
		m = v
	case opJoinMeeting:
		var v JoinMeeting
		copy(v.MeetingID[:], r.take(len(v.MeetingID)))
		copy(v.UserID[:], r.take(len(v.UserID)))
		v.Data = r.bytes()
		m = v
	case opMeetingReady:
		var v MeetingReady
		copy(v.MeetingID[:], r.take(len(v.MeetingID)))
		n := int(r.u16())
		v.Participants = make([]MeetingParticipant, 0, n)
		for i := 0; i < n; i++ {
			var p MeetingParticipant
			copy(p.UserID[:], r.take(len(p.UserID)))
			p.PublicKey = r.bytes()
			p.Data = r.bytes()
			v.Participants = append(v.Participants, p)
		}
		m = v
	case opNewSession:
		var v NewSession
		v.ParticipantKeys = readKeys(r)
		m = v
	case opSessionCreated:
		var v SessionCreated
		copy(v.SessionID[:], r.take(len(v.SessionID)))
		v.ParticipantKeys = readKeys(r)
		m = v
	case opRegister:
		var v Register
		copy(v.SessionID[:], r.take(len(v.SessionID)))
		m = v
	case opSessionReady:
		var v SessionReady
		copy(v.SessionID[:], r.take(len(v.SessionID)))
		v.ParticipantKeys = readKeys(r)
		m = v
	case opChannelEstablished:
		var v ChannelEstablished
		copy(v.SessionID[:], r.take(len(v.SessionID)))
		v.PeerKey = r.bytes()
		m = v
	case opSessionActive:
		var v SessionActive
		copy(v.SessionID[:], r.take(len(v.SessionID)))
		m = v
	case opCloseSession:
		var v CloseSession
		copy(v.SessionID[:], r.take(len(v.SessionID)))
		m = v
	case opSessionClosed:
		var v SessionClosed
		copy(v.SessionID[:], r.take(len(v.SessionID)))
		m = v
	case opServerError:
		m = ServerError{Code: r.u16(), Message: r.string()}
	default:
		return nil, fmt.Errorf("protocol: unknown server op %d", op)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return m, nil
}

func readKeys(r *reader) [][]byte {
	n := int(r.u16())
	keys := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, r.bytes())
	}
	return keys
}
