package client

import "github.com/conclave-mpc/conclave/protocol"

// Event is something that happened on the relay connection: a lifecycle
// transition, an established peer channel, or a decrypted round message.
// The set of variants is closed; consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// MeetingCreatedEvent confirms a NewMeeting request.
type MeetingCreatedEvent struct {
	MeetingID protocol.MeetingID
}

// MeetingReadyEvent carries the complete participant map of a meeting.
type MeetingReadyEvent struct {
	MeetingID    protocol.MeetingID
	Participants []protocol.MeetingParticipant
}

// SessionCreatedEvent announces a session this client is declared in.
type SessionCreatedEvent struct {
	Session protocol.SessionState
}

// SessionReadyEvent fires when every declared participant has registered.
type SessionReadyEvent struct {
	Session protocol.SessionState
}

// SessionActiveEvent fires when the full channel mesh is established.
type SessionActiveEvent struct {
	SessionID protocol.SessionID
}

// SessionClosedEvent fires on explicit close or relay-side expiry.
type SessionClosedEvent struct {
	SessionID protocol.SessionID
}

// PeerConnectedEvent fires when a pairwise secure channel reaches
// transport state.
type PeerConnectedEvent struct {
	PeerKey []byte
}

// RoundMessageEvent is a decrypted protocol round message from a peer.
type RoundMessageEvent struct {
	SessionID protocol.SessionID
	Sender    uint16
	Recipient uint16
	Round     uint16
	Payload   []byte
}

// MessageRejectedEvent reports an envelope that failed authentication or
// replay checks. The message was dropped; escalation policy belongs to the
// consumer.
type MessageRejectedEvent struct {
	PeerKey []byte
	Seq     uint64
	Err     error
}

// ServerErrorEvent surfaces a relay-reported request failure.
type ServerErrorEvent struct {
	Code    uint16
	Message string
}

// ClosedEvent is the final event before the event stream ends.
type ClosedEvent struct {
	Err error
}

func (MeetingCreatedEvent) isEvent()  {}
func (MeetingReadyEvent) isEvent()    {}
func (SessionCreatedEvent) isEvent()  {}
func (SessionReadyEvent) isEvent()    {}
func (SessionActiveEvent) isEvent()   {}
func (SessionClosedEvent) isEvent()   {}
func (PeerConnectedEvent) isEvent()   {}
func (RoundMessageEvent) isEvent()    {}
func (MessageRejectedEvent) isEvent() {}
func (ServerErrorEvent) isEvent()     {}
func (ClosedEvent) isEvent()          {}
