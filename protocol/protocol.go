// Package protocol defines the wire format spoken between clients and the
// relay: frames, envelopes, server control messages and the transport
// keypairs that identify participants.
//
// Everything here is plain data and codecs. Encryption happens in the
// channel package, I/O in the relay and client packages.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
)

// Broadcast is the recipient index used to address every other member of a
// session instead of a single peer.
const Broadcast uint16 = 0xffff

// MaxPayloadSize caps the size of any length-prefixed field on the wire.
const MaxPayloadSize = 1 << 20

// KeySize is the byte length of an X25519 transport public key.
const KeySize = 32

// SessionID identifies one protocol execution on the relay.
type SessionID [16]byte

// MeetingID identifies one meeting room on the relay.
type MeetingID [16]byte

// UserID is the opaque out-of-band identifier of a meeting participant.
type UserID [32]byte

func (id SessionID) String() string { return hex.EncodeToString(id[:]) }
func (id MeetingID) String() string { return hex.EncodeToString(id[:]) }
func (id UserID) String() string    { return hex.EncodeToString(id[:]) }

// NewSessionID returns a random session identifier.
func NewSessionID() SessionID {
	var id SessionID
	rand.Read(id[:])
	return id
}

// NewMeetingID returns a random meeting identifier.
func NewMeetingID() MeetingID {
	var id MeetingID
	rand.Read(id[:])
	return id
}
