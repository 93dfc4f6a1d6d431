package protocol

import "fmt"

// Frame kinds. Transparent frames are readable by the relay, opaque frames
// carry ciphertext the relay only routes.
const (
	kindError           byte = 1
	kindHandshakeServer byte = 2
	kindHandshakePeer   byte = 3
	kindEnvelope        byte = 4
	kindServer          byte = 5
)

// Handshake sub-kinds.
const (
	HandshakeInitiator byte = 1
	HandshakeResponder byte = 2
)

// Frame is one websocket message exchanged with the relay.
type Frame interface {
	frameKind() byte
}

// ErrorFrame reports a relay-side failure before a server channel exists.
type ErrorFrame struct {
	Code    uint16
	Message string
}

// ServerHandshakeFrame carries one step of the client/relay channel
// handshake in the clear.
type ServerHandshakeFrame struct {
	Sub     byte // HandshakeInitiator or HandshakeResponder
	Payload []byte
}

// PeerHandshakeFrame carries one step of a peer-to-peer channel handshake.
// On the way in PeerKey addresses the recipient; the relay rewrites it to
// the sender's key before forwarding.
type PeerHandshakeFrame struct {
	PeerKey []byte
	Payload []byte
}

// Envelope is a single end-to-end encrypted round message. The relay uses
// the addressing fields for routing and membership checks; Payload is
// opaque ciphertext. Seq doubles as the channel nonce counter and is
// strictly increasing per sender per channel.
type Envelope struct {
	Session   SessionID
	Sender    uint16
	Recipient uint16 // Broadcast to address the whole session
	Round     uint16
	Seq       uint64
	Payload   []byte
}

// EnvelopeFrame wraps an Envelope with the transport key used for routing.
// Inbound it names the recipient, outbound the relay rewrites it to name
// the sender.
type EnvelopeFrame struct {
	PeerKey  []byte
	Envelope Envelope
}

// ServerFrame is a sealed control message on the client/relay channel.
type ServerFrame struct {
	Seq    uint64
	Sealed []byte
}

func (ErrorFrame) frameKind() byte           { return kindError }
func (ServerHandshakeFrame) frameKind() byte { return kindHandshakeServer }
func (PeerHandshakeFrame) frameKind() byte   { return kindHandshakePeer }
func (EnvelopeFrame) frameKind() byte        { return kindEnvelope }
func (ServerFrame) frameKind() byte          { return kindServer }

// EncodeFrame serializes a frame for the websocket.
func EncodeFrame(f Frame) []byte {
	w := &writer{}
	w.u8(f.frameKind())
	switch m := f.(type) {
	case ErrorFrame:
		w.u16(m.Code)
		w.string(m.Message)
	case ServerHandshakeFrame:
		w.u8(m.Sub)
		w.bytes(m.Payload)
	case PeerHandshakeFrame:
		w.bytes(m.PeerKey)
		w.bytes(m.Payload)
	case EnvelopeFrame:
		w.bytes(m.PeerKey)
		w.raw(m.Envelope.Session[:])
		w.u16(m.Envelope.Sender)
		w.u16(m.Envelope.Recipient)
		w.u16(m.Envelope.Round)
		w.u64(m.Envelope.Seq)
		w.bytes(m.Envelope.Payload)
	case ServerFrame:
		w.u64(m.Seq)
		w.bytes(m.Sealed)
	}
	return w.buf.Bytes()
}

// DecodeFrame parses a websocket message into a frame.
func DecodeFrame(buf []byte) (Frame, error) {
	r := &reader{buf: buf}
	kind := r.u8()
	var f Frame
	switch kind {
	case kindError:
		f = ErrorFrame{Code: r.u16(), Message: r.string()}
	case kindHandshakeServer:
		f = ServerHandshakeFrame{Sub: r.u8(), Payload: r.bytes()}
	case kindHandshakePeer:
		f = PeerHandshakeFrame{PeerKey: r.bytes(), Payload: r.bytes()}
	case kindEnvelope:
		var env Envelope
		peerKey := r.bytes()
		copy(env.Session[:], r.take(len(env.Session)))
		env.Sender = r.u16()
		env.Recipient = r.u16()
		env.Round = r.u16()
		env.Seq = r.u64()
		env.Payload = r.bytes()
		f = EnvelopeFrame{PeerKey: peerKey, Envelope: env}
	case kindServer:
		f = ServerFrame{Seq: r.u64(), Sealed: r.bytes()}
	default:
		return nil, fmt.Errorf("protocol: unknown frame kind %d", kind)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return f, nil
}
