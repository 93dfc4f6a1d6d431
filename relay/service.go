package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/conclave-mpc/conclave/channel"
	"github.com/conclave-mpc/conclave/protocol"
)

// error codes sent to clients
const (
	codeBadRequest  uint16 = 400
	codeForbidden   uint16 = 403
	codeNotFound    uint16 = 404
	codeUnavailable uint16 = 503
)

// conn is one live client connection. The reader goroutine owns the server
// channel's receive side; sendMu serializes the send side so notifications
// and replies interleave with consistent sequence numbers.
type conn struct {
	id        uint64
	sock      *websocket.Conn
	server    *channel.Channel
	publicKey []byte
	log       zerolog.Logger

	sendMu sync.Mutex
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *conn) close() {
	c.once.Do(func() { close(c.closed) })
}

// enqueue hands an encoded frame to the writer goroutine. A full queue
// means the recipient is not draining; the frame is refused rather than
// blocking the relay.
func (c *conn) enqueue(buf []byte) error {
	select {
	case <-c.closed:
		return ErrRecipientUnreachable
	default:
	}
	select {
	case c.out <- buf:
		return nil
	default:
		return ErrRecipientUnreachable
	}
}

// sendFrame queues a transparent frame.
func (c *conn) sendFrame(f protocol.Frame) error {
	return c.enqueue(protocol.EncodeFrame(f))
}

// sendServer seals a control message on this connection's server channel
// and queues it. Encryption and queueing happen under one lock so sequence
// numbers leave in order.
func (c *conn) sendServer(msg protocol.ServerMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	seq, sealed, err := c.server.Encrypt(protocol.EncodeServerMessage(msg))
	if err != nil {
		return err
	}
	return c.enqueue(protocol.EncodeFrame(protocol.ServerFrame{Seq: seq, Sealed: sealed}))
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case buf := <-c.out:
			if err := c.sock.Write(ctx, websocket.MessageBinary, buf); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handle runs the read loop for one connection.
func (s *Server) handle(ctx context.Context, c *conn) {
	defer func() {
		c.close()
		if c.publicKey != nil {
			s.router.drop(c)
		}
	}()

	for {
		typ, buf, err := c.sock.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		frame, err := protocol.DecodeFrame(buf)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if err := s.handleFrame(c, frame); err != nil {
			s.reportError(c, err)
		}
	}
}

func (s *Server) handleFrame(c *conn, frame protocol.Frame) error {
	switch f := frame.(type) {
	case protocol.ServerHandshakeFrame:
		if f.Sub != protocol.HandshakeInitiator {
			return errors.New("relay: unexpected handshake direction")
		}
		reply, established, err := c.server.Respond(f.Payload)
		if err != nil {
			return err
		}
		if err := c.sendFrame(protocol.ServerHandshakeFrame{
			Sub:     protocol.HandshakeResponder,
			Payload: reply,
		}); err != nil {
			return err
		}
		if established {
			c.publicKey = c.server.RemoteStatic()
			c.log = c.log.With().Hex("peer", c.publicKey[:8]).Logger()
			s.router.promote(c)
			c.log.Info().Msg("client connected")
		}
		return nil

	case protocol.PeerHandshakeFrame:
		if c.publicKey == nil {
			return errors.New("relay: handshake required")
		}
		// rewrite the address so the recipient learns who is dialing
		return s.router.deliver(f.PeerKey, protocol.PeerHandshakeFrame{
			PeerKey: c.publicKey,
			Payload: f.Payload,
		})

	case protocol.EnvelopeFrame:
		if c.publicKey == nil {
			return errors.New("relay: handshake required")
		}
		return s.routeEnvelope(c, f.Envelope)

	case protocol.ServerFrame:
		if c.publicKey == nil {
			return errors.New("relay: handshake required")
		}
		plain, err := c.server.Decrypt(f.Seq, f.Sealed)
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeServerMessage(plain)
		if err != nil {
			return err
		}
		reply, err := s.service(c, msg)
		if err != nil {
			return err
		}
		if reply != nil {
			return c.sendServer(reply)
		}
		return nil

	default:
		return fmt.Errorf("relay: unexpected frame %T", frame)
	}
}

// routeEnvelope validates membership and forwards one opaque envelope,
// refreshing the session's activity clock.
func (s *Server) routeEnvelope(c *conn, env protocol.Envelope) error {
	sess, err := s.sessions.Touch(env.Session)
	if err != nil {
		return err
	}
	sender := sess.index(c.publicKey)
	if sender < 0 || sender != int(env.Sender) {
		return ErrNotAMember
	}

	out := protocol.EnvelopeFrame{PeerKey: c.publicKey, Envelope: env}
	if env.Recipient == protocol.Broadcast {
		for i, key := range sess.Keys() {
			if i == sender {
				continue
			}
			if err := s.router.deliver(key, out); err != nil {
				return fmt.Errorf("broadcast to party %d: %w", i, err)
			}
		}
		return nil
	}

	if int(env.Recipient) >= len(sess.Keys()) {
		return ErrKeyNotInSession
	}
	return s.router.deliver(sess.Keys()[env.Recipient], out)
}

// service handles one authenticated control message, returning an optional
// direct reply. Lifecycle transitions fan out to every affected member.
func (s *Server) service(c *conn, msg protocol.ServerMessage) (protocol.ServerMessage, error) {
	switch m := msg.(type) {
	case protocol.NewMeeting:
		mt, err := s.meetings.New(m.OwnerID, m.Slots, c.publicKey, m.Data)
		if err != nil {
			return nil, err
		}
		s.log.Info().Str("meeting", mt.ID().String()).Int("slots", len(m.Slots)).Msg("meeting created")
		if len(m.Slots) == 1 {
			// degenerate single-participant meeting completes immediately
			s.notifyMeetingReady(mt, mt.Participants())
		}
		return protocol.MeetingCreated{MeetingID: mt.ID()}, nil

	case protocol.JoinMeeting:
		mt, complete, participants, err := s.meetings.Join(m.MeetingID, m.UserID, c.publicKey, m.Data)
		if err != nil {
			return nil, err
		}
		if complete {
			s.log.Info().Str("meeting", mt.ID().String()).Msg("meeting ready")
			s.notifyMeetingReady(mt, participants)
		}
		return nil, nil

	case protocol.NewSession:
		sess, err := s.sessions.New(c.publicKey, m.ParticipantKeys)
		if err != nil {
			return nil, err
		}
		s.log.Info().
			Str("session", sess.ID().String()).
			Int("participants", len(m.ParticipantKeys)).
			Msg("session created")
		created := protocol.SessionCreated{
			SessionID:       sess.ID(),
			ParticipantKeys: sess.Keys(),
		}
		// announce to the other declared participants so they can register
		for _, key := range sess.Keys() {
			if string(key) == string(c.publicKey) {
				continue
			}
			if peer, ok := s.router.lookup(key); ok {
				if err := peer.sendServer(created); err != nil {
					peer.log.Warn().Err(err).Msg("failed to announce session")
				}
			}
		}
		return created, nil

	case protocol.Register:
		sess, becameReady, err := s.sessions.Register(m.SessionID, c.publicKey)
		if err != nil {
			return nil, err
		}
		if becameReady {
			s.log.Info().Str("session", sess.ID().String()).Msg("session ready")
			s.notifySession(sess, protocol.SessionReady{
				SessionID:       sess.ID(),
				ParticipantKeys: sess.Keys(),
			})
		}
		return nil, nil

	case protocol.ChannelEstablished:
		sess, becameActive, err := s.sessions.ChannelEstablished(m.SessionID, c.publicKey, m.PeerKey)
		if err != nil {
			return nil, err
		}
		if becameActive {
			s.log.Info().Str("session", sess.ID().String()).Msg("session active")
			s.notifySession(sess, protocol.SessionActive{SessionID: sess.ID()})
		}
		return nil, nil

	case protocol.CloseSession:
		sess, err := s.sessions.Close(m.SessionID, c.publicKey)
		if err != nil {
			return nil, err
		}
		s.log.Info().Str("session", sess.ID().String()).Msg("session closed")
		s.notifySession(sess, protocol.SessionClosed{SessionID: sess.ID()})
		return nil, nil

	default:
		return nil, fmt.Errorf("relay: unexpected server message %T", msg)
	}
}

// notifySession pushes a control message to every member of a session with
// a live connection. Delivery is at-least-once; clients tolerate
// duplicates.
func (s *Server) notifySession(sess *Session, msg protocol.ServerMessage) {
	for _, key := range sess.Keys() {
		if c, ok := s.router.lookup(key); ok {
			if err := c.sendServer(msg); err != nil {
				c.log.Warn().Err(err).Msg("failed to notify session member")
			}
		}
	}
}

// notifyMeetingReady pushes the complete participant map to every
// registered participant in one pass, never a partial set.
func (s *Server) notifyMeetingReady(mt *Meeting, participants []protocol.MeetingParticipant) {
	ready := protocol.MeetingReady{
		MeetingID:    mt.ID(),
		Participants: participants,
	}
	for _, p := range participants {
		if c, ok := s.router.lookup(p.PublicKey); ok {
			if err := c.sendServer(ready); err != nil {
				c.log.Warn().Err(err).Msg("failed to notify meeting participant")
			}
		}
	}
}

// reportError surfaces a request failure to the client, over the encrypted
// channel when one exists.
func (s *Server) reportError(c *conn, err error) {
	code := codeBadRequest
	switch {
	case errors.Is(err, ErrUnknownSession), errors.Is(err, ErrUnknownMeeting):
		code = codeNotFound
	case errors.Is(err, ErrNotInitiator), errors.Is(err, ErrNotAMember):
		code = codeForbidden
	case errors.Is(err, ErrRecipientUnreachable):
		code = codeUnavailable
	}
	c.log.Debug().Err(err).Msg("request failed")

	if c.server.Established() {
		if err := c.sendServer(protocol.ServerError{Code: code, Message: err.Error()}); err != nil {
			c.log.Warn().Err(err).Msg("failed to send error")
		}
		return
	}
	if err := c.sendFrame(protocol.ErrorFrame{Code: code, Message: err.Error()}); err != nil {
		c.log.Warn().Err(err).Msg("failed to send error")
	}
}
