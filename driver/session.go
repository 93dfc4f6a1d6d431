package driver

import (
	"context"
	"fmt"

	"github.com/conclave-mpc/conclave/client"
	"github.com/conclave-mpc/conclave/protocol"
)

// Session is a negotiated, active session ready to execute protocols.
// Exactly one party owns each instance.
type Session struct {
	Transport Transport
	State     protocol.SessionState

	// round messages that raced ahead of the Active notification
	pending []client.Event
}

// Close asks the relay to end the session. Only the initiator's request
// succeeds.
func (s *Session) Close(ctx context.Context) error {
	return s.Transport.CloseSession(ctx, s.State.ID)
}

// InitiateSession creates a session over the ordered participant keys
// (which must include the caller's own) and drives negotiation until the
// channel mesh is active.
func InitiateSession(ctx context.Context, t Transport, participantKeys [][]byte) (*Session, error) {
	if err := t.NewSession(ctx, participantKeys); err != nil {
		return nil, err
	}
	return negotiate(ctx, t, false)
}

// JoinSession waits for a session announcement naming this participant,
// registers, and drives negotiation until the channel mesh is active.
func JoinSession(ctx context.Context, t Transport) (*Session, error) {
	return negotiate(ctx, t, true)
}

// negotiate walks the lifecycle: session announced, everyone registered
// (Ready), pairwise channels handshaken and reported, mesh complete
// (Active). The lower-indexed party of each pair initiates its handshake.
func negotiate(ctx context.Context, t Transport, register bool) (*Session, error) {
	s := &Session{Transport: t}
	own := t.PublicKey()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-t.Events():
			if !ok {
				return nil, ErrTransportClosed
			}
			switch e := ev.(type) {
			case client.SessionCreatedEvent:
				if e.Session.PartyIndex(own) < 0 {
					continue
				}
				s.State = e.Session
				if register {
					if err := t.Register(ctx, s.State.ID); err != nil {
						return nil, err
					}
				}

			case client.SessionReadyEvent:
				if s.State.Len() == 0 {
					// ready can arrive before created on a reconnect
					s.State = e.Session
				}
				for _, key := range s.State.Connections(own) {
					if err := t.ConnectPeer(ctx, key); err != nil {
						return nil, err
					}
				}

			case client.PeerConnectedEvent:
				if s.State.Len() == 0 || s.State.PartyIndex(e.PeerKey) < 0 {
					continue
				}
				if err := t.ChannelEstablished(ctx, s.State.ID, e.PeerKey); err != nil {
					return nil, err
				}

			case client.SessionActiveEvent:
				if s.State.Len() > 0 && e.SessionID == s.State.ID {
					return s, nil
				}

			case client.SessionClosedEvent:
				if s.State.Len() > 0 && e.SessionID == s.State.ID {
					return nil, ErrSessionClosed
				}

			case client.RoundMessageEvent, client.MessageRejectedEvent:
				// a fast peer saw Active first; keep for Execute
				s.pending = append(s.pending, ev)

			case client.ServerErrorEvent:
				return nil, fmt.Errorf("driver: relay error %d: %s", e.Code, e.Message)

			case client.ClosedEvent:
				return nil, ErrTransportClosed
			}
		}
	}
}
