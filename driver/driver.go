// Package driver executes round-based protocols over a session's channel
// mesh. It owns the wait-until-round-complete state machine and knows
// nothing about the cryptographic scheme plugged into it.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/conclave-mpc/conclave/client"
	"github.com/conclave-mpc/conclave/protocol"
)

// Broadcast addresses a message to every other participant.
const Broadcast = protocol.Broadcast

var (
	// ErrSessionClosed is returned when the session ends mid-execution.
	ErrSessionClosed = errors.New("driver: session closed")

	// ErrTransportClosed is returned when the relay connection dies
	// mid-execution.
	ErrTransportClosed = errors.New("driver: transport closed")
)

// Message is one round message. Sender and Receiver are party indexes into
// the session's ordered key list; Body is scheme-defined and opaque here.
type Message struct {
	Round    uint16
	Sender   uint16
	Receiver uint16 // Broadcast or a party index
	Body     []byte
}

// IsBroadcast reports whether the message targets every other participant.
func (m Message) IsBroadcast() bool { return m.Receiver == Broadcast }

// Protocol is a pluggable round-based scheme. The driver feeds it complete
// rounds and relays whatever it wants sent; the scheme never touches the
// network.
//
// The call sequence is: Proceed (round 1 output), then for each round
// HandleIncoming for every collected message followed by either Proceed
// (next round's output) or, after the final round, Finish.
type Protocol interface {
	// Rounds returns the total number of rounds. It is consulted again
	// between rounds, so schemes may decide their length as they go.
	Rounds() int

	// HandleIncoming consumes one validated message of the current round.
	HandleIncoming(msg Message) error

	// Proceed produces the outgoing messages for the next round.
	Proceed() ([]Message, error)

	// Finish produces the protocol result after the final round.
	Finish() (any, error)
}

// RoundPlanner is implemented by protocols with targeted rounds, where the
// expected sender count differs from every-other-participant.
type RoundPlanner interface {
	ExpectedMessages(round uint16) int
}

// InvalidMessageError aborts an execution because of malformed or
// undecryptable input attributed to one party. Round protocols cannot skip
// or substitute a participant's message.
type InvalidMessageError struct {
	From uint16
	Err  error
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("driver: invalid message from party %d: %v", e.From, e.Err)
}

func (e *InvalidMessageError) Unwrap() error { return e.Err }

// SchemeError wraps a failure reported by the plugged-in scheme.
type SchemeError struct {
	Err error
}

func (e *SchemeError) Error() string { return fmt.Sprintf("driver: scheme failure: %v", e.Err) }
func (e *SchemeError) Unwrap() error { return e.Err }

// Transport is the client surface the driver needs. *client.Client
// implements it; tests plug in in-memory meshes.
type Transport interface {
	PublicKey() []byte
	Events() <-chan client.Event

	NewMeeting(ctx context.Context, ownerID protocol.UserID, slots []protocol.UserID, data []byte) error
	JoinMeeting(ctx context.Context, meetingID protocol.MeetingID, userID protocol.UserID, data []byte) error

	NewSession(ctx context.Context, participantKeys [][]byte) error
	Register(ctx context.Context, sessionID protocol.SessionID) error
	ConnectPeer(ctx context.Context, peerKey []byte) error
	ChannelEstablished(ctx context.Context, sessionID protocol.SessionID, peerKey []byte) error
	CloseSession(ctx context.Context, sessionID protocol.SessionID) error

	SendRound(ctx context.Context, session protocol.SessionState, to int, round uint16, payload []byte) error
	BroadcastRound(ctx context.Context, session protocol.SessionState, round uint16, payload []byte) error
}

var _ Transport = (*client.Client)(nil)

// Execute runs a protocol over an active session until it yields a result
// or aborts. Waiting for a round's messages suspends only this caller; the
// relay and the other parties are never blocked. Callers impose deadlines
// through ctx.
func (s *Session) Execute(ctx context.Context, proto Protocol) (any, error) {
	buffer := NewRoundBuffer(proto.Rounds(), s.State.Len()-1)
	if planner, ok := proto.(RoundPlanner); ok {
		for r := 1; r <= proto.Rounds(); r++ {
			buffer.Expect(uint16(r), planner.ExpectedMessages(uint16(r)))
		}
	}

	out, err := proto.Proceed()
	if err != nil {
		return nil, &SchemeError{Err: err}
	}
	s.announceRounds(proto, buffer)
	if err := s.dispatch(ctx, out); err != nil {
		return nil, err
	}

	round := uint16(1)
	// events observed during session negotiation replay first
	for _, ev := range s.pending {
		if result, done, err := s.step(ctx, proto, buffer, &round, ev); err != nil {
			return nil, err
		} else if done {
			return result, nil
		}
	}
	s.pending = nil

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.Transport.Events():
			if !ok {
				return nil, ErrTransportClosed
			}
			if result, done, err := s.step(ctx, proto, buffer, &round, ev); err != nil {
				return nil, err
			} else if done {
				return result, nil
			}
		}
	}
}

// step feeds one event into the execution, advancing rounds as they
// complete.
func (s *Session) step(ctx context.Context, proto Protocol, buffer *RoundBuffer, round *uint16, ev client.Event) (any, bool, error) {
	switch e := ev.(type) {
	case client.RoundMessageEvent:
		if e.SessionID != s.State.ID {
			return nil, false, nil
		}
		buffer.Add(Message{
			Round:    e.Round,
			Sender:   e.Sender,
			Receiver: e.Recipient,
			Body:     e.Payload,
		})

	case client.MessageRejectedEvent:
		from := s.State.PartyIndex(e.PeerKey)
		if from < 0 {
			// not a session member; a failure on the server channel or
			// another session's peer is a transport problem, not a party's
			return nil, false, fmt.Errorf("driver: transport rejected a message: %w", e.Err)
		}
		return nil, false, &InvalidMessageError{From: uint16(from), Err: e.Err}

	case client.SessionClosedEvent:
		if e.SessionID == s.State.ID {
			return nil, false, ErrSessionClosed
		}
		return nil, false, nil

	case client.ServerErrorEvent:
		return nil, false, fmt.Errorf("driver: relay error %d: %s", e.Code, e.Message)

	case client.ClosedEvent:
		return nil, false, ErrTransportClosed

	default:
		return nil, false, nil
	}

	// drain every round that completed, including early arrivals
	for buffer.Ready(*round) {
		for _, msg := range buffer.Take(*round) {
			if err := proto.HandleIncoming(msg); err != nil {
				return nil, false, &InvalidMessageError{From: msg.Sender, Err: err}
			}
		}

		if int(*round) >= proto.Rounds() {
			result, err := proto.Finish()
			if err != nil {
				return nil, false, &SchemeError{Err: err}
			}
			return result, true, nil
		}

		out, err := proto.Proceed()
		if err != nil {
			return nil, false, &SchemeError{Err: err}
		}
		s.announceRounds(proto, buffer)
		if err := s.dispatch(ctx, out); err != nil {
			return nil, false, err
		}
		*round++
	}
	return nil, false, nil
}

// announceRounds configures buffer expectations for any rounds the
// protocol announced since the last Proceed.
func (s *Session) announceRounds(proto Protocol, buffer *RoundBuffer) {
	planner, _ := proto.(RoundPlanner)
	for r := buffer.Rounds() + 1; r <= proto.Rounds(); r++ {
		want := s.State.Len() - 1
		if planner != nil {
			want = planner.ExpectedMessages(uint16(r))
		}
		buffer.Expect(uint16(r), want)
	}
}

// dispatch sends a batch of outgoing round messages over the mesh.
func (s *Session) dispatch(ctx context.Context, msgs []Message) error {
	for _, msg := range msgs {
		if msg.IsBroadcast() {
			if err := s.Transport.BroadcastRound(ctx, s.State, msg.Round, msg.Body); err != nil {
				return err
			}
			continue
		}
		if err := s.Transport.SendRound(ctx, s.State, int(msg.Receiver), msg.Round, msg.Body); err != nil {
			return err
		}
	}
	return nil
}
