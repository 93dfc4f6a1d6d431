// Package client implements the participant side of the relay protocol:
// one websocket connection, an encrypted server channel for control
// messages, and a secure channel per peer for round messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/conclave-mpc/conclave/channel"
	"github.com/conclave-mpc/conclave/protocol"
)

var (
	// ErrPeerNotConnected is returned when sending to a peer whose secure
	// channel is not established.
	ErrPeerNotConnected = errors.New("client: peer channel not established")

	// ErrNotInSession is returned when the client's own key is not part of
	// the session it is asked to send through.
	ErrNotInSession = errors.New("client: own key not in session")
)

// Options configures a client connection.
type Options struct {
	// URL of the relay websocket endpoint.
	URL string

	// Keypair is this participant's long-term transport keypair.
	Keypair protocol.Keypair

	// ServerPublicKey is the relay's static key, known out of band.
	ServerPublicKey []byte

	// Logger defaults to a disabled logger.
	Logger zerolog.Logger
}

// peer is one pairwise secure channel. mu serializes handshake steps and
// the encrypt counter.
type peer struct {
	mu sync.Mutex
	ch *channel.Channel
}

// Client is a single participant's connection to the relay. One goroutine
// owns the event stream; send methods are safe for concurrent use.
type Client struct {
	opts Options
	log  zerolog.Logger
	sock *websocket.Conn

	server *channel.Channel
	peers  *xsync.MapOf[string, *peer]

	sendMu sync.Mutex // server channel encrypt + socket write ordering
	wrMu   sync.Mutex // socket write ordering for peer traffic

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect dials the relay and performs the server channel handshake. The
// returned client is ready for authenticated operations; the caller must
// drain Events.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	sock, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	sock.SetReadLimit(protocol.MaxPayloadSize + 4096)

	c := &Client{
		opts:   opts,
		log:    opts.Logger,
		sock:   sock,
		server: channel.New(opts.Keypair, opts.ServerPublicKey),
		peers:  xsync.NewMapOf[string, *peer](),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	if err := c.handshake(ctx); err != nil {
		sock.CloseNow()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(loopCtx)
	return c, nil
}

// handshake completes the client/relay secure channel before any other
// traffic flows.
func (c *Client) handshake(ctx context.Context) error {
	msg, err := c.server.Initiate()
	if err != nil {
		return err
	}
	if err := c.write(ctx, protocol.ServerHandshakeFrame{
		Sub:     protocol.HandshakeInitiator,
		Payload: msg,
	}); err != nil {
		return err
	}

	_, buf, err := c.sock.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}
	frame, err := protocol.DecodeFrame(buf)
	if err != nil {
		return err
	}
	reply, ok := frame.(protocol.ServerHandshakeFrame)
	if !ok || reply.Sub != protocol.HandshakeResponder {
		return fmt.Errorf("client: unexpected handshake reply %T", frame)
	}
	if _, established, err := c.server.Respond(reply.Payload); err != nil {
		return err
	} else if !established {
		return errors.New("client: handshake did not complete")
	}
	return nil
}

// PublicKey returns this participant's transport public key.
func (c *Client) PublicKey() []byte { return c.opts.Keypair.Public[:] }

// Events returns the stream of relay and peer events. It is closed after
// Close or a fatal connection error, normally ending with a ClosedEvent;
// the channel close itself is the definitive end-of-stream signal.
func (c *Client) Events() <-chan Event { return c.events }

// Close tears down the connection and ends the event stream, discarding
// any events the caller has not drained.
func (c *Client) Close() error {
	c.cancel()
	err := c.sock.Close(websocket.StatusNormalClosure, "")
	// drain so a read loop blocked on a full event buffer can finish
	events := c.events
	for {
		select {
		case <-c.done:
			return err
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

func (c *Client) write(ctx context.Context, f protocol.Frame) error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	return c.sock.Write(ctx, websocket.MessageBinary, protocol.EncodeFrame(f))
}

// sendServer seals a control message on the server channel. The lock spans
// encryption and the write so sequence numbers arrive in order.
func (c *Client) sendServer(ctx context.Context, msg protocol.ServerMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	seq, sealed, err := c.server.Encrypt(protocol.EncodeServerMessage(msg))
	if err != nil {
		return err
	}
	return c.write(ctx, protocol.ServerFrame{Seq: seq, Sealed: sealed})
}

// NewMeeting asks the relay to allocate a meeting room. The response
// arrives as a MeetingCreatedEvent.
func (c *Client) NewMeeting(ctx context.Context, ownerID protocol.UserID, slots []protocol.UserID, data []byte) error {
	return c.sendServer(ctx, protocol.NewMeeting{OwnerID: ownerID, Slots: slots, Data: data})
}

// JoinMeeting fills this client's slot in a meeting room. Completion
// arrives as a MeetingReadyEvent.
func (c *Client) JoinMeeting(ctx context.Context, meetingID protocol.MeetingID, userID protocol.UserID, data []byte) error {
	return c.sendServer(ctx, protocol.JoinMeeting{MeetingID: meetingID, UserID: userID, Data: data})
}

// NewSession creates a session over the ordered participant keys, which
// must include this client's own key. The response arrives as a
// SessionCreatedEvent.
func (c *Client) NewSession(ctx context.Context, participantKeys [][]byte) error {
	return c.sendServer(ctx, protocol.NewSession{ParticipantKeys: participantKeys})
}

// Register claims this client's slot in a session.
func (c *Client) Register(ctx context.Context, sessionID protocol.SessionID) error {
	return c.sendServer(ctx, protocol.Register{SessionID: sessionID})
}

// ChannelEstablished reports a pairwise channel as up.
func (c *Client) ChannelEstablished(ctx context.Context, sessionID protocol.SessionID, peerKey []byte) error {
	return c.sendServer(ctx, protocol.ChannelEstablished{SessionID: sessionID, PeerKey: peerKey})
}

// CloseSession asks the relay to end a session; only the initiator may.
func (c *Client) CloseSession(ctx context.Context, sessionID protocol.SessionID) error {
	return c.sendServer(ctx, protocol.CloseSession{SessionID: sessionID})
}

// ConnectPeer initiates the pairwise handshake toward a peer through the
// relay. Completion arrives as a PeerConnectedEvent. Idempotent: lifecycle
// notifications are at-least-once, so a repeat dial of a peer already
// handshaking or established is a no-op.
func (c *Client) ConnectPeer(ctx context.Context, peerKey []byte) error {
	p, _ := c.peers.LoadOrStore(string(peerKey), &peer{
		ch: channel.New(c.opts.Keypair, peerKey),
	})
	p.mu.Lock()
	msg, err := p.ch.Initiate()
	p.mu.Unlock()
	if errors.Is(err, channel.ErrHandshakeState) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.write(ctx, protocol.PeerHandshakeFrame{PeerKey: peerKey, Payload: msg})
}

// SendRound encrypts a round message to one peer of the session.
func (c *Client) SendRound(ctx context.Context, session protocol.SessionState, to int, round uint16, payload []byte) error {
	own := session.PartyIndex(c.PublicKey())
	if own < 0 {
		return ErrNotInSession
	}
	peerKey := session.PeerKey(to)
	p, ok := c.peers.Load(string(peerKey))
	if !ok {
		return ErrPeerNotConnected
	}

	p.mu.Lock()
	seq, ct, err := p.ch.Encrypt(payload)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	return c.write(ctx, protocol.EnvelopeFrame{
		PeerKey: peerKey,
		Envelope: protocol.Envelope{
			Session:   session.ID,
			Sender:    uint16(own),
			Recipient: uint16(to),
			Round:     round,
			Seq:       seq,
			Payload:   ct,
		},
	})
}

// BroadcastRound encrypts and sends a round message to every other
// participant. Payloads are sealed pairwise, so fan-out happens here
// rather than at the relay.
func (c *Client) BroadcastRound(ctx context.Context, session protocol.SessionState, round uint16, payload []byte) error {
	own := session.PartyIndex(c.PublicKey())
	if own < 0 {
		return ErrNotInSession
	}
	for i := range session.Keys {
		if i == own {
			continue
		}
		if err := c.SendRound(ctx, session, i, round, payload); err != nil {
			return fmt.Errorf("broadcast to party %d: %w", i, err)
		}
	}
	return nil
}
