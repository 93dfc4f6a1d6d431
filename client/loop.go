package client

import (
	"context"

	"github.com/conclave-mpc/conclave/channel"
	"github.com/conclave-mpc/conclave/protocol"
)

// readLoop owns the receiving side of the connection, translating frames
// into events until the socket dies or the client closes.
func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	var fatal error
	for {
		_, buf, err := c.sock.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fatal = err
			}
			break
		}
		frame, err := protocol.DecodeFrame(buf)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.handleFrame(ctx, frame)
	}
	select {
	case c.events <- ClosedEvent{Err: fatal}:
	default:
		// buffer full and nobody draining; the close below still ends the
		// stream
	}
	close(c.events)
}

func (c *Client) handleFrame(ctx context.Context, frame protocol.Frame) {
	switch f := frame.(type) {
	case protocol.ErrorFrame:
		c.events <- ServerErrorEvent{Code: f.Code, Message: f.Message}

	case protocol.PeerHandshakeFrame:
		c.handlePeerHandshake(ctx, f)

	case protocol.EnvelopeFrame:
		c.handleEnvelope(f)

	case protocol.ServerFrame:
		plain, err := c.server.Decrypt(f.Seq, f.Sealed)
		if err != nil {
			c.events <- MessageRejectedEvent{PeerKey: c.opts.ServerPublicKey, Seq: f.Seq, Err: err}
			return
		}
		msg, err := protocol.DecodeServerMessage(plain)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping undecodable server message")
			return
		}
		c.handleServerMessage(msg)

	default:
		c.log.Debug().Msgf("unexpected frame %T", frame)
	}
}

// handlePeerHandshake advances the pairwise handshake with the sender,
// answering incoming initiations automatically.
func (c *Client) handlePeerHandshake(ctx context.Context, f protocol.PeerHandshakeFrame) {
	p, _ := c.peers.LoadOrStore(string(f.PeerKey), &peer{
		ch: channel.New(c.opts.Keypair, f.PeerKey),
	})

	p.mu.Lock()
	reply, established, err := p.ch.Respond(f.Payload)
	p.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Hex("peer", f.PeerKey[:8]).Msg("peer handshake failed")
		return
	}
	if reply != nil {
		if err := c.write(ctx, protocol.PeerHandshakeFrame{PeerKey: f.PeerKey, Payload: reply}); err != nil {
			c.log.Warn().Err(err).Msg("failed to send handshake reply")
			return
		}
	}
	if established {
		c.events <- PeerConnectedEvent{PeerKey: f.PeerKey}
	}
}

// handleEnvelope decrypts a round message on the sender's channel.
// Failures are reported, not fatal; escalation is the consumer's call.
func (c *Client) handleEnvelope(f protocol.EnvelopeFrame) {
	env := f.Envelope
	p, ok := c.peers.Load(string(f.PeerKey))
	if !ok || !p.ch.Established() {
		c.events <- MessageRejectedEvent{PeerKey: f.PeerKey, Seq: env.Seq, Err: ErrPeerNotConnected}
		return
	}

	p.mu.Lock()
	plain, err := p.ch.Decrypt(env.Seq, env.Payload)
	p.mu.Unlock()
	if err != nil {
		c.events <- MessageRejectedEvent{PeerKey: f.PeerKey, Seq: env.Seq, Err: err}
		return
	}

	c.events <- RoundMessageEvent{
		SessionID: env.Session,
		Sender:    env.Sender,
		Recipient: env.Recipient,
		Round:     env.Round,
		Payload:   plain,
	}
}

func (c *Client) handleServerMessage(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.MeetingCreated:
		c.events <- MeetingCreatedEvent{MeetingID: m.MeetingID}
	case protocol.MeetingReady:
		c.events <- MeetingReadyEvent{MeetingID: m.MeetingID, Participants: m.Participants}
	case protocol.SessionCreated:
		c.events <- SessionCreatedEvent{Session: protocol.SessionState{ID: m.SessionID, Keys: m.ParticipantKeys}}
	case protocol.SessionReady:
		c.events <- SessionReadyEvent{Session: protocol.SessionState{ID: m.SessionID, Keys: m.ParticipantKeys}}
	case protocol.SessionActive:
		c.events <- SessionActiveEvent{SessionID: m.SessionID}
	case protocol.SessionClosed:
		c.events <- SessionClosedEvent{SessionID: m.SessionID}
	case protocol.ServerError:
		c.events <- ServerErrorEvent{Code: m.Code, Message: m.Message}
	default:
		c.log.Debug().Msgf("unexpected server message %T", msg)
	}
}
