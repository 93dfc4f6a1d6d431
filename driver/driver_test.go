package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conclave-mpc/conclave/client"
	"github.com/conclave-mpc/conclave/protocol"
)

// mockMesh is an in-memory transport mesh: every party's events channel is
// fed directly by its peers' sends, no relay and no encryption.
type mockMesh struct {
	state   protocol.SessionState
	parties []*mockParty

	// deliver every round message twice to exercise duplicate suppression
	duplicate bool
}

func newMockMesh(n int) *mockMesh {
	mesh := &mockMesh{
		state: protocol.SessionState{ID: protocol.NewSessionID()},
	}
	for i := 0; i < n; i++ {
		mesh.state.Keys = append(mesh.state.Keys, []byte{byte(i + 1)})
		mesh.parties = append(mesh.parties, &mockParty{
			mesh:   mesh,
			index:  i,
			events: make(chan client.Event, 256),
		})
	}
	return mesh
}

type mockParty struct {
	mesh   *mockMesh
	index  int
	events chan client.Event
	calls  []string
}

func (p *mockParty) PublicKey() []byte           { return p.mesh.state.Keys[p.index] }
func (p *mockParty) Events() <-chan client.Event { return p.events }

func (p *mockParty) NewMeeting(ctx context.Context, ownerID protocol.UserID, slots []protocol.UserID, data []byte) error {
	p.calls = append(p.calls, "NewMeeting")
	return nil
}

func (p *mockParty) JoinMeeting(ctx context.Context, meetingID protocol.MeetingID, userID protocol.UserID, data []byte) error {
	p.calls = append(p.calls, "JoinMeeting")
	return nil
}

func (p *mockParty) NewSession(ctx context.Context, participantKeys [][]byte) error {
	p.calls = append(p.calls, "NewSession")
	return nil
}

func (p *mockParty) Register(ctx context.Context, sessionID protocol.SessionID) error {
	p.calls = append(p.calls, "Register")
	return nil
}

func (p *mockParty) ConnectPeer(ctx context.Context, peerKey []byte) error {
	p.calls = append(p.calls, fmt.Sprintf("ConnectPeer(%x)", peerKey))
	return nil
}

func (p *mockParty) ChannelEstablished(ctx context.Context, sessionID protocol.SessionID, peerKey []byte) error {
	p.calls = append(p.calls, fmt.Sprintf("ChannelEstablished(%x)", peerKey))
	return nil
}

func (p *mockParty) CloseSession(ctx context.Context, sessionID protocol.SessionID) error {
	p.calls = append(p.calls, "CloseSession")
	return nil
}

func (p *mockParty) SendRound(ctx context.Context, session protocol.SessionState, to int, round uint16, payload []byte) error {
	ev := client.RoundMessageEvent{
		SessionID: session.ID,
		Sender:    uint16(p.index),
		Recipient: uint16(to),
		Round:     round,
		Payload:   payload,
	}
	p.mesh.parties[to].events <- ev
	if p.mesh.duplicate {
		p.mesh.parties[to].events <- ev
	}
	return nil
}

func (p *mockParty) BroadcastRound(ctx context.Context, session protocol.SessionState, round uint16, payload []byte) error {
	for i := range p.mesh.parties {
		if i == p.index {
			continue
		}
		if err := p.SendRound(ctx, session, i, round, payload); err != nil {
			return err
		}
	}
	return nil
}

// sumProtocol broadcasts a value, then broadcasts the total everyone
// computed, and fails if the totals diverge.
type sumProtocol struct {
	index  uint16
	n      int
	value  uint64
	values map[uint16]uint64
	sums   map[uint16]uint64
	sent   int
}

func newSumProtocol(index, n int, value uint64) *sumProtocol {
	return &sumProtocol{
		index:  uint16(index),
		n:      n,
		value:  value,
		values: make(map[uint16]uint64),
		sums:   make(map[uint16]uint64),
	}
}

func (p *sumProtocol) Rounds() int { return 2 }

func (p *sumProtocol) total() uint64 {
	total := p.value
	for _, v := range p.values {
		total += v
	}
	return total
}

func (p *sumProtocol) Proceed() ([]Message, error) {
	defer func() { p.sent++ }()
	var body [8]byte
	switch p.sent {
	case 0:
		binary.LittleEndian.PutUint64(body[:], p.value)
	case 1:
		binary.LittleEndian.PutUint64(body[:], p.total())
	default:
		return nil, fmt.Errorf("no round %d", p.sent+1)
	}
	return []Message{{
		Round:    uint16(p.sent + 1),
		Sender:   p.index,
		Receiver: Broadcast,
		Body:     body[:],
	}}, nil
}

func (p *sumProtocol) HandleIncoming(msg Message) error {
	if len(msg.Body) != 8 {
		return fmt.Errorf("body is %d bytes", len(msg.Body))
	}
	v := binary.LittleEndian.Uint64(msg.Body)
	switch msg.Round {
	case 1:
		p.values[msg.Sender] = v
	case 2:
		p.sums[msg.Sender] = v
	}
	return nil
}

func (p *sumProtocol) Finish() (any, error) {
	total := p.total()
	for sender, sum := range p.sums {
		if sum != total {
			return nil, fmt.Errorf("party %d computed %d, we computed %d", sender, sum, total)
		}
	}
	return total, nil
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func runMesh(t *testing.T, mesh *mockMesh, values []uint64) []any {
	t.Helper()
	ctx := testContext(t)

	n := len(mesh.parties)
	results := make([]any, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i, p := range mesh.parties {
		wg.Add(1)
		go func(i int, p *mockParty) {
			defer wg.Done()
			s := &Session{Transport: p, State: mesh.state}
			results[i], errs[i] = s.Execute(ctx, newSumProtocol(i, n, values[i]))
		}(i, p)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "party %d", i)
	}
	return results
}

func TestExecuteThreeParties(t *testing.T) {
	mesh := newMockMesh(3)
	results := runMesh(t, mesh, []uint64{10, 20, 30})
	for _, r := range results {
		require.EqualValues(t, 60, r)
	}
}

func TestExecuteDuplicateDelivery(t *testing.T) {
	mesh := newMockMesh(3)
	mesh.duplicate = true
	results := runMesh(t, mesh, []uint64{1, 2, 3})
	for _, r := range results {
		require.EqualValues(t, 6, r)
	}
}

func TestExecuteReplaysPendingEvents(t *testing.T) {
	mesh := newMockMesh(2)
	ctx := testContext(t)

	// the peer's round 1 message arrived during negotiation, its round 2
	// message sits in the event queue already
	var v1, v2 [8]byte
	binary.LittleEndian.PutUint64(v1[:], 5)
	binary.LittleEndian.PutUint64(v2[:], 15)
	pending := client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 1, Payload: v1[:],
	}
	mesh.parties[0].events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 2, Payload: v2[:],
	}

	s := &Session{
		Transport: mesh.parties[0],
		State:     mesh.state,
		pending:   []client.Event{pending},
	}
	result, err := s.Execute(ctx, newSumProtocol(0, 2, 10))
	require.NoError(t, err)
	require.EqualValues(t, 15, result)
}

// growProtocol announces a single round up front and extends itself to a
// second round once it has seen round 1.
type growProtocol struct {
	rounds int
	sent   int
	got    []Message
}

func (p *growProtocol) Rounds() int { return p.rounds }

func (p *growProtocol) HandleIncoming(msg Message) error {
	p.got = append(p.got, msg)
	if msg.Round == 1 {
		p.rounds = 2
	}
	return nil
}

func (p *growProtocol) Proceed() ([]Message, error) {
	p.sent++
	return []Message{{
		Round:    uint16(p.sent),
		Sender:   0,
		Receiver: Broadcast,
		Body:     []byte{byte(p.sent)},
	}}, nil
}

func (p *growProtocol) Finish() (any, error) { return len(p.got), nil }

func TestExecuteGrowingRoundCount(t *testing.T) {
	mesh := newMockMesh(2)
	ctx := testContext(t)
	p := mesh.parties[0]

	// the peer ran ahead: its round 2 message is queued before its round 1
	// message is even processed, and round 2 is not announced yet
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 2, Payload: []byte{2},
	}
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 1, Payload: []byte{1},
	}

	s := &Session{Transport: p, State: mesh.state}
	result, err := s.Execute(ctx, &growProtocol{rounds: 1})
	require.NoError(t, err)
	require.EqualValues(t, 2, result)
}

func TestExecuteSuspendsOnPartialRound(t *testing.T) {
	mesh := newMockMesh(3)
	ctx := testContext(t)
	p := mesh.parties[0]

	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], 2)
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 1, Payload: v[:],
	}

	s := &Session{Transport: p, State: mesh.state}
	done := make(chan struct{})
	var result any
	var execErr error
	go func() {
		defer close(done)
		result, execErr = s.Execute(ctx, newSumProtocol(0, 3, 1))
	}()

	// one of two round-1 messages must not advance anything
	select {
	case <-done:
		t.Fatal("driver advanced on a partial round")
	case <-time.After(100 * time.Millisecond):
	}

	var v2 [8]byte
	binary.LittleEndian.PutUint64(v2[:], 3)
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 2, Recipient: 0, Round: 1, Payload: v2[:],
	}
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], 6)
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 2, Payload: sum[:],
	}
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 2, Recipient: 0, Round: 2, Payload: sum[:],
	}

	<-done
	require.NoError(t, execErr)
	require.EqualValues(t, 6, result)
}

func TestExecuteDeterministicUnderReordering(t *testing.T) {
	mesh := newMockMesh(3)
	ctx := testContext(t)
	p := mesh.parties[0]

	payload := func(n uint64) []byte {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], n)
		return b[:]
	}
	// round 2 arrives interleaved before round 1 completes
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 2, Payload: payload(6),
	}
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 2, Recipient: 0, Round: 1, Payload: payload(3),
	}
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 1, Payload: payload(2),
	}
	p.events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 2, Recipient: 0, Round: 2, Payload: payload(6),
	}

	s := &Session{Transport: p, State: mesh.state}
	result, err := s.Execute(ctx, newSumProtocol(0, 3, 1))
	require.NoError(t, err)
	require.EqualValues(t, 6, result)
}

func TestExecuteAbortsOnRejectedMessage(t *testing.T) {
	mesh := newMockMesh(2)
	ctx := testContext(t)

	mesh.parties[0].events <- client.MessageRejectedEvent{
		PeerKey: mesh.state.Keys[1],
		Seq:     3,
		Err:     fmt.Errorf("authentication failed"),
	}

	s := &Session{Transport: mesh.parties[0], State: mesh.state}
	_, err := s.Execute(ctx, newSumProtocol(0, 2, 1))
	var invalid *InvalidMessageError
	require.ErrorAs(t, err, &invalid)
	require.EqualValues(t, 1, invalid.From)
}

func TestExecuteRejectionFromNonMemberIsTransportError(t *testing.T) {
	mesh := newMockMesh(2)
	ctx := testContext(t)

	// a decrypt failure on the server channel carries the relay's key,
	// which belongs to no party
	mesh.parties[0].events <- client.MessageRejectedEvent{
		PeerKey: []byte{0xee},
		Seq:     1,
		Err:     fmt.Errorf("authentication failed"),
	}

	s := &Session{Transport: mesh.parties[0], State: mesh.state}
	_, err := s.Execute(ctx, newSumProtocol(0, 2, 1))
	var invalid *InvalidMessageError
	require.False(t, errors.As(err, &invalid))
	require.ErrorContains(t, err, "transport rejected")
}

func TestExecuteAbortsOnSessionClose(t *testing.T) {
	mesh := newMockMesh(2)
	ctx := testContext(t)

	mesh.parties[0].events <- client.SessionClosedEvent{SessionID: mesh.state.ID}

	s := &Session{Transport: mesh.parties[0], State: mesh.state}
	_, err := s.Execute(ctx, newSumProtocol(0, 2, 1))
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestExecuteIgnoresOtherSessions(t *testing.T) {
	mesh := newMockMesh(2)
	ctx := testContext(t)

	// noise from an unrelated session must not feed the buffer
	mesh.parties[0].events <- client.RoundMessageEvent{
		SessionID: protocol.NewSessionID(), Sender: 1, Recipient: 0, Round: 1, Payload: make([]byte, 8),
	}
	mesh.parties[0].events <- client.SessionClosedEvent{SessionID: protocol.NewSessionID()}

	var v1, v2 [8]byte
	binary.LittleEndian.PutUint64(v1[:], 7)
	binary.LittleEndian.PutUint64(v2[:], 8)
	mesh.parties[0].events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 1, Payload: v1[:],
	}
	mesh.parties[0].events <- client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 2, Payload: v2[:],
	}

	s := &Session{Transport: mesh.parties[0], State: mesh.state}
	result, err := s.Execute(ctx, newSumProtocol(0, 2, 1))
	require.NoError(t, err)
	require.EqualValues(t, 8, result)
}

func TestJoinSessionNegotiation(t *testing.T) {
	mesh := newMockMesh(2)
	ctx := testContext(t)
	p := mesh.parties[0]

	p.events <- client.SessionCreatedEvent{Session: mesh.state}
	p.events <- client.SessionReadyEvent{Session: mesh.state}
	p.events <- client.PeerConnectedEvent{PeerKey: mesh.state.Keys[1]}
	p.events <- client.SessionActiveEvent{SessionID: mesh.state.ID}

	s, err := JoinSession(ctx, p)
	require.NoError(t, err)
	require.Equal(t, mesh.state.ID, s.State.ID)
	require.Equal(t, []string{
		"Register",
		fmt.Sprintf("ConnectPeer(%x)", mesh.state.Keys[1]),
		fmt.Sprintf("ChannelEstablished(%x)", mesh.state.Keys[1]),
	}, p.calls)
}

func TestJoinSessionToleratesDuplicateNotifications(t *testing.T) {
	mesh := newMockMesh(2)
	ctx := testContext(t)
	p := mesh.parties[0]

	// lifecycle notifications are at-least-once; a redelivered ready must
	// not derail negotiation
	p.events <- client.SessionCreatedEvent{Session: mesh.state}
	p.events <- client.SessionReadyEvent{Session: mesh.state}
	p.events <- client.SessionReadyEvent{Session: mesh.state}
	p.events <- client.PeerConnectedEvent{PeerKey: mesh.state.Keys[1]}
	p.events <- client.SessionActiveEvent{SessionID: mesh.state.ID}

	s, err := JoinSession(ctx, p)
	require.NoError(t, err)
	require.Equal(t, mesh.state.ID, s.State.ID)
	require.Equal(t, []string{
		"Register",
		fmt.Sprintf("ConnectPeer(%x)", mesh.state.Keys[1]),
		fmt.Sprintf("ConnectPeer(%x)", mesh.state.Keys[1]),
		fmt.Sprintf("ChannelEstablished(%x)", mesh.state.Keys[1]),
	}, p.calls)
}

func TestJoinSessionBuffersEarlyRoundMessages(t *testing.T) {
	mesh := newMockMesh(2)
	ctx := testContext(t)
	p := mesh.parties[0]

	early := client.RoundMessageEvent{
		SessionID: mesh.state.ID, Sender: 1, Recipient: 0, Round: 1, Payload: []byte("early"),
	}
	p.events <- client.SessionCreatedEvent{Session: mesh.state}
	p.events <- client.SessionReadyEvent{Session: mesh.state}
	p.events <- client.PeerConnectedEvent{PeerKey: mesh.state.Keys[1]}
	p.events <- early
	p.events <- client.SessionActiveEvent{SessionID: mesh.state.ID}

	s, err := JoinSession(ctx, p)
	require.NoError(t, err)
	require.Equal(t, []client.Event{early}, s.pending)
}
