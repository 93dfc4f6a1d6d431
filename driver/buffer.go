package driver

// RoundBuffer collects incoming round messages until a round is complete.
// It tolerates out-of-order arrival across rounds and silently absorbs
// duplicates so re-delivery never reaches the protocol twice.
type RoundBuffer struct {
	expected map[uint16]int
	seen     map[uint16]map[uint16]struct{}
	messages map[uint16][]Message
}

// NewRoundBuffer creates a buffer expecting perRound messages for each of
// rounds rounds, numbered from 1.
func NewRoundBuffer(rounds, perRound int) *RoundBuffer {
	b := &RoundBuffer{
		expected: make(map[uint16]int, rounds),
		seen:     make(map[uint16]map[uint16]struct{}),
		messages: make(map[uint16][]Message),
	}
	for i := 1; i <= rounds; i++ {
		b.expected[uint16(i)] = perRound
	}
	return b
}

// Expect overrides the number of messages required for one round, for
// targeted rounds with a reduced sender set.
func (b *RoundBuffer) Expect(round uint16, count int) {
	b.expected[round] = count
}

// Rounds returns the number of rounds configured.
func (b *RoundBuffer) Rounds() int { return len(b.expected) }

// Add stores a message, returning false for a duplicate (same round, same
// sender). Messages for rounds not yet announced are retained; they only
// count toward readiness once Expect configures the round, so a protocol
// that grows its round count between rounds never loses early arrivals.
func (b *RoundBuffer) Add(msg Message) bool {
	senders, ok := b.seen[msg.Round]
	if !ok {
		senders = make(map[uint16]struct{})
		b.seen[msg.Round] = senders
	}
	if _, dup := senders[msg.Sender]; dup {
		return false
	}
	senders[msg.Sender] = struct{}{}
	b.messages[msg.Round] = append(b.messages[msg.Round], msg)
	return true
}

// Ready reports whether every expected message for the round has arrived.
func (b *RoundBuffer) Ready(round uint16) bool {
	want, ok := b.expected[round]
	return ok && len(b.messages[round]) == want
}

// Take removes and returns the messages collected for a round. Callers
// check Ready first; taking early yields a partial set.
func (b *RoundBuffer) Take(round uint16) []Message {
	msgs := b.messages[round]
	delete(b.messages, round)
	return msgs
}
