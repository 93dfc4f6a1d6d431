package protocol

import "bytes"

// SessionState is a client-side snapshot of a session: its identifier and
// the ordered transport keys of every participant. Indexes into Keys are
// the party numbers used in envelopes.
type SessionState struct {
	ID   SessionID
	Keys [][]byte
}

// PartyIndex returns the index of the given transport key, or -1.
func (s SessionState) PartyIndex(key []byte) int {
	for i, k := range s.Keys {
		if bytes.Equal(k, key) {
			return i
		}
	}
	return -1
}

// PeerKey returns the transport key of the given party.
func (s SessionState) PeerKey(index int) []byte {
	return s.Keys[index]
}

// Len returns the number of participants.
func (s SessionState) Len() int { return len(s.Keys) }

// Connections returns the peers the holder of ownKey should dial. Each
// pair handshakes exactly once: the lower-indexed party initiates.
func (s SessionState) Connections(ownKey []byte) [][]byte {
	own := s.PartyIndex(ownKey)
	if own < 0 {
		return nil
	}
	var out [][]byte
	for i := own + 1; i < len(s.Keys); i++ {
		out = append(out, s.Keys[i])
	}
	return out
}

// Recipients returns every participant key except ownKey, the fan-out set
// for a broadcast round.
func (s SessionState) Recipients(ownKey []byte) [][]byte {
	var out [][]byte
	for _, k := range s.Keys {
		if !bytes.Equal(k, ownKey) {
			out = append(out, k)
		}
	}
	return out
}
