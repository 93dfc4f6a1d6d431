// Package keygen implements commit-then-reveal additive distributed key
// generation over secp256k1. Each party contributes one key share; the
// group public key is the sum of every share. Two broadcast rounds: a
// binding commitment first, the share itself second, so no party can pick
// its share after seeing the others.
package keygen

import (
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/blake2s"

	"github.com/conclave-mpc/conclave/driver"
)

const commitLabel = "conclave/keygen/commit/v1"

// Result is one party's outcome: its secret share and the aggregated
// group key every honest party computes identically.
type Result struct {
	Index    uint16
	Secret   *secp256k1.PrivateKey
	Shares   []*secp256k1.PublicKey // public shares by party index, own included
	GroupKey *secp256k1.PublicKey
}

// Keygen is the per-party protocol state. It plugs into the round driver
// and performs only curve and hash work.
type Keygen struct {
	index  uint16
	n      int
	secret *secp256k1.PrivateKey

	commitments map[uint16][blake2s.Size]byte
	shares      map[uint16]*secp256k1.PublicKey
	sent        int
}

// New creates the protocol state for the party at index among n parties.
func New(index uint16, n int) (*Keygen, error) {
	if n < 2 {
		return nil, fmt.Errorf("keygen: need at least 2 parties, got %d", n)
	}
	if int(index) >= n {
		return nil, fmt.Errorf("keygen: index %d out of range for %d parties", index, n)
	}
	secret, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keygen: generating share: %w", err)
	}
	return &Keygen{
		index:       index,
		n:           n,
		secret:      secret,
		commitments: make(map[uint16][blake2s.Size]byte, n-1),
		shares:      make(map[uint16]*secp256k1.PublicKey, n-1),
	}, nil
}

func (k *Keygen) Rounds() int { return 2 }

// Proceed emits the commitment broadcast first, the reveal broadcast
// second.
func (k *Keygen) Proceed() ([]driver.Message, error) {
	defer func() { k.sent++ }()
	share := k.secret.PubKey().SerializeCompressed()
	switch k.sent {
	case 0:
		c := commitment(k.index, share)
		return []driver.Message{{
			Round:    1,
			Sender:   k.index,
			Receiver: driver.Broadcast,
			Body:     c[:],
		}}, nil
	case 1:
		return []driver.Message{{
			Round:    2,
			Sender:   k.index,
			Receiver: driver.Broadcast,
			Body:     share,
		}}, nil
	default:
		return nil, fmt.Errorf("keygen: no round %d to proceed to", k.sent+1)
	}
}

// HandleIncoming stores a peer's commitment, or verifies its reveal
// against the stored commitment and parses the share.
func (k *Keygen) HandleIncoming(msg driver.Message) error {
	if int(msg.Sender) >= k.n || msg.Sender == k.index {
		return fmt.Errorf("keygen: message from unknown party %d", msg.Sender)
	}
	switch msg.Round {
	case 1:
		if len(msg.Body) != blake2s.Size {
			return fmt.Errorf("keygen: commitment is %d bytes, want %d", len(msg.Body), blake2s.Size)
		}
		var c [blake2s.Size]byte
		copy(c[:], msg.Body)
		k.commitments[msg.Sender] = c
		return nil
	case 2:
		c, ok := k.commitments[msg.Sender]
		if !ok {
			return fmt.Errorf("keygen: reveal from party %d without a commitment", msg.Sender)
		}
		if commitment(msg.Sender, msg.Body) != c {
			return fmt.Errorf("keygen: party %d revealed a share its commitment does not bind", msg.Sender)
		}
		share, err := secp256k1.ParsePubKey(msg.Body)
		if err != nil {
			return fmt.Errorf("keygen: invalid share from party %d: %w", msg.Sender, err)
		}
		k.shares[msg.Sender] = share
		return nil
	default:
		return fmt.Errorf("keygen: unexpected round %d", msg.Round)
	}
}

// Finish aggregates every revealed share into the group public key.
func (k *Keygen) Finish() (any, error) {
	if len(k.shares) != k.n-1 {
		return nil, fmt.Errorf("keygen: have %d of %d peer shares", len(k.shares), k.n-1)
	}

	shares := make([]*secp256k1.PublicKey, k.n)
	shares[k.index] = k.secret.PubKey()
	for idx, share := range k.shares {
		shares[idx] = share
	}

	group := new(secp256k1.JacobianPoint)
	for _, share := range shares {
		var pt secp256k1.JacobianPoint
		share.AsJacobian(&pt)
		secp256k1.AddNonConst(&pt, group, group)
	}
	group.ToAffine()

	return &Result{
		Index:    k.index,
		Secret:   k.secret,
		Shares:   shares,
		GroupKey: secp256k1.NewPublicKey(&group.X, &group.Y),
	}, nil
}

// commitment binds a share to its sender so reveals cannot be replayed
// across parties.
func commitment(index uint16, share []byte) [blake2s.Size]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(commitLabel))
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], index)
	h.Write(idx[:])
	h.Write(share)
	var out [blake2s.Size]byte
	h.Sum(out[:0])
	return out
}
