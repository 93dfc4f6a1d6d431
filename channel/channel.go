// Package channel implements the pairwise secure channel: a two-message
// authenticated key agreement over X25519 followed by direction-separated
// ChaCha20-Poly1305 transport encryption.
//
// A channel only transforms bytes. Callers move handshake messages and
// ciphertexts over whatever transport they have, and own the policy for
// handling failures.
package channel

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/conclave-mpc/conclave/protocol"
)

var (
	// ErrHandshakeState is returned when a handshake call arrives in the
	// wrong state, e.g. Initiate twice without a Reset.
	ErrHandshakeState = errors.New("channel: invalid handshake state")

	// ErrNotTransport is returned when Encrypt or Decrypt is called before
	// the handshake completed.
	ErrNotTransport = errors.New("channel: not in transport state")

	// ErrReplay is returned when a sequence number repeats or regresses.
	ErrReplay = errors.New("channel: replayed or out-of-order sequence")

	// ErrDecrypt is returned when authentication fails. Nothing of the
	// plaintext is exposed.
	ErrDecrypt = errors.New("channel: decryption failed")
)

const label = "conclave/channel/v1"

// handshake substates
type state int

const (
	stateUninitiated state = iota
	stateHandshake
	stateTransport
)

// Channel is one end of a pairwise secure channel. Not safe for concurrent
// use; the owner serializes access.
type Channel struct {
	local     protocol.Keypair
	remote    []byte // remote static public key, learned from msg1 on the responder side
	initiator bool
	st        state

	eph [32]byte // our ephemeral private key, wiped after the handshake

	send cipher.AEAD
	recv cipher.AEAD

	sendSeq  uint64
	lastRecv uint64
}

// New creates a channel toward the given remote static public key. Pass nil
// for remote on the responder side; it is learned from the first handshake
// message.
func New(local protocol.Keypair, remote []byte) *Channel {
	return &Channel{local: local, remote: remote}
}

// Established reports whether the channel is in transport state.
func (c *Channel) Established() bool { return c.st == stateTransport }

// RemoteStatic returns the remote party's static public key, once known.
func (c *Channel) RemoteStatic() []byte { return c.remote }

// Reset returns the channel to its uninitiated state so the handshake can
// be restarted after a failure.
func (c *Channel) Reset() {
	c.st = stateUninitiated
	c.send, c.recv = nil, nil
	c.sendSeq, c.lastRecv = 0, 0
	zero(c.eph[:])
}

// Initiate begins the handshake and returns the first handshake message:
// our static public key followed by a fresh ephemeral public key. Fails if
// the handshake is already in progress or complete.
func (c *Channel) Initiate() ([]byte, error) {
	if c.st != stateUninitiated {
		return nil, ErrHandshakeState
	}
	if len(c.remote) != protocol.KeySize {
		return nil, fmt.Errorf("channel: remote static key is %d bytes, want %d", len(c.remote), protocol.KeySize)
	}
	ephPub, err := c.newEphemeral()
	if err != nil {
		return nil, err
	}
	c.initiator = true
	c.st = stateHandshake

	msg := make([]byte, 0, 2*protocol.KeySize)
	msg = append(msg, c.local.Public[:]...)
	msg = append(msg, ephPub...)
	return msg, nil
}

// Respond processes an incoming handshake message. On the responder side it
// consumes the initiator's first message and returns the reply; on the
// initiator side it consumes that reply and returns nil. established is
// true once the channel has transitioned to transport state.
func (c *Channel) Respond(msg []byte) (reply []byte, established bool, err error) {
	switch c.st {
	case stateUninitiated:
		// responder: msg is initiatorStatic || initiatorEphemeral
		if len(msg) != 2*protocol.KeySize {
			return nil, false, fmt.Errorf("channel: handshake message is %d bytes, want %d", len(msg), 2*protocol.KeySize)
		}
		initiatorStatic := msg[:protocol.KeySize]
		initiatorEph := msg[protocol.KeySize:]
		if c.remote == nil {
			c.remote = append([]byte(nil), initiatorStatic...)
		} else if string(c.remote) != string(initiatorStatic) {
			return nil, false, fmt.Errorf("channel: handshake from unexpected static key")
		}

		ephPub, err := c.newEphemeral()
		if err != nil {
			return nil, false, err
		}
		if err := c.deriveKeys(initiatorEph); err != nil {
			return nil, false, err
		}
		return ephPub, true, nil

	case stateHandshake:
		// initiator: msg is the responder's ephemeral public key
		if !c.initiator {
			return nil, false, ErrHandshakeState
		}
		if len(msg) != protocol.KeySize {
			return nil, false, fmt.Errorf("channel: handshake reply is %d bytes, want %d", len(msg), protocol.KeySize)
		}
		if err := c.deriveKeys(msg); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	default:
		return nil, false, ErrHandshakeState
	}
}

// Encrypt seals plaintext for the peer and returns the sequence number that
// must travel with the ciphertext. Sequence numbers start at 1 and are
// strictly increasing.
func (c *Channel) Encrypt(plaintext []byte) (uint64, []byte, error) {
	if c.st != stateTransport {
		return 0, nil, ErrNotTransport
	}
	c.sendSeq++
	seq := c.sendSeq
	ct := c.send.Seal(nil, nonceFor(seq), plaintext, c.associatedData())
	return seq, ct, nil
}

// Decrypt opens a ciphertext received with the given sequence number. A
// sequence at or below the last accepted one is rejected before the AEAD is
// touched; gaps are tolerated (lost messages never block the channel).
func (c *Channel) Decrypt(seq uint64, ciphertext []byte) ([]byte, error) {
	if c.st != stateTransport {
		return nil, ErrNotTransport
	}
	if seq <= c.lastRecv {
		return nil, ErrReplay
	}
	plain, err := c.recv.Open(nil, nonceFor(seq), ciphertext, c.associatedData())
	if err != nil {
		return nil, ErrDecrypt
	}
	c.lastRecv = seq
	return plain, nil
}

func (c *Channel) newEphemeral() ([]byte, error) {
	if _, err := rand.Read(c.eph[:]); err != nil {
		return nil, err
	}
	return curve25519.X25519(c.eph[:], curve25519.Basepoint)
}

// deriveKeys computes the shared key material from the four DH results and
// splits it into direction-separated transport keys.
func (c *Channel) deriveKeys(remoteEph []byte) error {
	var statics, ephs []byte
	var err error
	if statics, err = curve25519.X25519(c.local.Private[:], c.remote); err != nil {
		return err
	}
	if ephs, err = curve25519.X25519(c.eph[:], remoteEph); err != nil {
		return err
	}
	var mixed []byte
	if c.initiator {
		mixed, err = curve25519.X25519(c.eph[:], c.remote)
	} else {
		mixed, err = curve25519.X25519(c.local.Private[:], remoteEph)
	}
	if err != nil {
		return err
	}

	ikm := make([]byte, 0, 3*32)
	ikm = append(ikm, ephs...)
	ikm = append(ikm, mixed...)
	ikm = append(ikm, statics...)

	kdf := hkdf.New(newBlake2s, ikm, nil, []byte(label))
	k1 := make([]byte, chacha20poly1305.KeySize)
	k2 := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, k1); err != nil {
		return err
	}
	if _, err := io.ReadFull(kdf, k2); err != nil {
		return err
	}
	zero(ikm)
	zero(c.eph[:])

	a1, err := chacha20poly1305.New(k1)
	if err != nil {
		return err
	}
	a2, err := chacha20poly1305.New(k2)
	if err != nil {
		return err
	}
	zero(k1)
	zero(k2)

	if c.initiator {
		c.send, c.recv = a1, a2
	} else {
		c.send, c.recv = a2, a1
	}
	c.st = stateTransport
	return nil
}

// associatedData binds ciphertexts to the channel's endpoints so they
// cannot be replayed on another channel.
func (c *Channel) associatedData() []byte {
	ad := make([]byte, 0, len(label)+2*protocol.KeySize)
	ad = append(ad, label...)
	if c.initiator {
		ad = append(ad, c.local.Public[:]...)
		ad = append(ad, c.remote...)
	} else {
		ad = append(ad, c.remote...)
		ad = append(ad, c.local.Public[:]...)
	}
	return ad
}

func nonceFor(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], seq)
	return nonce
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
