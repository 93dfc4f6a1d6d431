package protocol

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// PEM block types for long-term transport keys.
const (
	PEMPrivate = "CONCLAVE PRIVATE KEY"
	PEMPublic  = "CONCLAVE PUBLIC KEY"
)

// Keypair is a long-term X25519 transport keypair. The public key is a
// participant's identity on the relay.
type Keypair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeypair creates a fresh transport keypair.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// EncodePEM serializes the keypair as two PEM blocks.
func (kp Keypair) EncodePEM() []byte {
	out := pem.EncodeToMemory(&pem.Block{
		Type:  PEMPrivate,
		Bytes: kp.Private[:],
	})
	out = append(out, pem.EncodeToMemory(&pem.Block{
		Type:  PEMPublic,
		Bytes: kp.Public[:],
	})...)
	return out
}

// DecodeKeypairPEM parses a keypair from PEM blocks, recomputing the public
// key from the private key when only the private block is present.
func DecodeKeypairPEM(data []byte) (Keypair, error) {
	var kp Keypair
	havePrivate := false
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case PEMPrivate:
			if len(block.Bytes) != KeySize {
				return kp, fmt.Errorf("protocol: private key is %d bytes, want %d", len(block.Bytes), KeySize)
			}
			copy(kp.Private[:], block.Bytes)
			havePrivate = true
		case PEMPublic:
			if len(block.Bytes) != KeySize {
				return kp, fmt.Errorf("protocol: public key is %d bytes, want %d", len(block.Bytes), KeySize)
			}
			copy(kp.Public[:], block.Bytes)
		}
	}
	if !havePrivate {
		return kp, errors.New("protocol: no private key block found")
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}
