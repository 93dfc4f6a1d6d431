package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/conclave-mpc/conclave/protocol"
)

func establishedPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	a, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	b, err := protocol.GenerateKeypair()
	require.NoError(t, err)

	ini := New(a, b.Public[:])
	res := New(b, nil)

	msg1, err := ini.Initiate()
	require.NoError(t, err)

	msg2, established, err := res.Respond(msg1)
	require.NoError(t, err)
	require.True(t, established)

	reply, established, err := ini.Respond(msg2)
	require.NoError(t, err)
	require.True(t, established)
	require.Nil(t, reply)

	return ini, res
}

func TestHandshakeAndTransport(t *testing.T) {
	ini, res := establishedPair(t)
	require.True(t, ini.Established())
	require.True(t, res.Established())

	seq, ct, err := ini.Encrypt([]byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)

	plain, err := res.Decrypt(seq, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plain)

	// and the other direction, with its own key
	seq, ct, err = res.Encrypt([]byte("world"))
	require.NoError(t, err)
	plain, err = ini.Decrypt(seq, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), plain)
}

func TestResponderLearnsRemoteStatic(t *testing.T) {
	ini, res := establishedPair(t)
	require.Equal(t, ini.local.Public[:], res.RemoteStatic())
}

func TestReplayRejected(t *testing.T) {
	ini, res := establishedPair(t)

	seq, ct, err := ini.Encrypt([]byte("once"))
	require.NoError(t, err)
	_, err = res.Decrypt(seq, ct)
	require.NoError(t, err)

	_, err = res.Decrypt(seq, ct)
	require.ErrorIs(t, err, ErrReplay)
}

func TestSequenceGapsTolerated(t *testing.T) {
	ini, res := establishedPair(t)

	_, _, err := ini.Encrypt([]byte("lost in transit"))
	require.NoError(t, err)
	seq, ct, err := ini.Encrypt([]byte("arrives"))
	require.NoError(t, err)
	require.EqualValues(t, 2, seq)

	plain, err := res.Decrypt(seq, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("arrives"), plain)

	// the skipped sequence is now in the past and rejected
	_, err = res.Decrypt(1, ct)
	require.ErrorIs(t, err, ErrReplay)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	ini, res := establishedPair(t)

	seq, ct, err := ini.Encrypt([]byte("payload"))
	require.NoError(t, err)
	ct[0] ^= 0xff
	_, err = res.Decrypt(seq, ct)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestCiphertextBoundToChannel(t *testing.T) {
	ini1, _ := establishedPair(t)
	_, res2 := establishedPair(t)

	seq, ct, err := ini1.Encrypt([]byte("payload"))
	require.NoError(t, err)
	_, err = res2.Decrypt(seq, ct)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDoubleInitiate(t *testing.T) {
	a, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	b, err := protocol.GenerateKeypair()
	require.NoError(t, err)

	ch := New(a, b.Public[:])
	_, err = ch.Initiate()
	require.NoError(t, err)
	_, err = ch.Initiate()
	require.ErrorIs(t, err, ErrHandshakeState)

	ch.Reset()
	_, err = ch.Initiate()
	require.NoError(t, err)
}

func TestTransportBeforeHandshake(t *testing.T) {
	a, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	ch := New(a, nil)

	_, _, err = ch.Encrypt([]byte("nope"))
	require.ErrorIs(t, err, ErrNotTransport)
	_, err = ch.Decrypt(1, []byte("nope"))
	require.ErrorIs(t, err, ErrNotTransport)
}

func TestResponderRejectsUnexpectedStatic(t *testing.T) {
	a, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	b, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	mallory, err := protocol.GenerateKeypair()
	require.NoError(t, err)

	ini := New(mallory, b.Public[:])
	res := New(b, a.Public[:]) // pinned to a, not mallory

	msg1, err := ini.Initiate()
	require.NoError(t, err)
	_, _, err = res.Respond(msg1)
	require.Error(t, err)
}
