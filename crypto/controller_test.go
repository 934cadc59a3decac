package crypto

import (
	"context"
	"testing"

	"github.com/relaycore/wcrelay/storage/memory"
	"github.com/relaycore/wcrelay/wcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairAndSharedKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := NewController(ctx, memory.New())
	require.NoError(t, err)
	b, err := NewController(ctx, memory.New())
	require.NoError(t, err)

	aID, err := a.GenerateKeyPair()
	require.NoError(t, err)
	bID, err := b.GenerateKeyPair()
	require.NoError(t, err)

	aTopic, err := a.GenerateSharedKey(ctx, aID, bID)
	require.NoError(t, err)
	bTopic, err := b.GenerateSharedKey(ctx, bID, aID)
	require.NoError(t, err)

	assert.Equal(t, aTopic, bTopic, "both sides must derive the same topic")
	assert.True(t, a.HasKeys(aTopic))
	assert.True(t, b.HasKeys(bTopic))
}

func TestGenerateSharedKeyOverrideTopicMustMatch(t *testing.T) {
	ctx := context.Background()

	// Correct case: b announces the topic it derived; a supplies that
	// same topic as an override and lands on it too, since both sides
	// derive the same ECDH secret.
	a, err := NewController(ctx, memory.New())
	require.NoError(t, err)
	b, err := NewController(ctx, memory.New())
	require.NoError(t, err)
	aID, err := a.GenerateKeyPair()
	require.NoError(t, err)
	bID, err := b.GenerateKeyPair()
	require.NoError(t, err)

	bTopic, err := b.GenerateSharedKey(ctx, bID, aID)
	require.NoError(t, err)

	aTopic, err := a.GenerateSharedKey(ctx, aID, bID, bTopic)
	require.NoError(t, err)
	assert.Equal(t, bTopic, aTopic)
	assert.True(t, a.HasKeys(aTopic))

	// Mismatch case: a bogus announced topic is rejected rather than
	// silently substituted.
	c, err := NewController(ctx, memory.New())
	require.NoError(t, err)
	peer, err := NewController(ctx, memory.New())
	require.NoError(t, err)
	cID, err := c.GenerateKeyPair()
	require.NoError(t, err)
	peerID, err := peer.GenerateKeyPair()
	require.NoError(t, err)

	_, err = c.GenerateSharedKey(ctx, cID, peerID, "not-the-real-topic")
	require.Error(t, err)
	assert.True(t, wcerr.Is(err, wcerr.MismatchedTopic))
}

func TestGenerateSharedKeyUnknownSelfID(t *testing.T) {
	ctx := context.Background()
	c, err := NewController(ctx, memory.New())
	require.NoError(t, err)

	_, err = c.GenerateSharedKey(ctx, "nonexistent", "deadbeef")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := NewController(ctx, memory.New())
	require.NoError(t, err)
	b, err := NewController(ctx, memory.New())
	require.NoError(t, err)

	aID, err := a.GenerateKeyPair()
	require.NoError(t, err)
	bID, err := b.GenerateKeyPair()
	require.NoError(t, err)

	topic, err := a.GenerateSharedKey(ctx, aID, bID)
	require.NoError(t, err)
	_, err = b.GenerateSharedKey(ctx, bID, aID, topic)
	require.NoError(t, err)

	sealed, err := a.Encrypt(ctx, topic, `{"method":"wc_pairingPing"}`)
	require.NoError(t, err)

	plaintext, err := b.Decrypt(ctx, topic, sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"method":"wc_pairingPing"}`, plaintext)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	ctx := context.Background()
	a, err := NewController(ctx, memory.New())
	require.NoError(t, err)
	b, err := NewController(ctx, memory.New())
	require.NoError(t, err)
	stranger, err := NewController(ctx, memory.New())
	require.NoError(t, err)

	aID, err := a.GenerateKeyPair()
	require.NoError(t, err)
	bID, err := b.GenerateKeyPair()
	require.NoError(t, err)
	strangerID, err := stranger.GenerateKeyPair()
	require.NoError(t, err)

	topic, err := a.GenerateSharedKey(ctx, aID, bID)
	require.NoError(t, err)
	strangerTopic, err := stranger.GenerateSharedKey(ctx, strangerID, bID)
	require.NoError(t, err)

	sealed, err := a.Encrypt(ctx, topic, "secret")
	require.NoError(t, err)

	_, err = stranger.Decrypt(ctx, strangerTopic, sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryptUnknownTopicFails(t *testing.T) {
	ctx := context.Background()
	c, err := NewController(ctx, memory.New())
	require.NoError(t, err)

	_, err = c.Encrypt(ctx, "no-such-topic", "hi")
	assert.Error(t, err)
}

func TestDeleteKeys(t *testing.T) {
	ctx := context.Background()
	a, err := NewController(ctx, memory.New())
	require.NoError(t, err)
	b, err := NewController(ctx, memory.New())
	require.NoError(t, err)

	aID, err := a.GenerateKeyPair()
	require.NoError(t, err)
	bID, err := b.GenerateKeyPair()
	require.NoError(t, err)

	topic, err := a.GenerateSharedKey(ctx, aID, bID)
	require.NoError(t, err)
	require.True(t, a.HasKeys(topic))

	require.NoError(t, a.DeleteKeys(ctx, topic))
	assert.False(t, a.HasKeys(topic))

	err = a.DeleteKeys(ctx, topic)
	assert.Error(t, err)
}

func TestControllerRestoresKeychainFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	a, err := NewController(ctx, store)
	require.NoError(t, err)
	b, err := NewController(ctx, memory.New())
	require.NoError(t, err)

	aID, err := a.GenerateKeyPair()
	require.NoError(t, err)
	bID, err := b.GenerateKeyPair()
	require.NoError(t, err)
	topic, err := a.GenerateSharedKey(ctx, aID, bID)
	require.NoError(t, err)

	restored, err := NewController(ctx, store)
	require.NoError(t, err)
	assert.True(t, restored.HasKeys(topic))
	assert.Contains(t, restored.Topics(), topic)
}
