package crypto

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/relaycore/wcrelay/internal/metrics"
	"github.com/relaycore/wcrelay/storage"
	"github.com/relaycore/wcrelay/wcerr"
)

// Controller is the crypto controller every other subsystem calls
// through: it owns key pair generation, ECDH + HKDF topic key
// derivation, the persisted keychain, and AEAD encrypt/decrypt over a
// topic's key.
type Controller struct {
	keychain *keychain

	pendingMu sync.RWMutex
	pending   map[string]*KeyPair // id -> generated key pair awaiting a shared key
}

// NewController loads the keychain from store and returns a ready
// Controller. store is typically shared with the subscription store and
// JSON-RPC history under different key prefixes.
func NewController(ctx context.Context, store storage.KVStore) (*Controller, error) {
	kc, err := newKeychain(ctx, store)
	if err != nil {
		return nil, wcerr.Wrap(wcerr.KeyNotFound, err, "failed to initialize keychain")
	}
	return &Controller{
		keychain: kc,
		pending:  make(map[string]*KeyPair),
	}, nil
}

// GenerateKeyPair creates a new X25519 key pair and returns its id (the
// hex-encoded public key). The private key is held in memory only; it
// is never itself persisted, only the derived topic keys are.
func (c *Controller) GenerateKeyPair() (string, error) {
	start := time.Now()
	kp, err := generateX25519KeyPair()
	metrics.CryptoOperationDuration.WithLabelValues("generate_key_pair").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate_key_pair").Inc()
		return "", wcerr.Wrap(wcerr.MissingOrInvalid, err, "failed to generate key pair")
	}
	metrics.CryptoOperations.WithLabelValues("generate_key_pair").Inc()

	c.pendingMu.Lock()
	c.pending[kp.ID()] = kp
	c.pendingMu.Unlock()

	return kp.ID(), nil
}

// GenerateSharedKey derives a topic key from selfID's key pair and the
// peer's public key via X25519 ECDH + HKDF-SHA256, persists it under the
// resulting topic (or overrideTopic, if given), and returns the topic.
func (c *Controller) GenerateSharedKey(ctx context.Context, selfID string, peerPublicKeyHex string, overrideTopic ...string) (string, error) {
	start := time.Now()
	defer func() {
		metrics.CryptoOperationDuration.WithLabelValues("generate_shared_key").Observe(time.Since(start).Seconds())
	}()

	c.pendingMu.RLock()
	kp, ok := c.pending[selfID]
	c.pendingMu.RUnlock()
	if !ok {
		metrics.CryptoErrors.WithLabelValues("generate_shared_key").Inc()
		return "", wcerr.New(wcerr.KeyNotFound, "no key pair generated for id %q", selfID)
	}

	peerPub, err := hex.DecodeString(peerPublicKeyHex)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate_shared_key").Inc()
		return "", wcerr.Wrap(wcerr.MissingOrInvalid, err, "invalid peer public key")
	}

	secret, err := deriveECDHSecret(kp.privateKey, peerPub)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate_shared_key").Inc()
		return "", wcerr.Wrap(wcerr.MissingOrInvalid, err, "failed to compute shared secret")
	}

	topicBytes, err := deriveTopic(secret)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate_shared_key").Inc()
		return "", wcerr.Wrap(wcerr.MissingOrInvalid, err, "failed to derive settled topic")
	}
	topic := hexEncode(topicBytes)

	// The proposer learns the settled topic from the responder's approve
	// payload rather than computing it first; since both sides derive
	// the same ECDH secret, the two must agree. A mismatch means the
	// peer announced a topic this secret doesn't produce.
	if len(overrideTopic) > 0 && overrideTopic[0] != "" && overrideTopic[0] != topic {
		metrics.CryptoErrors.WithLabelValues("generate_shared_key").Inc()
		return "", wcerr.New(wcerr.MismatchedTopic, "derived settled topic %q does not match peer-announced topic %q", topic, overrideTopic[0])
	}

	key, err := deriveSharedKey(secret, topicBytes)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate_shared_key").Inc()
		return "", wcerr.Wrap(wcerr.MissingOrInvalid, err, "failed to derive shared key")
	}

	if err := c.keychain.set(ctx, topic, key); err != nil {
		metrics.CryptoErrors.WithLabelValues("generate_shared_key").Inc()
		return "", wcerr.Wrap(wcerr.MissingOrInvalid, err, "failed to persist shared key")
	}

	c.pendingMu.Lock()
	delete(c.pending, selfID)
	c.pendingMu.Unlock()

	metrics.CryptoOperations.WithLabelValues("generate_shared_key").Inc()
	return topic, nil
}

// HasKeys reports whether topic has a settled symmetric key.
func (c *Controller) HasKeys(topic string) bool {
	return c.keychain.has(topic)
}

// Encrypt seals plaintext under topic's key, returning the hex-encoded
// iv||ciphertext||tag payload. Fails KeyNotFound if topic isn't settled.
func (c *Controller) Encrypt(ctx context.Context, topic string, plaintext string) (string, error) {
	start := time.Now()
	defer func() {
		metrics.CryptoOperationDuration.WithLabelValues("encrypt").Observe(time.Since(start).Seconds())
	}()

	key, ok := c.keychain.get(topic)
	if !ok {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return "", wcerr.New(wcerr.KeyNotFound, "no key for topic %q", topic)
	}

	sealed, err := sealAEAD(key, []byte(plaintext))
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("encrypt").Inc()
		return "", wcerr.Wrap(wcerr.DecryptionFailed, err, "failed to encrypt payload")
	}

	metrics.CryptoOperations.WithLabelValues("encrypt").Inc()
	return hex.EncodeToString(sealed), nil
}

// Decrypt opens a hex-encoded iv||ciphertext||tag payload under topic's
// key, returning the plaintext. Fails DecryptionFailed on a bad key,
// tampered ciphertext, or malformed payload, and KeyNotFound if topic
// isn't settled.
func (c *Controller) Decrypt(ctx context.Context, topic string, payloadHex string) (string, error) {
	start := time.Now()
	defer func() {
		metrics.CryptoOperationDuration.WithLabelValues("decrypt").Observe(time.Since(start).Seconds())
	}()

	key, ok := c.keychain.get(topic)
	if !ok {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return "", wcerr.New(wcerr.KeyNotFound, "no key for topic %q", topic)
	}

	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return "", wcerr.Wrap(wcerr.DecryptionFailed, err, "malformed payload")
	}

	plaintext, err := openAEAD(key, payload)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("decrypt").Inc()
		return "", wcerr.Wrap(wcerr.DecryptionFailed, err, "failed to decrypt payload")
	}

	metrics.CryptoOperations.WithLabelValues("decrypt").Inc()
	return string(plaintext), nil
}

// DeleteKeys removes topic's symmetric key from the keychain.
func (c *Controller) DeleteKeys(ctx context.Context, topic string) error {
	if err := c.keychain.delete(ctx, topic); err != nil {
		metrics.CryptoErrors.WithLabelValues("delete_keys").Inc()
		if err == ErrKeyNotFound {
			return wcerr.New(wcerr.KeyNotFound, "no key for topic %q", topic)
		}
		return wcerr.Wrap(wcerr.KeyNotFound, err, "failed to delete key")
	}
	metrics.CryptoOperations.WithLabelValues("delete_keys").Inc()
	return nil
}

// Topics returns every topic currently holding a settled key, sorted.
func (c *Controller) Topics() []string {
	return c.keychain.topics()
}
