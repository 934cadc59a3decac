package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

// sharedKeyInfo is the HKDF "info" parameter used to derive the AEAD
// key, fixing it to this protocol the way the teacher's HKDF helper
// pins a transcript. sharedTopicInfo derives the settled topic from the
// same ECDH secret under a distinct info string, per spec.md §3's
// "SymmetricKey ... derived via HKDF(shared_secret, salt=topic)": the
// topic is itself HKDF output, not the key, so a peer (or the relay
// operator, who necessarily learns every topic) never learns the key
// by learning the topic.
const (
	sharedKeyInfo   = "wc"
	sharedTopicInfo = "wc-topic"
)

// generateX25519KeyPair creates a new ephemeral X25519 key pair.
func generateX25519KeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate X25519 key pair: %w", err)
	}
	return &KeyPair{
		privateKey: priv.Bytes(),
		publicKey:  priv.PublicKey().Bytes(),
	}, nil
}

// deriveECDHSecret runs X25519 ECDH between selfPriv and peerPub.
func deriveECDHSecret(selfPriv, peerPub []byte) ([]byte, error) {
	curve := ecdh.X25519()

	priv, err := curve.NewPrivateKey(selfPriv)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	pub, err := curve.NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer public key: %w", err)
	}

	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ECDH shared secret: %w", err)
	}
	return secret, nil
}

// deriveTopic derives the settled topic from secret, independently of
// the AEAD key derived by deriveSharedKey.
func deriveTopic(secret []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(sharedTopicInfo))
	topic := make([]byte, 32)
	if _, err := io.ReadFull(kdf, topic); err != nil {
		return nil, fmt.Errorf("failed to derive settled topic: %w", err)
	}
	return topic, nil
}

// deriveSharedKey runs HKDF-SHA256 over secret, salted with topic (so
// the key is bound to, but not recoverable from, the public topic
// identifier), to produce a 32-byte symmetric key suitable for
// ChaCha20-Poly1305.
func deriveSharedKey(secret, topic []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, topic, []byte(sharedKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive symmetric key: %w", err)
	}
	return key, nil
}

// sealAEAD encrypts plaintext under key, returning iv||ciphertext||tag.
func sealAEAD(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct AEAD cipher: %w", err)
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	return append(iv, sealed...), nil
}

// openAEAD reverses sealAEAD, splitting the leading nonce off payload
// before calling Open.
func openAEAD(key, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct AEAD cipher: %w", err)
	}

	if len(payload) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	iv, ciphertext := payload[:aead.NonceSize()], payload[aead.NonceSize():]

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
