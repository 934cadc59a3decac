// Package crypto implements the pairwise key agreement and symmetric
// encryption every topic in this protocol is built on: X25519 ECDH to
// agree a shared secret, HKDF-SHA256 to turn it into a topic key, and
// ChaCha20-Poly1305 to seal and open payloads under that key.
package crypto

import "errors"

// ErrKeyNotFound is returned when an operation references a key pair id
// or topic that the keychain has no record of.
var ErrKeyNotFound = errors.New("crypto: key not found")

// ErrDecryptionFailed is returned when an AEAD open fails, whether
// because of a wrong key, a tampered ciphertext, or a malformed payload.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// KeyPair is a generated X25519 key pair, identified by the hex-encoded
// public key so peers can reference it directly in proposals and URIs.
type KeyPair struct {
	privateKey []byte
	publicKey  []byte
}

// ID returns the hex-encoded public key, used as this key pair's id.
func (kp *KeyPair) ID() string { return hexEncode(kp.publicKey) }

// PublicKey returns the raw 32-byte public key.
func (kp *KeyPair) PublicKey() []byte {
	out := make([]byte, len(kp.publicKey))
	copy(out, kp.publicKey)
	return out
}