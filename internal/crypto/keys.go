package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrCryptoFailure marks any wrap/unwrap/encrypt/decrypt mismatch:
// wrong key, corrupted blob, tampering. It is always scoped to the
// single message or conversation being processed.
var ErrCryptoFailure = errors.New("crypto failure")

const (
	deviceKeyBits       = 4096
	conversationKeySize = 32
	nonceSize           = 12
)

// ConversationKey is the symmetric key shared by all participants of
// one conversation. It exists in plaintext only in memory; at rest it
// is stored wrapped (RSA-encrypted per recipient device).
type ConversationKey []byte

// GenerateConversationKey produces a fresh random AES-256 key.
func GenerateConversationKey() (ConversationKey, error) {
	key := make([]byte, conversationKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate conversation key: %w", err)
	}
	return key, nil
}

// Seal encrypts one message body with AES-256-GCM. A fresh random
// nonce is generated per call and prepended to the ciphertext so the
// blob is self-contained given only the key.
func (k ConversationKey) Seal(plaintext []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Authentication failure,
// truncation, or a wrong key all report ErrCryptoFailure.
func (k ConversationKey) Open(blob []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrCryptoFailure)
	}
	plaintext, err := aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

func (k ConversationKey) aead() (cipher.AEAD, error) {
	if len(k) != conversationKeySize {
		return nil, fmt.Errorf("%w: conversation key must be %d bytes, got %d", ErrCryptoFailure, conversationKeySize, len(k))
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return cipher.NewGCM(block)
}

// DeviceKeyPair is the asymmetric identity key of this device. The
// private half never leaves the device boundary; the public half is
// advertised to the server so peers can wrap conversation keys for us.
type DeviceKeyPair struct {
	key    *rsa.PrivateKey
	public []byte
}

// NewDeviceKeyPair generates a fresh RSA-4096 pair.
func NewDeviceKeyPair() (*DeviceKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, deviceKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate device key pair: %w", err)
	}
	return newDeviceKeyPair(key)
}

func newDeviceKeyPair(key *rsa.PrivateKey) (*DeviceKeyPair, error) {
	public, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &DeviceKeyPair{key: key, public: public}, nil
}

// PublicKey returns the PKIX DER encoding of the public half, the form
// the device directory serves to other participants.
func (p *DeviceKeyPair) PublicKey() []byte {
	return p.public
}

// Unwrap decrypts a conversation key that was wrapped for this device.
func (p *DeviceKeyPair) Unwrap(wrapped []byte) (ConversationKey, error) {
	raw, err := rsa.DecryptOAEP(sha256.New(), nil, p.key, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap conversation key: %v", ErrCryptoFailure, err)
	}
	if len(raw) != conversationKeySize {
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes, want %d", ErrCryptoFailure, len(raw), conversationKeySize)
	}
	return raw, nil
}

// WrapKey encrypts a conversation key for one recipient device, given
// the recipient's PKIX DER public key. Used once per target device
// when a conversation is created.
func WrapKey(key ConversationKey, recipientPublic []byte) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: parse recipient public key: %v", ErrCryptoFailure, err)
	}
	rsaPub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: recipient key is %T, want RSA", ErrCryptoFailure, parsed)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap conversation key: %v", ErrCryptoFailure, err)
	}
	return wrapped, nil
}
