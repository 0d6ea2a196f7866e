package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Keystore is the capability interface for device identity key
// persistence. Platforms with hardware-backed stores supply their own
// implementation; FileKeystore is the software fallback.
type Keystore interface {
	// LoadOrCreate returns the key pair bound to identity, generating
	// and persisting a fresh one on first use.
	LoadOrCreate(identity string) (*DeviceKeyPair, error)
}

// FileKeystore stores one PEM-encoded private key per identity under
// dir, owner-readable only.
type FileKeystore struct {
	dir string
}

// NewFileKeystore creates the keystore directory if needed.
func NewFileKeystore(dir string) (*FileKeystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &FileKeystore{dir: dir}, nil
}

// LoadOrCreate implements Keystore.
func (ks *FileKeystore) LoadOrCreate(identity string) (*DeviceKeyPair, error) {
	path := ks.keyPath(identity)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decodeKeyPEM(data)
	case os.IsNotExist(err):
		pair, err := NewDeviceKeyPair()
		if err != nil {
			return nil, err
		}
		if err := writeKeyPEM(path, pair.key); err != nil {
			return nil, err
		}
		return pair, nil
	default:
		return nil, fmt.Errorf("read device key: %w", err)
	}
}

// keyPath hashes the identity so arbitrary emails map to safe file names.
func (ks *FileKeystore) keyPath(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return filepath.Join(ks.dir, fmt.Sprintf("device-%x.pem", sum[:8]))
}

func decodeKeyPEM(data []byte) (*DeviceKeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("device key file is not a PRIVATE KEY PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("device key is %T, want RSA", parsed)
	}
	return newDeviceKeyPair(rsaKey)
}

func writeKeyPEM(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode device key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write device key: %w", err)
	}
	return nil
}
