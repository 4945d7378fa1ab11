package syncengine

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/openlumo/lumo-proxy/internal/crypto"
)

// KeyManager owns the master key and derives the per-space keys.
//
// The master key wraps space keys with AES-GCM rather than a bare key
// wrap so that unwrapping a foreign space fails authentication instead
// of yielding garbage. Space discovery relies on that: try every
// remote space, keep the ones that unwrap.
type KeyManager struct {
	master []byte
}

// LoadKeyManager reads the master key file, which holds the base64
// encoding of 32 random bytes.
func LoadKeyManager(path string) (*KeyManager, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}

	master, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("master key file is not valid base64: %w", err)
	}
	if len(master) != crypto.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", crypto.KeySize, len(master))
	}

	return &KeyManager{master: master}, nil
}

// NewSpaceKey generates a fresh space key.
func (k *KeyManager) NewSpaceKey() ([]byte, error) {
	return crypto.NewKey()
}

// WrapSpaceKey seals the space key under the master key for remote
// storage.
func (k *KeyManager) WrapSpaceKey(spaceKey []byte) (string, error) {
	return crypto.SealString(k.master, string(spaceKey), "")
}

// UnwrapSpaceKey opens a wrapped space key. Failure means the space
// belongs to a different master key; callers skip it silently.
func (k *KeyManager) UnwrapSpaceKey(wrapped string) ([]byte, error) {
	plain, err := crypto.OpenString(k.master, wrapped, "")
	if err != nil {
		return nil, err
	}
	return []byte(plain), nil
}

// DeriveDEK returns the data encryption key for a space. Only the DEK
// touches conversation and message bodies.
func (k *KeyManager) DeriveDEK(spaceKey []byte) ([]byte, error) {
	return crypto.DeriveDEK(spaceKey)
}
