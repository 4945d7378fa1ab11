package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// dekSalt is the fixed HKDF salt for space data-encryption keys.
const dekSaltBase64 = "Xd6V94/+5BmLAfc67xIBZcjsBPimm9/j02kHPI7Vsuc="

// dekInfo binds derived keys to their purpose.
const dekInfo = "dek.space.lumo"

// DeriveDEK derives the per-space data encryption key from the space key
// with HKDF-SHA-256. The DEK is the only key that touches entity bodies.
func DeriveDEK(spaceKey []byte) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(dekSaltBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEK salt: %w", err)
	}

	dek := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, spaceKey, salt, []byte(dekInfo))
	if _, err := io.ReadFull(kdf, dek); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return dek, nil
}
