package crypto

import (
	"encoding/base64"
	"fmt"

	pgp "github.com/ProtonMail/gopenpgp/v2/crypto"
)

// WrapRequestKey PGP-encrypts the raw bytes of a per-request AES key
// against the backend's long-lived public key and base64-encodes the
// binary PGP message.
func WrapRequestKey(armoredPublicKey string, requestKey []byte) (string, error) {
	key, err := pgp.NewKeyFromArmored(armoredPublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to parse upstream public key: %w", err)
	}

	ring, err := pgp.NewKeyRing(key)
	if err != nil {
		return "", fmt.Errorf("failed to build keyring: %w", err)
	}

	message, err := ring.Encrypt(pgp.NewPlainMessage(requestKey), nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt request key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(message.GetBinary()), nil
}
