package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openlumo/lumo-proxy/internal/crypto"
)

// Vault persists upstream credentials as a single AES-256-GCM blob:
// [12-byte nonce][ciphertext][16-byte tag]. The key comes from a
// mounted secret file, never from the blob's own directory.
type Vault struct {
	path string
	key  []byte
}

// vaultRecord is the plaintext layout inside the blob.
type vaultRecord struct {
	UID         string `json:"uid"`
	AccessToken string `json:"access_token"`
}

// OpenVault loads the vault key from keyFile and binds it to path.
// The key file holds the base64 encoding of 32 random bytes.
func OpenVault(path, keyFile string) (*Vault, error) {
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault key file: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("vault key file is not valid base64: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", crypto.KeySize, len(key))
	}

	return &Vault{path: path, key: key}, nil
}

// Load decrypts and returns the stored credentials.
func (v *Vault) Load() (Credentials, error) {
	blob, err := os.ReadFile(v.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read vault: %w", err)
	}

	plaintext, err := crypto.Open(v.key, blob, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decrypt vault: %w", err)
	}

	var record vaultRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return Credentials{}, fmt.Errorf("vault contents corrupted: %w", err)
	}

	return Credentials{UID: record.UID, AccessToken: record.AccessToken}, nil
}

// Save encrypts and writes the credentials, replacing any previous blob.
func (v *Vault) Save(creds Credentials) error {
	plaintext, err := json.Marshal(vaultRecord{UID: creds.UID, AccessToken: creds.AccessToken})
	if err != nil {
		return fmt.Errorf("failed to marshal vault record: %w", err)
	}

	blob, err := crypto.Seal(v.key, plaintext, nil)
	if err != nil {
		return fmt.Errorf("failed to encrypt vault: %w", err)
	}

	if err := os.WriteFile(v.path, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	return nil
}

// VaultProvider reads credentials from the vault on each request,
// picking up out-of-band refreshes without a restart.
type VaultProvider struct {
	vault *Vault
}

// NewVaultProvider wraps a vault as a credentials provider.
func NewVaultProvider(vault *Vault) *VaultProvider {
	return &VaultProvider{vault: vault}
}

// Credentials implements Provider.
func (p *VaultProvider) Credentials(ctx context.Context) (Credentials, error) {
	return p.vault.Load()
}
