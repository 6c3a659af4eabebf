// Package vault seals per-server transport credentials with AES-256-GCM
// under a passphrase-derived key, storing the sealed blobs in SQLite.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/meshwork/plexus/internal/store"
)

// Vault derives an AES-256 key from the passphrase via Argon2id. The salt is
// deterministic (SHA-256 of passphrase), so the same passphrase always
// produces the same key across restarts.
type Vault struct {
	key [32]byte
}

func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)
	return v
}

// Seal encrypts the plaintext and returns a self-contained blob:
// nonce || ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed blob too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Credentials is the store-backed credential source for the HTTP transport.
// Tokens are sealed at rest and opened on demand.
type Credentials struct {
	vault *Vault
	store *store.Store
}

func NewCredentials(v *Vault, s *store.Store) *Credentials {
	return &Credentials{vault: v, store: s}
}

// SetToken seals and stores the bearer token for a server.
func (c *Credentials) SetToken(serverID, token string) error {
	sealed, err := c.vault.Seal([]byte(token))
	if err != nil {
		return fmt.Errorf("seal token for %s: %w", serverID, err)
	}
	return c.store.SaveCredential(serverID, sealed)
}

// Token implements the transport credential source.
func (c *Credentials) Token(serverID string) (string, error) {
	sealed, err := c.store.GetCredential(serverID)
	if err != nil {
		return "", err
	}
	token, err := c.vault.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open token for %s: %w", serverID, err)
	}
	return string(token), nil
}

func (c *Credentials) DeleteToken(serverID string) error {
	return c.store.DeleteCredential(serverID)
}
