package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

const (
	keySize = 32
	// DefaultIterations is the PBKDF2 round count used when KeyConfig leaves it unset.
	DefaultIterations = 100_000
)

// KeyConfig selects the vault key. MasterKey wins when set; otherwise the key
// is derived from Passphrase and Salt.
type KeyConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

func (c KeyConfig) key() ([]byte, error) {
	if len(c.MasterKey) > 0 {
		if len(c.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "master key must be %d bytes, got %d", keySize, len(c.MasterKey))
		}
		return c.MasterKey, nil
	}
	switch {
	case c.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "vault needs a master key or a passphrase")
	case len(c.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "passphrase requires a salt")
	}
	rounds := c.Iterations
	if rounds <= 0 {
		rounds = DefaultIterations
	}
	k, err := pbkdf2.Key(sha256.New, c.Passphrase, c.Salt, rounds, keySize)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "derive key").WithCause(err)
	}
	return k, nil
}

// AESVault seals every secret with AES-256-GCM before it reaches the store.
// The secret name is bound as additional data, so a ciphertext copied under
// another name fails to open.
type AESVault struct {
	store store.SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault over st.
func NewAESVault(st store.SecretStore, cfg KeyConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "aes cipher").WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "gcm").WithCause(err)
	}
	return &AESVault{store: st, aead: aead}, nil
}

// Put encrypts value and stores it under name, replacing any previous value.
func (v *AESVault) Put(ctx context.Context, name string, value []byte) error {
	if err := CheckName(name); err != nil {
		return err
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return schema.NewError(schema.ErrCodeVault, "nonce").WithCause(err)
	}
	return v.store.StoreSecret(ctx, name, v.aead.Seal(nonce, nonce, value, []byte(name)))
}

// Resolve returns the plaintext of name. A missing secret is NOT_FOUND.
func (v *AESVault) Resolve(ctx context.Context, name string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q is truncated", name)
	}
	plain, err := v.aead.Open(nil, sealed[:n], sealed[n:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q cannot be decrypted with this key", name)
	}
	return plain, nil
}

// Delete removes name.
func (v *AESVault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

// Names lists the stored secret names in ascending order.
func (v *AESVault) Names(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

var _ Vault = (*AESVault)(nil)
