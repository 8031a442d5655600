// Package vault stores SSH private keys encrypted at rest and decrypts
// them on demand. Keys are fernet-encrypted with a single process-wide
// key sourced from configuration; decrypted material is handed to the
// caller as a short-lived value and never logged or persisted.
package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/bastionhq/bastiond/internal/database"
	"github.com/fernet/fernet-go"
	"gorm.io/gorm"
)

var (
	// ErrVaultMisconfigured means no usable encryption key is configured.
	ErrVaultMisconfigured = errors.New("vault: encryption key not configured")

	// ErrDuplicateName means a credential with the same name already exists.
	ErrDuplicateName = errors.New("vault: credential name already exists")

	// ErrNotFound means the referenced credential does not exist.
	ErrNotFound = errors.New("vault: credential not found")

	// ErrDecryptionFailed means the stored ciphertext cannot be decrypted
	// with the current key. This happens when the vault key is rotated
	// without re-encrypting stored credentials; the condition is surfaced
	// rather than silently returning garbage.
	ErrDecryptionFailed = errors.New("vault: decryption failed")
)

type Vault struct {
	key *fernet.Key
}

// New builds a vault around the given base64-encoded fernet key.
func New(encodedKey string) (*Vault, error) {
	if encodedKey == "" {
		return nil, ErrVaultMisconfigured
	}
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultMisconfigured, err)
	}
	return &Vault{key: key}, nil
}

// GenerateKey returns a fresh base64-encoded fernet key, for operators
// provisioning a new deployment.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

// Store encrypts the plaintext key material and persists it under the
// given unique name. The plaintext is not retained.
func (v *Vault) Store(name, plaintext string) (uint, error) {
	var count int64
	if err := database.DB.Model(&database.Credential{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("check credential name: %w", err)
	}
	if count > 0 {
		return 0, ErrDuplicateName
	}

	token, err := fernet.EncryptAndSign([]byte(plaintext), v.key)
	if err != nil {
		return 0, fmt.Errorf("encrypt credential: %w", err)
	}

	cred := database.Credential{Name: name, Ciphertext: string(token)}
	if err := database.DB.Create(&cred).Error; err != nil {
		return 0, fmt.Errorf("persist credential: %w", err)
	}
	return cred.ID, nil
}

// Reveal loads and decrypts the credential. Callers must treat the
// returned plaintext as scoped to the immediate operation.
func (v *Vault) Reveal(id uint) (string, error) {
	cred, err := database.GetCredential(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load credential: %w", err)
	}

	msg := fernet.VerifyAndDecrypt([]byte(cred.Ciphertext), 0*time.Second, []*fernet.Key{v.key})
	if msg == nil {
		return "", ErrDecryptionFailed
	}
	return string(msg), nil
}
