// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const ivSize = 16

// ErrDecryptFailed is returned when a stored payload fails authentication.
// Callers treat it as "secret absent", never as a task failure.
var ErrDecryptFailed = errors.New("vault decryption failed")

// envelope is the stored shape of an encrypted secret. All fields are hex.
type envelope struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	AuthTag   string `json:"authTag"`
}

// Vault provides authenticated symmetric encryption for tenant secrets at
// rest. Stateless; safe to call from any number of concurrent pipelines.
type Vault struct {
	key []byte
}

// NewVault builds a vault from a hex-encoded 256-bit key supplied
// out-of-band.
func NewVault(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vault key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	return &Vault{key: key}, nil
}

// Encrypt seals a secret into the stored envelope form.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	gcm, err := v.cipher()
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagAt := len(sealed) - gcm.Overhead()

	payload, err := json.Marshal(envelope{
		Encrypted: hex.EncodeToString(sealed[:tagAt]),
		IV:        hex.EncodeToString(iv),
		AuthTag:   hex.EncodeToString(sealed[tagAt:]),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(payload), nil
}

// Decrypt opens a stored secret. Values that do not parse as an envelope are
// legacy plaintext and pass through unchanged. Authentication failure is
// ErrDecryptFailed: the vault fails closed and the secret is treated as
// absent.
func (v *Vault) Decrypt(stored string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil || env.Encrypted == "" || env.IV == "" {
		return stored, nil
	}

	ciphertext, err := hex.DecodeString(env.Encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext hex", ErrDecryptFailed)
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != ivSize {
		return "", fmt.Errorf("%w: bad iv", ErrDecryptFailed)
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil {
		return "", fmt.Errorf("%w: bad auth tag hex", ErrDecryptFailed)
	}

	gcm, err := v.cipher()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptFailed)
	}
	return string(plaintext), nil
}

func (v *Vault) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gcm: %w", err)
	}
	return gcm, nil
}
