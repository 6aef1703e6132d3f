// Package crypto seals free text at rest with AES-256-GCM under rotating
// master keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// sealedPrefix marks a sealed value: enc1:<key id>:<nonce>:<ciphertext>.
const sealedPrefix = "enc1:"

type Envelope struct {
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
}

type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		if strings.Contains(id, ":") {
			return nil, fmt.Errorf("key id %q must not contain ':'", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) Encrypt(plaintext []byte) (Envelope, error) {
	aead, err := newAEAD(m.keys[m.currentKeyID])
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      m.currentKeyID,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(m.currentKeyID)),
	}, nil
}

func (m *Manager) Decrypt(env Envelope) ([]byte, error) {
	key, ok := m.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", env.KeyID)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("bad nonce size %d", len(env.Nonce))
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.KeyID))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal returns value sealed under the current key.
func (m *Manager) Seal(value string) (string, error) {
	env, err := m.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	enc := base64.RawStdEncoding
	return sealedPrefix + env.KeyID + ":" + enc.EncodeToString(env.Nonce) + ":" + enc.EncodeToString(env.Ciphertext), nil
}

// Open reverses Seal. Values without the sealed prefix were written before
// sealing was enabled and are returned unchanged.
func (m *Manager) Open(raw string) (string, error) {
	if !IsSealed(raw) {
		return raw, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(raw, sealedPrefix), ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed sealed value")
	}
	enc := base64.RawStdEncoding
	nonce, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := m.Decrypt(Envelope{KeyID: parts[0], Nonce: nonce, Ciphertext: ct})
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Reseal re-encrypts a value under the current key.
func (m *Manager) Reseal(raw string) (string, error) {
	plain, err := m.Open(raw)
	if err != nil {
		return "", err
	}
	return m.Seal(plain)
}

func IsSealed(raw string) bool {
	return strings.HasPrefix(raw, sealedPrefix)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
