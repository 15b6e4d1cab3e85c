// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// Key file names inside a key directory.
const (
	PrivateKeyFile = "control-signing-key"
	PublicKeyFile  = "control-signing-key.pub"
)

// GenerateKeypair creates a command signing keypair.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// SaveKeypair writes both keys as raw bytes into dir. The private key
// is written 0600.
func SaveKeypair(dir string, public ed25519.PublicKey, private ed25519.PrivateKey) error {
	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFile), private, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadPublicKey reads a raw 32-byte public key. Agents only need this
// half.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key %s has %d bytes, want %d", path, len(data), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(data), nil
}

// LoadPrivateKey reads a raw 64-byte private key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key %s has %d bytes, want %d", path, len(data), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(data), nil
}

// LoadOrGenerateKeypair loads the keypair in dir, generating and
// saving a new one if none exists. A corrupted existing key is an
// error rather than being silently replaced. The bool reports whether
// a new keypair was generated.
func LoadOrGenerateKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	privatePath := filepath.Join(dir, PrivateKeyFile)
	private, err := LoadPrivateKey(privatePath)
	if err == nil {
		public, err := LoadPublicKey(filepath.Join(dir, PublicKeyFile))
		if err != nil {
			return nil, nil, false, err
		}
		return public, private, false, nil
	}
	if _, statErr := os.Stat(privatePath); statErr == nil {
		return nil, nil, false, err
	}

	public, private, err := GenerateKeypair()
	if err != nil {
		return nil, nil, false, err
	}
	if err := SaveKeypair(dir, public, private); err != nil {
		return nil, nil, false, err
	}
	return public, private, true, nil
}
