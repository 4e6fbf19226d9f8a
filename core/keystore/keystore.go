// Package keystore loads or generates the local ed25519 signing key.
// Availability is best-effort: any failure degrades to unsigned mode
// instead of blocking session recording.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sealog-dev/sealog/core/fsx"
	"github.com/sealog-dev/sealog/core/status"
)

const (
	privateKeyFile = "signing.key"
	publicKeyFile  = "signing.pub"
)

type Keystore struct {
	mu        sync.Mutex
	dir       string
	entropy   io.Reader
	attempted bool
	outcome   status.Outcome
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
}

// Open prepares a keystore rooted at dir. No I/O happens until Init.
func Open(dir string) *Keystore {
	return &Keystore{dir: dir, entropy: rand.Reader}
}

// Init loads the persisted key or generates and persists a new one.
// Idempotent: a usable outcome is cached; a failed attempt is retried.
// Init never returns an error; failure is reported through the outcome.
func (k *Keystore) Init() status.Outcome {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.attempted && k.outcome.Usable() {
		return k.outcome
	}
	k.attempted = true
	k.outcome = k.initLocked()
	return k.outcome
}

func (k *Keystore) initLocked() status.Outcome {
	if priv, err := loadPrivateKey(filepath.Join(k.dir, privateKeyFile)); err == nil {
		k.priv = priv
		k.pub = priv.Public().(ed25519.PublicKey)
		return status.OK()
	}
	// Missing or corrupt key material: generate a replacement.
	pub, priv, err := ed25519.GenerateKey(k.entropy)
	if err != nil {
		k.priv = nil
		k.pub = nil
		return status.Failed(fmt.Sprintf("generate signing key: %v", err))
	}
	k.priv = priv
	k.pub = pub
	if err := k.persistLocked(); err != nil {
		// Ephemeral key: signing works for this process but signatures
		// will not verify across restarts.
		return status.Degraded(fmt.Sprintf("signing key not persisted: %v", err))
	}
	return status.OK()
}

func (k *Keystore) persistLocked() error {
	encodedPriv := base64.StdEncoding.EncodeToString(k.priv)
	if err := fsx.WriteFileAtomic(filepath.Join(k.dir, privateKeyFile), []byte(encodedPriv+"\n"), 0o600); err != nil {
		return err
	}
	encodedPub := base64.StdEncoding.EncodeToString(k.pub)
	return fsx.WriteFileAtomic(filepath.Join(k.dir, publicKeyFile), []byte(encodedPub+"\n"), 0o600)
}

// SigningKey returns the private key, or nil when signing is unavailable.
func (k *Keystore) SigningKey() ed25519.PrivateKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.outcome.Usable() {
		return nil
	}
	return k.priv
}

// PublicKey returns the verification key, or nil when unavailable.
func (k *Keystore) PublicKey() ed25519.PublicKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.outcome.Usable() {
		return nil
	}
	return k.pub
}

// Available reports whether a signing key is usable.
func (k *Keystore) Available() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.attempted && k.outcome.Usable()
}

// Outcome returns the result of the most recent Init attempt.
func (k *Keystore) Outcome() status.Outcome {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.outcome
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	// #nosec G304 -- key path is derived from the configured data directory.
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if l := len(raw); l != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: %d", l)
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadPublicKey reads a persisted base64 verification key, for verify flows.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	// #nosec G304 -- key path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(raw); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", l)
	}
	return ed25519.PublicKey(raw), nil
}
