package keystore

import (
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sealog-dev/sealog/core/status"
)

func TestInitGeneratesAndPersistsKey(t *testing.T) {
	dir := t.TempDir()
	ks := Open(dir)
	outcome := ks.Init()
	if outcome.State != status.StateOK {
		t.Fatalf("expected ok outcome, got %#v", outcome)
	}
	if ks.SigningKey() == nil || ks.PublicKey() == nil {
		t.Fatal("expected usable key material")
	}
	for _, name := range []string{privateKeyFile, publicKeyFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to be persisted: %v", name, err)
		}
	}
}

func TestReopenLoadsSameKey(t *testing.T) {
	dir := t.TempDir()
	first := Open(dir)
	if outcome := first.Init(); outcome.State != status.StateOK {
		t.Fatalf("first init: %#v", outcome)
	}
	second := Open(dir)
	if outcome := second.Init(); outcome.State != status.StateOK {
		t.Fatalf("second init: %#v", outcome)
	}
	if !first.PublicKey().Equal(second.PublicKey()) {
		t.Fatal("reopening the keystore must load the same keypair")
	}
}

func TestCorruptKeyRegenerated(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), []byte("not base64!!"), 0o600); err != nil {
		t.Fatalf("seed corrupt key: %v", err)
	}
	ks := Open(dir)
	if outcome := ks.Init(); outcome.State != status.StateOK {
		t.Fatalf("corrupt key should be replaced, got %#v", outcome)
	}
	if ks.SigningKey() == nil {
		t.Fatal("expected regenerated key")
	}
}

func TestInitIdempotentOnceUsable(t *testing.T) {
	dir := t.TempDir()
	ks := Open(dir)
	first := ks.Init()
	second := ks.Init()
	if first != second {
		t.Fatalf("repeat init should return the cached outcome: %#v vs %#v", first, second)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestGenerationFailureYieldsFailedOutcome(t *testing.T) {
	dir := t.TempDir()
	ks := Open(dir)
	ks.entropy = failingReader{}
	outcome := ks.Init()
	if outcome.State != status.StateFailed {
		t.Fatalf("expected failed outcome, got %#v", outcome)
	}
	if ks.SigningKey() != nil || ks.Available() {
		t.Fatal("failed keystore must expose no key")
	}
	// A failed attempt is retried on the next Init.
	ks.entropy = rand.Reader
	if outcome := ks.Init(); outcome.State != status.StateOK {
		t.Fatalf("retry after failure should succeed, got %#v", outcome)
	}
}

func TestPersistFailureDegradesButSigns(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "occupied")
	if err := os.WriteFile(blocker, []byte("file, not a directory"), 0o600); err != nil {
		t.Fatalf("seed blocker: %v", err)
	}
	ks := Open(filepath.Join(blocker, "keys"))
	outcome := ks.Init()
	if outcome.State != status.StateDegraded {
		t.Fatalf("expected degraded outcome when persistence fails, got %#v", outcome)
	}
	if ks.SigningKey() == nil {
		t.Fatal("degraded keystore must still sign with the ephemeral key")
	}
}
