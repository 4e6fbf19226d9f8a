// Package chain implements the hash-chained session record codec:
// canonical serialization, content digests, best-effort signatures, and
// genesis-forward verification.
package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/sealog-dev/sealog/core/errors"
)

const (
	// GenesisPrevHash is the prev_hash sentinel of a session's first record.
	GenesisPrevHash = "genesis"
	// UnsignedSignature marks a record produced without a usable signing key.
	UnsignedSignature = "unsigned"
)

const (
	TypeSessionStart = "session-start"
	TypeHeartbeat    = "heartbeat"
	TypeMilestone    = "milestone"
	TypeSessionEnd   = "session-end"
)

// Record is one event in a session's ledger. The serialized shape is the
// durable, exportable contract; changes must stay additive.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	Signature string         `json:"signature"`
}

type recordCore struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// CanonicalBody returns the RFC 8785 (JCS) canonical JSON of the record's
// identity fields. The hash covers exactly this serialization.
func CanonicalBody(rec Record) ([]byte, error) {
	core := recordCore{
		ID:        rec.ID,
		Type:      rec.Type,
		SessionID: rec.SessionID,
		Timestamp: rec.Timestamp,
		Data:      rec.Data,
	}
	raw, err := json.Marshal(core)
	if err != nil {
		return nil, fmt.Errorf("marshal record body: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record body: %w", err)
	}
	return canonical, nil
}

// ComputeHash digests the canonical body concatenated with the previous
// record's hash. Deterministic: equal inputs always produce equal output.
func ComputeHash(canonicalBody []byte, prevHash string) string {
	payload := make([]byte, 0, len(canonicalBody)+len(prevHash))
	payload = append(payload, canonicalBody...)
	payload = append(payload, []byte(prevHash)...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Sign produces a detached ed25519 signature over the hash. A nil or
// malformed key yields the unsigned sentinel; signing never fails hard.
func Sign(hash string, key ed25519.PrivateKey) string {
	if len(key) != ed25519.PrivateKeySize {
		return UnsignedSignature
	}
	sig := ed25519.Sign(key, []byte(hash))
	return base64.StdEncoding.EncodeToString(sig)
}

// BuildRecord is the only constructor of chain records. It assigns a
// fresh id and timestamp, canonicalizes, hashes, and signs.
func BuildRecord(recordType, sessionID string, data map[string]any, prevHash string, key ed25519.PrivateKey, now time.Time) (Record, error) {
	recordType = strings.TrimSpace(recordType)
	sessionID = strings.TrimSpace(sessionID)
	if recordType == "" {
		return Record{}, errors.New(errors.CategoryInvalidInput, "record_type_required", "", "record type is required")
	}
	if sessionID == "" {
		return Record{}, errors.New(errors.CategoryInvalidInput, "session_id_required", "", "session id is required")
	}
	if now.IsZero() {
		now = time.Now()
	}
	if strings.TrimSpace(prevHash) == "" {
		prevHash = GenesisPrevHash
	}
	rec := Record{
		ID:        uuid.NewString(),
		Type:      recordType,
		SessionID: sessionID,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Data:      data,
		PrevHash:  prevHash,
	}
	canonical, err := CanonicalBody(rec)
	if err != nil {
		return Record{}, err
	}
	rec.Hash = ComputeHash(canonical, rec.PrevHash)
	rec.Signature = Sign(rec.Hash, key)
	return rec, nil
}

type VerifyOptions struct {
	PublicKey        ed25519.PublicKey
	RequireSignature bool
}

type VerifyResult struct {
	SessionID       string   `json:"session_id,omitempty"`
	RecordsChecked  int      `json:"records_checked"`
	HashErrors      []string `json:"hash_errors,omitempty"`
	LinkageErrors   []string `json:"linkage_errors,omitempty"`
	SignatureErrors []string `json:"signature_errors,omitempty"`
}

func (r VerifyResult) OK() bool {
	return len(r.HashErrors) == 0 && len(r.LinkageErrors) == 0 && len(r.SignatureErrors) == 0
}

// Verify recomputes every record's hash from its stored fields and checks
// the prev_hash linkage starting at genesis. Mutating any record's data
// is detected at that record; linkage breaks are reported separately.
func Verify(records []Record, opts VerifyOptions) VerifyResult {
	result := VerifyResult{RecordsChecked: len(records)}
	if len(records) == 0 {
		return result
	}
	result.SessionID = records[0].SessionID
	if records[0].PrevHash != GenesisPrevHash {
		result.LinkageErrors = append(result.LinkageErrors, "record 0 does not start at genesis")
	}
	for i, rec := range records {
		if i > 0 && rec.PrevHash != records[i-1].Hash {
			result.LinkageErrors = append(result.LinkageErrors, fmt.Sprintf("record %d prev_hash does not match record %d hash", i, i-1))
		}
		canonical, err := CanonicalBody(rec)
		if err != nil {
			result.HashErrors = append(result.HashErrors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		if ComputeHash(canonical, rec.PrevHash) != rec.Hash {
			result.HashErrors = append(result.HashErrors, fmt.Sprintf("record %d hash mismatch", i))
		}
		if sigErr := verifySignature(rec, opts); sigErr != "" {
			result.SignatureErrors = append(result.SignatureErrors, fmt.Sprintf("record %d %s", i, sigErr))
		}
	}
	return result
}

func verifySignature(rec Record, opts VerifyOptions) string {
	if rec.Signature == UnsignedSignature {
		if opts.RequireSignature {
			return "is unsigned"
		}
		return ""
	}
	if len(opts.PublicKey) != ed25519.PublicKeySize {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(rec.Signature)
	if err != nil {
		return fmt.Sprintf("signature decode failed: %v", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return fmt.Sprintf("signature length invalid: %d", len(raw))
	}
	if !ed25519.Verify(opts.PublicKey, []byte(rec.Hash), raw) {
		return "signature verification failed"
	}
	return ""
}
