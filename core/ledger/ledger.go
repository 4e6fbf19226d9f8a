// Package ledger owns one in-progress session: its identity, counters,
// chain tip, and Idle -> Active -> Sealed lifecycle.
package ledger

import (
	"crypto/ed25519"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sealog-dev/sealog/core/chain"
	"github.com/sealog-dev/sealog/core/errors"
	"github.com/sealog-dev/sealog/core/keystore"
	"github.com/sealog-dev/sealog/core/status"
)

type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateSealed State = "sealed"
)

// Seal is the immutable, finalized summary of a completed session. The
// serialized shape is read directly by external collaborators; changes
// must stay additive.
type Seal struct {
	SessionID       string         `json:"session_id"`
	StartedAt       string         `json:"started_at"`
	EndedAt         string         `json:"ended_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Client          string         `json:"client,omitempty"`
	TaskType        string         `json:"task_type,omitempty"`
	RecordCount     int            `json:"record_count"`
	Heartbeats      int            `json:"heartbeats"`
	FinalHash       string         `json:"final_hash"`
	Signing         status.Outcome `json:"signing"`
}

type Options struct {
	// SessionID is the internal session id; generated when empty.
	SessionID string
	// JournalDir enables on-disk persistence of the chain journal and
	// seal document when non-empty.
	JournalDir string
	Keystore   *keystore.Keystore
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Ledger is safe for concurrent use; appends for the session are
// serialized by its internal lock so every record observes the
// immediately preceding chain tip.
type Ledger struct {
	mu         sync.Mutex
	now        func() time.Time
	ks         *keystore.Keystore
	journalDir string

	state       State
	sessionID   string
	client      string
	taskType    string
	startedAt   time.Time
	endedAt     time.Time
	lastEventAt time.Time
	heartbeats  int
	recordCount int
	tip         string
	records     []chain.Record
	signing     status.Outcome
	seal        *Seal
}

func New(opts Options) *Ledger {
	l := &Ledger{
		now:        opts.Now,
		ks:         opts.Keystore,
		journalDir: strings.TrimSpace(opts.JournalDir),
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.resetLocked(strings.TrimSpace(opts.SessionID))
	return l
}

// Reset discards all session state and returns to Idle under a freshly
// generated session identifier.
func (l *Ledger) Reset() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked("")
	return l.sessionID
}

func (l *Ledger) resetLocked(sessionID string) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	l.state = StateIdle
	l.sessionID = sessionID
	l.client = ""
	l.taskType = ""
	l.startedAt = time.Time{}
	l.endedAt = time.Time{}
	l.lastEventAt = time.Time{}
	l.heartbeats = 0
	l.recordCount = 0
	l.tip = chain.GenesisPrevHash
	l.records = nil
	l.seal = nil
}

// SetClient records the declared client name. Unknown values are
// accepted as-is; the vocabulary of client names is an external concern.
func (l *Ledger) SetClient(name string) error {
	return l.setMetadata(name, func(value string) { l.client = value })
}

// SetTaskType records the declared task type.
func (l *Ledger) SetTaskType(taskType string) error {
	return l.setMetadata(taskType, func(value string) { l.taskType = value })
}

func (l *Ledger) setMetadata(value string, assign func(string)) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New(errors.CategoryInvalidInput, "metadata_empty", "", "metadata value must be non-empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateSealed {
		return l.sealedErrorLocked()
	}
	assign(value)
	return l.activateLocked()
}

// IncrementHeartbeat bumps the heartbeat counter without appending a
// chain record; callers decide whether a heartbeat is also logged.
func (l *Ledger) IncrementHeartbeat() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateSealed {
		return l.sealedErrorLocked()
	}
	l.heartbeats++
	return nil
}

// InitializeKeystore attempts to obtain a signing key. Failure never
// propagates as an error; the ledger continues in unsigned mode.
// Idempotent: a usable keystore is not re-initialized, a failed one is
// re-attempted.
func (l *Ledger) InitializeKeystore() status.Outcome {
	var outcome status.Outcome
	if l.ks == nil {
		outcome = status.Failed("keystore not configured")
	} else {
		outcome = l.ks.Init()
	}
	l.mu.Lock()
	l.signing = outcome
	l.mu.Unlock()
	return outcome
}

// AppendToChain builds a record linked to the current tip and advances
// the tip. This is the sole mutator of the chain tip.
func (l *Ledger) AppendToChain(recordType string, data map[string]any) (chain.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateSealed {
		return chain.Record{}, l.sealedErrorLocked()
	}
	if err := l.activateLocked(); err != nil {
		return chain.Record{}, err
	}
	ts := l.now().UTC()
	if !l.lastEventAt.IsZero() && ts.Before(l.lastEventAt) {
		ts = l.lastEventAt
	}
	key := l.signingKeyLocked()
	rec, err := chain.BuildRecord(recordType, l.sessionID, data, l.tip, key, ts)
	if err != nil {
		return chain.Record{}, err
	}
	if err := l.appendJournalLocked(journalLine{Kind: lineKindRecord, Record: &rec}); err != nil {
		return chain.Record{}, err
	}
	l.tip = rec.Hash
	l.lastEventAt = ts
	l.recordCount++
	l.records = append(l.records, rec)
	return rec, nil
}

// SessionDuration reports wall-clock elapsed time since session start.
func (l *Ledger) SessionDuration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startedAt.IsZero() {
		return 0
	}
	if l.state == StateSealed {
		return l.endedAt.Sub(l.startedAt)
	}
	elapsed := l.now().UTC().Sub(l.startedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Seal freezes the session and snapshots counters, duration, and the
// final chain tip. The ledger is immutable afterwards.
func (l *Ledger) Seal() (Seal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateSealed {
		return Seal{}, l.sealedErrorLocked()
	}
	if err := l.activateLocked(); err != nil {
		return Seal{}, err
	}
	endedAt := l.now().UTC()
	if endedAt.Before(l.startedAt) {
		endedAt = l.startedAt
	}
	seal := Seal{
		SessionID:       l.sessionID,
		StartedAt:       l.startedAt.Format(time.RFC3339Nano),
		EndedAt:         endedAt.Format(time.RFC3339Nano),
		DurationSeconds: endedAt.Sub(l.startedAt).Seconds(),
		Client:          l.client,
		TaskType:        l.taskType,
		RecordCount:     l.recordCount,
		Heartbeats:      l.heartbeats,
		FinalHash:       l.tip,
		Signing:         l.signing,
	}
	if err := l.persistSealLocked(seal); err != nil {
		return Seal{}, err
	}
	l.endedAt = endedAt
	l.seal = &seal
	l.state = StateSealed
	return seal, nil
}

func (l *Ledger) activateLocked() error {
	if l.state != StateIdle {
		return nil
	}
	l.state = StateActive
	if l.startedAt.IsZero() {
		l.startedAt = l.now().UTC()
	}
	header := Header{
		SessionID: l.sessionID,
		StartedAt: l.startedAt.Format(time.RFC3339Nano),
		Client:    l.client,
		TaskType:  l.taskType,
	}
	return l.appendJournalLocked(journalLine{Kind: lineKindHeader, Header: &header})
}

func (l *Ledger) signingKeyLocked() ed25519.PrivateKey {
	if l.ks == nil || !l.signing.Usable() {
		return nil
	}
	return l.ks.SigningKey()
}

func (l *Ledger) sealedErrorLocked() error {
	return errors.New(errors.CategoryInvalidState, "session_sealed", "start a new session", "session %s is sealed", l.sessionID)
}

func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Ledger) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

func (l *Ledger) Client() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *Ledger) TaskType() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.taskType
}

func (l *Ledger) Heartbeats() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heartbeats
}

func (l *Ledger) RecordCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordCount
}

// Tip returns the hash of the most recently appended record, or the
// genesis sentinel before the first append.
func (l *Ledger) Tip() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tip
}

func (l *Ledger) StartedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startedAt
}

// Records returns a copy of the in-memory chain.
func (l *Ledger) Records() []chain.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]chain.Record, len(l.records))
	copy(out, l.records)
	return out
}

// SealDocument returns the seal when the session has been sealed.
func (l *Ledger) SealDocument() (Seal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seal == nil {
		return Seal{}, false
	}
	return *l.seal, true
}

// SigningOutcome reports the keystore availability observed at init.
func (l *Ledger) SigningOutcome() status.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signing
}
