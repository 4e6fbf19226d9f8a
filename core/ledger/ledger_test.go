package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/sealog-dev/sealog/core/chain"
	"github.com/sealog-dev/sealog/core/errors"
	"github.com/sealog-dev/sealog/core/keystore"
	"github.com/sealog-dev/sealog/core/status"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Rewind(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(-d)
}

func TestLifecycleStartAppendSeal(t *testing.T) {
	clock := newTestClock()
	l := New(Options{SessionID: "sess_e2e", Now: clock.Now})
	if l.State() != StateIdle {
		t.Fatalf("fresh ledger should be idle, got %s", l.State())
	}
	if err := l.SetClient("editor-cli"); err != nil {
		t.Fatalf("set client: %v", err)
	}
	if l.State() != StateActive {
		t.Fatalf("setting metadata should activate, got %s", l.State())
	}
	if err := l.SetTaskType("feature"); err != nil {
		t.Fatalf("set task type: %v", err)
	}

	types := []string{chain.TypeSessionStart, chain.TypeHeartbeat, chain.TypeSessionEnd}
	for _, recordType := range types {
		clock.Advance(10 * time.Second)
		if _, err := l.AppendToChain(recordType, map[string]any{"kind": recordType}); err != nil {
			t.Fatalf("append %s: %v", recordType, err)
		}
	}

	records := l.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	first, _ := time.Parse(time.RFC3339Nano, records[0].Timestamp)
	last, _ := time.Parse(time.RFC3339Nano, records[2].Timestamp)

	seal, err := l.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if l.State() != StateSealed {
		t.Fatalf("expected sealed state, got %s", l.State())
	}
	if seal.RecordCount != 3 {
		t.Fatalf("seal record_count = %d, want 3", seal.RecordCount)
	}
	if seal.FinalHash != records[2].Hash {
		t.Fatal("seal final hash must equal the chain tip")
	}
	if seal.Client != "editor-cli" || seal.TaskType != "feature" {
		t.Fatalf("seal metadata mismatch: %#v", seal)
	}
	if spanned := last.Sub(first).Seconds(); seal.DurationSeconds < spanned {
		t.Fatalf("seal duration %.1fs shorter than record span %.1fs", seal.DurationSeconds, spanned)
	}
}

func TestAppendAfterSealIsInvalidState(t *testing.T) {
	l := New(Options{})
	if _, err := l.AppendToChain(chain.TypeSessionStart, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, err := l.AppendToChain(chain.TypeHeartbeat, nil)
	if errors.CategoryOf(err) != errors.CategoryInvalidState {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	// A late heartbeat after seal is the same misuse, never a reopen.
	if err := l.IncrementHeartbeat(); errors.CategoryOf(err) != errors.CategoryInvalidState {
		t.Fatalf("expected invalid_state for late heartbeat, got %v", err)
	}
	if err := l.SetClient("late"); errors.CategoryOf(err) != errors.CategoryInvalidState {
		t.Fatalf("expected invalid_state for late metadata, got %v", err)
	}
	if _, err := l.Seal(); errors.CategoryOf(err) != errors.CategoryInvalidState {
		t.Fatalf("expected invalid_state for double seal, got %v", err)
	}
}

func TestFirstAppendUsesGenesisSentinel(t *testing.T) {
	l := New(Options{})
	if l.Tip() != chain.GenesisPrevHash {
		t.Fatalf("fresh tip should be genesis, got %s", l.Tip())
	}
	rec, err := l.AppendToChain(chain.TypeSessionStart, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.PrevHash != chain.GenesisPrevHash {
		t.Fatalf("first record prev_hash = %s, want genesis", rec.PrevHash)
	}
	if l.Tip() != rec.Hash {
		t.Fatal("tip must advance to the new record's hash")
	}
}

func TestHeartbeatCounterDoesNotAppend(t *testing.T) {
	l := New(Options{})
	for i := 0; i < 4; i++ {
		if err := l.IncrementHeartbeat(); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	if l.Heartbeats() != 4 {
		t.Fatalf("heartbeats = %d, want 4", l.Heartbeats())
	}
	if l.RecordCount() != 0 {
		t.Fatal("heartbeats must not append chain records")
	}
}

func TestTimestampsMonotonicUnderClockRewind(t *testing.T) {
	clock := newTestClock()
	l := New(Options{Now: clock.Now})
	if _, err := l.AppendToChain(chain.TypeSessionStart, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.Rewind(time.Hour)
	rec, err := l.AppendToChain(chain.TypeHeartbeat, nil)
	if err != nil {
		t.Fatalf("append after rewind: %v", err)
	}
	records := l.Records()
	firstTS, _ := time.Parse(time.RFC3339Nano, records[0].Timestamp)
	secondTS, _ := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if secondTS.Before(firstTS) {
		t.Fatalf("timestamps must be non-decreasing: %s then %s", records[0].Timestamp, rec.Timestamp)
	}
}

func TestUnsignedModeWithoutKeystore(t *testing.T) {
	l := New(Options{})
	outcome := l.InitializeKeystore()
	if outcome.State != status.StateFailed {
		t.Fatalf("no keystore should report failed, got %#v", outcome)
	}
	for i := 0; i < 3; i++ {
		rec, err := l.AppendToChain(chain.TypeHeartbeat, map[string]any{"i": i})
		if err != nil {
			t.Fatalf("append %d must not fail in unsigned mode: %v", i, err)
		}
		if rec.Signature != chain.UnsignedSignature {
			t.Fatalf("record %d should be unsigned, got %s", i, rec.Signature)
		}
	}
}

func TestSignedModeWithKeystore(t *testing.T) {
	ks := keystore.Open(t.TempDir())
	l := New(Options{Keystore: ks})
	if outcome := l.InitializeKeystore(); outcome.State != status.StateOK {
		t.Fatalf("keystore init: %#v", outcome)
	}
	rec, err := l.AppendToChain(chain.TypeSessionStart, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Signature == chain.UnsignedSignature {
		t.Fatal("expected a real signature with an available keystore")
	}
	result := chain.Verify(l.Records(), chain.VerifyOptions{PublicKey: ks.PublicKey(), RequireSignature: true})
	if !result.OK() {
		t.Fatalf("signed chain must verify: %#v", result)
	}
}

func TestResetReturnsToIdleWithFreshIdentity(t *testing.T) {
	l := New(Options{})
	originalID := l.SessionID()
	if _, err := l.AppendToChain(chain.TypeSessionStart, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	newID := l.Reset()
	if newID == originalID {
		t.Fatal("reset must generate a fresh session identifier")
	}
	if l.State() != StateIdle || l.RecordCount() != 0 || l.Tip() != chain.GenesisPrevHash {
		t.Fatalf("reset must zero state: state=%s count=%d tip=%s", l.State(), l.RecordCount(), l.Tip())
	}
}

func TestJournalPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(Options{SessionID: "sess_journal", JournalDir: dir})
	if err := l.SetClient("editor"); err != nil {
		t.Fatalf("set client: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.AppendToChain(chain.TypeMilestone, map[string]any{"i": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	seal, err := l.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	journal, err := ReadJournal(JournalPath(dir, "sess_journal"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if journal.Header.SessionID != "sess_journal" || journal.Header.Client != "editor" {
		t.Fatalf("unexpected header: %#v", journal.Header)
	}
	if len(journal.Records) != 3 {
		t.Fatalf("expected 3 journal records, got %d", len(journal.Records))
	}
	if journal.Seal == nil || journal.Seal.FinalHash != seal.FinalHash {
		t.Fatalf("journal seal mismatch: %#v", journal.Seal)
	}
	if result := chain.Verify(journal.Records, chain.VerifyOptions{}); !result.OK() {
		t.Fatalf("persisted chain must verify: %#v", result)
	}
}

func TestConcurrentAppendsStaySeriallyLinked(t *testing.T) {
	l := New(Options{})
	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := l.AppendToChain(chain.TypeHeartbeat, map[string]any{"worker": worker, "i": i}); err != nil {
					t.Errorf("append worker %d: %v", worker, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	records := l.Records()
	if len(records) != workers*perWorker {
		t.Fatalf("expected %d records, got %d", workers*perWorker, len(records))
	}
	if result := chain.Verify(records, chain.VerifyOptions{}); !result.OK() {
		t.Fatalf("concurrent appends must still form a valid chain: %#v", result)
	}
}

func TestSessionDurationMonotonic(t *testing.T) {
	clock := newTestClock()
	l := New(Options{Now: clock.Now})
	if l.SessionDuration() != 0 {
		t.Fatal("idle session has zero duration")
	}
	if _, err := l.AppendToChain(chain.TypeSessionStart, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.Advance(90 * time.Second)
	if got := l.SessionDuration(); got != 90*time.Second {
		t.Fatalf("duration = %s, want 90s", got)
	}
	if _, err := l.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	clock.Advance(time.Hour)
	if got := l.SessionDuration(); got != 90*time.Second {
		t.Fatalf("sealed duration must be frozen, got %s", got)
	}
}
