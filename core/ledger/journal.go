package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sealog-dev/sealog/core/chain"
	"github.com/sealog-dev/sealog/core/errors"
	"github.com/sealog-dev/sealog/core/fsx"
)

const (
	lineKindHeader = "header"
	lineKindRecord = "record"
	lineKindSeal   = "seal"
)

// Header is the first line of a session journal.
type Header struct {
	SessionID string `json:"session_id"`
	StartedAt string `json:"started_at"`
	Client    string `json:"client,omitempty"`
	TaskType  string `json:"task_type,omitempty"`
}

type journalLine struct {
	Kind   string        `json:"kind"`
	Header *Header       `json:"header,omitempty"`
	Record *chain.Record `json:"record,omitempty"`
	Seal   *Seal         `json:"seal,omitempty"`
}

// JournalPath returns the chain journal location for a session.
func JournalPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".jsonl")
}

// SealPath returns the seal document location for a session.
func SealPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".seal.json")
}

func (l *Ledger) appendJournalLocked(line journalLine) error {
	if l.journalDir == "" {
		return nil
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternalFailure, "journal_encode", "", false)
	}
	path := JournalPath(l.journalDir, l.sessionID)
	if err := fsx.AppendLine(path, encoded, 0o600); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "journal_append", "check data directory permissions", false)
	}
	return nil
}

func (l *Ledger) persistSealLocked(seal Seal) error {
	if l.journalDir == "" {
		return nil
	}
	if err := l.appendJournalLocked(journalLine{Kind: lineKindSeal, Seal: &seal}); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(seal, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternalFailure, "seal_encode", "", false)
	}
	encoded = append(encoded, '\n')
	path := SealPath(l.journalDir, l.sessionID)
	if err := fsx.WriteFileAtomic(path, encoded, 0o600); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "seal_write", "check data directory permissions", false)
	}
	return nil
}

// Journal is the parsed content of a session journal file.
type Journal struct {
	Header  Header
	Records []chain.Record
	Seal    *Seal
}

// ReadJournal parses a session journal. Structural damage (missing
// header, unknown line kinds, unparsable lines) is an error; chain
// integrity is the caller's concern via chain.Verify.
func ReadJournal(path string) (Journal, error) {
	// #nosec G304 -- journal path is explicit local input.
	file, err := os.Open(path)
	if err != nil {
		return Journal{}, fmt.Errorf("open session journal: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 128*1024), 8*1024*1024)
	var journal Journal
	haveHeader := false
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line journalLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return Journal{}, fmt.Errorf("session journal parse line %d: %w", lineNo, err)
		}
		switch line.Kind {
		case lineKindHeader:
			if line.Header == nil {
				return Journal{}, fmt.Errorf("session journal line %d missing header payload", lineNo)
			}
			if haveHeader {
				return Journal{}, fmt.Errorf("session journal contains duplicate header")
			}
			journal.Header = *line.Header
			haveHeader = true
		case lineKindRecord:
			if !haveHeader {
				return Journal{}, fmt.Errorf("session journal record before header at line %d", lineNo)
			}
			if line.Record == nil {
				return Journal{}, fmt.Errorf("session journal line %d missing record payload", lineNo)
			}
			if line.Record.SessionID != journal.Header.SessionID {
				return Journal{}, fmt.Errorf("session journal record identity mismatch at line %d", lineNo)
			}
			journal.Records = append(journal.Records, *line.Record)
		case lineKindSeal:
			if !haveHeader {
				return Journal{}, fmt.Errorf("session journal seal before header at line %d", lineNo)
			}
			if line.Seal == nil {
				return Journal{}, fmt.Errorf("session journal line %d missing seal payload", lineNo)
			}
			if journal.Seal != nil {
				return Journal{}, fmt.Errorf("session journal contains duplicate seal")
			}
			journal.Seal = line.Seal
		default:
			return Journal{}, fmt.Errorf("session journal line %d has unsupported kind %q", lineNo, line.Kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return Journal{}, fmt.Errorf("read session journal: %w", err)
	}
	if !haveHeader {
		return Journal{}, fmt.Errorf("session journal missing header")
	}
	return journal, nil
}
