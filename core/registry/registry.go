// Package registry persists the mapping of tool-assigned external
// session ids to internal session ids, so a reconnecting tool resumes
// the same ledger instead of starting a new one.
package registry

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/sealog-dev/sealog/core/errors"
	"github.com/sealog-dev/sealog/core/fsx"
)

// Registry is a flat persisted table, read whole and rewritten whole via
// temp-file-then-rename on every mutation.
type Registry struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Registry {
	return &Registry{path: path}
}

// ReadAll returns the persisted mapping. A missing, unreadable, or
// corrupt file reads as an empty mapping rather than an error.
func (r *Registry) ReadAll() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked()
}

// Write inserts or overwrites the entry for externalID. A blank external
// or internal id is a no-op.
func (r *Registry) Write(externalID, internalID string) error {
	externalID = strings.TrimSpace(externalID)
	internalID = strings.TrimSpace(internalID)
	if externalID == "" || internalID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	mapping := r.readLocked()
	if mapping[externalID] == internalID {
		return nil
	}
	mapping[externalID] = internalID
	return r.writeLocked(mapping)
}

// RemoveByExternalID deletes a single entry; absent entries are a no-op.
func (r *Registry) RemoveByExternalID(externalID string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	mapping := r.readLocked()
	if _, ok := mapping[externalID]; !ok {
		return nil
	}
	delete(mapping, externalID)
	return r.writeLocked(mapping)
}

// RemoveByInternalID deletes every entry whose value equals internalID.
// An internal session may have been observed under more than one
// external id across reconnects.
func (r *Registry) RemoveByInternalID(internalID string) error {
	internalID = strings.TrimSpace(internalID)
	if internalID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	mapping := r.readLocked()
	changed := false
	for external, internal := range mapping {
		if internal == internalID {
			delete(mapping, external)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.writeLocked(mapping)
}

func (r *Registry) readLocked() map[string]string {
	// #nosec G304 -- registry path is derived from the configured data directory.
	content, err := os.ReadFile(r.path)
	if err != nil {
		return map[string]string{}
	}
	var mapping map[string]string
	if err := json.Unmarshal(content, &mapping); err != nil || mapping == nil {
		return map[string]string{}
	}
	return mapping
}

func (r *Registry) writeLocked(mapping map[string]string) error {
	encoded, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternalFailure, "registry_encode", "", false)
	}
	encoded = append(encoded, '\n')
	if err := fsx.WriteFileAtomic(r.path, encoded, 0o600); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "registry_write", "check data directory permissions", false)
	}
	return nil
}
