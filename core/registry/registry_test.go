package registry

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "session-ids.json"))
}

func TestReadAllMissingFileIsEmpty(t *testing.T) {
	r := newTestRegistry(t)
	if mapping := r.ReadAll(); len(mapping) != 0 {
		t.Fatalf("expected empty mapping, got %#v", mapping)
	}
}

func TestReadAllCorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session-ids.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	if mapping := New(path).ReadAll(); len(mapping) != 0 {
		t.Fatalf("corrupt storage must read as empty, got %#v", mapping)
	}
}

func TestWriteInsertsAndOverwrites(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Write("ext_a", "int_1"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Write("ext_a", "int_2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	want := map[string]string{"ext_a": "int_2"}
	if got := r.ReadAll(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected mapping: %#v", got)
	}
}

func TestWriteBlankExternalIDIsNoOp(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Write("", "int_1"); err != nil {
		t.Fatalf("blank write: %v", err)
	}
	if err := r.Write("   ", "int_1"); err != nil {
		t.Fatalf("whitespace write: %v", err)
	}
	if mapping := r.ReadAll(); len(mapping) != 0 {
		t.Fatalf("blank external id must leave the table unchanged: %#v", mapping)
	}
	if _, err := os.Stat(r.path); !os.IsNotExist(err) {
		t.Fatal("no-op writes must not create the file")
	}
}

func TestRemoveByExternalIDAbsentIsNoOp(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.RemoveByExternalID("missing"); err != nil {
		t.Fatalf("remove absent: %v", err)
	}
}

func TestRemoveByInternalIDRemovesEveryAlias(t *testing.T) {
	r := newTestRegistry(t)
	seed := map[string]string{
		"ext_a": "int_1",
		"ext_b": "int_1",
		"ext_c": "int_2",
	}
	for external, internal := range seed {
		if err := r.Write(external, internal); err != nil {
			t.Fatalf("seed %s: %v", external, err)
		}
	}
	if err := r.RemoveByInternalID("int_1"); err != nil {
		t.Fatalf("remove by internal: %v", err)
	}
	want := map[string]string{"ext_c": "int_2"}
	if got := r.ReadAll(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected only unrelated entries to survive: %#v", got)
	}
}

func TestPersistenceAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session-ids.json")
	if err := New(path).Write("ext_a", "int_1"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := New(path).ReadAll(); got["ext_a"] != "int_1" {
		t.Fatalf("mapping must survive re-open: %#v", got)
	}
}
