package nodekey

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesThenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (create): %v", err)
	}

	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (reload): %v", err)
	}

	if first.NodeId() != second.NodeId() {
		t.Fatalf("NodeId changed across restart: %s != %s", first.NodeId(), second.NodeId())
	}
}

func TestLoadOrCreateDifferentPathsGetDifferentKeys(t *testing.T) {
	a, err := LoadOrCreate(filepath.Join(t.TempDir(), "a.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate a: %v", err)
	}
	b, err := LoadOrCreate(filepath.Join(t.TempDir(), "b.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate b: %v", err)
	}
	if a.NodeId() == b.NodeId() {
		t.Fatalf("expected distinct NodeIds for independently generated keys")
	}
}
