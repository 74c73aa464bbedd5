package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSetWritesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	r := New(path)

	r.Set(Working, "job-1")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read status file: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal status file: %v", err)
	}
	if doc.State != Working || doc.JobID != "job-1" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestSetOverwritesPreviousState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	r := New(path)

	r.Set(Offered, "job-2")
	r.Set(Completed, "job-2")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read status file: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal status file: %v", err)
	}
	if doc.State != Completed {
		t.Fatalf("expected final state completed, got %s", doc.State)
	}
}

func TestNilPathIsNoop(t *testing.T) {
	r := New("")
	r.Set(Working, "job-3") // must not panic or error
}
