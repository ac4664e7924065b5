package autosave_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/basegraph-relay/reactor/internal/atom"
	"github.com/basegraph-relay/reactor/internal/autosave"
	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/store"
)

type fakeBlobStore struct {
	puts map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{puts: make(map[string][]byte)} }

func (f *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.puts[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakeBlobStore) Put(ctx context.Context, key string, data []byte) error {
	f.puts[key] = data
	return nil
}

func (f *fakeBlobStore) Stat(ctx context.Context, key string) (store.ObjectStat, error) {
	return store.ObjectStat{}, nil
}

func (f *fakeBlobStore) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func registryWithDefaults() *atom.Registry {
	return atom.NewRegistry(atom.DefaultAtoms("http://atoms.local"))
}

func resultWithCSV(csv []byte) domain.AtomResult {
	raw, _ := json.Marshal(map[string]any{
		"success":     true,
		"csv_payload": base64.StdEncoding.EncodeToString(csv),
	})
	var result domain.AtomResult
	if err := json.Unmarshal(raw, &result); err != nil {
		panic(err)
	}
	return result
}

func TestSave_DatasetAtomSynthesizesSanitizedKey(t *testing.T) {
	blobs := newFakeBlobStore()
	saver := autosave.New(blobs, registryWithDefaults(), fixedClock{now: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)})

	plan := domain.StepPlan{AtomID: "merge", OutputAlias: "merged result!"}
	result := resultWithCSV([]byte("a,b\n1,2\n"))

	outcome, err := saver.Save(context.Background(), plan, result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Degraded {
		t.Fatal("expected successful save, not degraded")
	}
	if outcome.Path != "merged_result__20260731T120000Z.arrow" {
		t.Fatalf("unexpected synthesized key: %s", outcome.Path)
	}
	if _, ok := blobs.puts[outcome.Path]; !ok {
		t.Fatal("expected blob to be stored under the synthesized key")
	}
}

func TestSave_DataUploadValidatePreservesReportedPath(t *testing.T) {
	blobs := newFakeBlobStore()
	saver := autosave.New(blobs, registryWithDefaults(), nil)

	plan := domain.StepPlan{AtomID: "data-upload-validate", OutputAlias: "uploaded"}
	raw, _ := json.Marshal(map[string]any{"success": true, "saved_path": "uploads/raw.csv"})
	var result domain.AtomResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}

	outcome, err := saver.Save(context.Background(), plan, result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Path != "uploads/raw.csv" {
		t.Fatalf("expected verbatim path, got %s", outcome.Path)
	}
	if len(blobs.puts) != 0 {
		t.Fatal("data-upload-validate must not call Put")
	}
}

func TestSave_NonDatasetAtomIsNoOp(t *testing.T) {
	blobs := newFakeBlobStore()
	saver := autosave.New(blobs, registryWithDefaults(), nil)

	plan := domain.StepPlan{AtomID: "chart-maker", OutputAlias: "chart"}
	result := domain.AtomResult{Success: true}

	outcome, err := saver.Save(context.Background(), plan, result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != (autosave.Outcome{}) {
		t.Fatalf("expected zero outcome for non-dataset atom, got %+v", outcome)
	}
	if len(blobs.puts) != 0 {
		t.Fatal("expected no blob writes for non-dataset atom")
	}
}

func TestSave_MissingPayloadIsDegraded(t *testing.T) {
	blobs := newFakeBlobStore()
	saver := autosave.New(blobs, registryWithDefaults(), nil)

	plan := domain.StepPlan{AtomID: "pivot", OutputAlias: "pivoted"}
	result := domain.AtomResult{Success: true}

	outcome, err := saver.Save(context.Background(), plan, result)
	if err == nil {
		t.Fatal("expected error for missing payload")
	}
	if !outcome.Degraded {
		t.Fatal("expected Degraded outcome")
	}
}
