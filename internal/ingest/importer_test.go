package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/medbridge/internal/queue"
	"github.com/kalambet/medbridge/internal/retrieval"
)

func writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestImport_Counts(t *testing.T) {
	svc, store, emb, _, bus := newTestService(t)
	col := createCollection(t, store, "Zulu Phrases", retrieval.ChunkPolicy{Kind: retrieval.PolicyNone})

	// Already present before the import.
	if err := store.InsertChunks(col.ID, []retrieval.Chunk{{Text: "Ngiyabonga", Embedding: []float32{1, 0, 0, 0}}}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	emb.embedFn = func(text string) ([]float32, error) {
		if text == "poison" {
			return nil, errors.New("provider rejected input")
		}
		return []float32{1, 1, 0, 0}, nil
	}

	path := writeDataset(t,
		`{"text": "Sawubona", "name": "hello", "metadata": {"register": "formal"}}`,
		`{"text": "Ngiphethwe yisifuba"}`,
		``,
		`{"text": "   "}`,
		`{"text": "Sawubona"}`,
		`{"text": "Ngiyabonga"}`,
		`not json`,
		`{"text": "poison"}`,
	)

	res, err := svc.Importer().Import(context.Background(), col.ID, path)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	want := ImportResult{Created: 2, Skipped: 3, Errors: 2}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}
	if n, _ := store.CountChunks(col.ID); n != 3 {
		t.Errorf("collection has %d chunks, want 3", n)
	}

	if _, ok := bus.last("dataset.import_started"); !ok {
		t.Error("dataset.import_started not published")
	}
	done, ok := bus.last("dataset.import_completed")
	if !ok {
		t.Fatal("dataset.import_completed not published")
	}
	if done["created"] != 2 || done["skipped"] != 3 || done["errors"] != 2 {
		t.Errorf("completed payload = %v", done)
	}
	// The batch fell back to per-record embedding after the poison line.
	if emb.batches < 2 {
		t.Errorf("embed batches = %d", emb.batches)
	}
}

func TestImport_Failures(t *testing.T) {
	svc, store, _, _, bus := newTestService(t)
	col := createCollection(t, store, "Zulu Phrases", retrieval.ChunkPolicy{Kind: retrieval.PolicyNone})

	if _, err := svc.Importer().Import(context.Background(), col.ID, filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("expected error for missing source")
	}
	ev, ok := bus.last("dataset.import_failed")
	if !ok || ev["collection_id"] != col.ID {
		t.Errorf("import_failed payload = %v", ev)
	}

	path := writeDataset(t, `{"text": "Sawubona"}`)
	if _, err := svc.Importer().Import(context.Background(), "missing", path); !errors.Is(err, retrieval.ErrNotFound) {
		t.Errorf("missing collection: got %v", err)
	}
}

func TestImportBatch(t *testing.T) {
	svc, store, _, jobs, bus := newTestService(t)
	col := createCollection(t, store, "Zulu Phrases", retrieval.ChunkPolicy{Kind: retrieval.PolicyNone})
	a := writeDataset(t, `{"text": "Sawubona"}`)
	b := writeDataset(t, `{"text": "Yebo"}`, `{"text": "Cha"}`)

	ids, err := svc.ImportBatch(context.Background(), []ImportSpec{
		{CollectionID: col.ID, Source: a},
		{CollectionID: col.ID, Source: b},
	})
	if err != nil {
		t.Fatalf("ImportBatch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	started, ok := bus.last("dataset.batch_import_started")
	if !ok || started["count"] != 2 {
		t.Errorf("batch_import_started payload = %v", started)
	}

	for i := range ids {
		job := jobs.job(t, i)
		if job.Type != JobImport || job.Queue != queue.Ingest {
			t.Errorf("job %d = %s/%s", i, job.Queue, job.Type)
		}
		if err := svc.Handle(context.Background(), job); err != nil {
			t.Fatalf("Handle import %d: %v", i, err)
		}
	}
	if n, _ := store.CountChunks(col.ID); n != 3 {
		t.Errorf("collection has %d chunks, want 3", n)
	}

	if _, err := svc.ImportBatch(context.Background(), []ImportSpec{{CollectionID: col.ID}}); err == nil {
		t.Error("expected error for spec without source")
	}
}

func TestHandleImport_MissingSourceIsTerminal(t *testing.T) {
	svc, store, _, jobs, _ := newTestService(t)
	col := createCollection(t, store, "Zulu Phrases", retrieval.ChunkPolicy{Kind: retrieval.PolicyNone})
	if _, err := svc.ImportBatch(context.Background(), []ImportSpec{{CollectionID: col.ID, Source: "/nonexistent/data.jsonl"}}); err != nil {
		t.Fatalf("ImportBatch: %v", err)
	}
	if err := svc.Handle(context.Background(), jobs.job(t, 0)); !queue.IsTerminal(err) {
		t.Errorf("got %v, want terminal", err)
	}
}
