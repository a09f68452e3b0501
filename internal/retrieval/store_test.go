package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/storage"
)

var testEmbedding = engine.EmbeddingConfig{Provider: "ollama", Model: "nomic-embed-text", Dimensions: 4}

// openTestStore opens an in-memory database with the full schema.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st.DB())
}

func mustCreate(t *testing.T, s *SQLiteStore, c Collection) Collection {
	t.Helper()
	if c.Embedding == (engine.EmbeddingConfig{}) {
		c.Embedding = testEmbedding
	}
	created, err := s.CreateCollection(c)
	if err != nil {
		t.Fatalf("CreateCollection(%s): %v", c.Name, err)
	}
	return created
}

func mustInsert(t *testing.T, s *SQLiteStore, collectionID string, texts map[string][]float32) {
	t.Helper()
	var chunks []Chunk
	for text, vec := range texts {
		chunks = append(chunks, Chunk{Text: text, Embedding: vec})
	}
	if err := s.InsertChunks(collectionID, chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
}

func TestCreateCollection_Validation(t *testing.T) {
	s := openTestStore(t)

	cases := []Collection{
		{Name: "", Kind: KindGlobal},
		{Name: "x", Kind: "private"},
		{Name: "x", Kind: KindScoped},
		{Name: "x", Kind: KindGlobal, ConversationID: "c1"},
		{Name: "x", Kind: KindScoped, ConversationID: "c1", IsDefault: true},
		{Name: "x", Kind: KindGlobal, Chunking: ChunkPolicy{Kind: PolicyWindow, Length: 10, Overlap: 10}},
	}
	for i, c := range cases {
		c.Embedding = testEmbedding
		if _, err := s.CreateCollection(c); err == nil {
			t.Errorf("case %d: expected error for %+v", i, c)
		}
	}

	c := mustCreate(t, s, Collection{Name: "Medical Terms", Kind: KindGlobal})
	if c.ID == "" || c.Chunking != DefaultChunkPolicy {
		t.Errorf("unexpected defaults: %+v", c)
	}
	got, err := s.GetCollection(c.ID)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if got.Name != "Medical Terms" || got.Embedding != testEmbedding {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if _, err := s.GetCollection("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureScoped(t *testing.T) {
	s := openTestStore(t)

	first, err := s.EnsureScoped("conv-42", testEmbedding)
	if err != nil {
		t.Fatalf("EnsureScoped: %v", err)
	}
	second, err := s.EnsureScoped("conv-42", testEmbedding)
	if err != nil {
		t.Fatalf("EnsureScoped again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("EnsureScoped created twice: %s, %s", first.ID, second.ID)
	}
	if first.Kind != KindScoped || first.ConversationID != "conv-42" {
		t.Errorf("unexpected scoped collection: %+v", first)
	}
}

func TestLink(t *testing.T) {
	s := openTestStore(t)

	scoped := mustCreate(t, s, Collection{Name: "Patient 42", Kind: KindScoped, ConversationID: "c42"})
	terms := mustCreate(t, s, Collection{Name: "Medical Terms", Kind: KindGlobal})
	phrases := mustCreate(t, s, Collection{Name: "Zulu Phrases", Kind: KindGlobal})
	other := mustCreate(t, s, Collection{Name: "Other", Kind: KindGlobal,
		Embedding: engine.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 4}})
	otherScoped := mustCreate(t, s, Collection{Name: "Patient 7", Kind: KindScoped, ConversationID: "c7"})

	if err := s.Link(scoped.ID, terms.ID); err != nil {
		t.Fatalf("Link terms: %v", err)
	}
	if err := s.Link(scoped.ID, phrases.ID); err != nil {
		t.Fatalf("Link phrases: %v", err)
	}
	if err := s.Link(scoped.ID, terms.ID); err != nil {
		t.Errorf("re-linking should be a no-op, got %v", err)
	}
	if err := s.Link(scoped.ID, other.ID); !errors.Is(err, ErrIncompatible) {
		t.Errorf("expected ErrIncompatible, got %v", err)
	}
	if err := s.Link(scoped.ID, otherScoped.ID); !errors.Is(err, ErrInvalidLink) {
		t.Errorf("scoped -> scoped: expected ErrInvalidLink, got %v", err)
	}
	if err := s.Link(terms.ID, phrases.ID); !errors.Is(err, ErrInvalidLink) {
		t.Errorf("global -> global: expected ErrInvalidLink, got %v", err)
	}

	links, err := s.Links(scoped.ID)
	if err != nil {
		t.Fatalf("Links: %v", err)
	}
	if len(links) != 2 || links[0].ID != terms.ID || links[1].ID != phrases.ID {
		t.Errorf("Links = %+v", links)
	}

	if err := s.Unlink(scoped.ID, terms.ID); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := s.Unlink(scoped.ID, terms.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Unlink: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteCollection_Cascades(t *testing.T) {
	s := openTestStore(t)

	scoped := mustCreate(t, s, Collection{Name: "Patient 42", Kind: KindScoped, ConversationID: "c42"})
	global := mustCreate(t, s, Collection{Name: "Medical Terms", Kind: KindGlobal})
	if err := s.Link(scoped.ID, global.ID); err != nil {
		t.Fatalf("Link: %v", err)
	}
	mustInsert(t, s, global.ID, map[string][]float32{"angina": {1, 0, 0, 0}, "asthma": {0, 1, 0, 0}})

	if err := s.DeleteCollection(global.ID); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	n, err := s.CountChunks(global.ID)
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if n != 0 {
		t.Errorf("chunks left after delete: %d", n)
	}
	links, _ := s.Links(scoped.ID)
	if len(links) != 0 {
		t.Errorf("links left after delete: %+v", links)
	}
	if err := s.DeleteCollection(global.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertChunks_DimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	c := mustCreate(t, s, Collection{Name: "Medical Terms", Kind: KindGlobal})

	err := s.InsertChunks(c.ID, []Chunk{
		{Text: "ok", Embedding: []float32{1, 0, 0, 0}},
		{Text: "bad", Embedding: []float32{1, 0, 0}},
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if n, _ := s.CountChunks(c.ID); n != 0 {
		t.Errorf("partial insert: %d chunks stored", n)
	}
}

func TestHasTextAndDeleteChunk(t *testing.T) {
	s := openTestStore(t)
	c := mustCreate(t, s, Collection{Name: "Zulu Phrases", Kind: KindGlobal})

	if err := s.InsertChunks(c.ID, []Chunk{{ID: "ch1", Text: "Sawubona", Embedding: []float32{1, 0, 0, 0}}}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if ok, err := s.HasText(c.ID, "Sawubona"); err != nil || !ok {
		t.Errorf("HasText(Sawubona) = %v, %v", ok, err)
	}
	if ok, _ := s.HasText(c.ID, "Yebo"); ok {
		t.Error("HasText(Yebo) = true")
	}
	if err := s.DeleteChunk("ch1"); err != nil {
		t.Fatalf("DeleteChunk: %v", err)
	}
	if err := s.DeleteChunk("ch1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReembed(t *testing.T) {
	s := openTestStore(t)
	col := mustCreate(t, s, Collection{Name: "Medical Terms", Kind: KindGlobal})
	mustInsert(t, s, col.ID, map[string][]float32{
		"angina":  {1, 0, 0, 0},
		"allergy": {0, 0, 0, 1},
	})
	next := engine.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 2}

	chunks, err := s.ChunkTexts(col.ID)
	if err != nil {
		t.Fatalf("ChunkTexts: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Embedding != nil {
		t.Fatalf("ChunkTexts = %+v", chunks)
	}
	vectors := map[string][]float32{}
	for _, c := range chunks {
		if c.Text == "angina" {
			vectors[c.ID] = []float32{1, 0}
		} else {
			vectors[c.ID] = []float32{0, 1}
		}
	}

	// A chunk set that moved on is refused and leaves the collection as is.
	partial := map[string][]float32{chunks[0].ID: vectors[chunks[0].ID]}
	if err := s.Reembed(col.ID, testEmbedding, next, partial); !errors.Is(err, ErrChanged) {
		t.Errorf("partial chunk set: got %v, want ErrChanged", err)
	}
	if got, _ := s.GetCollection(col.ID); got.Embedding != testEmbedding {
		t.Errorf("failed reembed changed the collection: %+v", got.Embedding)
	}
	if err := s.Reembed(col.ID, testEmbedding, next, map[string][]float32{chunks[0].ID: {1, 0, 0}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("wrong width: got %v, want ErrDimensionMismatch", err)
	}

	if err := s.Reembed(col.ID, testEmbedding, next, vectors); err != nil {
		t.Fatalf("Reembed: %v", err)
	}
	got, err := s.GetCollection(col.ID)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if got.Embedding != next {
		t.Errorf("embedding = %+v, want %+v", got.Embedding, next)
	}
	hits, err := s.Search(context.Background(), col.ID, []float32{1, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Text != "angina" {
		t.Errorf("Search after reembed = %+v", hits)
	}

	// A second reindex from the old space lost the race.
	if err := s.Reembed(col.ID, testEmbedding, next, vectors); !errors.Is(err, ErrChanged) {
		t.Errorf("stale from: got %v, want ErrChanged", err)
	}
}

func TestSearch_TopKWithinCollection(t *testing.T) {
	s := openTestStore(t)
	a := mustCreate(t, s, Collection{Name: "A", Kind: KindGlobal})
	b := mustCreate(t, s, Collection{Name: "B", Kind: KindGlobal})

	var chunks []Chunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, Chunk{
			Text:      fmt.Sprintf("chunk %d", i),
			Embedding: []float32{1, float32(i) * 0.1, 0, 0},
			Metadata:  map[string]any{"chunk_index": i},
		})
	}
	if err := s.InsertChunks(a.ID, chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	mustInsert(t, s, b.ID, map[string][]float32{"other collection": {1, 0, 0, 0}})

	results, err := s.Search(context.Background(), a.ID, []float32{1, 0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Text != "chunk 0" || results[0].Score < 0.99 {
		t.Errorf("best = %q (%.3f), want chunk 0", results[0].Text, results[0].Score)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted: %v > %v", results[i].Score, results[i-1].Score)
		}
	}
	for _, r := range results {
		if r.CollectionID != a.ID || r.CollectionName != "A" {
			t.Errorf("result from wrong collection: %+v", r)
		}
	}
	if results[0].Metadata["chunk_index"] != float64(0) {
		t.Errorf("metadata = %v", results[0].Metadata)
	}
}

func TestSearch_ZeroQuery(t *testing.T) {
	s := openTestStore(t)
	a := mustCreate(t, s, Collection{Name: "A", Kind: KindGlobal})
	mustInsert(t, s, a.ID, map[string][]float32{"x": {1, 0, 0, 0}})

	results, err := s.Search(context.Background(), a.ID, []float32{0, 0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("zero query vector should match nothing, got %d", len(results))
	}
}

func TestDefaults(t *testing.T) {
	s := openTestStore(t)
	terms := mustCreate(t, s, Collection{Name: "Medical Terms", Kind: KindGlobal})
	mustCreate(t, s, Collection{Name: "Zulu Phrases", Kind: KindGlobal})

	if err := s.SetDefault(terms.ID, true); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	defaults, err := s.Defaults()
	if err != nil {
		t.Fatalf("Defaults: %v", err)
	}
	if len(defaults) != 1 || defaults[0].ID != terms.ID {
		t.Errorf("Defaults = %+v", defaults)
	}

	scoped := mustCreate(t, s, Collection{Name: "Patient 42", Kind: KindScoped, ConversationID: "c42"})
	if err := s.SetDefault(scoped.ID, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("scoped default: expected ErrNotFound, got %v", err)
	}
}

func TestCollectionEvents(t *testing.T) {
	s := openTestStore(t)
	bus := &recordingPublisher{}
	s.SetPublisher(bus)

	c := mustCreate(t, s, Collection{Name: "Medical Terms", Kind: KindGlobal})
	if err := s.DeleteCollection(c.ID); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	if err := s.DeleteCollection(c.ID); err == nil {
		t.Fatal("second delete should fail")
	}

	got := bus.topics()
	want := []string{"collection.created", "collection.deleted"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("topics = %v, want %v", got, want)
	}
}
