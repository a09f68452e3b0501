package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/events"
)

type publishedEvent struct {
	topic   string
	payload map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic, payload})
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.topic
	}
	return out
}

// seedConversation creates a scoped collection for convID with one chunk
// and links n fresh global collections to it, each holding one chunk.
func seedConversation(t *testing.T, s *SQLiteStore, convID string, n int) Collection {
	t.Helper()
	scoped, err := s.EnsureScoped(convID, testEmbedding)
	if err != nil {
		t.Fatalf("EnsureScoped: %v", err)
	}
	mustInsert(t, s, scoped.ID, map[string][]float32{"patient reports chest pain": keywordVector("chest pain")})
	for i := 0; i < n; i++ {
		g := mustCreate(t, s, Collection{Name: fmt.Sprintf("%s-global-%d", convID, i), Kind: KindGlobal})
		mustInsert(t, s, g.ID, map[string][]float32{fmt.Sprintf("angina note %d", i): keywordVector("angina")})
		if err := s.Link(scoped.ID, g.ID); err != nil {
			t.Fatalf("Link: %v", err)
		}
	}
	return scoped
}

func TestRetrieve_EmbedsQueryOnce(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("linked=%d", n), func(t *testing.T) {
			s := openTestStore(t)
			seedConversation(t, s, "conv", n)
			emb := keywordEmbedder()
			agg := NewAggregator(s, emb, nil, Options{TopK: 10})

			rc, err := agg.Retrieve(context.Background(), "chest pain management", Scope{ConversationID: "conv"}, 0)
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			if got := emb.calls.Load(); got != 1 {
				t.Errorf("embedder called %d times, want 1", got)
			}
			if len(rc.Collections) != n+1 {
				t.Errorf("searched %d collections, want %d", len(rc.Collections), n+1)
			}
			if len(rc.Chunks) != n+1 {
				t.Errorf("got %d chunks, want %d", len(rc.Chunks), n+1)
			}
		})
	}
}

func TestRetrieve_MergesAcrossCollections(t *testing.T) {
	s := openTestStore(t)
	terms := mustCreate(t, s, Collection{Name: "Medical Terms", Kind: KindGlobal})
	phrases := mustCreate(t, s, Collection{Name: "Zulu Phrases", Kind: KindGlobal})
	patient, err := s.EnsureScoped("patient-42", testEmbedding)
	if err != nil {
		t.Fatalf("EnsureScoped: %v", err)
	}

	mustInsert(t, s, terms.ID, map[string][]float32{
		"Angina: chest pain from reduced blood flow": keywordVector("angina chest pain"),
		"Treatment of chest pain: rest, nitrates":    keywordVector("chest pain treatment"),
	})
	mustInsert(t, s, phrases.ID, map[string][]float32{
		"Sawubona means hello": keywordVector("sawubona zulu"),
	})
	mustInsert(t, s, patient.ID, map[string][]float32{
		"Patient has a penicillin allergy": keywordVector("allergy"),
		"Patient reported chest pain at 3am": keywordVector("chest pain"),
	})
	for _, g := range []Collection{terms, phrases} {
		if err := s.Link(patient.ID, g.ID); err != nil {
			t.Fatalf("Link: %v", err)
		}
	}

	bus := &recordingPublisher{}
	agg := NewAggregator(s, keywordEmbedder(), bus, Options{TopK: 3, MinScore: 0.3})
	rc, err := agg.Retrieve(context.Background(), "chest pain management", Scope{ConversationID: "patient-42"}, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if rc.Degraded {
		t.Error("unexpected degraded result")
	}
	if len(rc.Collections) != 3 {
		t.Errorf("Collections = %v, want all three", rc.Collections)
	}
	if len(rc.Chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(rc.Chunks), rc.Chunks)
	}
	sources := map[string]bool{}
	for i, c := range rc.Chunks {
		if c.Score < 0.3 {
			t.Errorf("chunk %q scored %.3f under the minimum", c.Text, c.Score)
		}
		if i > 0 && c.Score > rc.Chunks[i-1].Score {
			t.Errorf("chunks not sorted by score")
		}
		sources[c.CollectionName] = true
	}
	if !sources["Medical Terms"] || !sources["conversation-patient-42"] {
		t.Errorf("expected hits from the medical glossary and the patient notes, got %v", sources)
	}
	if sources["Zulu Phrases"] {
		t.Error("greeting phrase should fall under the minimum score")
	}
	if len(bus.topics()) != 0 {
		t.Errorf("unexpected events: %v", bus.topics())
	}
}

func TestRetrieve_EmbeddingFailureDegrades(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s, "conv", 2)

	bus := &recordingPublisher{}
	emb := &fakeEmbedder{
		cfg: testEmbedding,
		embedFn: func(context.Context, string) ([]float32, error) {
			return nil, errors.New("model not loaded")
		},
	}
	agg := NewAggregator(s, emb, bus, Options{})

	rc, err := agg.Retrieve(context.Background(), "chest pain", Scope{ConversationID: "conv"}, 0)
	if err != nil {
		t.Fatalf("Retrieve should not fail on embedding errors, got %v", err)
	}
	if !rc.Degraded || !rc.Empty() {
		t.Errorf("expected empty degraded context, got %+v", rc)
	}
	topics := bus.topics()
	if len(topics) != 1 || topics[0] != events.TopicEmbeddingFailed {
		t.Errorf("events = %v, want one %s", topics, events.TopicEmbeddingFailed)
	}
}

func TestRetrieve_SlowEmbedderTimesOut(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s, "conv", 1)

	bus := &recordingPublisher{}
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	emb := &fakeEmbedder{
		cfg: testEmbedding,
		embedFn: func(context.Context, string) ([]float32, error) {
			// Ignores cancellation.
			<-block
			return []float32{1, 0, 0, 0}, nil
		},
	}
	agg := NewAggregator(s, emb, bus, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	rc, err := agg.Retrieve(context.Background(), "chest pain", Scope{ConversationID: "conv"}, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Retrieve took %v, should give up after the timeout", elapsed)
	}
	if !rc.Degraded || !rc.Empty() {
		t.Errorf("expected empty degraded context, got %+v", rc)
	}
	if topics := bus.topics(); len(topics) != 1 || topics[0] != events.TopicEmbeddingFailed {
		t.Errorf("events = %v", topics)
	}
}

func TestRetrieve_SkipsIncompatibleCollections(t *testing.T) {
	s := openTestStore(t)
	scoped := seedConversation(t, s, "conv", 1)

	// A legacy default built with another model.
	legacy := mustCreate(t, s, Collection{Name: "Legacy Glossary", Kind: KindGlobal, IsDefault: true,
		Embedding: engine.EmbeddingConfig{Provider: "ollama", Model: "all-minilm", Dimensions: 4}})
	mustInsert(t, s, legacy.ID, map[string][]float32{"angina": {1, 0, 0, 0}})

	emb := keywordEmbedder()
	agg := NewAggregator(s, emb, nil, Options{})
	rc, err := agg.Retrieve(context.Background(), "chest pain", Scope{ConversationID: "conv", IncludeDefaults: true}, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(rc.Skipped) != 1 || rc.Skipped[0] != "Legacy Glossary" {
		t.Errorf("Skipped = %v", rc.Skipped)
	}
	for _, c := range rc.Chunks {
		if c.CollectionID == legacy.ID {
			t.Errorf("chunk from incompatible collection returned: %+v", c)
		}
	}
	if len(rc.Collections) != 2 || rc.Collections[0] != scoped.Name {
		t.Errorf("Collections = %v", rc.Collections)
	}
}

func TestRetrieve_IncludeDefaults(t *testing.T) {
	s := openTestStore(t)
	glossary := mustCreate(t, s, Collection{Name: "Medical Terms", Kind: KindGlobal, IsDefault: true})
	mustInsert(t, s, glossary.ID, map[string][]float32{"Angina: chest pain": keywordVector("angina")})

	agg := NewAggregator(s, keywordEmbedder(), nil, Options{})

	rc, err := agg.Retrieve(context.Background(), "chest pain", Scope{ConversationID: "unknown"}, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !rc.Empty() || len(rc.Collections) != 0 {
		t.Errorf("without defaults a conversation with no collection gets nothing, got %+v", rc)
	}

	rc, err = agg.Retrieve(context.Background(), "chest pain", Scope{ConversationID: "unknown", IncludeDefaults: true}, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(rc.Chunks) != 1 || rc.Chunks[0].CollectionName != "Medical Terms" {
		t.Errorf("Chunks = %+v", rc.Chunks)
	}
}

func TestRetrieve_NoCollectionsSkipsEmbedding(t *testing.T) {
	s := openTestStore(t)
	emb := keywordEmbedder()
	agg := NewAggregator(s, emb, nil, Options{})

	rc, err := agg.Retrieve(context.Background(), "chest pain", Scope{ConversationID: "nobody"}, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !rc.Empty() || rc.Degraded {
		t.Errorf("unexpected result %+v", rc)
	}
	if emb.calls.Load() != 0 {
		t.Errorf("embedder called %d times with nothing to search", emb.calls.Load())
	}
}

func TestRetrieve_CapsLinkedCollections(t *testing.T) {
	s := openTestStore(t)
	seedConversation(t, s, "conv", 4)

	agg := NewAggregator(s, keywordEmbedder(), nil, Options{MaxLinked: 2, TopK: 10})
	rc, err := agg.Retrieve(context.Background(), "chest pain", Scope{ConversationID: "conv"}, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	// Scoped collection plus the two oldest links.
	if len(rc.Collections) != 3 {
		t.Errorf("Collections = %v, want 3", rc.Collections)
	}
}

// failingSource wraps a store and fails Search for one collection.
type failingSource struct {
	*SQLiteStore
	failID string
}

func (f failingSource) Search(ctx context.Context, id string, vec []float32, k int) ([]ScoredChunk, error) {
	if id == f.failID {
		return nil, errors.New("disk I/O error")
	}
	return f.SQLiteStore.Search(ctx, id, vec, k)
}

func TestRetrieve_PartialSearchFailure(t *testing.T) {
	s := openTestStore(t)
	scoped := seedConversation(t, s, "conv", 1)

	agg := NewAggregator(failingSource{SQLiteStore: s, failID: scoped.ID}, keywordEmbedder(), nil, Options{TopK: 10})
	rc, err := agg.Retrieve(context.Background(), "chest pain", Scope{ConversationID: "conv"}, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !rc.Degraded {
		t.Error("expected Degraded after a collection search failed")
	}
	if len(rc.Chunks) != 1 || rc.Chunks[0].CollectionID == scoped.ID {
		t.Errorf("expected only the linked collection's chunk, got %+v", rc.Chunks)
	}
}
