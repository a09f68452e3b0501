package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/ingest"
	"github.com/kalambet/medbridge/internal/pipeline"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

const testToken = "test-token-12345"

var testEmbedding = engine.EmbeddingConfig{Provider: "ollama", Model: "nomic-embed-text", Dimensions: 3}

// --- fakes ---

type fakeMessages struct {
	submitted  []pipeline.SubmitRequest
	submitErr  error
	statuses   map[string]pipeline.Status
	resynthErr error
	assistKind string
	assistance map[string]pipeline.Assistance
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		statuses:   map[string]pipeline.Status{},
		assistance: map[string]pipeline.Assistance{},
	}
}

func (f *fakeMessages) Submit(_ context.Context, req pipeline.SubmitRequest) (pipeline.Receipt, error) {
	if f.submitErr != nil {
		return pipeline.Receipt{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	id := fmt.Sprintf("msg-%d", len(f.submitted))
	stage := "translating"
	if len(req.Audio) > 0 {
		stage = "transcribing"
	}
	f.statuses[id] = pipeline.Status{MessageID: id, ConversationID: req.ConversationID, Stage: stage, Status: "processing"}
	return pipeline.Receipt{MessageID: id, JobID: "job-" + id, Stage: stage}, nil
}

func (f *fakeMessages) GetStatus(id string) (pipeline.Status, error) {
	st, ok := f.statuses[id]
	if !ok {
		return pipeline.Status{}, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	return st, nil
}

func (f *fakeMessages) Resynthesize(_ context.Context, id string) (string, error) {
	if f.resynthErr != nil {
		return "", f.resynthErr
	}
	return "resynth-" + id, nil
}

func (f *fakeMessages) RequestAssistance(_ context.Context, conversationID, kind, query string) (string, error) {
	if kind == "astrology" {
		return "", fmt.Errorf("%w: %q", pipeline.ErrInvalidKind, kind)
	}
	f.assistKind = kind
	id := "assist-1"
	f.assistance[id] = pipeline.Assistance{ID: id, ConversationID: conversationID, Kind: kind, Query: query, Status: "pending"}
	return id, nil
}

func (f *fakeMessages) GetAssistance(id string) (pipeline.Assistance, error) {
	a, ok := f.assistance[id]
	if !ok {
		return pipeline.Assistance{}, fmt.Errorf("assistance %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (f *fakeMessages) SupportsLanguage(code string) bool {
	return code == "en" || code == "zu" || code == "xh"
}

type fakeRetriever struct {
	scopes []retrieval.Scope
	topK   int
	result retrieval.RankedContext
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, scope retrieval.Scope, topK int) (retrieval.RankedContext, error) {
	f.scopes = append(f.scopes, scope)
	f.topK = topK
	return f.result, nil
}

type fakeDocuments struct {
	added     []string
	imports   []ingest.ImportSpec
	reindexed []string
	addErr    error
}

func (f *fakeDocuments) AddDocument(_ context.Context, collectionID, title string, content []byte, contentType string) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, collectionID+"|"+title+"|"+string(content)+"|"+contentType)
	return "doc-job", nil
}

func (f *fakeDocuments) ImportBatch(_ context.Context, specs []ingest.ImportSpec) ([]string, error) {
	ids := make([]string, len(specs))
	for i, s := range specs {
		f.imports = append(f.imports, s)
		ids[i] = "import-job-" + s.Source
	}
	return ids, nil
}

func (f *fakeDocuments) Reindex(_ context.Context, collectionID string) (string, error) {
	if collectionID == "missing" {
		return "", fmt.Errorf("collection %s: %w", collectionID, retrieval.ErrNotFound)
	}
	f.reindexed = append(f.reindexed, collectionID)
	return "reindex-job", nil
}

type fakeImports map[string]events.ImportProgress

func (f fakeImports) Get(id string) (events.ImportProgress, bool) {
	p, ok := f[id]
	return p, ok
}

// --- helpers ---

type testEnv struct {
	handler     http.Handler
	store       *storage.Store
	collections *retrieval.SQLiteStore
	messages    *fakeMessages
	retriever   *fakeRetriever
	documents   *fakeDocuments
}

func setupHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:       store,
		collections: retrieval.NewSQLiteStore(store.DB()),
		messages:    newFakeMessages(),
		retriever:   &fakeRetriever{},
		documents:   &fakeDocuments{},
	}
	env.handler = NewHandler(Deps{
		Messages:      env.messages,
		Conversations: store,
		Collections:   env.collections,
		Retriever:     env.retriever,
		Documents:     env.documents,
		Imports: fakeImports{
			"col-1": {CollectionID: "col-1", State: "completed", Created: 4, Skipped: 1},
		},
		Queues:    store,
		Embedding: testEmbedding,
		Token:     testToken,
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v; body = %s", err, rr.Body.String())
	}
}

func (e *testEnv) saveConversation(t *testing.T, id string) {
	t.Helper()
	err := e.store.SaveConversation(storage.Conversation{ID: id, PatientLanguage: "zu", ClinicianLanguage: "en"})
	if err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	env := setupHandler(t)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_Required(t *testing.T) {
	env := setupHandler(t)
	for _, tok := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/queues", "", tok))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", tok, rr.Code)
		}
	}
}

func TestBearerAuth_EmptyTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for _, header := range []string{"", "Bearer ", "Bearer x", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/queues", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rr.Code)
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("header %q: missing WWW-Authenticate", header)
		}
	}
}

func TestBearerAuth_SchemeCaseInsensitive(t *testing.T) {
	h := BearerAuth("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/queues", nil)
	req.Header.Set("Authorization", "bearer s3cret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
}

func TestConversations_CreateAndGet(t *testing.T) {
	env := setupHandler(t)

	rr := env.do(t, http.MethodPost, "/conversations",
		`{"id":"c1","patient_language":"ZU","clinician_language":"en","synthesis_enabled":true,"voice":"female-1"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", rr.Code, rr.Body.String())
	}
	var created conversationView
	decode(t, rr, &created)
	if created.PatientLanguage != "zu" || !created.SynthesisEnabled {
		t.Errorf("created = %+v", created)
	}

	rr = env.do(t, http.MethodGet, "/conversations/c1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var got conversationView
	decode(t, rr, &got)
	if got.ID != "c1" || got.Voice != "female-1" {
		t.Errorf("got = %+v", got)
	}

	rr = env.do(t, http.MethodGet, "/conversations/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing conversation: status = %d, want 404", rr.Code)
	}
}

func TestConversations_Validation(t *testing.T) {
	env := setupHandler(t)
	for _, body := range []string{
		`{"patient_language":"zu"}`,
		`{"patient_language":"tlh","clinician_language":"en"}`,
		`not json`,
	} {
		rr := env.do(t, http.MethodPost, "/conversations", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestMessages_SubmitAndStatus(t *testing.T) {
	env := setupHandler(t)

	rr := env.do(t, http.MethodPost, "/messages", `{"conversation_id":"c1","sender_role":"patient","text":"Ngiyagula"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	var receipt pipeline.Receipt
	decode(t, rr, &receipt)
	if receipt.MessageID == "" || receipt.Stage != "translating" {
		t.Errorf("receipt = %+v", receipt)
	}

	rr = env.do(t, http.MethodGet, "/messages/"+receipt.MessageID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var st pipeline.Status
	decode(t, rr, &st)
	if st.ConversationID != "c1" {
		t.Errorf("status = %+v", st)
	}

	rr = env.do(t, http.MethodGet, "/messages/unknown", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown message: status = %d, want 404", rr.Code)
	}
}

func TestMessages_SubmitAudio(t *testing.T) {
	env := setupHandler(t)

	// "UklGRg==" is base64 for "RIFF".
	rr := env.do(t, http.MethodPost, "/messages", `{"conversation_id":"c1","sender_role":"patient","audio":"UklGRg==","audio_format":"wav"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	if got := string(env.messages.submitted[0].Audio); got != "RIFF" {
		t.Errorf("audio = %q, want RIFF", got)
	}
}

func TestMessages_SubmitErrors(t *testing.T) {
	env := setupHandler(t)

	rr := env.do(t, http.MethodPost, "/messages", `{"sender_role":"patient","text":"hi"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing conversation: status = %d, want 400", rr.Code)
	}

	cases := []struct {
		err  error
		want int
	}{
		{pipeline.ErrEmptyText, http.StatusBadRequest},
		{fmt.Errorf("%w: %q", pipeline.ErrInvalidRole, "nurse"), http.StatusBadRequest},
		{fmt.Errorf("conversation c9: %w", storage.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		env.messages.submitErr = tc.err
		rr := env.do(t, http.MethodPost, "/messages", `{"conversation_id":"c1","sender_role":"patient","text":"hi"}`)
		if rr.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, rr.Code, tc.want)
		}
	}
}

func TestMessages_Resynthesize(t *testing.T) {
	env := setupHandler(t)

	rr := env.do(t, http.MethodPost, "/messages/m1/resynthesize", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["job_id"] != "resynth-m1" {
		t.Errorf("job_id = %q", resp["job_id"])
	}

	env.messages.resynthErr = pipeline.ErrNotPartial
	rr = env.do(t, http.MethodPost, "/messages/m1/resynthesize", "")
	if rr.Code != http.StatusConflict {
		t.Errorf("not partial: status = %d, want 409", rr.Code)
	}
}

func TestAssistance(t *testing.T) {
	env := setupHandler(t)

	rr := env.do(t, http.MethodPost, "/assistance", `{"conversation_id":"c1","kind":"cultural","query":"greetings"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decode(t, rr, &resp)

	rr = env.do(t, http.MethodGet, "/assistance/"+resp["id"], "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var a pipeline.Assistance
	decode(t, rr, &a)
	if a.Kind != "cultural" || a.Query != "greetings" {
		t.Errorf("assistance = %+v", a)
	}

	rr = env.do(t, http.MethodPost, "/assistance", `{"conversation_id":"c1","kind":"astrology"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid kind: status = %d, want 400", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/assistance/none", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing assistance: status = %d, want 404", rr.Code)
	}
}

func TestRetrieve(t *testing.T) {
	env := setupHandler(t)
	env.retriever.result = retrieval.RankedContext{
		Chunks: []retrieval.ScoredChunk{{
			Chunk:          retrieval.Chunk{Text: "angina pectoris"},
			CollectionName: "Medical Terms",
			Score:          0.9,
		}},
		Collections: []string{"Medical Terms"},
	}

	rr := env.do(t, http.MethodPost, "/retrieve", `{"conversation_id":"c1","query":"chest pain","top_k":500,"include_defaults":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	var rc retrieval.RankedContext
	decode(t, rr, &rc)
	if len(rc.Chunks) != 1 || rc.Chunks[0].CollectionName != "Medical Terms" {
		t.Errorf("chunks = %+v", rc.Chunks)
	}
	if env.retriever.topK != 50 {
		t.Errorf("topK = %d, want capped at 50", env.retriever.topK)
	}
	if s := env.retriever.scopes[0]; s.ConversationID != "c1" || !s.IncludeDefaults {
		t.Errorf("scope = %+v", s)
	}

	rr = env.do(t, http.MethodPost, "/retrieve", `{"conversation_id":"c1","query":"  "}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty query: status = %d, want 400", rr.Code)
	}
}

func TestCollections_Lifecycle(t *testing.T) {
	env := setupHandler(t)
	env.saveConversation(t, "c1")

	rr := env.do(t, http.MethodPost, "/collections", `{"name":"Medical Terms","is_default":true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create global: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var global retrieval.Collection
	decode(t, rr, &global)
	if global.Kind != retrieval.KindGlobal || global.Embedding != testEmbedding {
		t.Errorf("global = %+v", global)
	}

	rr = env.do(t, http.MethodPost, "/collections", `{"kind":"scoped","conversation_id":"c1"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create scoped: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var scoped retrieval.Collection
	decode(t, rr, &scoped)
	if scoped.ConversationID != "c1" {
		t.Errorf("scoped = %+v", scoped)
	}

	rr = env.do(t, http.MethodPost, "/collections/"+scoped.ID+"/links", fmt.Sprintf(`{"global_id":%q}`, global.ID))
	if rr.Code != http.StatusOK {
		t.Fatalf("link: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/collections", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rr.Code)
	}
	var views []collectionView
	decode(t, rr, &views)
	if len(views) != 2 {
		t.Fatalf("len(collections) = %d, want 2", len(views))
	}
	for _, v := range views {
		if v.ID == scoped.ID && (len(v.Links) != 1 || v.Links[0] != global.ID) {
			t.Errorf("scoped links = %v, want [%s]", v.Links, global.ID)
		}
	}

	// Global to global links are rejected.
	rr = env.do(t, http.MethodPost, "/collections/"+global.ID+"/links", fmt.Sprintf(`{"global_id":%q}`, global.ID))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid link: status = %d, want 422", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/collections/"+scoped.ID+"/links/"+global.ID, "")
	if rr.Code != http.StatusOK {
		t.Errorf("unlink: status = %d", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, "/collections/"+global.ID, "")
	if rr.Code != http.StatusOK {
		t.Errorf("delete: status = %d", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, "/collections/"+global.ID, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rr.Code)
	}
}

func TestCollections_ScopedNeedsConversation(t *testing.T) {
	env := setupHandler(t)

	rr := env.do(t, http.MethodPost, "/collections", `{"kind":"scoped"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/collections", `{"kind":"scoped","conversation_id":"ghost"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/collections", `{"name":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestDocuments_Add(t *testing.T) {
	env := setupHandler(t)

	rr := env.do(t, http.MethodPost, "/collections/col-1/documents", `{"title":"Triage","content":"Chest pain","content_type":"text/plain"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	if got := env.documents.added[0]; got != "col-1|Triage|Chest pain|text/plain" {
		t.Errorf("added = %q", got)
	}

	// "JVBERi0=" is base64 for "%PDF-".
	rr = env.do(t, http.MethodPost, "/collections/col-1/documents", `{"title":"Scan","data":"JVBERi0=","content_type":"application/pdf"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if got := env.documents.added[1]; got != "col-1|Scan|%PDF-|application/pdf" {
		t.Errorf("added = %q", got)
	}

	rr = env.do(t, http.MethodPost, "/collections/col-1/documents", `{"title":"Empty"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty: status = %d, want 400", rr.Code)
	}

	env.documents.addErr = fmt.Errorf("%w: image/png", ingest.ErrUnsupportedContent)
	rr = env.do(t, http.MethodPost, "/collections/col-1/documents", `{"content":"x","content_type":"image/png"}`)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Errorf("unsupported: status = %d, want 415", rr.Code)
	}
}

func TestCollections_Reindex(t *testing.T) {
	env := setupHandler(t)

	rr := env.do(t, http.MethodPost, "/collections/col-1/reindex", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["job_id"] != "reindex-job" || resp["status"] != "queued" {
		t.Errorf("response = %v", resp)
	}
	if len(env.documents.reindexed) != 1 || env.documents.reindexed[0] != "col-1" {
		t.Errorf("reindexed = %v", env.documents.reindexed)
	}

	rr = env.do(t, http.MethodPost, "/collections/missing/reindex", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rr.Code)
	}
}

func TestImports(t *testing.T) {
	env := setupHandler(t)
	col, err := env.collections.CreateCollection(retrieval.Collection{Name: "Phrases", Kind: retrieval.KindGlobal, Embedding: testEmbedding})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	rr := env.do(t, http.MethodPost, "/imports", fmt.Sprintf(`{"collection_id":%q,"source":"/data/a.jsonl"}`, col.ID))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}

	body := fmt.Sprintf(`{"imports":[{"collection_id":%q,"source":"/data/b.jsonl"},{"collection_id":%q,"source":"/data/c.jsonl"}]}`, col.ID, col.ID)
	rr = env.do(t, http.MethodPost, "/imports/batch", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("batch: status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		JobIDs []string `json:"job_ids"`
	}
	decode(t, rr, &resp)
	if len(resp.JobIDs) != 2 || len(env.documents.imports) != 3 {
		t.Errorf("job ids = %v, imports = %d", resp.JobIDs, len(env.documents.imports))
	}

	rr = env.do(t, http.MethodPost, "/imports", `{"collection_id":"missing","source":"/data/a.jsonl"}`)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing collection: status = %d, want 404", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/imports/batch", `{"imports":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status = %d, want 400", rr.Code)
	}
}

func TestImportStatus(t *testing.T) {
	env := setupHandler(t)

	rr := env.do(t, http.MethodGet, "/imports/col-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var p events.ImportProgress
	decode(t, rr, &p)
	if p.State != "completed" || p.Created != 4 {
		t.Errorf("progress = %+v", p)
	}

	rr = env.do(t, http.MethodGet, "/imports/col-2", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestQueues(t *testing.T) {
	env := setupHandler(t)
	if _, err := env.store.EnqueueJob(storage.Job{ID: "j1", Queue: "translation", Type: "translate", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/queues", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var stats []storage.QueueStats
	decode(t, rr, &stats)
	var found bool
	for _, s := range stats {
		if s.Queue == "translation" && s.Pending == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("stats = %+v, want one pending translation job", stats)
	}
}

func TestBodyTooLarge(t *testing.T) {
	env := setupHandler(t)
	body := `{"conversation_id":"c1","query":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	rr := env.do(t, http.MethodPost, "/retrieve", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}
