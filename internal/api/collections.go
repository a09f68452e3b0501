package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kalambet/medbridge/internal/ingest"
	"github.com/kalambet/medbridge/internal/retrieval"
)

type CollectionRequest struct {
	Name           string                 `json:"name"`
	Kind           string                 `json:"kind"`
	ConversationID string                 `json:"conversation_id"`
	IsDefault      bool                   `json:"is_default"`
	Description    string                 `json:"description"`
	Chunking       *retrieval.ChunkPolicy `json:"chunking,omitempty"`
}

type collectionView struct {
	retrieval.Collection
	Chunks int      `json:"chunks"`
	Links  []string `json:"links,omitempty"`
}

func handleCreateCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CollectionRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Kind == "" {
			req.Kind = retrieval.KindGlobal
		}

		// A conversation has exactly one scoped collection, created on demand.
		if req.Kind == retrieval.KindScoped {
			if req.ConversationID == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "conversation_id is required for scoped collections")
				return
			}
			if _, err := deps.Conversations.GetConversation(req.ConversationID); err != nil {
				writeError(w, deps.Logger, "reading conversation", err)
				return
			}
			c, err := deps.Collections.EnsureScoped(req.ConversationID, deps.Embedding)
			if err != nil {
				writeError(w, deps.Logger, "creating scoped collection", err)
				return
			}
			writeJSON(w, http.StatusCreated, c)
			return
		}

		if strings.TrimSpace(req.Name) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		c := retrieval.Collection{
			Name:        req.Name,
			Kind:        req.Kind,
			IsDefault:   req.IsDefault,
			Description: req.Description,
			Embedding:   deps.Embedding,
		}
		if req.Chunking != nil {
			c.Chunking = *req.Chunking
		}
		created, err := deps.Collections.CreateCollection(c)
		if err != nil {
			// Validation failures from the store carry no sentinel.
			httpError(w, http.StatusBadRequest, "invalid_request_error", "creating collection: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleListCollections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cols, err := deps.Collections.ListCollections()
		if err != nil {
			writeError(w, deps.Logger, "listing collections", err)
			return
		}
		views := make([]collectionView, 0, len(cols))
		for _, c := range cols {
			v := collectionView{Collection: c}
			if v.Chunks, err = deps.Collections.CountChunks(c.ID); err != nil {
				writeError(w, deps.Logger, "counting chunks", err)
				return
			}
			if c.Kind == retrieval.KindScoped {
				linked, err := deps.Collections.Links(c.ID)
				if err != nil {
					writeError(w, deps.Logger, "listing links", err)
					return
				}
				for _, l := range linked {
					v.Links = append(v.Links, l.ID)
				}
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleDeleteCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Collections.DeleteCollection(chi.URLParam(r, "id")); err != nil {
			writeError(w, deps.Logger, "deleting collection", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type LinkRequest struct {
	GlobalID string `json:"global_id"`
}

func handleLink(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LinkRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.GlobalID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "global_id is required")
			return
		}
		if err := deps.Collections.Link(chi.URLParam(r, "id"), req.GlobalID); err != nil {
			writeError(w, deps.Logger, "linking collection", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
	}
}

func handleUnlink(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Collections.Unlink(chi.URLParam(r, "id"), chi.URLParam(r, "globalID")); err != nil {
			writeError(w, deps.Logger, "unlinking collection", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
	}
}

// DocumentRequest carries a document either as Content text or as base64
// Data, which binary formats such as PDF need.
type DocumentRequest struct {
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	Content     string `json:"content,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

func handleAddDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DocumentRequest
		if !decodeBody(w, r, maxUploadBodySize, &req) {
			return
		}
		data := req.Data
		if len(data) == 0 {
			data = []byte(req.Content)
		}
		if len(data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of content or data is required")
			return
		}
		jobID, err := deps.Documents.AddDocument(r.Context(), chi.URLParam(r, "id"), req.Title, data, req.ContentType)
		if err != nil {
			writeError(w, deps.Logger, "adding document", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID,
			"status": "queued",
		})
	}
}

// handleReindex queues re-embedding of a collection with the configured
// embedding model.
func handleReindex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := deps.Documents.Reindex(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, "reindexing collection", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID,
			"status": "queued",
		})
	}
}

func handleImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec ingest.ImportSpec
		if !decodeBody(w, r, maxRequestBodySize, &spec) {
			return
		}
		queueImports(w, r, deps, []ingest.ImportSpec{spec})
	}
}

type ImportBatchRequest struct {
	Imports []ingest.ImportSpec `json:"imports"`
}

func handleImportBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImportBatchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if len(req.Imports) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "imports must not be empty")
			return
		}
		queueImports(w, r, deps, req.Imports)
	}
}

func queueImports(w http.ResponseWriter, r *http.Request, deps Deps, specs []ingest.ImportSpec) {
	for _, s := range specs {
		if s.CollectionID == "" || s.Source == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "collection_id and source are required")
			return
		}
		if _, err := deps.Collections.GetCollection(s.CollectionID); err != nil {
			writeError(w, deps.Logger, "reading collection", err)
			return
		}
	}
	ids, err := deps.Documents.ImportBatch(r.Context(), specs)
	if err != nil {
		writeError(w, deps.Logger, "queueing imports", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_ids": ids,
		"status":  "queued",
	})
}

func handleImportStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "collectionID")
		p, ok := deps.Imports.Get(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no import recorded for collection %s", id)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

type RetrieveRequest struct {
	ConversationID  string `json:"conversation_id"`
	Query           string `json:"query"`
	TopK            int    `json:"top_k"`
	IncludeDefaults bool   `json:"include_defaults"`
}

func handleRetrieve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RetrieveRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.TopK > 50 {
			req.TopK = 50
		}
		scope := retrieval.Scope{ConversationID: req.ConversationID, IncludeDefaults: req.IncludeDefaults}
		rc, err := deps.Retriever.Retrieve(r.Context(), req.Query, scope, req.TopK)
		if err != nil {
			writeError(w, deps.Logger, "retrieving context", err)
			return
		}
		if rc.Chunks == nil {
			rc.Chunks = []retrieval.ScoredChunk{}
		}
		writeJSON(w, http.StatusOK, rc)
	}
}

