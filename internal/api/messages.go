package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kalambet/medbridge/internal/pipeline"
	"github.com/kalambet/medbridge/internal/storage"
)

type ConversationRequest struct {
	ID                string `json:"id"`
	PatientLanguage   string `json:"patient_language"`
	ClinicianLanguage string `json:"clinician_language"`
	SynthesisEnabled  bool   `json:"synthesis_enabled"`
	Voice             string `json:"voice"`
}

type conversationView struct {
	ID                string        `json:"id"`
	PatientLanguage   string        `json:"patient_language"`
	ClinicianLanguage string        `json:"clinician_language"`
	SynthesisEnabled  bool          `json:"synthesis_enabled"`
	Voice             string        `json:"voice,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	Messages          []messageView `json:"messages,omitempty"`
}

type messageView struct {
	ID             string    `json:"id"`
	SenderRole     string    `json:"sender_role"`
	Stage          string    `json:"stage"`
	Status         string    `json:"status"`
	Text           string    `json:"text,omitempty"`
	TranslatedText string    `json:"translated_text,omitempty"`
	Untranslated   bool      `json:"untranslated,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func viewConversation(c storage.Conversation) conversationView {
	return conversationView{
		ID:                c.ID,
		PatientLanguage:   c.PatientLanguage,
		ClinicianLanguage: c.ClinicianLanguage,
		SynthesisEnabled:  c.SynthesisEnabled,
		Voice:             c.Voice,
		CreatedAt:         c.CreatedAt,
	}
}

func handleCreateConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConversationRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		req.PatientLanguage = strings.ToLower(strings.TrimSpace(req.PatientLanguage))
		req.ClinicianLanguage = strings.ToLower(strings.TrimSpace(req.ClinicianLanguage))
		for _, lang := range []string{req.PatientLanguage, req.ClinicianLanguage} {
			if lang == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "patient_language and clinician_language are required")
				return
			}
			if !deps.Messages.SupportsLanguage(lang) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported language %q", lang)
				return
			}
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}

		c := storage.Conversation{
			ID:                req.ID,
			PatientLanguage:   req.PatientLanguage,
			ClinicianLanguage: req.ClinicianLanguage,
			SynthesisEnabled:  req.SynthesisEnabled,
			Voice:             req.Voice,
		}
		if err := deps.Conversations.SaveConversation(c); err != nil {
			writeError(w, deps.Logger, "saving conversation", err)
			return
		}
		saved, err := deps.Conversations.GetConversation(c.ID)
		if err != nil {
			writeError(w, deps.Logger, "reading conversation", err)
			return
		}
		writeJSON(w, http.StatusCreated, viewConversation(saved))
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := deps.Conversations.GetConversation(id)
		if err != nil {
			writeError(w, deps.Logger, "reading conversation", err)
			return
		}
		view := viewConversation(c)

		limit := parseIntParam(r, "messages", 20, 200)
		if limit > 0 {
			msgs, err := deps.Conversations.ListMessages(id, limit)
			if err != nil {
				writeError(w, deps.Logger, "listing messages", err)
				return
			}
			for _, m := range msgs {
				view.Messages = append(view.Messages, messageView{
					ID:             m.ID,
					SenderRole:     m.SenderRole,
					Stage:          string(m.Stage),
					Status:         string(m.Status),
					Text:           m.SourceText(),
					TranslatedText: m.TranslatedText,
					Untranslated:   m.Untranslated,
					CreatedAt:      m.CreatedAt,
				})
			}
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.SubmitRequest
		if !decodeBody(w, r, maxUploadBodySize, &req) {
			return
		}
		if req.ConversationID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "conversation_id is required")
			return
		}
		receipt, err := deps.Messages.Submit(r.Context(), req)
		if err != nil {
			writeError(w, deps.Logger, "submitting message", err)
			return
		}
		writeJSON(w, http.StatusAccepted, receipt)
	}
}

func handleMessageStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Messages.GetStatus(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, "reading message", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleResynthesize(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		jobID, err := deps.Messages.Resynthesize(r.Context(), id)
		if err != nil {
			writeError(w, deps.Logger, "resynthesizing", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"message_id": id,
			"job_id":     jobID,
		})
	}
}

type AssistanceRequest struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Query          string `json:"query"`
}

func handleRequestAssistance(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AssistanceRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.ConversationID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "conversation_id is required")
			return
		}
		id, err := deps.Messages.RequestAssistance(r.Context(), req.ConversationID, req.Kind, req.Query)
		if err != nil {
			writeError(w, deps.Logger, "requesting assistance", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": "queued",
		})
	}
}

func handleGetAssistance(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Messages.GetAssistance(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, "reading assistance", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}
