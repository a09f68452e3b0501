package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kalambet/medbridge/internal/composer"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/queue"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

const assistHistorySize = 10

type assistPayload struct {
	AssistanceID string `json:"assistance_id"`
}

// RequestAssistance queues a clinician assistance request and returns its id.
func (p *Pipeline) RequestAssistance(ctx context.Context, conversationID, kind, query string) (string, error) {
	if kind == "" {
		kind = storage.AssistGeneral
	}
	if !composer.ValidAssistanceKind(kind) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if _, err := p.store.GetConversation(conversationID); err != nil {
		return "", fmt.Errorf("conversation %s: %w", conversationID, err)
	}

	id := uuid.New().String()
	job, err := p.jobs.NewJob(queue.Assistance, JobAssist, assistPayload{AssistanceID: id}, "assist:"+id)
	if err != nil {
		return "", err
	}
	a := storage.Assistance{ID: id, ConversationID: conversationID, Kind: kind, Query: strings.TrimSpace(query)}
	if err := p.store.CreateAssistance(a, job); err != nil {
		return "", err
	}
	p.logger.Info("assistance requested", "assistance_id", id, "conversation_id", conversationID, "kind", kind)
	return id, nil
}

// Assistance is a stored assistance request with its decoded sources.
type Assistance struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	Kind           string   `json:"kind"`
	Query          string   `json:"query,omitempty"`
	Status         string   `json:"status"`
	Answer         string   `json:"answer,omitempty"`
	Sources        []string `json:"sources,omitempty"`
	Error          string   `json:"error,omitempty"`
}

func (p *Pipeline) GetAssistance(id string) (Assistance, error) {
	a, err := p.store.GetAssistance(id)
	if err != nil {
		return Assistance{}, fmt.Errorf("assistance %s: %w", id, err)
	}
	out := Assistance{
		ID:             a.ID,
		ConversationID: a.ConversationID,
		Kind:           a.Kind,
		Query:          a.Query,
		Status:         a.Status,
		Answer:         a.Answer,
		Error:          a.LastError,
	}
	if a.Sources != "" {
		if err := json.Unmarshal([]byte(a.Sources), &out.Sources); err != nil {
			p.logger.Warn("decoding assistance sources", "assistance_id", id, "error", err)
		}
	}
	return out, nil
}

// HandleAssistance answers an assistance request job.
func (p *Pipeline) HandleAssistance(ctx context.Context, job storage.Job) error {
	return p.assist(ctx, job).jobError()
}

func (p *Pipeline) assist(ctx context.Context, job storage.Job) Outcome {
	var ap assistPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &ap); err != nil || ap.AssistanceID == "" {
		return reject(fmt.Errorf("bad assist payload: %q", job.PayloadJSON))
	}
	a, err := p.store.GetAssistance(ap.AssistanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reject(err)
		}
		return retry(err)
	}
	if a.Status != "pending" {
		return done()
	}
	conv, err := p.store.GetConversation(a.ConversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reject(err)
		}
		return retry(err)
	}
	history, err := p.store.ListMessages(a.ConversationID, assistHistorySize)
	if err != nil {
		return retry(err)
	}

	var rc retrieval.RankedContext
	if p.retriever != nil {
		rc, err = p.retriever.Retrieve(ctx, assistanceQuery(a, history), retrieval.Scope{
			ConversationID:  a.ConversationID,
			IncludeDefaults: true,
		}, p.topK)
		if err != nil {
			p.logger.Warn("retrieval failed, assisting without context", "assistance_id", a.ID, "error", err)
		}
	}

	prompt, err := p.composer.Assistance(composer.AssistanceRequest{
		Kind:              a.Kind,
		Query:             a.Query,
		PatientLanguage:   conv.PatientLanguage,
		ClinicianLanguage: conv.ClinicianLanguage,
		History:           history,
		Context:           rc.Chunks,
	})
	if err != nil {
		return reject(err)
	}
	answer, err := p.generator.Generate(ctx, prompt)
	if err != nil {
		return providerOutcome("assist", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return retry(errors.New("assist: empty response"))
	}

	sources := sourceNames(rc.Chunks)
	raw, _ := json.Marshal(sources)
	applied, err := p.store.CompleteAssistance(a.ID, answer, string(raw))
	if err != nil {
		return retry(err)
	}
	if applied {
		p.logger.Info("assistance generated", "assistance_id", a.ID, "sources", len(sources))
		p.publish(ctx, events.TopicAssistanceGenerated, map[string]any{
			"assistance_id":   a.ID,
			"conversation_id": a.ConversationID,
			"kind":            a.Kind,
			"degraded":        rc.Degraded,
		})
	}
	return done()
}

// AssistanceFailed records an exhausted assistance job.
func (p *Pipeline) AssistanceFailed(_ context.Context, job storage.Job, cause error) {
	var ap assistPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &ap); err != nil {
		p.logger.Error("failed assist job has a bad payload", "job_id", job.ID, "error", err)
		return
	}
	if _, err := p.store.FailAssistance(ap.AssistanceID, cause.Error()); err != nil {
		p.logger.Error("recording assistance failure failed", "assistance_id", ap.AssistanceID, "error", err)
	}
}

// assistanceQuery is the retrieval query: the clinician's question, or the
// latest messages when none was asked.
func assistanceQuery(a storage.Assistance, history []storage.Message) string {
	if a.Query != "" {
		return a.Query
	}
	var parts []string
	for i := len(history) - 1; i >= 0 && len(parts) < 3; i-- {
		if t := history[i].SourceText(); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return a.Kind
	}
	return strings.Join(parts, "\n")
}

// sourceNames lists the distinct collections chunks came from, in rank order.
func sourceNames(chunks []retrieval.ScoredChunk) []string {
	seen := make(map[string]bool)
	names := []string{}
	for _, c := range chunks {
		if !seen[c.CollectionName] {
			seen[c.CollectionName] = true
			names = append(names, c.CollectionName)
		}
	}
	return names
}
