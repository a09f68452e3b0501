// Package pipeline is the per-message state machine:
//
//	received -> transcribing (audio only) -> translating -> synthesizing (optional) -> delivered
//
// with failed reachable from any stage once its job is exhausted, and partial
// when speech synthesis fails after translation succeeded. Each stage runs as
// a job on its own queue; the result of a stage and the job for the next one
// are committed in one transaction, so a crashed worker only ever repeats a
// stage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/medbridge/internal/composer"
	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

// Job types.
const (
	JobTranscribe = "transcribe"
	JobTranslate  = "translate"
	JobSynthesize = "synthesize"
	JobAssist     = "assist"
)

// DefaultLanguages is the supported language set when none is configured.
var DefaultLanguages = []string{"en", "zu", "xh", "af", "st", "tn", "ts", "ss", "ve", "nr", "nso", "fr", "pt", "es"}

// Store is the persistence the pipeline reads and writes.
type Store interface {
	GetConversation(id string) (storage.Conversation, error)
	GetMessage(id string) (storage.Message, error)
	ListMessages(conversationID string, limit int) ([]storage.Message, error)
	CreateMessage(m storage.Message, first *storage.Job) (string, error)
	CommitStage(c storage.StageCommit) (bool, error)
	CreateAssistance(a storage.Assistance, job storage.Job) error
	GetAssistance(id string) (storage.Assistance, error)
	CompleteAssistance(id, answer, sourcesJSON string) (bool, error)
	FailAssistance(id, errMsg string) (bool, error)
}

// BlobStore holds inbound audio and synthesized speech.
type BlobStore interface {
	Put(kind, ext string, data []byte) (string, error)
	Get(ref string) ([]byte, error)
}

// JobFactory builds jobs with the attempt budget of their queue.
type JobFactory interface {
	NewJob(queue, jobType string, payload any, dedupeKey string) (storage.Job, error)
}

// Retriever returns ranked context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope retrieval.Scope, topK int) (retrieval.RankedContext, error)
}

// Cache stores text results of identical inputs.
type Cache interface {
	GetString(key string) (string, bool, error)
	SetString(key, value string) error
}

// Deps are the collaborators of a Pipeline. Transcriber, Synthesizer,
// Retriever and Cache are optional.
type Deps struct {
	Store       Store
	Blobs       BlobStore
	Jobs        JobFactory
	Bus         events.Publisher
	Generator   engine.Generator
	Transcriber engine.Transcriber
	Synthesizer engine.Synthesizer
	Retriever   Retriever
	Composer    *composer.Composer
	Cache       Cache
}

// Pipeline drives messages through their stages.
type Pipeline struct {
	store       Store
	blobs       BlobStore
	jobs        JobFactory
	bus         events.Publisher
	generator   engine.Generator
	transcriber engine.Transcriber
	synthesizer engine.Synthesizer
	retriever   Retriever
	composer    *composer.Composer
	cache       Cache

	languages map[string]bool
	topK      int
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithLanguages replaces the supported language set.
func WithLanguages(codes []string) Option {
	return func(p *Pipeline) {
		if len(codes) == 0 {
			return
		}
		p.languages = make(map[string]bool, len(codes))
		for _, c := range codes {
			p.languages[strings.ToLower(strings.TrimSpace(c))] = true
		}
	}
}

// WithTopK sets how many chunks translation and assistance retrieve.
func WithTopK(k int) Option {
	return func(p *Pipeline) {
		if k > 0 {
			p.topK = k
		}
	}
}

func New(d Deps, opts ...Option) (*Pipeline, error) {
	if d.Store == nil || d.Jobs == nil || d.Generator == nil {
		return nil, fmt.Errorf("pipeline needs a store, a job factory and a generator")
	}
	comp := d.Composer
	if comp == nil {
		comp = composer.New(0)
	}
	p := &Pipeline{
		store:       d.Store,
		blobs:       d.Blobs,
		jobs:        d.Jobs,
		bus:         d.Bus,
		generator:   d.Generator,
		transcriber: d.Transcriber,
		synthesizer: d.Synthesizer,
		retriever:   d.Retriever,
		composer:    comp,
		cache:       d.Cache,
		topK:        5,
		logger:      slog.Default(),
	}
	WithLanguages(DefaultLanguages)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SupportsLanguage reports whether code is in the configured set.
func (p *Pipeline) SupportsLanguage(code string) bool {
	return p.languages[strings.ToLower(code)]
}

// SubmitRequest is an inbound message. At least one of Text and Audio must
// be set; audio takes precedence and is transcribed first.
type SubmitRequest struct {
	ConversationID string `json:"conversation_id"`
	SenderRole     string `json:"sender_role"`
	Text           string `json:"text,omitempty"`
	Audio          []byte `json:"audio,omitempty"`
	AudioFormat    string `json:"audio_format,omitempty"`
	ImageRef       string `json:"image_ref,omitempty"`
}

// Receipt identifies a submitted message and the job of its first stage.
type Receipt struct {
	MessageID string `json:"message_id"`
	JobID     string `json:"job_id"`
	Stage     string `json:"stage"`
}

// Submit stores a message and enqueues its first stage.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (Receipt, error) {
	if req.SenderRole != storage.RolePatient && req.SenderRole != storage.RoleClinician {
		return Receipt{}, fmt.Errorf("%w: %q", ErrInvalidRole, req.SenderRole)
	}
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Audio) == 0 {
		return Receipt{}, ErrEmptyText
	}
	conv, err := p.store.GetConversation(req.ConversationID)
	if err != nil {
		return Receipt{}, fmt.Errorf("conversation %s: %w", req.ConversationID, err)
	}
	src, tgt := conv.Languages(req.SenderRole)

	m := storage.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderRole:     req.SenderRole,
		Text:           text,
		ImageRef:       req.ImageRef,
		SourceLanguage: src,
		TargetLanguage: tgt,
		Status:         storage.StatusProcessing,
	}

	stage, queueName, jobType := storage.StageTranslating, queueFor(storage.StageTranslating), JobTranslate
	if len(req.Audio) > 0 {
		if p.blobs == nil || p.transcriber == nil {
			return Receipt{}, fmt.Errorf("audio messages are not enabled")
		}
		format := req.AudioFormat
		if format == "" {
			format = "wav"
		}
		ref, err := p.blobs.Put("audio", format, req.Audio)
		if err != nil {
			return Receipt{}, fmt.Errorf("storing audio: %w", err)
		}
		m.AudioRef = ref
		stage, queueName, jobType = storage.StageTranscribing, queueFor(storage.StageTranscribing), JobTranscribe
	}
	m.Stage = stage

	job, err := p.stageJob(queueName, jobType, m.ID, stage)
	if err != nil {
		return Receipt{}, err
	}
	jobID, err := p.store.CreateMessage(m, &job)
	if err != nil {
		return Receipt{}, err
	}

	p.logger.Info("message received", "message_id", m.ID, "conversation_id", conv.ID, "stage", stage)
	p.publish(ctx, events.TopicMessageReceived, map[string]any{
		"message_id":      m.ID,
		"conversation_id": conv.ID,
		"sender_role":     m.SenderRole,
		"stage":           string(stage),
	})
	return Receipt{MessageID: m.ID, JobID: jobID, Stage: string(stage)}, nil
}

// Status is the externally visible state of a message.
type Status struct {
	MessageID       string    `json:"message_id"`
	ConversationID  string    `json:"conversation_id"`
	Stage           string    `json:"stage"`
	Status          string    `json:"status"`
	SourceLanguage  string    `json:"source_language"`
	TargetLanguage  string    `json:"target_language"`
	Text            string    `json:"text,omitempty"`
	Transcript      string    `json:"transcript,omitempty"`
	TranslatedText  string    `json:"translated_text,omitempty"`
	SpeechRef       string    `json:"speech_ref,omitempty"`
	Untranslated    bool      `json:"untranslated,omitempty"`
	SynthesisFailed bool      `json:"synthesis_failed,omitempty"`
	Error           string    `json:"error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GetStatus returns the current stage, status and partial results of a message.
func (p *Pipeline) GetStatus(messageID string) (Status, error) {
	m, err := p.store.GetMessage(messageID)
	if err != nil {
		return Status{}, fmt.Errorf("message %s: %w", messageID, err)
	}
	return Status{
		MessageID:       m.ID,
		ConversationID:  m.ConversationID,
		Stage:           string(m.Stage),
		Status:          string(m.Status),
		SourceLanguage:  m.SourceLanguage,
		TargetLanguage:  m.TargetLanguage,
		Text:            m.Text,
		Transcript:      m.Transcript,
		TranslatedText:  m.TranslatedText,
		SpeechRef:       m.SpeechRef,
		Untranslated:    m.Untranslated,
		SynthesisFailed: m.SynthesisFailed,
		Error:           m.LastError,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

// Resynthesize schedules speech synthesis again for a partial message and
// returns the job id. Nothing retries synthesis automatically.
func (p *Pipeline) Resynthesize(ctx context.Context, messageID string) (string, error) {
	m, err := p.store.GetMessage(messageID)
	if err != nil {
		return "", fmt.Errorf("message %s: %w", messageID, err)
	}
	if m.Status != storage.StatusPartial {
		return "", fmt.Errorf("%w: %s is %s", ErrNotPartial, messageID, m.Status)
	}
	if p.synthesizer == nil {
		return "", fmt.Errorf("speech synthesis is not enabled")
	}

	job, err := p.stageJob(queueFor(storage.StageSynthesizing), JobSynthesize, m.ID, storage.StageSynthesizing)
	if err != nil {
		return "", err
	}
	applied, err := p.store.CommitStage(storage.StageCommit{
		MessageID:  m.ID,
		From:       storage.StageDelivered,
		FromStatus: storage.StatusPartial,
		To:         storage.StageSynthesizing,
		Status:     storage.StatusProcessing,
		Next:       &job,
	})
	if err != nil {
		return "", err
	}
	if !applied {
		return "", fmt.Errorf("%w: %s changed concurrently", ErrNotPartial, messageID)
	}
	p.logger.Info("resynthesis scheduled", "message_id", m.ID, "job_id", job.ID)
	return job.ID, nil
}

func (p *Pipeline) publish(ctx context.Context, topic string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, topic, payload); err != nil {
		p.logger.Warn("publishing event failed", "topic", topic, "error", err)
	}
}
