package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/medbridge/internal/cache"
	"github.com/kalambet/medbridge/internal/composer"
	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/queue"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

// historySize is how many earlier messages translation sees.
const historySize = 5

// minSpeechRunes is the shortest translation worth synthesizing.
const minSpeechRunes = 3

// stagePayload is the payload of every message stage job.
type stagePayload struct {
	MessageID string        `json:"message_id"`
	Stage     storage.Stage `json:"stage"`
}

func queueFor(stage storage.Stage) string {
	switch stage {
	case storage.StageTranscribing:
		return queue.Transcription
	case storage.StageSynthesizing:
		return queue.Synthesis
	default:
		return queue.Translation
	}
}

// stageJob builds the job for one (message, stage) pair. The dedupe key keeps
// a single live job per pair.
func (p *Pipeline) stageJob(queueName, jobType, messageID string, stage storage.Stage) (storage.Job, error) {
	return p.jobs.NewJob(queueName, jobType, stagePayload{MessageID: messageID, Stage: stage}, messageID+":"+string(stage))
}

func decodeStage(job storage.Job) (stagePayload, error) {
	var sp stagePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &sp); err != nil {
		return sp, fmt.Errorf("decoding %s payload: %w", job.Type, err)
	}
	if sp.MessageID == "" {
		return sp, fmt.Errorf("%s payload has no message id", job.Type)
	}
	return sp, nil
}

// loadForStage fetches the message a job works on. ok is false when the
// message has already moved past stage, which makes a repeated execution a
// no-op.
func (p *Pipeline) loadForStage(job storage.Job, stage storage.Stage) (storage.Message, bool, Outcome) {
	sp, err := decodeStage(job)
	if err != nil {
		return storage.Message{}, false, reject(err)
	}
	m, err := p.store.GetMessage(sp.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Message{}, false, reject(fmt.Errorf("message %s: %w", sp.MessageID, err))
	}
	if err != nil {
		return storage.Message{}, false, retry(err)
	}
	if m.Stage != stage || m.Status != storage.StatusProcessing {
		p.logger.Debug("stage already committed", "message_id", m.ID, "stage", stage, "current", m.Stage, "status", m.Status)
		return m, false, done()
	}
	return m, true, done()
}

// HandleTranscription runs the transcribing stage of a job.
func (p *Pipeline) HandleTranscription(ctx context.Context, job storage.Job) error {
	return p.transcribe(ctx, job).jobError()
}

func (p *Pipeline) transcribe(ctx context.Context, job storage.Job) Outcome {
	m, ok, out := p.loadForStage(job, storage.StageTranscribing)
	if !ok {
		return out
	}
	logger := p.logger.With("message_id", m.ID, "stage", storage.StageTranscribing)

	if p.transcriber == nil || p.blobs == nil {
		return reject(errors.New("transcription is not enabled"))
	}
	audio, err := p.blobs.Get(m.AudioRef)
	if errors.Is(err, storage.ErrNotFound) {
		return reject(fmt.Errorf("audio %s: %w", m.AudioRef, err))
	}
	if err != nil {
		return retry(fmt.Errorf("reading audio: %w", err))
	}

	key := cache.TranscriptKey(audio, m.SourceLanguage)
	transcript, hit := p.cached(key)
	if !hit {
		transcript, err = p.transcriber.Transcribe(ctx, audio, m.SourceLanguage)
		if err != nil {
			return providerOutcome("transcribe", err)
		}
		transcript = strings.TrimSpace(transcript)
	}
	if transcript == "" {
		return reject(ErrEmptyText)
	}
	if !hit {
		p.remember(key, transcript)
	}

	next, err := p.stageJob(queueFor(storage.StageTranslating), JobTranslate, m.ID, storage.StageTranslating)
	if err != nil {
		return reject(err)
	}
	applied, err := p.store.CommitStage(storage.StageCommit{
		MessageID:  m.ID,
		From:       storage.StageTranscribing,
		FromStatus: storage.StatusProcessing,
		To:         storage.StageTranslating,
		Status:     storage.StatusProcessing,
		Transcript: &transcript,
		Next:       &next,
	})
	if err != nil {
		return retry(err)
	}
	if applied {
		logger.Info("transcription committed", "cached", hit)
		p.stageCompleted(ctx, m, storage.StageTranscribing)
	}
	return done()
}

// HandleTranslation runs the translating stage of a job.
func (p *Pipeline) HandleTranslation(ctx context.Context, job storage.Job) error {
	return p.translate(ctx, job).jobError()
}

func (p *Pipeline) translate(ctx context.Context, job storage.Job) Outcome {
	m, ok, out := p.loadForStage(job, storage.StageTranslating)
	if !ok {
		return out
	}
	logger := p.logger.With("message_id", m.ID, "stage", storage.StageTranslating)

	text := strings.TrimSpace(m.SourceText())
	if text == "" {
		return reject(ErrEmptyText)
	}
	for _, lang := range []string{m.SourceLanguage, m.TargetLanguage} {
		if !p.SupportsLanguage(lang) {
			return reject(fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang))
		}
	}
	conv, err := p.store.GetConversation(m.ConversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reject(fmt.Errorf("conversation %s: %w", m.ConversationID, err))
		}
		return retry(err)
	}

	translated, o := p.translateText(ctx, m, text)
	if o.Kind != Done {
		return o
	}

	commit := storage.StageCommit{
		MessageID:      m.ID,
		From:           storage.StageTranslating,
		FromStatus:     storage.StatusProcessing,
		TranslatedText: &translated,
	}
	synthesize := conv.SynthesisEnabled && p.synthesizer != nil && !skipSpeech(translated)
	if synthesize {
		next, err := p.stageJob(queueFor(storage.StageSynthesizing), JobSynthesize, m.ID, storage.StageSynthesizing)
		if err != nil {
			return reject(err)
		}
		commit.To, commit.Status, commit.Next = storage.StageSynthesizing, storage.StatusProcessing, &next
	} else {
		commit.To, commit.Status = storage.StageDelivered, storage.StatusDelivered
	}

	applied, err := p.store.CommitStage(commit)
	if err != nil {
		return retry(err)
	}
	if !applied {
		return done()
	}
	logger.Info("translation committed", "synthesize", synthesize)
	p.stageCompleted(ctx, m, storage.StageTranslating)
	if !synthesize {
		p.publish(ctx, events.TopicMessageDelivered, map[string]any{
			"message_id":      m.ID,
			"conversation_id": m.ConversationID,
		})
	}
	return done()
}

// translateText retrieves context and asks the generator for a translation.
// Translations made without context are cached.
func (p *Pipeline) translateText(ctx context.Context, m storage.Message, text string) (string, Outcome) {
	if m.SourceLanguage == m.TargetLanguage {
		return text, done()
	}

	var chunks []retrieval.ScoredChunk
	if p.retriever != nil {
		rc, err := p.retriever.Retrieve(ctx, text, retrieval.Scope{ConversationID: m.ConversationID}, p.topK)
		if err != nil {
			p.logger.Warn("retrieval failed, translating without context", "message_id", m.ID, "error", err)
		}
		chunks = rc.Chunks
	}

	key := cache.TranslationKey(text, m.SourceLanguage, m.TargetLanguage)
	if len(chunks) == 0 {
		if cached, ok := p.cached(key); ok {
			return cached, done()
		}
	}

	history, err := p.store.ListMessages(m.ConversationID, historySize+1)
	if err != nil {
		p.logger.Warn("loading conversation history failed", "message_id", m.ID, "error", err)
	}
	var earlier []storage.Message
	for _, h := range history {
		if h.ID != m.ID {
			earlier = append(earlier, h)
		}
	}

	prompt := p.composer.Translation(composer.TranslationRequest{
		Text:           text,
		SourceLanguage: m.SourceLanguage,
		TargetLanguage: m.TargetLanguage,
		SenderRole:     m.SenderRole,
		History:        earlier,
		Context:        chunks,
	})
	translated, err := p.generator.Generate(ctx, prompt)
	if err != nil {
		return "", providerOutcome("translate", err)
	}
	translated = strings.TrimSpace(translated)
	if translated == "" {
		return "", retry(errors.New("translate: empty response"))
	}
	if len(chunks) == 0 {
		p.remember(key, translated)
	}
	return translated, done()
}

// skipSpeech reports whether a translation is too short, or only a
// placeholder such as "[inaudible]", to be worth synthesizing.
func skipSpeech(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minSpeechRunes {
		return true
	}
	return strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]")
}

// HandleSynthesis runs the synthesizing stage of a job.
func (p *Pipeline) HandleSynthesis(ctx context.Context, job storage.Job) error {
	return p.synthesize(ctx, job).jobError()
}

func (p *Pipeline) synthesize(ctx context.Context, job storage.Job) Outcome {
	m, ok, out := p.loadForStage(job, storage.StageSynthesizing)
	if !ok {
		return out
	}
	logger := p.logger.With("message_id", m.ID, "stage", storage.StageSynthesizing)

	if p.synthesizer == nil || p.blobs == nil {
		return reject(errors.New("speech synthesis is not enabled"))
	}
	conv, err := p.store.GetConversation(m.ConversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reject(fmt.Errorf("conversation %s: %w", m.ConversationID, err))
		}
		return retry(err)
	}

	audio, err := p.synthesizer.Synthesize(ctx, m.TranslatedText, m.TargetLanguage, conv.Voice)
	if err != nil {
		return providerOutcome("synthesize", err)
	}
	if len(audio) == 0 {
		return retry(errors.New("synthesize: empty audio"))
	}
	ref, err := p.blobs.Put("speech", "wav", audio)
	if err != nil {
		return retry(fmt.Errorf("storing speech: %w", err))
	}

	cleared := false
	applied, err := p.store.CommitStage(storage.StageCommit{
		MessageID:       m.ID,
		From:            storage.StageSynthesizing,
		FromStatus:      storage.StatusProcessing,
		To:              storage.StageDelivered,
		Status:          storage.StatusDelivered,
		SpeechRef:       &ref,
		SynthesisFailed: &cleared,
	})
	if err != nil {
		return retry(err)
	}
	if !applied {
		return done()
	}
	logger.Info("speech committed", "speech_ref", ref)
	p.stageCompleted(ctx, m, storage.StageSynthesizing)
	p.publish(ctx, events.TopicMessageDelivered, map[string]any{
		"message_id":      m.ID,
		"conversation_id": m.ConversationID,
		"speech_ref":      ref,
	})
	return done()
}

func (p *Pipeline) stageCompleted(ctx context.Context, m storage.Message, stage storage.Stage) {
	p.publish(ctx, events.TopicStageCompleted, map[string]any{
		"message_id":      m.ID,
		"conversation_id": m.ConversationID,
		"stage":           string(stage),
	})
}

func (p *Pipeline) cached(key string) (string, bool) {
	if p.cache == nil {
		return "", false
	}
	v, ok, err := p.cache.GetString(key)
	if err != nil {
		p.logger.Warn("cache read failed", "key", key, "error", err)
		return "", false
	}
	return v, ok
}

func (p *Pipeline) remember(key, value string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetString(key, value); err != nil {
		p.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
