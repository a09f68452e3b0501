package pipeline

import (
	"context"

	"github.com/kalambet/medbridge/internal/events"
	"github.com/kalambet/medbridge/internal/storage"
)

// The hooks below run once per job that failed for good. Each commits the
// failure transition guarded on the stage the job was working on, and
// publishes only when that transition applied, so a message reports a failed
// stage exactly once.

// TranscriptionFailed marks the message failed. The inbound audio stays
// referenced for manual review.
func (p *Pipeline) TranscriptionFailed(ctx context.Context, job storage.Job, cause error) {
	sp, err := decodeStage(job)
	if err != nil {
		p.logger.Error("failed transcription job has a bad payload", "job_id", job.ID, "error", err)
		return
	}
	msg := cause.Error()
	p.fail(ctx, sp.MessageID, storage.StageTranscribing, storage.StageCommit{
		MessageID:  sp.MessageID,
		From:       storage.StageTranscribing,
		FromStatus: storage.StatusProcessing,
		To:         storage.StageTranscribing,
		Status:     storage.StatusFailed,
		LastError:  &msg,
	}, events.TopicMessageFailed)
}

// TranslationFailed marks the message failed and surfaces the original text
// as its translation, flagged untranslated, so it still reaches the other
// party.
func (p *Pipeline) TranslationFailed(ctx context.Context, job storage.Job, cause error) {
	sp, err := decodeStage(job)
	if err != nil {
		p.logger.Error("failed translation job has a bad payload", "job_id", job.ID, "error", err)
		return
	}
	m, err := p.store.GetMessage(sp.MessageID)
	if err != nil {
		p.logger.Error("loading failed message", "message_id", sp.MessageID, "error", err)
		return
	}
	original := m.SourceText()
	untranslated := true
	msg := cause.Error()
	p.fail(ctx, m.ID, storage.StageTranslating, storage.StageCommit{
		MessageID:      m.ID,
		From:           storage.StageTranslating,
		FromStatus:     storage.StatusProcessing,
		To:             storage.StageTranslating,
		Status:         storage.StatusFailed,
		TranslatedText: &original,
		Untranslated:   &untranslated,
		LastError:      &msg,
	}, events.TopicMessageFailed)
}

// SynthesisFailed delivers the message without audio and flags it partial.
func (p *Pipeline) SynthesisFailed(ctx context.Context, job storage.Job, cause error) {
	sp, err := decodeStage(job)
	if err != nil {
		p.logger.Error("failed synthesis job has a bad payload", "job_id", job.ID, "error", err)
		return
	}
	failed := true
	msg := cause.Error()
	p.fail(ctx, sp.MessageID, storage.StageSynthesizing, storage.StageCommit{
		MessageID:       sp.MessageID,
		From:            storage.StageSynthesizing,
		FromStatus:      storage.StatusProcessing,
		To:              storage.StageDelivered,
		Status:          storage.StatusPartial,
		SynthesisFailed: &failed,
		LastError:       &msg,
	}, events.TopicMessagePartial)
}

func (p *Pipeline) fail(ctx context.Context, messageID string, stage storage.Stage, c storage.StageCommit, topic string) {
	logger := p.logger.With("message_id", messageID, "stage", stage)
	applied, err := p.store.CommitStage(c)
	if err != nil {
		logger.Error("recording stage failure failed", "error", err)
		return
	}
	if !applied {
		logger.Warn("stage failure not recorded, message already moved on")
		return
	}
	logger.Warn("stage failed", "status", c.Status, "error", *c.LastError)

	p.publish(ctx, events.TopicStageFailed, map[string]any{
		"message_id": messageID,
		"stage":      string(stage),
		"error":      *c.LastError,
	})
	p.publish(ctx, topic, map[string]any{
		"message_id": messageID,
		"stage":      string(stage),
	})
}
