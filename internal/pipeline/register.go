package pipeline

import (
	"fmt"

	"github.com/kalambet/medbridge/internal/queue"
)

// Declarer is the part of the queue manager the pipeline registers with.
type Declarer interface {
	Declare(cfg queue.Config, h queue.Handler, onFailed queue.FailureHook) error
}

// Register declares the stage and assistance queues with their handlers.
// configs overrides the built-in queue configuration by name.
func (p *Pipeline) Register(m Declarer, configs map[string]queue.Config) error {
	handlers := []struct {
		name     string
		handler  queue.Handler
		onFailed queue.FailureHook
	}{
		{queue.Transcription, p.HandleTranscription, p.TranscriptionFailed},
		{queue.Translation, p.HandleTranslation, p.TranslationFailed},
		{queue.Synthesis, p.HandleSynthesis, p.SynthesisFailed},
		{queue.Assistance, p.HandleAssistance, p.AssistanceFailed},
	}
	for _, h := range handlers {
		cfg, ok := configs[h.name]
		if !ok {
			if cfg, ok = queue.Default(h.name); !ok {
				return fmt.Errorf("no configuration for queue %s", h.name)
			}
		}
		if err := m.Declare(cfg, h.handler, h.onFailed); err != nil {
			return err
		}
	}
	return nil
}
