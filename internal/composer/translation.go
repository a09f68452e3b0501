package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

const translationSystem = `You are translating a %s's message in a medical consultation.
Translate accurately and keep medical meaning intact. Map medical terms to language a patient understands.
Use formal, professional language and follow any cultural guidance in the context.
Return ONLY the translated text, no explanations.`

// historyLimit is the number of earlier messages shown to the translator.
const historyLimit = 5

// TranslationRequest is the input of one translating stage.
type TranslationRequest struct {
	Text           string
	SourceLanguage string
	TargetLanguage string
	SenderRole     string
	// History holds earlier messages of the conversation, oldest first.
	History []storage.Message
	Context []retrieval.ScoredChunk
}

// Translation builds the chat messages asking the generator to translate.
func (c *Composer) Translation(req TranslationRequest) []engine.Message {
	role := req.SenderRole
	if role == "" {
		role = storage.RolePatient
	}

	var user strings.Builder
	if h := formatHistory(req.History); h != "" {
		user.WriteString("Previous conversation:\n")
		user.WriteString(h)
		user.WriteString("\n")
	}
	if window := c.ContextWindow(req.Context); window != "" {
		user.WriteString("Cultural & medical context:\n")
		user.WriteString(window)
		user.WriteString("\n\n")
	}
	fmt.Fprintf(&user, "Translate from %s to %s:\n%s",
		LanguageName(req.SourceLanguage), LanguageName(req.TargetLanguage), req.Text)

	return []engine.Message{
		{Role: engine.RoleSystem, Content: fmt.Sprintf(translationSystem, role)},
		{Role: engine.RoleUser, Content: user.String()},
	}
}

func formatHistory(history []storage.Message) string {
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	var sb strings.Builder
	for _, m := range history {
		text := m.SourceText()
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", m.SenderRole, text)
	}
	return sb.String()
}
