package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/medbridge/internal/engine"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
)

const assistanceSystem = `You assist a clinician during a consultation with a patient who speaks another language.
Use the provided context when it is relevant and say when it is not sufficient. Be concise and practical.`

// AssistanceRequest is the input of one clinician assistance job.
type AssistanceRequest struct {
	Kind              string
	Query             string
	PatientLanguage   string
	ClinicianLanguage string
	// History holds recent messages of the conversation, oldest first.
	History []storage.Message
	Context []retrieval.ScoredChunk
}

// ValidAssistanceKind reports whether kind is a known assistance kind.
func ValidAssistanceKind(kind string) bool {
	switch kind {
	case storage.AssistGeneral, storage.AssistCultural, storage.AssistMedical, storage.AssistFollowup:
		return true
	}
	return false
}

// Assistance builds the chat messages for a clinician assistance request.
func (c *Composer) Assistance(req AssistanceRequest) ([]engine.Message, error) {
	if !ValidAssistanceKind(req.Kind) {
		return nil, fmt.Errorf("unknown assistance kind %q", req.Kind)
	}
	patient, clinician := LanguageName(req.PatientLanguage), LanguageName(req.ClinicianLanguage)

	var user strings.Builder
	if window := c.ContextWindow(req.Context); window != "" {
		user.WriteString("Context:\n")
		user.WriteString(window)
		user.WriteString("\n\n")
	}

	conversation := formatConversation(req.History)
	switch req.Kind {
	case storage.AssistCultural:
		fmt.Fprintf(&user, "Provide cultural context and communication tips for this conversation.\n\nPatient language: %s\nClinician language: %s\n\nConversation:\n%s\n", patient, clinician, conversation)
		user.WriteString("Focus on:\n1. Cultural sensitivities\n2. Communication style preferences\n3. Potential misunderstandings\n4. Appropriate phrasing suggestions\n")
	case storage.AssistMedical:
		fmt.Fprintf(&user, "Provide medical context for this conversation.\n\nConversation:\n%s\n", conversation)
		user.WriteString("Focus on:\n1. Relevant history from the patient notes\n2. Symptoms to clarify\n3. Medical terminology explanations\n")
	case storage.AssistFollowup:
		fmt.Fprintf(&user, "Suggest follow-up questions for this conversation.\n\nConversation:\n%s\n", conversation)
		fmt.Fprintf(&user, "Provide 3-5 culturally appropriate questions, each in both %s and %s, with a short reason for asking it.\n", clinician, patient)
	default:
		fmt.Fprintf(&user, "Assist with this consultation.\n\nPatient language: %s\nClinician language: %s\n\nConversation:\n%s\n", patient, clinician, conversation)
		user.WriteString("Suggest follow-up questions, communication barriers to clarify, cultural sensitivities, and relevant history.\n")
	}
	if q := strings.TrimSpace(req.Query); q != "" {
		fmt.Fprintf(&user, "\nClinician question: %s", q)
	}

	return []engine.Message{
		{Role: engine.RoleSystem, Content: assistanceSystem},
		{Role: engine.RoleUser, Content: strings.TrimSpace(user.String())},
	}, nil
}

func formatConversation(history []storage.Message) string {
	if len(history) == 0 {
		return "(no messages yet)\n"
	}
	var sb strings.Builder
	for _, m := range history {
		fmt.Fprintf(&sb, "%s: %s\n", m.SenderRole, m.SourceText())
	}
	return sb.String()
}
