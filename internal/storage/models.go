package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrLeaseConflict is returned when a worker acts on a job it no longer holds
// the lease for (another worker leased it after expiry, or it already finished).
var ErrLeaseConflict = errors.New("lease conflict")

// Stage is a step of the per-message processing pipeline.
type Stage string

const (
	StageReceived     Stage = "received"
	StageTranscribing Stage = "transcribing"
	StageTranslating  Stage = "translating"
	StageSynthesizing Stage = "synthesizing"
	StageDelivered    Stage = "delivered"
)

// Status is the overall state of a message.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
)

// Terminal reports whether no further pipeline work is scheduled for the status.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusPartial
}

// Sender roles.
const (
	RolePatient   = "patient"
	RoleClinician = "clinician"
)

type Conversation struct {
	ID                string
	PatientLanguage   string
	ClinicianLanguage string
	SynthesisEnabled  bool
	Voice             string
	CreatedAt         time.Time
}

// Languages returns the (source, target) pair for a message sent by role.
func (c Conversation) Languages(role string) (string, string) {
	if role == RoleClinician {
		return c.ClinicianLanguage, c.PatientLanguage
	}
	return c.PatientLanguage, c.ClinicianLanguage
}

type Message struct {
	ID              string
	ConversationID  string
	SenderRole      string
	Text            string
	AudioRef        string
	ImageRef        string
	SourceLanguage  string
	TargetLanguage  string
	Stage           Stage
	Status          Status
	Transcript      string
	TranslatedText  string
	SpeechRef       string
	Untranslated    bool
	SynthesisFailed bool
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SourceText is the text the translating stage works on.
func (m Message) SourceText() string {
	if m.Transcript != "" {
		return m.Transcript
	}
	return m.Text
}

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	ID             string
	Queue          string
	Type           string
	PayloadJSON    string
	DedupeKey      string // at most one pending/running job per key
	Status         string // "pending", "running", "completed", "failed"
	Attempts       int
	MaxAttempts    int
	RunAfter       time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastError      string
}

// QueueStats summarises the jobs of one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Leased    int    `json:"leased"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Assistance request kinds.
const (
	AssistGeneral  = "general"
	AssistCultural = "cultural"
	AssistMedical  = "medical"
	AssistFollowup = "followup"
)

type Assistance struct {
	ID             string
	ConversationID string
	Kind           string
	Query          string
	Answer         string
	Sources        string // JSON array of collection names
	Status         string // "pending", "completed", "failed"
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
