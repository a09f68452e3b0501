package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding conversations, messages, jobs and
// assistance requests. Collections and chunks share the same database (see DB).
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "medbridge.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// DB exposes the underlying connection so other stores (collections, chunks)
// can share the same database file and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Conversations ---

func (s *Store) SaveConversation(c Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, patient_language, clinician_language, synthesis_enabled, voice, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			patient_language = excluded.patient_language,
			clinician_language = excluded.clinician_language,
			synthesis_enabled = excluded.synthesis_enabled,
			voice = excluded.voice`,
		c.ID, c.PatientLanguage, c.ClinicianLanguage, boolInt(c.SynthesisEnabled), c.Voice, formatTime(c.CreatedAt),
	)
	return err
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var synth int
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, patient_language, clinician_language, synthesis_enabled, voice, created_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.PatientLanguage, &c.ClinicianLanguage, &synth, &c.Voice, &createdAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.SynthesisEnabled = synth == 1
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// --- Messages ---

const messageColumns = `id, conversation_id, sender_role, text, audio_ref, image_ref, source_language, target_language,
	stage, status, transcript, translated_text, speech_ref, untranslated, synthesis_failed, last_error, created_at, updated_at`

// CreateMessage stores a new message and, when first is non-nil, enqueues the
// job for its first stage in the same transaction.
func (s *Store) CreateMessage(m Message, first *Job) (string, error) {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderRole, m.Text, m.AudioRef, m.ImageRef, m.SourceLanguage, m.TargetLanguage,
		string(m.Stage), string(m.Status), m.Transcript, m.TranslatedText, m.SpeechRef,
		boolInt(m.Untranslated), boolInt(m.SynthesisFailed), m.LastError, formatTime(m.CreatedAt), formatTime(now),
	)
	if err != nil {
		return "", fmt.Errorf("inserting message %s: %w", m.ID, err)
	}

	var jobID string
	if first != nil {
		if jobID, err = enqueueJob(tx, *first, now); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing message %s: %w", m.ID, err)
	}
	return jobID, nil
}

func (s *Store) GetMessage(id string) (Message, error) {
	m, err := scanMessage(s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns the most recent messages of a conversation, oldest first.
func (s *Store) ListMessages(conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var stage, status, createdAt, updatedAt string
	var untranslated, synthFailed int
	err := r.Scan(&m.ID, &m.ConversationID, &m.SenderRole, &m.Text, &m.AudioRef, &m.ImageRef,
		&m.SourceLanguage, &m.TargetLanguage, &stage, &status, &m.Transcript, &m.TranslatedText, &m.SpeechRef,
		&untranslated, &synthFailed, &m.LastError, &createdAt, &updatedAt)
	if err != nil {
		return Message{}, err
	}
	m.Stage = Stage(stage)
	m.Status = Status(status)
	m.Untranslated = untranslated == 1
	m.SynthesisFailed = synthFailed == 1
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Message{}, err
	}
	if m.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Message{}, err
	}
	return m, nil
}

// StageCommit is one transition of a message. Result fields left nil are not
// touched. Next, when set, is enqueued in the same transaction so the hand-off
// to the following stage is never lost.
type StageCommit struct {
	MessageID  string
	From       Stage
	FromStatus Status // optional guard on the current status
	To         Stage
	Status     Status

	Transcript      *string
	TranslatedText  *string
	SpeechRef       *string
	Untranslated    *bool
	SynthesisFailed *bool
	LastError       *string

	Next *Job
}

// CommitStage applies c atomically. It returns false without error when the
// message is no longer in c.From, meaning another execution already committed
// this stage.
func (s *Store) CommitStage(c StageCommit) (bool, error) {
	now := time.Now()
	sets := []string{"stage = ?", "status = ?", "updated_at = ?"}
	args := []any{string(c.To), string(c.Status), formatTime(now)}

	addString := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	addBool := func(col string, v *bool) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, boolInt(*v))
		}
	}
	addString("transcript", c.Transcript)
	addString("translated_text", c.TranslatedText)
	addString("speech_ref", c.SpeechRef)
	addBool("untranslated", c.Untranslated)
	addBool("synthesis_failed", c.SynthesisFailed)
	addString("last_error", c.LastError)

	query := `UPDATE messages SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND stage = ?`
	args = append(args, c.MessageID, string(c.From))
	if c.FromStatus != "" {
		query += ` AND status = ?`
		args = append(args, string(c.FromStatus))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning stage transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("updating message %s: %w", c.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE id = ?`, c.MessageID).Scan(&exists); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, ErrNotFound
		}
		return false, nil
	}

	if c.Next != nil {
		if _, err := enqueueJob(tx, *c.Next, now); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing stage for %s: %w", c.MessageID, err)
	}
	return true, nil
}

// ClearAudioRef blanks every message reference to an audio blob that was
// removed by retention cleanup.
func (s *Store) ClearAudioRef(ref string) (int64, error) {
	now := formatTime(time.Now())
	var total int64
	for _, col := range []string{"audio_ref", "speech_ref"} {
		res, err := s.db.Exec(`UPDATE messages SET `+col+` = '', updated_at = ? WHERE `+col+` = ?`, now, ref)
		if err != nil {
			return total, fmt.Errorf("clearing %s: %w", col, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
