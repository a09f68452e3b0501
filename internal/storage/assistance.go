package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateAssistance stores a pending assistance request together with the job
// that will answer it.
func (s *Store) CreateAssistance(a Assistance, job Job) error {
	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning assistance transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO assistance_requests (id, conversation_id, kind, query, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		a.ID, a.ConversationID, a.Kind, a.Query, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting assistance %s: %w", a.ID, err)
	}
	if _, err := enqueueJob(tx, job, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetAssistance(id string) (Assistance, error) {
	var a Assistance
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, conversation_id, kind, query, answer, sources, status, last_error, created_at, updated_at
		FROM assistance_requests WHERE id = ?`, id,
	).Scan(&a.ID, &a.ConversationID, &a.Kind, &a.Query, &a.Answer, &a.Sources, &a.Status, &a.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Assistance{}, ErrNotFound
	}
	if err != nil {
		return Assistance{}, err
	}
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Assistance{}, err
	}
	if a.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Assistance{}, err
	}
	return a, nil
}

// CompleteAssistance records the answer of a pending request. Returns false
// when the request was already answered.
func (s *Store) CompleteAssistance(id, answer, sourcesJSON string) (bool, error) {
	return s.finishAssistance(`UPDATE assistance_requests SET status = 'completed', answer = ?, sources = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, answer, sourcesJSON, formatTime(time.Now()), id)
}

func (s *Store) FailAssistance(id, errMsg string) (bool, error) {
	return s.finishAssistance(`UPDATE assistance_requests SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, errMsg, formatTime(time.Now()), id)
}

func (s *Store) finishAssistance(query string, args ...any) (bool, error) {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
