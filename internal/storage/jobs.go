package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateJob is returned when a job id already exists.
var ErrDuplicateJob = errors.New("duplicate job")

func unixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// EnqueueJob inserts a pending job and returns its id. When job.DedupeKey
// matches a job that is still pending or running, no row is inserted and the
// id of the live job is returned instead.
func (s *Store) EnqueueJob(job Job) (string, error) {
	return enqueueJob(s.db, job, time.Now())
}

func enqueueJob(db execer, job Job, now time.Time) (string, error) {
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	var dedupe sql.NullString
	if job.DedupeKey != "" {
		dedupe = sql.NullString{String: job.DedupeKey, Valid: true}
	}

	res, err := db.Exec(`
		INSERT OR IGNORE INTO jobs (id, queue, type, payload_json, dedupe_key, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.Type, payload, dedupe, maxAttempts, unixMillis(runAfter), unixMillis(now), unixMillis(now),
	)
	if err != nil {
		return "", fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 1 {
		return job.ID, nil
	}

	if !dedupe.Valid {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	var existing string
	err = db.QueryRow(`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('pending', 'running')`, job.DedupeKey).Scan(&existing)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	if err != nil {
		return "", fmt.Errorf("looking up job for %s: %w", job.DedupeKey, err)
	}
	return existing, nil
}

const jobColumns = `id, queue, type, payload_json, dedupe_key, status, attempts, max_attempts, run_after,
	lease_owner, lease_expires_at, last_error, created_at, updated_at`

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var dedupe, owner, lastError sql.NullString
	var leaseExpires sql.NullInt64
	var runAfter, createdAt, updatedAt int64
	err := r.Scan(&j.ID, &j.Queue, &j.Type, &j.PayloadJSON, &dedupe, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &owner, &leaseExpires, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.DedupeKey = dedupe.String
	j.LeaseOwner = owner.String
	j.LastError = lastError.String
	j.RunAfter = fromMillis(runAfter)
	if leaseExpires.Valid {
		j.LeaseExpiresAt = fromMillis(leaseExpires.Int64)
	}
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return j, nil
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// LeaseNextJob leases the oldest ready job of queue to owner for visibility.
// A job is ready when it is pending and due, or when it is running but its
// previous lease has expired. The attempt counter is incremented on lease, so
// a crashed worker's attempt still counts. Returns nil when nothing is ready.
func (s *Store) LeaseNextJob(queue, owner string, visibility time.Duration) (*Job, error) {
	return s.LeaseNextJobCapped(queue, owner, visibility, 0)
}

// LeaseNextJobCapped is LeaseNextJob that leases nothing while queue already
// holds maxLeased unexpired leases, across every process sharing the
// database. maxLeased <= 0 means no cap.
func (s *Store) LeaseNextJobCapped(queue, owner string, visibility time.Duration, maxLeased int) (*Job, error) {
	now := time.Now()
	nowMs := unixMillis(now)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback()

	if maxLeased > 0 {
		var live int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = 'running' AND lease_expires_at > ?`,
			queue, nowMs).Scan(&live); err != nil {
			return nil, fmt.Errorf("counting leases: %w", err)
		}
		if live >= maxLeased {
			return nil, nil
		}
	}

	j, err := scanJob(tx.QueryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE queue = ?
		  AND ((status = 'pending' AND run_after <= ?) OR (status = 'running' AND lease_expires_at <= ?))
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, queue, nowMs, nowMs))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	expires := now.Add(visibility)
	res, err := tx.Exec(`UPDATE jobs
		SET status = 'running', attempts = attempts + 1, lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND (status = 'pending' OR (status = 'running' AND lease_expires_at <= ?))`,
		owner, unixMillis(expires), nowMs, j.ID, nowMs)
	if err != nil {
		return nil, fmt.Errorf("leasing job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking leased job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lease: %w", err)
	}

	j.Status = JobRunning
	j.Attempts++
	j.LeaseOwner = owner
	j.LeaseExpiresAt = fromMillis(unixMillis(expires))
	j.UpdatedAt = fromMillis(nowMs)
	return &j, nil
}

// finishLeased updates a job only while owner still holds its lease.
func (s *Store) finishLeased(id, owner, query string, args ...any) error {
	res, err := s.db.Exec(query, append(args, id, owner)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetJob(id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s not leased by %s", ErrLeaseConflict, id, owner)
}

// CompleteJob marks a leased job as completed. Returns ErrLeaseConflict when
// owner no longer holds the lease.
func (s *Store) CompleteJob(id, owner string) error {
	return s.finishLeased(id, owner, `UPDATE jobs
		SET status = 'completed', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		unixMillis(time.Now()))
}

// RetryJob returns a leased job to the pending state, due at runAfter.
func (s *Store) RetryJob(id, owner, errMsg string, runAfter time.Time) error {
	return s.finishLeased(id, owner, `UPDATE jobs
		SET status = 'pending', lease_owner = NULL, lease_expires_at = NULL, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		errMsg, unixMillis(runAfter), unixMillis(time.Now()))
}

// ReleaseJob returns a leased job to the pending state, due now, and gives
// back the attempt its lease consumed. Used when the worker is shutting down
// rather than the job failing.
func (s *Store) ReleaseJob(id, owner, errMsg string) error {
	now := unixMillis(time.Now())
	return s.finishLeased(id, owner, `UPDATE jobs
		SET status = 'pending', attempts = MAX(attempts - 1, 0), lease_owner = NULL, lease_expires_at = NULL,
			last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		errMsg, now, now)
}

// FailJob marks a leased job as terminally failed.
func (s *Store) FailJob(id, owner, errMsg string) error {
	return s.finishLeased(id, owner, `UPDATE jobs
		SET status = 'failed', lease_owner = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND lease_owner = ?`,
		errMsg, unixMillis(time.Now()))
}

// CountLeased returns the number of jobs of queue holding an unexpired lease.
func (s *Store) CountLeased(queue string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = 'running' AND lease_expires_at > ?`,
		queue, unixMillis(time.Now())).Scan(&n)
	return n, err
}

func (s *Store) QueueStats() ([]QueueStats, error) {
	rows, err := s.db.Query(`
		SELECT queue,
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM jobs GROUP BY queue ORDER BY queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []QueueStats
	for rows.Next() {
		var st QueueStats
		if err := rows.Scan(&st.Queue, &st.Pending, &st.Leased, &st.Completed, &st.Failed); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// PurgeJobs deletes completed and failed jobs last updated before cutoff.
func (s *Store) PurgeJobs(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`, unixMillis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
