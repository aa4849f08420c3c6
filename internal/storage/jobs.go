package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/thoughtd/internal/thought"
)

const jobColumns = `id, thought_id, user_id, trigger, status, requested_at, requested_by,
	tool_spec_ids, attempts, error, lease_until, updated_at`

func scanJob(row rowScanner) (Job, error) {
	var (
		j                        Job
		trigger, status, toolIDs string
		requestedAt, updatedAt   string
		leaseUntil               sql.NullString
	)
	err := row.Scan(&j.ID, &j.ThoughtID, &j.UserID, &trigger, &status, &requestedAt, &j.RequestedBy,
		&toolIDs, &j.Attempts, &j.Error, &leaseUntil, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.Trigger = thought.Trigger(trigger)
	j.Status = JobStatus(status)
	if err := json.Unmarshal([]byte(toolIDs), &j.ToolSpecIDs); err != nil {
		return Job{}, fmt.Errorf("decoding tool spec ids of job %s: %w", j.ID, err)
	}
	if j.RequestedAt, err = parseTime("requested_at", requestedAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, err
	}
	if j.LeaseUntil, err = parseNullTime("lease_until", leaseUntil); err != nil {
		return Job{}, err
	}
	return j, nil
}

// CreateJob inserts a queued job and applies pending to its thought in the
// same transaction.
func (s *Store) CreateJob(ctx context.Context, job Job, pending thought.Patch) (Job, error) {
	job.Status = JobQueued
	if job.ToolSpecIDs == nil {
		job.ToolSpecIDs = []string{}
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.RequestedAt
	}
	toolIDs, err := jsonText(job.ToolSpecIDs)
	if err != nil {
		return Job{}, fmt.Errorf("encoding tool spec ids: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO processing_jobs (`+jobColumns+`)
			VALUES (`+placeholders(12)+`)`,
			job.ID, job.ThoughtID, job.UserID, string(job.Trigger), string(job.Status),
			formatTime(job.RequestedAt), job.RequestedBy, toolIDs, job.Attempts, job.Error,
			nullTime(job.LeaseUntil), formatTime(job.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}
		_, err = patchThoughtTx(ctx, tx, job.ThoughtID, -1, pending)
		return err
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob returns the job with id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// FindLiveJob returns the queued or processing job for a thought, or nil.
func (s *Store) FindLiveJob(ctx context.Context, thoughtID string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs
		WHERE thought_id = ? AND status IN (?, ?)
		ORDER BY requested_at ASC LIMIT 1`, thoughtID, string(JobQueued), string(JobProcessing)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListThoughtJobs returns every job for a thought, oldest first.
func (s *Store) ListThoughtJobs(ctx context.Context, thoughtID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs
		WHERE thought_id = ? ORDER BY requested_at ASC`, thoughtID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// LeaseQueuedJobs hands out up to limit queued jobs whose lease is free or
// expired, oldest first, and leases them until now+lease. Leased jobs stay
// queued; StartJob moves them on.
func (s *Store) LeaseQueuedJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs
			WHERE status = ? AND (lease_until IS NULL OR lease_until < ?)
			ORDER BY requested_at ASC LIMIT ?`, string(JobQueued), formatTime(now), limit)
		if err != nil {
			return fmt.Errorf("selecting queued jobs: %w", err)
		}
		var jobs []Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, j)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		until := now.Add(lease)
		for i := range jobs {
			_, err := tx.ExecContext(ctx, `UPDATE processing_jobs SET lease_until = ?, updated_at = ?
				WHERE id = ? AND status = ?`, formatTime(until), formatTime(now), jobs[i].ID, string(JobQueued))
			if err != nil {
				return fmt.Errorf("leasing job %s: %w", jobs[i].ID, err)
			}
			jobs[i].LeaseUntil = &until
			jobs[i].UpdatedAt = now
		}
		out = jobs
		return nil
	})
	return out, err
}

// transitionJobTx moves a job from one of from to to. It returns
// ErrConflict when the job is in any other state, which keeps transitions
// monotonic.
func transitionJobTx(ctx context.Context, tx *sql.Tx, id string, from []JobStatus, to JobStatus, errMsg string, now time.Time, extra string, extraArgs ...any) error {
	args := []any{string(to), errMsg, formatTime(now)}
	args = append(args, extraArgs...)
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := tx.ExecContext(ctx, `UPDATE processing_jobs SET status = ?, error = ?, updated_at = ?`+extra+`
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM processing_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, cannot move to %s: %w", id, status, to, ErrConflict)
}

// StartJob moves a queued job to processing, counts the attempt and
// extends its lease.
func (s *Store) StartJob(ctx context.Context, id string, now time.Time, lease time.Duration) (Job, error) {
	var out Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := transitionJobTx(ctx, tx, id, []JobStatus{JobQueued}, JobProcessing, "", now,
			`, attempts = attempts + 1, lease_until = ?`, formatTime(now.Add(lease)))
		if err != nil {
			return err
		}
		out, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = ?`, id))
		return err
	})
	return out, err
}

// Outcome is a terminal job transition plus the thought update that must
// be written with it. ThoughtVersion is the version the patch was computed
// against; 0 skips the check.
type Outcome struct {
	Status         JobStatus
	Error          string
	ThoughtPatch   *thought.Patch
	ThoughtVersion int
	History        *thought.HistoryEntry
	Links          []thought.LinkRequest
}

// FinishJob moves a job into a terminal state. Jobs that never started
// may only become rate_limited or failed; started jobs may only become
// completed or failed.
func (s *Store) FinishJob(ctx context.Context, id string, now time.Time, o Outcome) error {
	var from []JobStatus
	switch o.Status {
	case JobRateLimited:
		from = []JobStatus{JobQueued}
	case JobCompleted:
		from = []JobStatus{JobProcessing}
	case JobFailed:
		from = []JobStatus{JobQueued, JobProcessing}
	default:
		return fmt.Errorf("%s is not a terminal job status", o.Status)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := transitionJobTx(ctx, tx, id, from, o.Status, o.Error, now, `, lease_until = NULL`); err != nil {
			return err
		}
		if o.ThoughtPatch == nil && o.History == nil && len(o.Links) == 0 {
			return nil
		}
		var thoughtID string
		if err := tx.QueryRowContext(ctx, `SELECT thought_id FROM processing_jobs WHERE id = ?`, id).Scan(&thoughtID); err != nil {
			return err
		}
		if o.ThoughtPatch != nil {
			expect := o.ThoughtVersion
			if expect == 0 {
				expect = -1
			}
			if _, err := patchThoughtTx(ctx, tx, thoughtID, expect, *o.ThoughtPatch); err != nil {
				return err
			}
		}
		if o.History != nil {
			e := *o.History
			e.ThoughtID = thoughtID
			if err := appendHistoryTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return insertLinksTx(ctx, tx, thoughtID, o.Links, now)
	})
}

// FailStaleJobs fails processing jobs whose lease expired before now and
// marks their thoughts failed with msg. It returns the failed jobs.
func (s *Store) FailStaleJobs(ctx context.Context, now time.Time, msg string) ([]Job, error) {
	var failed []Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs
			WHERE status = ? AND lease_until IS NOT NULL AND lease_until < ?`,
			string(JobProcessing), formatTime(now))
		if err != nil {
			return fmt.Errorf("selecting stale jobs: %w", err)
		}
		var stale []Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, j)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, j := range stale {
			if err := transitionJobTx(ctx, tx, j.ID, []JobStatus{JobProcessing}, JobFailed, msg, now, `, lease_until = NULL`); err != nil {
				return err
			}
			p := thought.StatusPatch(thought.StatusFailed, msg, now)
			if _, err := patchThoughtTx(ctx, tx, j.ThoughtID, -1, p); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			err := appendHistoryTx(ctx, tx, thought.HistoryEntry{
				ThoughtID:   j.ThoughtID,
				ProcessedAt: now,
				Trigger:     j.Trigger,
				Status:      thought.HistoryFailed,
				Error:       msg,
			})
			if err != nil {
				return err
			}
			j.Status = JobFailed
			j.Error = msg
			j.LeaseUntil = nil
			j.UpdatedAt = now
			failed = append(failed, j)
		}
		return nil
	})
	return failed, err
}
