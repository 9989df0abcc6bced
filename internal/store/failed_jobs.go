package store

import (
	"context"
	"fmt"
)

func (s *Store) RecordFailedJob(ctx context.Context, j *FailedJob) error {
	if j.FailedAt.IsZero() {
		j.FailedAt = s.now()
	}
	if j.Payload == "" {
		j.Payload = "{}"
	}
	id, err := s.insert(ctx,
		`INSERT INTO failed_jobs (job_id, queue, operation, conversation_id, payload, attempts, error, failed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, j.Queue, j.Operation, j.ConversationID, j.Payload, j.Attempts, j.Error, j.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to record failed job: %w", err)
	}
	j.ID = id
	return nil
}

func (s *Store) ListFailedJobs(ctx context.Context, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx,
		"SELECT id, job_id, queue, operation, conversation_id, payload, attempts, error, failed_at FROM failed_jobs ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed jobs: %w", err)
	}
	defer rows.Close()

	jobs := []FailedJob{}
	for rows.Next() {
		var j FailedJob
		if err := rows.Scan(&j.ID, &j.JobID, &j.Queue, &j.Operation, &j.ConversationID, &j.Payload, &j.Attempts, &j.Error, &j.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
