package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alfaarizi/qubit/internal/model"
)

// JobAuditRepository records job status transitions. Only aggregate counts
// are read back.
type JobAuditRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobAuditRepository creates a new JobAuditRepository.
func NewJobAuditRepository(db *sql.DB) *JobAuditRepository {
	return &JobAuditRepository{db: db, now: time.Now}
}

// Record inserts one status transition.
func (r *JobAuditRepository) Record(ctx context.Context, jobID string, jobType model.JobType, status model.JobStatus) error {
	query := `
		INSERT INTO job_events (job_id, job_type, status, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query, jobID, string(jobType), status.String(), r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record job event: %w", err)
	}

	return nil
}

// CountByStatus returns the number of recorded transitions per status.
func (r *JobAuditRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM job_events
		GROUP BY status
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count job events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job event count: %w", err)
		}
		counts[status] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job event counts: %w", err)
	}

	return counts, nil
}

// Prune deletes transitions recorded before the given time and returns how
// many were removed.
func (r *JobAuditRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune job events: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n, nil
}
