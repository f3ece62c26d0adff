package pgstore

import (
	"context"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const jobColumns = `
  id, company_id, connection_id, job_type, status,
  processed, succeeded, failed, skipped, error_log,
  started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.MarketplaceSyncJob, error) {
	var j models.MarketplaceSyncJob
	if err := row.Scan(
		&j.ID, &j.CompanyID, &j.ConnectionID, &j.JobType, &j.Status,
		&j.Processed, &j.Succeeded, &j.Failed, &j.Skipped, &j.ErrorLog,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Storage) CreateJob(ctx context.Context, companyID, connectionID uint64, jobType string) (*models.MarketplaceSyncJob, error) {
	now := time.Now().UTC()
	j, err := scanJob(s.db.QueryRow(ctx, `
INSERT INTO marketplace_sync_jobs (id, company_id, connection_id, job_type, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)
RETURNING`+jobColumns+`
`, uuid.NewString(), companyID, connectionID, jobType, models.JobStatusPending, now))
	return j, errors.Wrap(err, "insert job")
}

func (s *Storage) StartJob(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx, `
UPDATE marketplace_sync_jobs SET status = $2, started_at = now(), updated_at = now()
WHERE id = $1
`, jobID, models.JobStatusInProgress)
	return errors.Wrap(err, "start job")
}

// BumpJobProgress инкрементирует счётчики по ходу джобы, чтобы прогресс
// был виден снаружи до завершения.
func (s *Storage) BumpJobProgress(ctx context.Context, jobID string, processed, succeeded, failed, skipped int32) error {
	_, err := s.db.Exec(ctx, `
UPDATE marketplace_sync_jobs SET
  processed = processed + $2,
  succeeded = succeeded + $3,
  failed = failed + $4,
  skipped = skipped + $5,
  updated_at = now()
WHERE id = $1
`, jobID, processed, succeeded, failed, skipped)
	return errors.Wrap(err, "bump job progress")
}

func (s *Storage) FinishJob(ctx context.Context, jobID, status string, errorLog []string) error {
	if errorLog == nil {
		errorLog = []string{}
	}
	_, err := s.db.Exec(ctx, `
UPDATE marketplace_sync_jobs SET status = $2, error_log = $3, finished_at = now(), updated_at = now()
WHERE id = $1
`, jobID, status, errorLog)
	return errors.Wrap(err, "finish job")
}

func (s *Storage) GetJob(ctx context.Context, jobID string) (*models.MarketplaceSyncJob, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT`+jobColumns+` FROM marketplace_sync_jobs WHERE id = $1`, jobID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select job")
	}
	return j, nil
}

func (s *Storage) ListRecentJobs(ctx context.Context, connectionID uint64, limit int) ([]*models.MarketplaceSyncJob, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+jobColumns+` FROM marketplace_sync_jobs
WHERE connection_id = $1
ORDER BY created_at DESC
LIMIT $2
`, connectionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select jobs")
	}
	defer rows.Close()

	var out []*models.MarketplaceSyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
