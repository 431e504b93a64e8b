package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/dealreel/internal/models"
)

func (db *DB) CreateRenderJob(ctx context.Context, rec *models.RenderJobRecord) error {
	query := `
		INSERT INTO render_jobs (
			id, status, section, percent, company_name, industry, output_path, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		rec.ID, rec.Status, rec.Section, rec.Percent, rec.CompanyName, rec.Industry,
		rec.OutputPath, rec.Payload, rec.CreatedAt,
	).Scan(&rec.UpdatedAt)
}

func (db *DB) GetRenderJob(ctx context.Context, id string) (*models.RenderJobRecord, error) {
	query := `
		SELECT
			id, status, section, percent, company_name, industry, output_path,
			video_url, error_message, payload, created_at, updated_at
		FROM render_jobs
		WHERE id = $1
	`

	rec := &models.RenderJobRecord{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Status, &rec.Section, &rec.Percent, &rec.CompanyName,
		&rec.Industry, &rec.OutputPath, &rec.VideoURL, &rec.ErrorMessage,
		&rec.Payload, &rec.CreatedAt, &rec.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("render job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render job: %w", err)
	}

	return rec, nil
}

func (db *DB) UpdateRenderJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	query := `UPDATE render_jobs SET status = $1, updated_at = NOW() WHERE id = $2`
	return db.exec(ctx, query, status, id)
}

func (db *DB) UpdateRenderJobProgress(ctx context.Context, id string, section models.Section, percent float64) error {
	query := `UPDATE render_jobs SET section = $1, percent = $2, updated_at = NOW() WHERE id = $3`
	return db.exec(ctx, query, string(section), percent, id)
}

// SetRenderJobError marks the job failed with message.
func (db *DB) SetRenderJobError(ctx context.Context, id, message string) error {
	query := `
		UPDATE render_jobs
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	return db.exec(ctx, query, models.JobStatusFailed, message, id)
}

func (db *DB) SetRenderJobVideoURL(ctx context.Context, id, url string) error {
	query := `UPDATE render_jobs SET video_url = $1, updated_at = NOW() WHERE id = $2`
	return db.exec(ctx, query, url, id)
}

func (db *DB) exec(ctx context.Context, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update render job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update render job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("render job %v: %w", args[len(args)-1], ErrNotFound)
	}
	return nil
}
