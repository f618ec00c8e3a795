package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/cohort/internal/model"
)

// CreateBatch inserts a batch. An empty ID is replaced with a new UUID.
func (db *DB) CreateBatch(ctx context.Context, b model.Batch) (model.Batch, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = model.BatchStatusRunning
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO batches (id, config, status) VALUES ($1, $2, $3) RETURNING created_at`,
		b.ID, b.Config, string(b.Status),
	).Scan(&b.CreatedAt)
	if err != nil {
		return model.Batch{}, fmt.Errorf("storage: create batch: %w", err)
	}
	return b, nil
}

// Batch returns a batch by ID.
func (db *DB) Batch(ctx context.Context, id string) (model.Batch, error) {
	var b model.Batch
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, config, status, created_at FROM batches WHERE id = $1`, id,
	).Scan(&b.ID, &b.Config, &status, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Batch{}, fmt.Errorf("storage: batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("storage: get batch: %w", err)
	}
	b.Status = model.BatchStatus(status)
	return b, nil
}

// ListBatches returns every batch, oldest first.
func (db *DB) ListBatches(ctx context.Context) ([]model.Batch, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, config, status, created_at FROM batches ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list batches: %w", err)
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		var b model.Batch
		var status string
		if err := rows.Scan(&b.ID, &b.Config, &status, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan batch: %w", err)
		}
		b.Status = model.BatchStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBatchStatus updates a batch's lifecycle status.
func (db *DB) SetBatchStatus(ctx context.Context, id string, status model.BatchStatus) error {
	tag, err := db.pool.Exec(ctx, `UPDATE batches SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("storage: set batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: batch %s: %w", id, ErrNotFound)
	}
	return nil
}
