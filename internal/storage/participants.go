package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/cohort/internal/model"
)

// UpsertParticipant creates a participant in batchID or merges fields into an
// existing one. batchId is filled in from batchID on insert when the caller
// omits it. An empty id is replaced with a new UUID.
//
// The batch row is share-locked for the statement, so the write either lands
// before a concurrent close commits or fails with ErrBatchClosed after it.
// An existing participant in another batch fails with ErrWrongBatch.
func (db *DB) UpsertParticipant(ctx context.Context, batchID, id string, fields map[string]any) (model.Participant, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if fields == nil {
		fields = map[string]any{}
	}

	p := model.Participant{ID: id}
	err := writeRetry.do(ctx, func() error {
		return db.pool.QueryRow(ctx,
			`WITH running AS (
			     SELECT id FROM batches WHERE id = $2 AND status = 'running' FOR SHARE
			 )
			 INSERT INTO participants (id, batch_id, fields)
			 SELECT $1, running.id, jsonb_build_object('batchId', $2::text) || $3::jsonb FROM running
			 ON CONFLICT (id) DO UPDATE
			 SET fields = participants.fields || $3::jsonb, updated_at = now()
			 WHERE participants.batch_id = EXCLUDED.batch_id
			 RETURNING fields`,
			id, batchID, fields,
		).Scan(&p.Fields)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Participant{}, db.upsertRejection(ctx, batchID, id)
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("storage: upsert participant: %w", err)
	}
	return p, nil
}

// upsertRejection explains why UpsertParticipant wrote nothing.
func (db *DB) upsertRejection(ctx context.Context, batchID, id string) error {
	var status string
	err := db.pool.QueryRow(ctx, `SELECT status FROM batches WHERE id = $1`, batchID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("storage: batch %s: %w", batchID, ErrNotFound)
	case err != nil:
		return fmt.Errorf("storage: get batch status: %w", err)
	case model.BatchStatus(status) == model.BatchStatusClosed:
		return fmt.Errorf("storage: batch %s: %w", batchID, ErrBatchClosed)
	}
	return fmt.Errorf("storage: participant %s: %w", id, ErrWrongBatch)
}

// Participant returns a participant by ID.
func (db *DB) Participant(ctx context.Context, id string) (model.Participant, error) {
	p := model.Participant{ID: id}
	err := db.pool.QueryRow(ctx, `SELECT fields FROM participants WHERE id = $1`, id).Scan(&p.Fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Participant{}, fmt.Errorf("storage: participant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("storage: get participant: %w", err)
	}
	return p, nil
}

// Participants returns every participant in a batch in arrival order.
func (db *DB) Participants(ctx context.Context, batchID string) ([]model.Participant, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, fields FROM participants WHERE batch_id = $1 ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("storage: list participants: %w", err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.Fields); err != nil {
			return nil, fmt.Errorf("storage: scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetFields shallow-merges fields into a participant record.
func (db *DB) SetFields(ctx context.Context, id string, fields map[string]any) error {
	var tag pgconn.CommandTag
	err := writeRetry.do(ctx, func() error {
		var err error
		tag, err = db.pool.Exec(ctx,
			`UPDATE participants SET fields = fields || $2::jsonb, updated_at = now() WHERE id = $1`,
			id, fields)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: set participant fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: participant %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkExited sets exitStatus if the participant has none. The boolean reports
// whether this call made the transition; the returned participant is current
// either way.
func (db *DB) MarkExited(ctx context.Context, id, status string) (model.Participant, bool, error) {
	p := model.Participant{ID: id}
	err := writeRetry.do(ctx, func() error {
		return db.pool.QueryRow(ctx,
			`UPDATE participants
			 SET fields = jsonb_set(fields, '{exitStatus}', to_jsonb($2::text)), updated_at = now()
			 WHERE id = $1 AND coalesce(fields->>'exitStatus', '') = ''
			 RETURNING fields`,
			id, status,
		).Scan(&p.Fields)
	})
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Participant{}, false, fmt.Errorf("storage: mark exited: %w", err)
	}

	current, err := db.Participant(ctx, id)
	if err != nil {
		return model.Participant{}, false, err
	}
	return current, false, nil
}
