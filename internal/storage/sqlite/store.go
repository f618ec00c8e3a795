package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/cohort/internal/model"
	"github.com/ashita-ai/cohort/internal/storage"
)

// CreateBatch inserts a batch. An empty ID is replaced with a new UUID.
func (d *DB) CreateBatch(ctx context.Context, b model.Batch) (model.Batch, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = model.BatchStatusRunning
	}
	cfg, err := json.Marshal(b.Config)
	if err != nil {
		return model.Batch{}, fmt.Errorf("sqlite: marshal batch config: %w", err)
	}
	b.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO batches (id, config, status, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, string(cfg), string(b.Status), b.CreatedAt.UnixMicro())
	if err != nil {
		return model.Batch{}, fmt.Errorf("sqlite: create batch: %w", err)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (model.Batch, error) {
	var (
		b       model.Batch
		cfg     string
		status  string
		created int64
	)
	if err := row.Scan(&b.ID, &cfg, &status, &created); err != nil {
		return model.Batch{}, err
	}
	if err := json.Unmarshal([]byte(cfg), &b.Config); err != nil {
		return model.Batch{}, fmt.Errorf("sqlite: decode batch config: %w", err)
	}
	b.Status = model.BatchStatus(status)
	b.CreatedAt = time.UnixMicro(created).UTC()
	return b, nil
}

// Batch returns a batch by ID.
func (d *DB) Batch(ctx context.Context, id string) (model.Batch, error) {
	b, err := scanBatch(d.db.QueryRowContext(ctx,
		`SELECT id, config, status, created_at FROM batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Batch{}, fmt.Errorf("sqlite: batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("sqlite: get batch: %w", err)
	}
	return b, nil
}

// ListBatches returns every batch, oldest first.
func (d *DB) ListBatches(ctx context.Context) ([]model.Batch, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, config, status, created_at FROM batches ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBatchStatus updates a batch's lifecycle status.
func (d *DB) SetBatchStatus(ctx context.Context, id string, status model.BatchStatus) error {
	res, err := d.db.ExecContext(ctx, `UPDATE batches SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("sqlite: set batch status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: batch %s: %w", id, ErrNotFound)
	}
	return nil
}

func decodeFields(raw string) (map[string]any, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("sqlite: decode participant fields: %w", err)
	}
	return fields, nil
}

// UpsertParticipant creates a participant in batchID or merges fields into an
// existing one. batchId is filled in from batchID on insert when the caller
// omits it. An empty id is replaced with a new UUID. The batch must exist and
// be running, and an existing participant must already belong to it.
func (d *DB) UpsertParticipant(ctx context.Context, batchID, id string, fields map[string]any) (model.Participant, error) {
	if id == "" {
		id = uuid.New().String()
	}

	var out model.Participant
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = ?`, batchID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: batch %s: %w", batchID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlite: get batch status: %w", err)
		}
		if model.BatchStatus(status) == model.BatchStatusClosed {
			return fmt.Errorf("sqlite: batch %s: %w", batchID, storage.ErrBatchClosed)
		}

		var owner, raw string
		err = tx.QueryRowContext(ctx,
			`SELECT batch_id, fields FROM participants WHERE id = ?`, id).Scan(&owner, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			created := make(map[string]any, len(fields)+1)
			created[model.FieldBatchID] = batchID
			for k, v := range fields {
				created[k] = v
			}
			encoded, err := json.Marshal(created)
			if err != nil {
				return fmt.Errorf("sqlite: marshal participant fields: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO participants (id, batch_id, fields, updated_at) VALUES (?, ?, ?, ?)`,
				id, batchID, string(encoded), time.Now().UnixMicro()); err != nil {
				return fmt.Errorf("sqlite: insert participant: %w", err)
			}
			out = model.NewParticipant(id, created)
			return nil
		}
		if err != nil {
			return fmt.Errorf("sqlite: get participant: %w", err)
		}
		if owner != batchID {
			return fmt.Errorf("sqlite: participant %s in batch %s: %w", id, owner, storage.ErrWrongBatch)
		}

		current, err := decodeFields(raw)
		if err != nil {
			return err
		}
		for k, v := range fields {
			current[k] = v
		}
		out = model.NewParticipant(id, current)
		return writeFieldsTx(ctx, tx, out)
	})
	if err != nil {
		return model.Participant{}, err
	}
	return out, nil
}

// Participant returns a participant by ID.
func (d *DB) Participant(ctx context.Context, id string) (model.Participant, error) {
	var raw string
	err := d.db.QueryRowContext(ctx, `SELECT fields FROM participants WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Participant{}, fmt.Errorf("sqlite: participant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("sqlite: get participant: %w", err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return model.Participant{}, err
	}
	return model.NewParticipant(id, fields), nil
}

// Participants returns every participant in a batch in arrival order.
func (d *DB) Participants(ctx context.Context, batchID string) ([]model.Participant, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, fields FROM participants WHERE batch_id = ? ORDER BY seq ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Participant
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan participant: %w", err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, model.NewParticipant(id, fields))
	}
	return out, rows.Err()
}

// SetFields shallow-merges fields into a participant record.
func (d *DB) SetFields(ctx context.Context, id string, fields map[string]any) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		p, err := participantTx(ctx, tx, id)
		if err != nil {
			return err
		}
		for k, v := range fields {
			p.Fields[k] = v
		}
		return writeFieldsTx(ctx, tx, p)
	})
}

// MarkExited sets exitStatus if the participant has none. The boolean reports
// whether this call made the transition; the returned participant is current
// either way.
func (d *DB) MarkExited(ctx context.Context, id, status string) (model.Participant, bool, error) {
	var (
		out          model.Participant
		transitioned bool
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		p, err := participantTx(ctx, tx, id)
		if err != nil {
			return err
		}
		out = p
		if p.ExitStatus() != "" {
			return nil
		}
		p.Set(model.FieldExitStatus, status)
		if err := writeFieldsTx(ctx, tx, p); err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return model.Participant{}, false, err
	}
	return out, transitioned, nil
}

func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func participantTx(ctx context.Context, tx *sql.Tx, id string) (model.Participant, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT fields FROM participants WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Participant{}, fmt.Errorf("sqlite: participant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("sqlite: get participant: %w", err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return model.Participant{}, err
	}
	return model.NewParticipant(id, fields), nil
}

func writeFieldsTx(ctx context.Context, tx *sql.Tx, p model.Participant) error {
	raw, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("sqlite: marshal participant fields: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE participants SET fields = ?, updated_at = ? WHERE id = ?`,
		string(raw), time.Now().UnixMicro(), p.ID); err != nil {
		return fmt.Errorf("sqlite: update participant: %w", err)
	}
	return nil
}
