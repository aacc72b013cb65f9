package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scanstation/internal/domain"
	"scanstation/internal/events"
	"scanstation/internal/validate"
)

// Store owns all finished sheets and batches. The importer never reads back
// its own writes except through this query surface.
type Store struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) Store {
	return Store{
		DB:     db,
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// AddBatch creates a new in-progress batch and returns its id.
func (s Store) AddBatch(ctx context.Context) (string, error) {
	id := uuid.New().String()
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO batches(id,started_at) VALUES (?,?)`, id, now); err != nil {
		return "", fmt.Errorf("insert batch: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "batch.started", "batch", id, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// FinishBatch retires a batch, recording the terminal error if the device
// failed. Finished batches are immutable except for deletion.
func (s Store) FinishBatch(ctx context.Context, id string, batchErr *string) error {
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE batches SET ended_at=?, error=? WHERE id=? AND ended_at IS NULL`,
		now, nullableStringPtr(batchErr), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	payload := events.EventPayload{}
	if batchErr != nil {
		payload["error"] = *batchErr
	}
	if err := s.Events.Append(ctx, tx, "batch.finished", "batch", id, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// GetBatch returns one batch with its sheet count.
func (s Store) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	var b domain.Batch
	var endedAt, batchErr sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT b.id, b.started_at, b.ended_at, b.error,
(SELECT COUNT(*) FROM sheets s WHERE s.batch_id=b.id)
FROM batches b WHERE b.id=?`, id).
		Scan(&b.ID, &b.StartedAt, &endedAt, &batchErr, &b.SheetCount)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if endedAt.Valid {
		b.EndedAt = &endedAt.String
	}
	if batchErr.Valid {
		b.Error = &batchErr.String
	}
	return b, nil
}

// ListBatches returns all batches, newest first, with sheet counts.
func (s Store) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT b.id, b.started_at, b.ended_at, b.error,
(SELECT COUNT(*) FROM sheets s WHERE s.batch_id=b.id)
FROM batches b ORDER BY b.started_at DESC, b.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		var b domain.Batch
		var endedAt, batchErr sql.NullString
		if err := rows.Scan(&b.ID, &b.StartedAt, &endedAt, &batchErr, &b.SheetCount); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			b.EndedAt = &endedAt.String
		}
		if batchErr.Valid {
			b.Error = &batchErr.String
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// OpenBatch returns the single unfinished batch, if any.
func (s Store) OpenBatch(ctx context.Context) (*domain.Batch, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM batches WHERE ended_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := s.GetBatch(ctx, ids[0])
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AddSheet stores an interpreted sheet in device order within its batch.
// Pages are stored exactly as given; page ordering is the importer's job.
func (s Store) AddSheet(ctx context.Context, id, batchID string, front, back domain.Page) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if err := front.Interpretation.Validate(); err != nil {
		return "", fmt.Errorf("front interpretation: %w", err)
	}
	if err := back.Interpretation.Validate(); err != nil {
		return "", fmt.Errorf("back interpretation: %w", err)
	}
	frontJSON, err := json.Marshal(front.Interpretation)
	if err != nil {
		return "", err
	}
	backJSON, err := json.Marshal(back.Interpretation)
	if err != nil {
		return "", err
	}
	// Anything short of outright castable blocks the scan loop until a
	// human weighs in.
	requires := validate.ClassifySheet(front.Interpretation, back.Interpretation) != domain.Castable
	now := s.now().UTC().Format(time.RFC3339)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	var position int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),0)+1 FROM sheets WHERE batch_id=?`, batchID).Scan(&position); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sheets(id,batch_id,position,front_image_path,front_normalized_path,front_interpretation_json,back_image_path,back_normalized_path,back_interpretation_json,requires_adjudication,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		id, batchID, position, front.ImagePath, nullable(front.NormalizedPath), string(frontJSON),
		back.ImagePath, nullable(back.NormalizedPath), string(backJSON), boolToInt(requires), now); err != nil {
		return "", fmt.Errorf("insert sheet: %w", err)
	}
	if err := s.Events.Append(ctx, tx, "sheet.stored", "sheet", id, events.EventPayload{
		"batch_id":              batchID,
		"position":              position,
		"requires_adjudication": requires,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func scanSheet(scan func(dest ...any) error) (domain.Sheet, error) {
	var sh domain.Sheet
	var frontNorm, backNorm sql.NullString
	var frontJSON, backJSON string
	var requires int
	err := scan(&sh.ID, &sh.BatchID, &sh.Position,
		&sh.Front.ImagePath, &frontNorm, &frontJSON,
		&sh.Back.ImagePath, &backNorm, &backJSON,
		&requires, &sh.CreatedAt)
	if err == sql.ErrNoRows {
		return sh, ErrNotFound
	}
	if err != nil {
		return sh, err
	}
	if frontNorm.Valid {
		sh.Front.NormalizedPath = frontNorm.String
	}
	if backNorm.Valid {
		sh.Back.NormalizedPath = backNorm.String
	}
	if err := json.Unmarshal([]byte(frontJSON), &sh.Front.Interpretation); err != nil {
		return sh, fmt.Errorf("front interpretation: %w", err)
	}
	if err := json.Unmarshal([]byte(backJSON), &sh.Back.Interpretation); err != nil {
		return sh, fmt.Errorf("back interpretation: %w", err)
	}
	sh.RequiresAdjudication = requires != 0
	return sh, nil
}

const sheetColumns = `id,batch_id,position,front_image_path,front_normalized_path,front_interpretation_json,back_image_path,back_normalized_path,back_interpretation_json,requires_adjudication,created_at`

// GetSheet returns one stored sheet.
func (s Store) GetSheet(ctx context.Context, id string) (domain.Sheet, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sheetColumns+` FROM sheets WHERE id=?`, id)
	return scanSheet(row.Scan)
}

// ListSheets returns a batch's sheets in device order.
func (s Store) ListSheets(ctx context.Context, batchID string) ([]domain.Sheet, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sheetColumns+` FROM sheets WHERE batch_id=? ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sheet
	for rows.Next() {
		sh, err := scanSheet(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, sh)
	}
	return res, rows.Err()
}

// DeleteSheet removes a sheet, typically a rejected pending one.
func (s Store) DeleteSheet(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM sheets WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := s.Events.Append(ctx, tx, "sheet.deleted", "sheet", id, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
