package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"scanstation/internal/domain"
	"scanstation/internal/events"
)

const (
	keyElection             = "election"
	keyTestMode             = "test_mode"
	keyMarkThresholds       = "mark_thresholds"
	keySkipHashCheck        = "skip_hash_check"
	keyBackedUpAt           = "backed_up_at"
	keyTemplatesFinalizedAt = "templates_finalized_at"
)

func (s Store) getSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s Store) setSetting(ctx context.Context, tx *sql.Tx, key, value string) error {
	now := s.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO settings(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, value, now)
	return err
}

func (s Store) deleteSetting(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key=?`, key)
	return err
}

// GetElectionDefinition returns the configured election, or nil when the
// station is unconfigured.
func (s Store) GetElectionDefinition(ctx context.Context) (*domain.ElectionDefinition, error) {
	raw, err := s.getSetting(ctx, keyElection)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var def domain.ElectionDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("stored election: %w", err)
	}
	return &def, nil
}

// SetElection stores the election definition.
func (s Store) SetElection(ctx context.Context, def domain.ElectionDefinition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.setSetting(ctx, tx, keyElection, string(payload)); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "election.configured", "election", def.ID, events.EventPayload{"hash": def.Hash}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteElection removes the election and all ballot data (unconfigure).
func (s Store) DeleteElection(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.deleteSetting(ctx, tx, keyElection); err != nil {
		return err
	}
	if err := s.zeroTx(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM templates`); err != nil {
		return err
	}
	if err := s.deleteSetting(ctx, tx, keyTemplatesFinalizedAt); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "election.unconfigured", "election", "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTestMode reports whether the station tabulates test ballots.
func (s Store) GetTestMode(ctx context.Context) (bool, error) {
	raw, err := s.getSetting(ctx, keyTestMode)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(raw)
}

// SetTestMode flips test mode and zeroes all ballot data, which is why the
// caller must hold the backup guard first.
func (s Store) SetTestMode(ctx context.Context, enabled bool) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.setSetting(ctx, tx, keyTestMode, strconv.FormatBool(enabled)); err != nil {
		return err
	}
	if err := s.zeroTx(ctx, tx); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "test_mode.changed", "station", "", events.EventPayload{"enabled": enabled}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMarkThresholds returns the override, or nil when defaults apply.
func (s Store) GetMarkThresholds(ctx context.Context) (*domain.MarkThresholds, error) {
	raw, err := s.getSetting(ctx, keyMarkThresholds)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t domain.MarkThresholds
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("stored thresholds: %w", err)
	}
	return &t, nil
}

// SetMarkThresholds stores an override; nil clears it.
func (s Store) SetMarkThresholds(ctx context.Context, t *domain.MarkThresholds) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if t == nil {
		if err := s.deleteSetting(ctx, tx, keyMarkThresholds); err != nil {
			return err
		}
	} else {
		payload, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := s.setSetting(ctx, tx, keyMarkThresholds, string(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSkipHashCheck reports whether election-hash comparison is disabled.
func (s Store) GetSkipHashCheck(ctx context.Context) (bool, error) {
	raw, err := s.getSetting(ctx, keySkipHashCheck)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(raw)
}

// SetSkipHashCheck toggles election-hash comparison during interpretation.
func (s Store) SetSkipHashCheck(ctx context.Context, skip bool) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.setSetting(ctx, tx, keySkipHashCheck, strconv.FormatBool(skip)); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCanUnconfigure is true only once a backup has been taken since the last
// data-changing operation.
func (s Store) GetCanUnconfigure(ctx context.Context) (bool, error) {
	_, err := s.getSetting(ctx, keyBackedUpAt)
	if err == ErrNotFound {
		// A station with no ballot data has nothing to lose.
		var sheetCount int
		if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sheets`).Scan(&sheetCount); err != nil {
			return false, err
		}
		return sheetCount == 0, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetScannerAsBackedUp records that a backup was taken.
func (s Store) SetScannerAsBackedUp(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.setSetting(ctx, tx, keyBackedUpAt, s.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "backup.recorded", "station", "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ZeroData deletes all batches and sheets. Callers hold the backup guard.
func (s Store) ZeroData(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.zeroTx(ctx, tx); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "data.zeroed", "station", "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (s Store) zeroTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sheets`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batches`); err != nil {
		return err
	}
	// Whatever backup existed no longer reflects the (now empty) data.
	return s.deleteSetting(ctx, tx, keyBackedUpAt)
}

// AddTemplates registers ballot page layouts used for layout-aware
// interpretation. Re-adding a page replaces its layout.
func (s Store) AddTemplates(ctx context.Context, layouts []domain.PageLayout) error {
	now := s.now().UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, layout := range layouts {
		payload, err := json.Marshal(layout)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO templates(ballot_style_id,page_number,layout_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(ballot_style_id,page_number) DO UPDATE SET layout_json=excluded.layout_json, created_at=excluded.created_at`,
			layout.BallotStyleID, layout.PageNumber, string(payload), now); err != nil {
			return err
		}
	}
	// New layouts mean the set is no longer final.
	if err := s.deleteSetting(ctx, tx, keyTemplatesFinalizedAt); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "templates.added", "template", "", events.EventPayload{"pages": len(layouts)}); err != nil {
		return err
	}
	return tx.Commit()
}

// FinalizeTemplates marks the registered layout set as complete. It does not
// change interpretation; it is the operator's signal that loading is done.
func (s Store) FinalizeTemplates(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.setSetting(ctx, tx, keyTemplatesFinalizedAt, s.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "templates.finalized", "template", "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTemplatesFinalized reports whether the layout set has been finalized
// since it last changed.
func (s Store) GetTemplatesFinalized(ctx context.Context) (bool, error) {
	_, err := s.getSetting(ctx, keyTemplatesFinalizedAt)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListTemplates returns every registered page layout.
func (s Store) ListTemplates(ctx context.Context) ([]domain.PageLayout, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT layout_json FROM templates ORDER BY ballot_style_id, page_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PageLayout
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var layout domain.PageLayout
		if err := json.Unmarshal([]byte(raw), &layout); err != nil {
			return nil, fmt.Errorf("stored layout: %w", err)
		}
		res = append(res, layout)
	}
	return res, rows.Err()
}
