package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"scanstation/internal/domain"
	"scanstation/internal/events"
)

// GetNextAdjudicationSheet returns the oldest sheet still awaiting review,
// or nil when nothing is pending.
func (s Store) GetNextAdjudicationSheet(ctx context.Context) (*domain.Sheet, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sheetColumns+` FROM sheets
WHERE requires_adjudication=1 ORDER BY created_at ASC, position ASC LIMIT 1`)
	sh, err := scanSheet(row.Scan)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

// AdjudicationStatus reports how many sheets have been resolved and how many
// still block the scan loop.
func (s Store) AdjudicationStatus(ctx context.Context) (domain.AdjudicationCounts, error) {
	var c domain.AdjudicationCounts
	err := s.DB.QueryRowContext(ctx, `SELECT
(SELECT COUNT(*) FROM sheets WHERE requires_adjudication=0 AND (front_adjudicated_at IS NOT NULL OR back_adjudicated_at IS NOT NULL)),
(SELECT COUNT(*) FROM sheets WHERE requires_adjudication=1)`).
		Scan(&c.Adjudicated, &c.Remaining)
	return c, err
}

// AdjudicateSheet applies a human's mark resolutions to one side of a pending
// sheet. A side can be adjudicated at most once; the sheet stops requiring
// adjudication once both sides are stamped.
func (s Store) AdjudicateSheet(ctx context.Context, id string, side domain.Side, adjudications []domain.MarkAdjudication) error {
	column, stamp, err := sideColumns(side)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	var adjudicatedAt sql.NullString
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s, %s FROM sheets WHERE id=?`, column, stamp), id).
		Scan(&raw, &adjudicatedAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if adjudicatedAt.Valid {
		return fmt.Errorf("sheet %s %s already adjudicated", id, side)
	}

	var interp domain.Interpretation
	if err := json.Unmarshal([]byte(raw), &interp); err != nil {
		return fmt.Errorf("stored interpretation: %w", err)
	}
	applyMarkAdjudications(&interp, adjudications)
	updated, err := json.Marshal(interp)
	if err != nil {
		return err
	}

	now := s.now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE sheets SET %s=?, %s=? WHERE id=?`, column, stamp),
		string(updated), now, id); err != nil {
		return err
	}
	// Both sides stamped means the sheet no longer blocks the loop.
	if _, err := tx.ExecContext(ctx, `UPDATE sheets SET requires_adjudication=0
WHERE id=? AND front_adjudicated_at IS NOT NULL AND back_adjudicated_at IS NOT NULL`, id); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, "sheet.adjudicated", "sheet", id, events.EventPayload{
		"side":  string(side),
		"marks": len(adjudications),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func sideColumns(side domain.Side) (interpretation, stamp string, err error) {
	switch side {
	case domain.SideFront:
		return "front_interpretation_json", "front_adjudicated_at", nil
	case domain.SideBack:
		return "back_interpretation_json", "back_adjudicated_at", nil
	}
	return "", "", fmt.Errorf("unknown sheet side %q", side)
}

// applyMarkAdjudications folds the human decisions into the vote record and
// drops the adjudication requirement. Pages without a vote record (blank,
// unreadable) only get the requirement cleared.
func applyMarkAdjudications(interp *domain.Interpretation, adjudications []domain.MarkAdjudication) {
	if interp.Kind != domain.KindInterpretedBallot || interp.Ballot == nil {
		return
	}
	if interp.Ballot.Votes == nil {
		interp.Ballot.Votes = domain.Votes{}
	}
	for _, adj := range adjudications {
		options := interp.Ballot.Votes[adj.ContestID]
		idx := -1
		for i, o := range options {
			if o == adj.OptionID {
				idx = i
				break
			}
		}
		if adj.Marked && idx < 0 {
			interp.Ballot.Votes[adj.ContestID] = append(options, adj.OptionID)
		}
		if !adj.Marked && idx >= 0 {
			interp.Ballot.Votes[adj.ContestID] = append(options[:idx], options[idx+1:]...)
		}
	}
	interp.Ballot.Adjudication.Required = false
}
