// Package importer owns the batch lifecycle: it drives the
// scan → interpret → validate → store loop, pauses it for human
// adjudication, and guards every configuration change behind worker-pool
// readiness.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"scanstation/internal/db"
	"scanstation/internal/domain"
	"scanstation/internal/interpret"
	"scanstation/internal/scanner"
	"scanstation/internal/store"
	"scanstation/internal/validate"
)

var (
	ErrBatchInProgress    = errors.New("a batch is already in progress")
	ErrInterpreterLoading = errors.New("interpreter still loading")
	ErrNoElection         = errors.New("no election is configured")
	ErrNoScanJob          = errors.New("no scanning job in progress")
	ErrNeedsBackup        = errors.New("cannot perform destructive operation: no backup has been taken")
)

// State is the importer's observable lifecycle state.
type State string

const (
	StateIdle                 State = "idle"
	StateScanning             State = "scanning"
	StateAwaitingAdjudication State = "awaiting_adjudication"
	StateFinishing            State = "finishing"
)

// Pool is the slice of the interpretation pool the importer drives.
type Pool interface {
	Start() error
	Stop()
	CallOne(ctx context.Context, req interpret.Request) (interpret.Result, error)
	CallAll(ctx context.Context, req interpret.Request) error
}

// Importer orchestrates at most one in-flight batch.
type Importer struct {
	Store      store.Store
	Device     scanner.Device
	Workspace  string
	PageSize   string
	PrecinctID string
	Workers    int
	// NewPool builds the worker pool on (re)configure; defaults to the
	// real interpret pool.
	NewPool func(size int) Pool

	mu             sync.Mutex
	pool           Pool
	poolReady      bool
	batchID        string
	session        scanner.Session
	pendingSheetID string
	finishing      bool
	loopRunning    bool
}

func New(s store.Store, device scanner.Device, workspace string) *Importer {
	return &Importer{
		Store:     s,
		Device:    device,
		Workspace: workspace,
		Workers:   2,
	}
}

func (i *Importer) newPool() Pool {
	if i.NewPool != nil {
		return i.NewPool(i.Workers)
	}
	return interpret.NewPool(i.Workers)
}

// State derives the lifecycle state from the importer's fields.
func (i *Importer) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch {
	case i.finishing:
		return StateFinishing
	case i.session == nil:
		return StateIdle
	case i.pendingSheetID != "":
		return StateAwaitingAdjudication
	default:
		return StateScanning
	}
}

// PoolReady reports whether the interpreter pool is configured and running.
func (i *Importer) PoolReady() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.poolReady
}

// invalidatePool tears the pool down; the next RestoreConfig rebuilds it.
// Configuration never changes while a batch is in progress, which is what
// keeps configure broadcasts from racing in-flight interpretation calls.
func (i *Importer) invalidatePool() error {
	i.mu.Lock()
	if i.session != nil {
		i.mu.Unlock()
		return ErrBatchInProgress
	}
	pool := i.pool
	i.pool = nil
	i.poolReady = false
	i.mu.Unlock()
	if pool != nil {
		pool.Stop()
	}
	return nil
}

// ConfigureElection stores the election definition and invalidates the
// worker pool.
func (i *Importer) ConfigureElection(ctx context.Context, def domain.ElectionDefinition) error {
	if err := i.invalidatePool(); err != nil {
		return err
	}
	return i.Store.SetElection(ctx, def)
}

// Unconfigure removes the election and all ballot data. It refuses without a
// backup unless explicitly overridden.
func (i *Importer) Unconfigure(ctx context.Context, ignoreBackupRequirement bool) error {
	if err := i.requireBackup(ctx, ignoreBackupRequirement); err != nil {
		return err
	}
	if err := i.invalidatePool(); err != nil {
		return err
	}
	return i.Store.DeleteElection(ctx)
}

// AddTemplates registers ballot page layouts and invalidates the pool.
func (i *Importer) AddTemplates(ctx context.Context, layouts []domain.PageLayout) error {
	if err := i.invalidatePool(); err != nil {
		return err
	}
	return i.Store.AddTemplates(ctx, layouts)
}

// FinalizeTemplates marks the layout set as complete. The workers already
// hold the layouts, so the pool stays up.
func (i *Importer) FinalizeTemplates(ctx context.Context) error {
	return i.Store.FinalizeTemplates(ctx)
}

// SetTestMode zeroes all ballot data and flips the mode. Destructive, so it
// requires the backup guard.
func (i *Importer) SetTestMode(ctx context.Context, enabled bool) error {
	if err := i.requireBackup(ctx, false); err != nil {
		return err
	}
	if err := i.invalidatePool(); err != nil {
		return err
	}
	return i.Store.SetTestMode(ctx, enabled)
}

// SetMarkThresholds overrides mark thresholds (nil clears the override) and
// invalidates the pool.
func (i *Importer) SetMarkThresholds(ctx context.Context, t *domain.MarkThresholds) error {
	if err := i.invalidatePool(); err != nil {
		return err
	}
	return i.Store.SetMarkThresholds(ctx, t)
}

// SetSkipHashCheck toggles election-hash verification and invalidates the
// pool.
func (i *Importer) SetSkipHashCheck(ctx context.Context, skip bool) error {
	if err := i.invalidatePool(); err != nil {
		return err
	}
	return i.Store.SetSkipHashCheck(ctx, skip)
}

// Zero deletes all stored batches and sheets behind the backup guard.
func (i *Importer) Zero(ctx context.Context, ignoreBackupRequirement bool) error {
	if err := i.requireBackup(ctx, ignoreBackupRequirement); err != nil {
		return err
	}
	i.mu.Lock()
	inProgress := i.session != nil
	i.mu.Unlock()
	if inProgress {
		return ErrBatchInProgress
	}
	return i.Store.ZeroData(ctx)
}

func (i *Importer) requireBackup(ctx context.Context, override bool) error {
	if override {
		return nil
	}
	ok, err := i.Store.GetCanUnconfigure(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNeedsBackup
	}
	return nil
}

// RestoreConfig rebuilds the worker pool against the persisted
// configuration. Callers must await it before accepting scan requests.
func (i *Importer) RestoreConfig(ctx context.Context) error {
	if err := i.invalidatePool(); err != nil {
		return err
	}
	election, err := i.Store.GetElectionDefinition(ctx)
	if err != nil {
		return err
	}
	if election == nil {
		// Nothing to configure against; the pool stays down.
		return nil
	}
	layouts, err := i.Store.ListTemplates(ctx)
	if err != nil {
		return err
	}
	thresholds, err := i.Store.GetMarkThresholds(ctx)
	if err != nil {
		return err
	}
	if thresholds == nil {
		t := domain.DefaultMarkThresholds
		thresholds = &t
	}
	testMode, err := i.Store.GetTestMode(ctx)
	if err != nil {
		return err
	}
	skipHash, err := i.Store.GetSkipHashCheck(ctx)
	if err != nil {
		return err
	}

	pool := i.newPool()
	if err := pool.Start(); err != nil {
		return err
	}
	if err := pool.CallAll(ctx, interpret.Request{
		Action: interpret.ActionConfigure,
		Config: &interpret.WorkerConfig{
			Election:      *election,
			Layouts:       layouts,
			Thresholds:    *thresholds,
			TestMode:      testMode,
			PrecinctID:    i.PrecinctID,
			SkipHashCheck: skipHash,
		},
	}); err != nil {
		pool.Stop()
		return fmt.Errorf("configure interpreter pool: %w", err)
	}

	i.mu.Lock()
	i.pool = pool
	i.poolReady = true
	i.mu.Unlock()
	slog.Info("importer: interpreter pool configured", "election", election.ID, "workers", i.Workers)
	return nil
}

// StartImport opens a new batch and its device session, then runs the first
// loop iteration. It is the only creator of a batch.
func (i *Importer) StartImport(ctx context.Context) (string, error) {
	i.mu.Lock()
	if i.session != nil {
		i.mu.Unlock()
		return "", ErrBatchInProgress
	}
	if !i.poolReady {
		i.mu.Unlock()
		return "", ErrInterpreterLoading
	}
	i.mu.Unlock()

	election, err := i.Store.GetElectionDefinition(ctx)
	if err != nil {
		return "", err
	}
	if election == nil {
		return "", ErrNoElection
	}

	batchID, err := i.Store.AddBatch(ctx)
	if err != nil {
		return "", err
	}
	targetDir := db.BallotImageDir(i.Workspace, batchID)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", err
	}
	session, err := i.Device.BeginSession(ctx, scanner.SessionOptions{
		TargetDirectory: targetDir,
		PageSize:        i.PageSize,
	})
	if err != nil {
		errStr := err.Error()
		_ = i.Store.FinishBatch(ctx, batchID, &errStr)
		return "", fmt.Errorf("begin scan session: %w", err)
	}

	i.mu.Lock()
	// Someone may have raced us between the checks and here.
	if i.session != nil {
		i.mu.Unlock()
		_ = session.End()
		errStr := ErrBatchInProgress.Error()
		_ = i.Store.FinishBatch(ctx, batchID, &errStr)
		return "", ErrBatchInProgress
	}
	i.batchID = batchID
	i.session = session
	i.pendingSheetID = ""
	i.mu.Unlock()

	slog.Info("importer: batch started", "batch_id", batchID)
	i.kickLoop()
	return batchID, nil
}

// ContinueOptions carry a human's resolution for the pending sheet.
type ContinueOptions struct {
	// ForceAccept accepts the pending sheet with the supplied mark
	// adjudications applied; otherwise the pending sheet is rejected and
	// deleted.
	ForceAccept bool
	FrontMarks  []domain.MarkAdjudication
	BackMarks   []domain.MarkAdjudication
}

// ContinueImport resolves the pending sheet, if any, and re-arms the scan
// loop. It is the only path that advances or retires the session.
func (i *Importer) ContinueImport(ctx context.Context, opts ContinueOptions) error {
	i.mu.Lock()
	session := i.session
	pendingID := i.pendingSheetID
	i.mu.Unlock()

	if session == nil {
		return ErrNoScanJob
	}

	if pendingID != "" {
		// Resolution must land before the disposition command so the
		// device never releases a sheet whose record is still ambiguous.
		if opts.ForceAccept {
			if err := i.Store.AdjudicateSheet(ctx, pendingID, domain.SideFront, opts.FrontMarks); err != nil {
				return err
			}
			if err := i.Store.AdjudicateSheet(ctx, pendingID, domain.SideBack, opts.BackMarks); err != nil {
				return err
			}
			if !session.AcceptSheet(ctx) {
				err := errors.New("scanner failed to accept sheet")
				i.finishBatch(ctx, err)
				return err
			}
			slog.Info("importer: pending sheet accepted after adjudication", "sheet_id", pendingID)
		} else {
			if !session.RejectSheet(ctx) {
				err := errors.New("scanner failed to return sheet")
				i.finishBatch(ctx, err)
				return err
			}
			if err := i.Store.DeleteSheet(ctx, pendingID); err != nil {
				return err
			}
			slog.Info("importer: pending sheet rejected", "sheet_id", pendingID)
		}
		i.mu.Lock()
		i.pendingSheetID = ""
		i.mu.Unlock()
	}

	i.kickLoop()
	return nil
}

// kickLoop starts the scan loop goroutine unless one is already running.
func (i *Importer) kickLoop() {
	i.mu.Lock()
	if i.loopRunning || i.session == nil {
		i.mu.Unlock()
		return
	}
	i.loopRunning = true
	i.mu.Unlock()
	go i.scanLoop()
}

// scanLoop pulls sheets one at a time. It pauses (returns without
// rescheduling) when a stored sheet awaits adjudication and terminates when
// the feed ends or the device errors. It runs detached from whichever call
// triggered it, so its failures land on the batch record, not a caller.
func (i *Importer) scanLoop() {
	ctx := context.Background()
	defer func() {
		i.mu.Lock()
		i.loopRunning = false
		i.mu.Unlock()
	}()

	for {
		i.mu.Lock()
		session := i.session
		batchID := i.batchID
		i.mu.Unlock()
		if session == nil {
			return
		}

		images, err := session.ScanSheet(ctx)
		if err != nil {
			i.finishBatch(ctx, err)
			return
		}
		if images == nil {
			i.finishBatch(ctx, nil)
			return
		}

		if _, err := i.ImportSheet(ctx, batchID, images.Front, images.Back); err != nil {
			i.finishBatch(ctx, err)
			return
		}

		counts, err := i.Store.AdjudicationStatus(ctx)
		if err != nil {
			i.finishBatch(ctx, err)
			return
		}
		if counts.Remaining == 0 {
			if !session.AcceptSheet(ctx) {
				i.finishBatch(ctx, errors.New("scanner failed to accept sheet"))
				return
			}
			continue
		}

		pending, err := i.Store.GetNextAdjudicationSheet(ctx)
		if err != nil {
			i.finishBatch(ctx, err)
			return
		}
		if pending == nil {
			// Status said a sheet was pending; believe the fresher read.
			if !session.AcceptSheet(ctx) {
				i.finishBatch(ctx, errors.New("scanner failed to accept sheet"))
				return
			}
			continue
		}
		// A rejected sheet stays in the store until the operator continues;
		// ContinueImport deletes it then.
		if validate.ClassifySheet(pending.Front.Interpretation, pending.Back.Interpretation) == domain.Uncastable {
			if !session.RejectSheet(ctx) {
				i.finishBatch(ctx, errors.New("scanner failed to return sheet"))
				return
			}
		} else {
			if !session.ReviewSheet(ctx) {
				i.finishBatch(ctx, errors.New("scanner failed to hold sheet for review"))
				return
			}
		}
		i.mu.Lock()
		i.pendingSheetID = pending.ID
		i.mu.Unlock()
		slog.Info("importer: pausing for adjudication", "sheet_id", pending.ID, "remaining", counts.Remaining)
		return
	}
}

// finishBatch retires the batch, recording the device error if any, and
// releases the session.
func (i *Importer) finishBatch(ctx context.Context, cause error) {
	i.mu.Lock()
	i.finishing = true
	session := i.session
	batchID := i.batchID
	i.session = nil
	i.batchID = ""
	i.pendingSheetID = ""
	i.mu.Unlock()

	if session != nil {
		if err := session.End(); err != nil {
			slog.Error("importer: end session", "error", err)
		}
	}
	if batchID != "" {
		var errStr *string
		if cause != nil {
			s := cause.Error()
			errStr = &s
			slog.Error("importer: batch failed", "batch_id", batchID, "error", cause)
		} else {
			slog.Info("importer: batch finished", "batch_id", batchID)
		}
		if err := i.Store.FinishBatch(ctx, batchID, errStr); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("importer: finish batch", "batch_id", batchID, "error", err)
		}
	}

	i.mu.Lock()
	i.finishing = false
	i.mu.Unlock()
}

// ImportSheet interprets both pages, normalizes page order, applies the
// final validity check and stores the sheet. Front and back are interpreted
// independently; the pairing is decided afterwards from page numbers.
func (i *Importer) ImportSheet(ctx context.Context, batchID, frontPath, backPath string) (string, error) {
	i.mu.Lock()
	pool := i.pool
	ready := i.poolReady
	i.mu.Unlock()
	if pool == nil || !ready {
		return "", ErrInterpreterLoading
	}

	pages := [2]domain.Page{
		{ImagePath: frontPath},
		{ImagePath: backPath},
	}
	errs := [2]error{}
	var wg sync.WaitGroup
	for idx := range pages {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := pool.CallOne(ctx, interpret.Request{
				Action:    interpret.ActionInterpret,
				ImagePath: pages[idx].ImagePath,
			})
			if err != nil {
				errs[idx] = err
				return
			}
			pages[idx].Interpretation = res.Interpretation
			pages[idx].NormalizedPath = res.NormalizedPath
		}(idx)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return "", fmt.Errorf("interpret sheet: %w", err)
		}
	}

	front, back := orderPages(pages[0], pages[1])

	if ok, reason := validate.CheckSheetValidity(front.Interpretation, back.Interpretation); !ok {
		validate.DowngradeSheet(&front, &back, reason)
		slog.Warn("importer: sheet downgraded", "reason", reason)
	}

	return i.Store.AddSheet(ctx, "", batchID, front, back)
}

// orderPages stores the lower page number first, inferring a missing page
// number from its sibling. With no page metadata at all the input order is
// kept.
func orderPages(a, b domain.Page) (front, back domain.Page) {
	pageA := a.Interpretation.PageNumber()
	pageB := b.Interpretation.PageNumber()
	if pageA == 0 && pageB != 0 {
		pageA = domain.SiblingPageNumber(pageB)
	} else if pageB == 0 && pageA != 0 {
		pageB = domain.SiblingPageNumber(pageA)
	}
	if pageA != 0 && pageB != 0 && pageA > pageB {
		return b, a
	}
	return a, b
}

// ReviewSheet is the next pending sheet plus the layout context a review UI
// needs to render each side.
type ReviewSheet struct {
	Sheet           domain.Sheet       `json:"sheet"`
	FrontLayout     *domain.PageLayout `json:"front_layout,omitempty"`
	BackLayout      *domain.PageLayout `json:"back_layout,omitempty"`
	FrontContestIDs []string           `json:"front_contest_ids,omitempty"`
	BackContestIDs  []string           `json:"back_contest_ids,omitempty"`
}

// NextReviewSheet returns the oldest sheet awaiting adjudication with its
// layout context, or nil when none is pending.
func (i *Importer) NextReviewSheet(ctx context.Context) (*ReviewSheet, error) {
	sheet, err := i.Store.GetNextAdjudicationSheet(ctx)
	if err != nil {
		return nil, err
	}
	if sheet == nil {
		return nil, nil
	}
	layouts, err := i.Store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	review := &ReviewSheet{Sheet: *sheet}
	review.FrontLayout = layoutFor(layouts, sheet.Front.Interpretation)
	review.BackLayout = layoutFor(layouts, sheet.Back.Interpretation)
	if review.FrontLayout != nil {
		review.FrontContestIDs = review.FrontLayout.ContestIDs
	}
	if review.BackLayout != nil {
		review.BackContestIDs = review.BackLayout.ContestIDs
	}
	return review, nil
}

func layoutFor(layouts []domain.PageLayout, interp domain.Interpretation) *domain.PageLayout {
	style := interp.BallotStyleID()
	page := interp.PageNumber()
	if style == "" || page == 0 {
		return nil
	}
	for idx := range layouts {
		if layouts[idx].BallotStyleID == style && layouts[idx].PageNumber == page {
			return &layouts[idx]
		}
	}
	return nil
}

// StatusSnapshot is the live view the API and CLI poll.
type StatusSnapshot struct {
	State        State                     `json:"state"`
	Scanner      domain.ScannerStatus      `json:"scanner"`
	Batches      []domain.Batch            `json:"batches"`
	Adjudication domain.AdjudicationCounts `json:"adjudication"`
	Electioned   bool                      `json:"election_configured"`
	TestMode     bool                      `json:"test_mode"`
}

// Status assembles the station status from the store and a live device poll.
func (i *Importer) Status(ctx context.Context) (StatusSnapshot, error) {
	var snap StatusSnapshot
	snap.State = i.State()
	snap.Scanner = i.Device.Status(ctx)
	batches, err := i.Store.ListBatches(ctx)
	if err != nil {
		return snap, err
	}
	snap.Batches = batches
	counts, err := i.Store.AdjudicationStatus(ctx)
	if err != nil {
		return snap, err
	}
	snap.Adjudication = counts
	election, err := i.Store.GetElectionDefinition(ctx)
	if err != nil {
		return snap, err
	}
	snap.Electioned = election != nil
	testMode, err := i.Store.GetTestMode(ctx)
	if err != nil {
		return snap, err
	}
	snap.TestMode = testMode
	return snap, nil
}

// Calibrate proxies to the device; it refuses mid-batch.
func (i *Importer) Calibrate(ctx context.Context) (bool, error) {
	i.mu.Lock()
	inProgress := i.session != nil
	i.mu.Unlock()
	if inProgress {
		return false, ErrBatchInProgress
	}
	return i.Device.Calibrate(ctx), nil
}

// Backup records that an export was taken, unlocking destructive operations.
func (i *Importer) Backup(ctx context.Context) error {
	return i.Store.SetScannerAsBackedUp(ctx)
}

// WaitIdle blocks until the scan loop is parked (idle or awaiting
// adjudication) or the timeout passes. Only tests and shutdown paths use it.
func (i *Importer) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		i.mu.Lock()
		running := i.loopRunning
		i.mu.Unlock()
		if !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
