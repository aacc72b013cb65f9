package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"scanstation/internal/db"
	"scanstation/internal/domain"
	"scanstation/internal/importer"
	"scanstation/internal/interpret"
	"scanstation/internal/migrate"
	"scanstation/internal/scanner"
	"scanstation/internal/store"
)

type fakePool struct {
	mu      sync.Mutex
	results map[string]domain.Interpretation
}

func (p *fakePool) Start() error { return nil }
func (p *fakePool) Stop()        {}

func (p *fakePool) CallOne(ctx context.Context, req interpret.Request) (interpret.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	interp, ok := p.results[req.ImagePath]
	if !ok {
		return interpret.Result{}, fmt.Errorf("no canned interpretation for %s", req.ImagePath)
	}
	return interpret.Result{Interpretation: interp}, nil
}

func (p *fakePool) CallAll(ctx context.Context, req interpret.Request) error { return nil }

type fakeSession struct {
	mu     sync.Mutex
	sheets []scanner.SheetImages
}

func (s *fakeSession) ScanSheet(ctx context.Context) (*scanner.SheetImages, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sheets) == 0 {
		return nil, nil
	}
	sheet := s.sheets[0]
	s.sheets = s.sheets[1:]
	return &sheet, nil
}

func (s *fakeSession) AcceptSheet(ctx context.Context) bool { return true }
func (s *fakeSession) ReviewSheet(ctx context.Context) bool { return true }
func (s *fakeSession) RejectSheet(ctx context.Context) bool { return true }
func (s *fakeSession) End() error                           { return nil }

type fakeDevice struct {
	session *fakeSession
}

func (d *fakeDevice) BeginSession(ctx context.Context, opts scanner.SessionOptions) (scanner.Session, error) {
	return d.session, nil
}

func (d *fakeDevice) Status(ctx context.Context) domain.ScannerStatus {
	return domain.ScannerStatusWaiting
}

func (d *fakeDevice) Calibrate(ctx context.Context) bool { return true }

type testServer struct {
	baseURL string
	client  *http.Client
	store   store.Store
	imp     *importer.Importer
	session *fakeSession
}

func newTestServer(t *testing.T, session *fakeSession, results map[string]domain.Interpretation, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(conn)

	if session == nil {
		session = &fakeSession{}
	}
	imp := importer.New(s, &fakeDevice{session: session}, workspace)
	imp.NewPool = func(size int) importer.Pool { return &fakePool{results: results} }

	handler, err := New(Config{Importer: imp, Store: s, Auth: auth})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return &testServer{
		baseURL: "http://" + ln.Addr().String(),
		client:  &http.Client{Timeout: 10 * time.Second},
		store:   s,
		imp:     imp,
		session: session,
	}
}

// doJSON issues a request and decodes the response into out when non-nil.
func (ts *testServer) doJSON(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.baseURL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

func insecure() AuthConfig { return AuthConfig{AllowInsecure: true} }

func testElection() domain.ElectionDefinition {
	return domain.ElectionDefinition{
		ID:   "general-2026",
		Hash: "a1b2c3",
		Precincts: []domain.Precinct{
			{ID: "precinct-1"},
		},
		BallotStyles: []domain.BallotStyle{
			{ID: "s1", PrecinctID: "precinct-1", ContestIDs: []string{"mayor"}},
		},
		Contests: []domain.Contest{
			{ID: "mayor", Seats: 1, Options: []domain.ContestOption{{ID: "alice"}, {ID: "bob"}}},
		},
	}
}

func interpretedPage(page int, needsReview bool) domain.Interpretation {
	return domain.InterpretedPage(domain.InterpretedBallot{
		Metadata: domain.BallotMetadata{
			BallotStyleID: "s1",
			PrecinctID:    "precinct-1",
			PageNumber:    page,
		},
		Votes:        domain.Votes{"mayor": {"alice"}},
		Adjudication: domain.AdjudicationInfo{Required: needsReview},
	})
}

func (ts *testServer) configureElection(t *testing.T) {
	t.Helper()
	status := ts.doJSON(t, http.MethodPut, "/v1/config/election", map[string]any{"election": testElection()}, nil)
	if status != http.StatusOK {
		t.Fatalf("configure election status = %d", status)
	}
}

func (ts *testServer) waitIdle(t *testing.T) {
	t.Helper()
	if !ts.imp.WaitIdle(5 * time.Second) {
		t.Fatal("scan loop did not park")
	}
}

func TestHealthAndAuth(t *testing.T) {
	ts := newTestServer(t, nil, nil, AuthConfig{JWTSecret: "station-secret"})

	// Health is open.
	var health map[string]any
	if status := ts.doJSON(t, http.MethodGet, "/v1/health", nil, &health); status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	if health["status"] != "ok" {
		t.Errorf("health body = %v", health)
	}

	// Everything else needs a token.
	var envelope map[string]any
	if status := ts.doJSON(t, http.MethodGet, "/v1/status", nil, &envelope); status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", status)
	}

	// A garbage token is rejected.
	req, _ := http.NewRequest(http.MethodGet, ts.baseURL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", resp.StatusCode)
	}

	// A properly signed token gets through.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "poll-worker-3",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("station-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req, _ = http.NewRequest(http.MethodGet, ts.baseURL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = ts.client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestElectionConfigEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil, insecure())

	var status map[string]any
	if code := ts.doJSON(t, http.MethodGet, "/v1/status", nil, &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status["election_configured"] != false {
		t.Errorf("fresh station reports election: %v", status)
	}

	// Rejected without a hash.
	bad := testElection()
	bad.Hash = ""
	code := ts.doJSON(t, http.MethodPut, "/v1/config/election", map[string]any{"election": bad}, nil)
	if code != http.StatusBadRequest {
		t.Fatalf("election without hash = %d, want 400", code)
	}

	ts.configureElection(t)

	var resp struct {
		Election *domain.ElectionDefinition `json:"election"`
	}
	if code := ts.doJSON(t, http.MethodGet, "/v1/config/election", nil, &resp); code != http.StatusOK {
		t.Fatalf("get election = %d", code)
	}
	if resp.Election == nil || resp.Election.ID != "general-2026" {
		t.Fatalf("election = %+v", resp.Election)
	}

	if code := ts.doJSON(t, http.MethodGet, "/v1/status", nil, &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status["election_configured"] != true {
		t.Errorf("configured station reports no election: %v", status)
	}

	// Unconfigure works without a backup while no sheets are stored.
	if code := ts.doJSON(t, http.MethodDelete, "/v1/config/election", nil, nil); code != http.StatusOK {
		t.Fatalf("unconfigure = %d", code)
	}
	if code := ts.doJSON(t, http.MethodGet, "/v1/config/election", nil, &resp); code != http.StatusOK {
		t.Fatalf("get election = %d", code)
	}
}

func TestScanFlow(t *testing.T) {
	session := &fakeSession{sheets: []scanner.SheetImages{
		{Front: "a1.png", Back: "a2.png"},
	}}
	results := map[string]domain.Interpretation{
		"a1.png": interpretedPage(1, false),
		"a2.png": interpretedPage(2, false),
	}
	ts := newTestServer(t, session, results, insecure())

	// Scanning before configuration is refused while the pool is down.
	if code := ts.doJSON(t, http.MethodPost, "/v1/scan/start", nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured scan start = %d, want 503", code)
	}

	ts.configureElection(t)

	var started struct {
		BatchID string `json:"batch_id"`
	}
	if code := ts.doJSON(t, http.MethodPost, "/v1/scan/start", nil, &started); code != http.StatusCreated {
		t.Fatalf("scan start = %d, want 201", code)
	}
	if started.BatchID == "" {
		t.Fatal("no batch id returned")
	}
	ts.waitIdle(t)

	var batches []domain.Batch
	if code := ts.doJSON(t, http.MethodGet, "/v1/batches", nil, &batches); code != http.StatusOK {
		t.Fatalf("list batches = %d", code)
	}
	if len(batches) != 1 || !batches[0].Finished() {
		t.Fatalf("batches = %+v", batches)
	}

	var sheets []domain.Sheet
	if code := ts.doJSON(t, http.MethodGet, "/v1/batches/"+started.BatchID+"/sheets", nil, &sheets); code != http.StatusOK {
		t.Fatalf("list sheets = %d", code)
	}
	if len(sheets) != 1 {
		t.Fatalf("sheets = %+v", sheets)
	}

	var sheet domain.Sheet
	if code := ts.doJSON(t, http.MethodGet, "/v1/sheets/"+sheets[0].ID, nil, &sheet); code != http.StatusOK {
		t.Fatalf("get sheet = %d", code)
	}
	if sheet.Front.Interpretation.Kind != domain.KindInterpretedBallot {
		t.Errorf("sheet front kind = %s", sheet.Front.Interpretation.Kind)
	}

	if code := ts.doJSON(t, http.MethodGet, "/v1/batches/no-such-batch", nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown batch = %d, want 404", code)
	}
	if code := ts.doJSON(t, http.MethodGet, "/v1/batches/no-such-batch/sheets", nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown batch sheets = %d, want 404", code)
	}

	// No scan job anymore.
	if code := ts.doJSON(t, http.MethodPost, "/v1/scan/continue", map[string]any{}, nil); code != http.StatusConflict {
		t.Errorf("continue without job = %d, want 409", code)
	}
}

func TestAdjudicationEndpoints(t *testing.T) {
	session := &fakeSession{sheets: []scanner.SheetImages{
		{Front: "r1.png", Back: "r2.png"},
	}}
	results := map[string]domain.Interpretation{
		"r1.png": interpretedPage(1, true),
		"r2.png": interpretedPage(2, false),
	}
	ts := newTestServer(t, session, results, insecure())
	ts.configureElection(t)

	if code := ts.doJSON(t, http.MethodPost, "/v1/scan/start", nil, nil); code != http.StatusCreated {
		t.Fatalf("scan start = %d", code)
	}
	ts.waitIdle(t)

	var review struct {
		Sheet           domain.Sheet `json:"sheet"`
		FrontContestIDs []string     `json:"front_contest_ids"`
	}
	if code := ts.doJSON(t, http.MethodGet, "/v1/adjudication/next", nil, &review); code != http.StatusOK {
		t.Fatalf("adjudication next = %d", code)
	}
	if !review.Sheet.RequiresAdjudication {
		t.Fatalf("review sheet = %+v", review.Sheet)
	}

	// Config changes are frozen mid-batch.
	if code := ts.doJSON(t, http.MethodPut, "/v1/config/skip-hash-check", map[string]any{"skip": true}, nil); code != http.StatusConflict {
		t.Errorf("config change mid-batch = %d, want 409", code)
	}
	if code := ts.doJSON(t, http.MethodPost, "/v1/scan/calibrate", nil, nil); code != http.StatusConflict {
		t.Errorf("calibrate mid-batch = %d, want 409", code)
	}

	adjudicatePath := "/v1/sheets/" + review.Sheet.ID + "/adjudicate"
	// The schema rejects sides outside the enum before the handler runs.
	if code := ts.doJSON(t, http.MethodPost, adjudicatePath, map[string]any{"side": "sideways"}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("bad side = %d, want 422", code)
	}

	var updated domain.Sheet
	body := map[string]any{
		"side":  "front",
		"marks": []domain.MarkAdjudication{{ContestID: "mayor", OptionID: "bob", Marked: true}},
	}
	if code := ts.doJSON(t, http.MethodPost, adjudicatePath, body, &updated); code != http.StatusOK {
		t.Fatalf("adjudicate front = %d", code)
	}
	if !updated.RequiresAdjudication {
		t.Error("sheet released after one side")
	}
	if code := ts.doJSON(t, http.MethodPost, adjudicatePath, body, nil); code != http.StatusConflict {
		t.Errorf("duplicate adjudication = %d, want 409", code)
	}

	if code := ts.doJSON(t, http.MethodPost, adjudicatePath, map[string]any{"side": "back"}, &updated); code != http.StatusOK {
		t.Fatalf("adjudicate back = %d", code)
	}
	if updated.RequiresAdjudication {
		t.Error("sheet still held after both sides")
	}
	if code := ts.doJSON(t, http.MethodGet, "/v1/adjudication/next", nil, nil); code != http.StatusNotFound {
		t.Errorf("adjudication next after resolution = %d, want 404", code)
	}
}

func TestContinueScanForceAccept(t *testing.T) {
	session := &fakeSession{sheets: []scanner.SheetImages{
		{Front: "r1.png", Back: "r2.png"},
	}}
	results := map[string]domain.Interpretation{
		"r1.png": interpretedPage(1, true),
		"r2.png": interpretedPage(2, false),
	}
	ts := newTestServer(t, session, results, insecure())
	ts.configureElection(t)

	var started struct {
		BatchID string `json:"batch_id"`
	}
	if code := ts.doJSON(t, http.MethodPost, "/v1/scan/start", nil, &started); code != http.StatusCreated {
		t.Fatalf("scan start = %d", code)
	}
	ts.waitIdle(t)

	// A second batch cannot start while this one is paused.
	if code := ts.doJSON(t, http.MethodPost, "/v1/scan/start", nil, nil); code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", code)
	}

	body := map[string]any{
		"force_accept": true,
		"front_marks":  []domain.MarkAdjudication{{ContestID: "mayor", OptionID: "bob", Marked: true}},
	}
	if code := ts.doJSON(t, http.MethodPost, "/v1/scan/continue", body, nil); code != http.StatusOK {
		t.Fatalf("continue = %d", code)
	}
	ts.waitIdle(t)

	var batch domain.Batch
	if code := ts.doJSON(t, http.MethodGet, "/v1/batches/"+started.BatchID, nil, &batch); code != http.StatusOK {
		t.Fatalf("get batch = %d", code)
	}
	if !batch.Finished() || batch.Error != nil || batch.SheetCount != 1 {
		t.Errorf("batch = %+v", batch)
	}
}

func TestTemplateEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil, insecure())
	ts.configureElection(t)

	layouts := []domain.PageLayout{
		{BallotStyleID: "s1", PageNumber: 1, ContestIDs: []string{"mayor"}},
		{BallotStyleID: "s1", PageNumber: 2},
	}
	if code := ts.doJSON(t, http.MethodPost, "/v1/config/templates", map[string]any{"layouts": layouts}, nil); code != http.StatusOK {
		t.Fatalf("add templates = %d", code)
	}
	if code := ts.doJSON(t, http.MethodPost, "/v1/config/templates/finalize", nil, nil); code != http.StatusOK {
		t.Fatalf("finalize templates = %d", code)
	}

	final, err := ts.store.GetTemplatesFinalized(context.Background())
	if err != nil {
		t.Fatalf("get finalized: %v", err)
	}
	if !final {
		t.Error("finalize endpoint did not record the marker")
	}

	var items []map[string]any
	if code := ts.doJSON(t, http.MethodGet, "/v1/events", nil, &items); code != http.StatusOK {
		t.Fatalf("events = %d", code)
	}
	found := false
	for _, e := range items {
		if e["type"] == "templates.finalized" {
			found = true
		}
	}
	if !found {
		t.Errorf("templates.finalized missing from %v", items)
	}
}

func TestBackupAndZeroEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil, insecure())
	ts.configureElection(t)

	ctx := context.Background()
	batchID, err := ts.store.AddBatch(ctx)
	if err != nil {
		t.Fatalf("add batch: %v", err)
	}
	_, err = ts.store.AddSheet(ctx, "", batchID,
		domain.Page{ImagePath: "f.png", Interpretation: interpretedPage(1, false)},
		domain.Page{ImagePath: "b.png", Interpretation: interpretedPage(2, false)})
	if err != nil {
		t.Fatalf("add sheet: %v", err)
	}

	var canResp struct {
		CanUnconfigure bool `json:"can_unconfigure"`
	}
	if code := ts.doJSON(t, http.MethodGet, "/v1/config/can-unconfigure", nil, &canResp); code != http.StatusOK {
		t.Fatalf("can-unconfigure = %d", code)
	}
	if canResp.CanUnconfigure {
		t.Error("station with data and no backup reported unlocked")
	}

	if code := ts.doJSON(t, http.MethodPost, "/v1/zero", nil, nil); code != http.StatusForbidden {
		t.Fatalf("zero without backup = %d, want 403", code)
	}
	if code := ts.doJSON(t, http.MethodPut, "/v1/config/test-mode", map[string]any{"enabled": true}, nil); code != http.StatusForbidden {
		t.Fatalf("test mode without backup = %d, want 403", code)
	}

	if code := ts.doJSON(t, http.MethodPost, "/v1/backup", nil, nil); code != http.StatusOK {
		t.Fatalf("backup = %d", code)
	}
	if code := ts.doJSON(t, http.MethodPost, "/v1/zero", nil, nil); code != http.StatusOK {
		t.Fatalf("zero after backup = %d", code)
	}

	var sheets []domain.Sheet
	// The batch went with the zero; its sheets listing now 404s.
	if code := ts.doJSON(t, http.MethodGet, "/v1/batches/"+batchID+"/sheets", nil, &sheets); code != http.StatusNotFound {
		t.Errorf("zeroed batch sheets = %d, want 404", code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil, insecure())
	ts.configureElection(t)

	var items []map[string]any
	if code := ts.doJSON(t, http.MethodGet, "/v1/events", nil, &items); code != http.StatusOK {
		t.Fatalf("events = %d", code)
	}
	if len(items) == 0 {
		t.Fatal("no events recorded for election configuration")
	}
	found := false
	for _, e := range items {
		if e["type"] == "election.configured" {
			found = true
		}
	}
	if !found {
		t.Errorf("election.configured missing from %v", items)
	}
}
