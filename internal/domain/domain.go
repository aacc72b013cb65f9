package domain

// Batch is one scanning session's ordered run of sheets.
type Batch struct {
	ID         string  `json:"id"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	EndedAt    *string `json:"ended_at,omitempty" format:"date-time"`
	Error      *string `json:"error,omitempty"`
	SheetCount int     `json:"sheet_count"`
}

// Finished reports whether the batch has been retired.
func (b Batch) Finished() bool { return b.EndedAt != nil }

// Page is one side of a scanned sheet.
type Page struct {
	ImagePath      string         `json:"image_path"`
	NormalizedPath string         `json:"normalized_path,omitempty"`
	Interpretation Interpretation `json:"interpretation"`
}

// Sheet is one physical ballot: an ordered front/back page pair.
type Sheet struct {
	ID                   string `json:"id"`
	BatchID              string `json:"batch_id"`
	Position             int    `json:"position"`
	Front                Page   `json:"front"`
	Back                 Page   `json:"back"`
	RequiresAdjudication bool   `json:"requires_adjudication"`
	CreatedAt            string `json:"created_at" format:"date-time"`
}

// Side names one face of a sheet.
type Side string

const (
	SideFront Side = "front"
	SideBack  Side = "back"
)

// AdjudicationCounts is the store's summary of review progress.
type AdjudicationCounts struct {
	Adjudicated int `json:"adjudicated"`
	Remaining   int `json:"remaining"`
}

// Castability classifies whether a sheet can enter the tabulation record.
// It is derived from the two page interpretations, never stored.
type Castability string

const (
	Castable              Castability = "castable"
	CastableIfAdjudicated Castability = "castable_if_adjudicated"
	Uncastable            Castability = "uncastable"
)

// ScannerStatus is the coarse device status surfaced to polling UIs.
type ScannerStatus string

const (
	ScannerStatusNoDevice    ScannerStatus = "no_device"
	ScannerStatusWaiting     ScannerStatus = "waiting_for_paper"
	ScannerStatusReady       ScannerStatus = "ready_to_scan"
	ScannerStatusScanning    ScannerStatus = "scanning"
	ScannerStatusAccepting   ScannerStatus = "accepting"
	ScannerStatusRejecting   ScannerStatus = "rejecting"
	ScannerStatusCalibrating ScannerStatus = "calibrating"
	ScannerStatusError       ScannerStatus = "error"
	ScannerStatusUnknown     ScannerStatus = "unknown"
)

// ContestOption is one selectable choice in a contest.
type ContestOption struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Contest is one race or question on the ballot.
type Contest struct {
	ID      string          `json:"id"`
	Title   string          `json:"title,omitempty"`
	Seats   int             `json:"seats"`
	Options []ContestOption `json:"options"`
}

// BallotStyle narrows which contests appear on a ballot and where it was issued.
type BallotStyle struct {
	ID         string   `json:"id"`
	PrecinctID string   `json:"precinct_id"`
	ContestIDs []string `json:"contest_ids"`
}

// Precinct is one issuing location.
type Precinct struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ElectionDefinition is the configured election the station scans against.
type ElectionDefinition struct {
	ID           string        `json:"id"`
	Title        string        `json:"title,omitempty"`
	Hash         string        `json:"hash"`
	Precincts    []Precinct    `json:"precincts"`
	BallotStyles []BallotStyle `json:"ballot_styles"`
	Contests     []Contest     `json:"contests"`
}

// Contest returns the contest with the given id, if defined.
func (e ElectionDefinition) Contest(id string) (Contest, bool) {
	for _, c := range e.Contests {
		if c.ID == id {
			return c, true
		}
	}
	return Contest{}, false
}

// BallotStyle returns the ballot style with the given id, if defined.
func (e ElectionDefinition) BallotStyle(id string) (BallotStyle, bool) {
	for _, bs := range e.BallotStyles {
		if bs.ID == id {
			return bs, true
		}
	}
	return BallotStyle{}, false
}

// MarkThresholds separate marginal from definite marks by fill ratio.
type MarkThresholds struct {
	Marginal float64 `json:"marginal"`
	Definite float64 `json:"definite"`
}

// DefaultMarkThresholds apply until an override is configured.
var DefaultMarkThresholds = MarkThresholds{Marginal: 0.12, Definite: 0.25}

// OptionBox is one mark target's geometry in normalized page coordinates
// (0..1 relative to page width/height).
type OptionBox struct {
	ContestID string  `json:"contest_id"`
	OptionID  string  `json:"option_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
}

// PageLayout carries the mark geometry for one ballot-style page.
type PageLayout struct {
	BallotStyleID string      `json:"ballot_style_id"`
	PageNumber    int         `json:"page_number"`
	ContestIDs    []string    `json:"contest_ids"`
	Options       []OptionBox `json:"options"`
}

// Votes maps contest id to the option ids counted as marked.
type Votes map[string][]string

// BallotMetadata is what the page's encoded strip recovers before any
// mark interpretation happens.
type BallotMetadata struct {
	ElectionHash  string `json:"election_hash"`
	BallotStyleID string `json:"ballot_style_id"`
	PrecinctID    string `json:"precinct_id"`
	PageNumber    int    `json:"page_number"`
	IsTestMode    bool   `json:"is_test_mode"`
}

// SiblingPageNumber infers the other side's page number. Sheets print
// front/back, so an odd page pairs with the following even page.
func SiblingPageNumber(page int) int {
	if page%2 == 1 {
		return page + 1
	}
	return page - 1
}
