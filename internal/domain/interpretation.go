package domain

import "fmt"

// InterpretationKind discriminates the Interpretation variants.
type InterpretationKind string

const (
	// KindInterpretedBallot is a fully interpreted hand-marked page.
	KindInterpretedBallot InterpretationKind = "interpreted"
	// KindBlankPage is a page with no recoverable metadata or marks.
	KindBlankPage InterpretationKind = "blank"
	// KindInvalidPrecinct is a readable page issued for a precinct other
	// than the one this station is configured for.
	KindInvalidPrecinct InterpretationKind = "invalid_precinct"
	// KindUnreadable is a page that could not be read at all.
	KindUnreadable InterpretationKind = "unreadable"
	// KindMetadataOnly is a page whose metadata strip decoded but whose
	// marks were not interpreted.
	KindMetadataOnly InterpretationKind = "metadata_only"
)

// AdjudicationReason names why a page needs human review.
type AdjudicationReason string

const (
	ReasonMarginalMark AdjudicationReason = "marginal_mark"
	ReasonOvervote     AdjudicationReason = "overvote"
	ReasonUndervote    AdjudicationReason = "undervote"
	ReasonWriteIn      AdjudicationReason = "write_in"
)

// AdjudicationDetail gives a review UI enough context to render one reason
// and apply the human's resolution back onto the vote record.
type AdjudicationDetail struct {
	Reason    AdjudicationReason `json:"reason"`
	ContestID string             `json:"contest_id"`
	Expected  int                `json:"expected,omitempty"`
	Found     int                `json:"found,omitempty"`
	OptionIDs []string           `json:"option_ids,omitempty"`
}

// AdjudicationInfo is embedded in a successful interpretation.
type AdjudicationInfo struct {
	Required       bool                 `json:"required"`
	EnabledReasons []AdjudicationReason `json:"enabled_reasons,omitempty"`
	Details        []AdjudicationDetail `json:"details,omitempty"`
}

// MarkAdjudication is a human's resolution for one ambiguous mark.
type MarkAdjudication struct {
	ContestID string `json:"contest_id"`
	OptionID  string `json:"option_id"`
	Marked    bool   `json:"marked"`
}

// MarkScore is the measured fill ratio for one mark target.
type MarkScore struct {
	ContestID string  `json:"contest_id"`
	OptionID  string  `json:"option_id"`
	Score     float64 `json:"score"`
}

// InterpretedBallot is the payload of a successful interpretation.
type InterpretedBallot struct {
	Metadata     BallotMetadata   `json:"metadata"`
	Votes        Votes            `json:"votes"`
	Marks        []MarkScore      `json:"marks,omitempty"`
	Adjudication AdjudicationInfo `json:"adjudication"`
}

// Interpretation is a tagged variant over page interpretation outcomes.
// Exactly one payload field is set, matching Kind.
type Interpretation struct {
	Kind InterpretationKind `json:"kind" enum:"interpreted,blank,invalid_precinct,unreadable,metadata_only"`

	// KindInterpretedBallot
	Ballot *InterpretedBallot `json:"ballot,omitempty"`
	// KindInvalidPrecinct: the precinct recovered from the page.
	PrecinctID string `json:"precinct_id,omitempty"`
	// KindUnreadable
	Reason string `json:"reason,omitempty"`
	// KindMetadataOnly
	Metadata *BallotMetadata `json:"metadata,omitempty"`
}

func InterpretedPage(b InterpretedBallot) Interpretation {
	return Interpretation{Kind: KindInterpretedBallot, Ballot: &b}
}

func BlankPage() Interpretation {
	return Interpretation{Kind: KindBlankPage}
}

func InvalidPrecinctPage(precinctID string) Interpretation {
	return Interpretation{Kind: KindInvalidPrecinct, PrecinctID: precinctID}
}

func UnreadablePage(reason string) Interpretation {
	return Interpretation{Kind: KindUnreadable, Reason: reason}
}

func MetadataOnlyPage(md BallotMetadata) Interpretation {
	return Interpretation{Kind: KindMetadataOnly, Metadata: &md}
}

// PageNumber returns the page number carried by the interpretation's
// metadata, or 0 when the variant has none.
func (i Interpretation) PageNumber() int {
	switch i.Kind {
	case KindInterpretedBallot:
		if i.Ballot != nil {
			return i.Ballot.Metadata.PageNumber
		}
		return 0
	case KindMetadataOnly:
		if i.Metadata != nil {
			return i.Metadata.PageNumber
		}
		return 0
	case KindBlankPage, KindInvalidPrecinct, KindUnreadable:
		return 0
	}
	return 0
}

// BallotStyleID returns the ballot style recovered from the page, if any.
func (i Interpretation) BallotStyleID() string {
	switch i.Kind {
	case KindInterpretedBallot:
		if i.Ballot != nil {
			return i.Ballot.Metadata.BallotStyleID
		}
	case KindMetadataOnly:
		if i.Metadata != nil {
			return i.Metadata.BallotStyleID
		}
	case KindBlankPage, KindInvalidPrecinct, KindUnreadable:
	}
	return ""
}

// RequiresAdjudication reports whether the page needs human review.
func (i Interpretation) RequiresAdjudication() bool {
	return i.Kind == KindInterpretedBallot && i.Ballot != nil && i.Ballot.Adjudication.Required
}

// Validate checks that the payload matches the discriminator.
func (i Interpretation) Validate() error {
	switch i.Kind {
	case KindInterpretedBallot:
		if i.Ballot == nil {
			return fmt.Errorf("interpreted page missing ballot payload")
		}
	case KindBlankPage:
	case KindInvalidPrecinct:
		if i.PrecinctID == "" {
			return fmt.Errorf("invalid-precinct page missing precinct id")
		}
	case KindUnreadable:
		if i.Reason == "" {
			return fmt.Errorf("unreadable page missing reason")
		}
	case KindMetadataOnly:
		if i.Metadata == nil {
			return fmt.Errorf("metadata-only page missing metadata")
		}
	default:
		return fmt.Errorf("unhandled interpretation kind %q", i.Kind)
	}
	return nil
}
