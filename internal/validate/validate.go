// Package validate holds the pure sheet-acceptability decisions: whether a
// scanned sheet can be cast, and whether a stored interpretation pair forms
// a structurally valid ballot record.
package validate

import (
	"fmt"

	"scanstation/internal/domain"
)

// ClassifySheet decides the physical disposition of a freshly interpreted
// sheet. It must run before any device disposition command is sent.
func ClassifySheet(front, back domain.Interpretation) domain.Castability {
	if front.Kind == domain.KindUnreadable || back.Kind == domain.KindUnreadable {
		return domain.Uncastable
	}
	if front.Kind == domain.KindBlankPage && back.Kind == domain.KindBlankPage {
		return domain.Uncastable
	}
	if front.Kind == domain.KindInvalidPrecinct || back.Kind == domain.KindInvalidPrecinct {
		return domain.Uncastable
	}
	// Conflicting ballot styles across the two faces cannot be fixed by
	// adjudicating marks.
	frontStyle := front.BallotStyleID()
	backStyle := back.BallotStyleID()
	if frontStyle != "" && backStyle != "" && frontStyle != backStyle {
		return domain.Uncastable
	}
	if front.RequiresAdjudication() || back.RequiresAdjudication() {
		return domain.CastableIfAdjudicated
	}
	return domain.Castable
}

// CheckSheetValidity confirms a stored interpretation pair would jointly
// produce a structurally valid ballot record. On failure the caller
// overwrites both interpretations with an unreadable classification carrying
// the returned reason; that downgrade is irreversible.
func CheckSheetValidity(front, back domain.Interpretation) (bool, string) {
	if err := front.Validate(); err != nil {
		return false, fmt.Sprintf("front page: %v", err)
	}
	if err := back.Validate(); err != nil {
		return false, fmt.Sprintf("back page: %v", err)
	}

	frontStyle := front.BallotStyleID()
	backStyle := back.BallotStyleID()
	if frontStyle != "" && backStyle != "" && frontStyle != backStyle {
		return false, fmt.Sprintf("ballot style mismatch between pages (%s vs %s)", frontStyle, backStyle)
	}

	frontPrecinct := precinctOf(front)
	backPrecinct := precinctOf(back)
	if frontPrecinct != "" && backPrecinct != "" && frontPrecinct != backPrecinct {
		return false, fmt.Sprintf("precinct mismatch between pages (%s vs %s)", frontPrecinct, backPrecinct)
	}

	frontPage := front.PageNumber()
	backPage := back.PageNumber()
	if frontPage != 0 && backPage != 0 && domain.SiblingPageNumber(frontPage) != backPage {
		return false, fmt.Sprintf("page numbers %d and %d do not pair", frontPage, backPage)
	}
	return true, ""
}

// DowngradeSheet overwrites both pages with an unreadable classification so
// the persisted record explains itself.
func DowngradeSheet(front, back *domain.Page, reason string) {
	msg := fmt.Sprintf("invalid ballot record: %s", reason)
	front.Interpretation = domain.UnreadablePage(msg)
	back.Interpretation = domain.UnreadablePage(msg)
}

func precinctOf(i domain.Interpretation) string {
	switch i.Kind {
	case domain.KindInterpretedBallot:
		if i.Ballot != nil {
			return i.Ballot.Metadata.PrecinctID
		}
	case domain.KindMetadataOnly:
		if i.Metadata != nil {
			return i.Metadata.PrecinctID
		}
	case domain.KindBlankPage, domain.KindInvalidPrecinct, domain.KindUnreadable:
	}
	return ""
}
