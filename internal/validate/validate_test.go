package validate

import (
	"strings"
	"testing"

	"scanstation/internal/domain"
)

func interpreted(style string, page int, needsReview bool) domain.Interpretation {
	return domain.InterpretedPage(domain.InterpretedBallot{
		Metadata: domain.BallotMetadata{
			BallotStyleID: style,
			PrecinctID:    "precinct-1",
			PageNumber:    page,
		},
		Votes:        domain.Votes{},
		Adjudication: domain.AdjudicationInfo{Required: needsReview},
	})
}

func TestClassifySheet(t *testing.T) {
	cases := []struct {
		name        string
		front, back domain.Interpretation
		want        domain.Castability
	}{
		{"clean sheet", interpreted("s1", 1, false), interpreted("s1", 2, false), domain.Castable},
		{"blank back", interpreted("s1", 1, false), domain.BlankPage(), domain.Castable},
		{"both blank", domain.BlankPage(), domain.BlankPage(), domain.Uncastable},
		{"front unreadable", domain.UnreadablePage("torn"), interpreted("s1", 2, false), domain.Uncastable},
		{"back unreadable", interpreted("s1", 1, false), domain.UnreadablePage("smudged"), domain.Uncastable},
		{"wrong precinct", domain.InvalidPrecinctPage("precinct-9"), interpreted("s1", 2, false), domain.Uncastable},
		{"style conflict", interpreted("s1", 1, false), interpreted("s2", 2, false), domain.Uncastable},
		{"front needs review", interpreted("s1", 1, true), interpreted("s1", 2, false), domain.CastableIfAdjudicated},
		{"back needs review", interpreted("s1", 1, false), interpreted("s1", 2, true), domain.CastableIfAdjudicated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySheet(tc.front, tc.back); got != tc.want {
				t.Errorf("ClassifySheet = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestClassifySheetUnreadableBeatsReview(t *testing.T) {
	// An unreadable side cannot be fixed by adjudicating marks on the other.
	got := ClassifySheet(interpreted("s1", 1, true), domain.UnreadablePage("torn"))
	if got != domain.Uncastable {
		t.Errorf("ClassifySheet = %s, want %s", got, domain.Uncastable)
	}
}

func TestCheckSheetValidity(t *testing.T) {
	if ok, reason := CheckSheetValidity(interpreted("s1", 1, false), interpreted("s1", 2, false)); !ok {
		t.Errorf("clean pair rejected: %s", reason)
	}
	// A blank back carries no metadata, so nothing can conflict.
	if ok, reason := CheckSheetValidity(interpreted("s1", 1, false), domain.BlankPage()); !ok {
		t.Errorf("blank back rejected: %s", reason)
	}

	if ok, reason := CheckSheetValidity(interpreted("s1", 1, false), interpreted("s2", 2, false)); ok {
		t.Error("style mismatch accepted")
	} else if !strings.Contains(reason, "ballot style mismatch") {
		t.Errorf("unexpected reason %q", reason)
	}

	if ok, reason := CheckSheetValidity(interpreted("s1", 1, false), interpreted("s1", 4, false)); ok {
		t.Error("non-sibling pages accepted")
	} else if !strings.Contains(reason, "do not pair") {
		t.Errorf("unexpected reason %q", reason)
	}

	if ok, _ := CheckSheetValidity(domain.Interpretation{Kind: domain.KindInterpretedBallot}, domain.BlankPage()); ok {
		t.Error("malformed interpretation accepted")
	}
}

func TestCheckSheetValidityPrecinctMismatch(t *testing.T) {
	front := interpreted("s1", 1, false)
	back := domain.MetadataOnlyPage(domain.BallotMetadata{
		BallotStyleID: "s1",
		PrecinctID:    "precinct-2",
		PageNumber:    2,
	})
	ok, reason := CheckSheetValidity(front, back)
	if ok {
		t.Fatal("precinct mismatch accepted")
	}
	if !strings.Contains(reason, "precinct mismatch") {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestDowngradeSheet(t *testing.T) {
	front := domain.Page{Interpretation: interpreted("s1", 1, false)}
	back := domain.Page{Interpretation: interpreted("s2", 2, false)}
	DowngradeSheet(&front, &back, "ballot style mismatch between pages (s1 vs s2)")
	for _, p := range []domain.Page{front, back} {
		if p.Interpretation.Kind != domain.KindUnreadable {
			t.Fatalf("downgraded kind = %s, want %s", p.Interpretation.Kind, domain.KindUnreadable)
		}
		if !strings.HasPrefix(p.Interpretation.Reason, "invalid ballot record: ") {
			t.Errorf("reason %q missing prefix", p.Interpretation.Reason)
		}
	}
}
