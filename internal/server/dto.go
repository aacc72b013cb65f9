package server

import (
	"scanstation/internal/domain"
	"scanstation/internal/importer"
)

type StatusResponse struct {
	State        string                    `json:"state" example:"idle"`
	Scanner      string                    `json:"scanner" example:"waiting_for_paper"`
	Batches      []domain.Batch            `json:"batches"`
	Adjudication domain.AdjudicationCounts `json:"adjudication"`
	Electioned   bool                      `json:"election_configured"`
	TestMode     bool                      `json:"test_mode"`
}

func statusResponse(snap importer.StatusSnapshot) StatusResponse {
	batches := snap.Batches
	if batches == nil {
		batches = []domain.Batch{}
	}
	return StatusResponse{
		State:        string(snap.State),
		Scanner:      string(snap.Scanner),
		Batches:      batches,
		Adjudication: snap.Adjudication,
		Electioned:   snap.Electioned,
		TestMode:     snap.TestMode,
	}
}

type StartScanResponse struct {
	BatchID string `json:"batch_id"`
}

type ContinueScanRequest struct {
	ForceAccept bool                      `json:"force_accept,omitempty"`
	FrontMarks  []domain.MarkAdjudication `json:"front_marks,omitempty"`
	BackMarks   []domain.MarkAdjudication `json:"back_marks,omitempty"`
}

type CalibrateResponse struct {
	Success bool `json:"success"`
}

type ConfigureElectionRequest struct {
	Election domain.ElectionDefinition `json:"election"`
}

type AddTemplatesRequest struct {
	Layouts []domain.PageLayout `json:"layouts"`
}

type SetTestModeRequest struct {
	Enabled bool `json:"enabled"`
}

type SetMarkThresholdsRequest struct {
	// Thresholds override the defaults; null clears the override.
	Thresholds *domain.MarkThresholds `json:"thresholds"`
}

type SetSkipHashCheckRequest struct {
	Skip bool `json:"skip"`
}

type CanUnconfigureResponse struct {
	CanUnconfigure bool `json:"can_unconfigure"`
}

type ElectionResponse struct {
	Election *domain.ElectionDefinition `json:"election"`
}

type AdjudicateRequest struct {
	Side  string                    `json:"side" enum:"front,back"`
	Marks []domain.MarkAdjudication `json:"marks,omitempty"`
}

type okBody struct {
	Status string `json:"status" example:"ok"`
}
