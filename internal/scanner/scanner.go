// Package scanner abstracts the two supported scanning backends behind one
// device contract: a subprocess-driven duplex feeder and an SDK-client
// driven scanner with live paper-status polling.
package scanner

import (
	"context"

	"scanstation/internal/domain"
)

// SessionOptions scope one scan session.
type SessionOptions struct {
	// TargetDirectory is where the session's sheet images land.
	TargetDirectory string
	// PageSize is the expected paper size, e.g. "letter".
	PageSize string
}

// SheetImages is one physical sheet's front/back image pair, in the order
// the device produced them.
type SheetImages struct {
	Front string
	Back  string
}

// Session is one open scan run against a device. Device I/O is strictly
// sequential: callers keep at most one ScanSheet outstanding.
type Session interface {
	// ScanSheet blocks until a sheet's image pair is available. It returns
	// (nil, nil) when the device reports end of feed.
	ScanSheet(ctx context.Context) (*SheetImages, error)
	// AcceptSheet physically drops the last scanned sheet into the bin.
	AcceptSheet(ctx context.Context) bool
	// ReviewSheet holds the last scanned sheet for human review.
	ReviewSheet(ctx context.Context) bool
	// RejectSheet returns the last scanned sheet to the voter.
	RejectSheet(ctx context.Context) bool
	// End terminates the session and releases device resources. Calling it
	// again is a no-op.
	End() error
}

// Device is the capability set shared by both backends.
type Device interface {
	BeginSession(ctx context.Context, opts SessionOptions) (Session, error)
	// Status reflects a live device poll, never cached state.
	Status(ctx context.Context) domain.ScannerStatus
	Calibrate(ctx context.Context) bool
}
