package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scanstation/internal/domain"
)

// PaperStatus is the SDK client's own paper-state enum.
type PaperStatus string

const (
	PaperStatusNoPaper   PaperStatus = "no_paper"
	PaperStatusReady     PaperStatus = "ready_to_scan"
	PaperStatusScanning  PaperStatus = "scanning"
	PaperStatusHeld      PaperStatus = "held_for_review"
	PaperStatusJam       PaperStatus = "jam"
	PaperStatusCoverOpen PaperStatus = "cover_open"
	PaperStatusFault     PaperStatus = "fault"
)

// ScanParams parameterize one scan command.
type ScanParams struct {
	Directory string
	PageSize  string
}

// Client is the raw SDK surface the device backend drives.
type Client interface {
	GetPaperStatus(ctx context.Context) (PaperStatus, error)
	Scan(ctx context.Context, params ScanParams) ([]string, error)
	Accept(ctx context.Context) error
	// Reject returns the sheet; hold keeps it in the feeder for review.
	Reject(ctx context.Context, hold bool) error
	Calibrate(ctx context.Context) error
	Close() error
}

// mapPaperStatus projects the client enum onto the coarse status enum.
func mapPaperStatus(ps PaperStatus) domain.ScannerStatus {
	switch ps {
	case PaperStatusNoPaper:
		return domain.ScannerStatusWaiting
	case PaperStatusReady, PaperStatusHeld:
		return domain.ScannerStatusReady
	case PaperStatusScanning:
		return domain.ScannerStatusScanning
	case PaperStatusJam, PaperStatusCoverOpen, PaperStatusFault:
		return domain.ScannerStatusError
	}
	return domain.ScannerStatusUnknown
}

// SDKDevice drives a scanner through its vendor SDK client, usually wrapped
// in a ReconnectingClient.
type SDKDevice struct {
	Client Client
	// SettleTimeout bounds the wait for accept/reject/calibrate to land in
	// their expected terminal paper state.
	SettleTimeout time.Duration
	// PollInterval paces status polling during settle waits.
	PollInterval time.Duration
}

func (d *SDKDevice) settleTimeout() time.Duration {
	if d.SettleTimeout > 0 {
		return d.SettleTimeout
	}
	return 5 * time.Second
}

func (d *SDKDevice) pollInterval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return 50 * time.Millisecond
}

// Status polls the client live; adjudication UIs poll this continuously.
func (d *SDKDevice) Status(ctx context.Context) domain.ScannerStatus {
	ps, err := d.Client.GetPaperStatus(ctx)
	if err != nil {
		return domain.ScannerStatusNoDevice
	}
	return mapPaperStatus(ps)
}

func (d *SDKDevice) Calibrate(ctx context.Context) bool {
	if err := d.Client.Calibrate(ctx); err != nil {
		slog.Error("scanner: calibrate failed", "error", err)
		return false
	}
	return d.waitForStatus(ctx, PaperStatusNoPaper, PaperStatusReady)
}

func (d *SDKDevice) BeginSession(ctx context.Context, opts SessionOptions) (Session, error) {
	if _, err := d.Client.GetPaperStatus(ctx); err != nil {
		return nil, fmt.Errorf("scanner not responding: %w", err)
	}
	return &sdkSession{device: d, opts: opts}, nil
}

// waitForStatus polls until the paper status settles into one of the wanted
// states. Exceeding the bound is a failure, not a hang.
func (d *SDKDevice) waitForStatus(ctx context.Context, wanted ...PaperStatus) bool {
	deadline := time.Now().Add(d.settleTimeout())
	for {
		ps, err := d.Client.GetPaperStatus(ctx)
		if err != nil {
			return false
		}
		for _, w := range wanted {
			if ps == w {
				return true
			}
		}
		if ps == PaperStatusJam || ps == PaperStatusFault {
			return false
		}
		if time.Now().After(deadline) {
			slog.Warn("scanner: disposition did not settle", "status", string(ps))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d.pollInterval()):
		}
	}
}

type sdkSession struct {
	device *SDKDevice
	opts   SessionOptions

	mu     sync.Mutex
	closed bool
}

func (s *sdkSession) ScanSheet(ctx context.Context) (*SheetImages, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("scan session already ended")
	}
	s.mu.Unlock()

	ps, err := s.device.Client.GetPaperStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("paper status: %w", err)
	}
	if ps != PaperStatusReady {
		if ps == PaperStatusJam || ps == PaperStatusFault || ps == PaperStatusCoverOpen {
			return nil, fmt.Errorf("scanner fault: %s", ps)
		}
		// No sheet loaded: this feeder treats it as end of feed.
		return nil, nil
	}
	paths, err := s.device.Client.Scan(ctx, ScanParams{Directory: s.opts.TargetDirectory, PageSize: s.opts.PageSize})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if len(paths) != 2 {
		return nil, fmt.Errorf("scan produced %d images, want 2", len(paths))
	}
	return &SheetImages{Front: paths[0], Back: paths[1]}, nil
}

func (s *sdkSession) AcceptSheet(ctx context.Context) bool {
	if err := s.device.Client.Accept(ctx); err != nil {
		slog.Error("scanner: accept failed", "error", err)
		return false
	}
	// With a stacked feeder the next sheet loads as soon as the accepted one
	// drops, so ready counts as settled too.
	return s.device.waitForStatus(ctx, PaperStatusNoPaper, PaperStatusReady)
}

func (s *sdkSession) ReviewSheet(ctx context.Context) bool {
	if err := s.device.Client.Reject(ctx, true); err != nil {
		slog.Error("scanner: hold for review failed", "error", err)
		return false
	}
	return s.device.waitForStatus(ctx, PaperStatusHeld, PaperStatusReady)
}

func (s *sdkSession) RejectSheet(ctx context.Context) bool {
	if err := s.device.Client.Reject(ctx, false); err != nil {
		slog.Error("scanner: reject failed", "error", err)
		return false
	}
	return s.device.waitForStatus(ctx, PaperStatusNoPaper)
}

func (s *sdkSession) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
