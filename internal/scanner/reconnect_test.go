package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// flakyClient answers unresponsive until it is replaced.
type flakyClient struct {
	scriptedClient
	unresponsive bool
}

func (c *flakyClient) GetPaperStatus(ctx context.Context) (PaperStatus, error) {
	if c.unresponsive {
		return "", fmt.Errorf("%w: read timeout", ErrUnresponsive)
	}
	return PaperStatusReady, nil
}

func TestReconnectRetriesUntilHealthy(t *testing.T) {
	var built []*flakyClient
	provider := func(ctx context.Context) (Client, error) {
		// First three connections go quiet; the fourth behaves.
		c := &flakyClient{unresponsive: len(built) < 3}
		built = append(built, c)
		return c, nil
	}
	r := NewReconnectingClient(provider)

	status, err := r.GetPaperStatus(context.Background())
	if err != nil {
		t.Fatalf("get paper status: %v", err)
	}
	if status != PaperStatusReady {
		t.Errorf("status = %s, want %s", status, PaperStatusReady)
	}
	if len(built) != 4 {
		t.Fatalf("provider called %d times, want 4", len(built))
	}
	for i, c := range built[:3] {
		if !c.closed {
			t.Errorf("failed client %d not closed", i)
		}
	}
	if built[3].closed {
		t.Error("healthy client closed")
	}

	// Later calls ride the established connection; no new dials.
	if _, err := r.GetPaperStatus(context.Background()); err != nil {
		t.Fatalf("second get paper status: %v", err)
	}
	if len(built) != 4 {
		t.Errorf("provider called %d times after reuse, want 4", len(built))
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	provider := func(ctx context.Context) (Client, error) {
		calls++
		return &flakyClient{unresponsive: true}, nil
	}
	r := NewReconnectingClient(provider)

	_, err := r.GetPaperStatus(context.Background())
	if err == nil {
		t.Fatal("unresponsive client chain succeeded")
	}
	if !errors.Is(err, ErrUnresponsive) {
		t.Errorf("err = %v, want ErrUnresponsive chain", err)
	}
	if !strings.Contains(err.Error(), "after 5 attempts") {
		t.Errorf("err = %v, want attempt count", err)
	}
	if calls != 5 {
		t.Errorf("provider called %d times, want 5", calls)
	}
}

func TestReconnectPassesThroughOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("paper jam")
	provider := func(ctx context.Context) (Client, error) {
		calls++
		c := &scriptedClient{statusErr: boom}
		return c, nil
	}
	r := NewReconnectingClient(provider)

	_, err := r.GetPaperStatus(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("provider called %d times, want 1 (no reconnect on plain errors)", calls)
	}
}

func TestReconnectProviderFailure(t *testing.T) {
	provider := func(ctx context.Context) (Client, error) {
		return nil, errors.New("daemon not running")
	}
	r := NewReconnectingClient(provider)
	if _, err := r.GetPaperStatus(context.Background()); err == nil {
		t.Fatal("connect failure swallowed")
	}
}

func TestReconnectClose(t *testing.T) {
	c := &scriptedClient{}
	r := NewReconnectingClient(func(ctx context.Context) (Client, error) { return c, nil })

	// Close before first use is a no-op.
	if err := r.Close(); err != nil {
		t.Fatalf("close unused: %v", err)
	}
	if _, err := r.GetPaperStatus(context.Background()); err != nil {
		t.Fatalf("get paper status: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !c.closed {
		t.Error("underlying client not closed")
	}
}
