package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnresponsive marks a client that stopped answering. Backend clients
// return it (wrapped) when the underlying transport goes quiet.
var ErrUnresponsive = errors.New("scanner client unresponsive")

// ClientProvider builds a fresh SDK client.
type ClientProvider func(ctx context.Context) (Client, error)

// ReconnectingClient decorates a Client: when an operation finds the current
// client unresponsive it discards it, asks the provider for a fresh one and
// retries. Each detected failure triggers at most one reconnect, and callers
// sharing the wrapper share that reconnect instead of racing their own.
type ReconnectingClient struct {
	provider ClientProvider
	// MaxAttempts caps tries per logical operation (initial + retries).
	MaxAttempts int

	mu         sync.Mutex
	client     Client
	generation uint64
}

func NewReconnectingClient(provider ClientProvider) *ReconnectingClient {
	return &ReconnectingClient{provider: provider, MaxAttempts: 5}
}

func (r *ReconnectingClient) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 5
}

// current returns the live client, building one lazily on first use.
func (r *ReconnectingClient) current(ctx context.Context) (Client, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		c, err := r.provider(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("connect scanner client: %w", err)
		}
		r.client = c
		r.generation++
	}
	return r.client, r.generation, nil
}

// replace swaps in a fresh client for the given failed generation. If another
// caller already replaced that generation, the existing replacement is reused
// without invoking the provider again.
func (r *ReconnectingClient) replace(ctx context.Context, failed uint64) (Client, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != failed {
		return r.client, r.generation, nil
	}
	if r.client != nil {
		_ = r.client.Close()
	}
	slog.Warn("scanner: client unresponsive, reconnecting", "generation", failed)
	c, err := r.provider(ctx)
	if err != nil {
		r.client = nil
		return nil, 0, fmt.Errorf("reconnect scanner client: %w", err)
	}
	r.client = c
	r.generation++
	return r.client, r.generation, nil
}

func (r *ReconnectingClient) do(ctx context.Context, op func(Client) error) error {
	client, gen, err := r.current(ctx)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		err = op(client)
		if err == nil || !errors.Is(err, ErrUnresponsive) {
			return err
		}
		if attempt >= r.maxAttempts() {
			return fmt.Errorf("scanner client unresponsive after %d attempts: %w", attempt, err)
		}
		client, gen, err = r.replace(ctx, gen)
		if err != nil {
			return err
		}
	}
}

func (r *ReconnectingClient) GetPaperStatus(ctx context.Context) (PaperStatus, error) {
	var status PaperStatus
	err := r.do(ctx, func(c Client) error {
		var err error
		status, err = c.GetPaperStatus(ctx)
		return err
	})
	return status, err
}

func (r *ReconnectingClient) Scan(ctx context.Context, params ScanParams) ([]string, error) {
	var paths []string
	err := r.do(ctx, func(c Client) error {
		var err error
		paths, err = c.Scan(ctx, params)
		return err
	})
	return paths, err
}

func (r *ReconnectingClient) Accept(ctx context.Context) error {
	return r.do(ctx, func(c Client) error { return c.Accept(ctx) })
}

func (r *ReconnectingClient) Reject(ctx context.Context, hold bool) error {
	return r.do(ctx, func(c Client) error { return c.Reject(ctx, hold) })
}

func (r *ReconnectingClient) Calibrate(ctx context.Context) error {
	return r.do(ctx, func(c Client) error { return c.Calibrate(ctx) })
}

func (r *ReconnectingClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
