package scanner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// netClient speaks the scanner daemon's newline-delimited JSON protocol over
// TCP. One request line yields exactly one response line.
type netClient struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

type netRequest struct {
	Op        string `json:"op"`
	Directory string `json:"directory,omitempty"`
	PageSize  string `json:"page_size,omitempty"`
	Hold      bool   `json:"hold,omitempty"`
}

type netResponse struct {
	Status PaperStatus `json:"status,omitempty"`
	Paths  []string    `json:"paths,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// DialNetClient connects to a scanner daemon at addr.
func DialNetClient(ctx context.Context, addr string) (Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial scanner daemon %s: %w", addr, err)
	}
	return &netClient{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// NetClientProvider returns a provider that dials addr, for use with a
// ReconnectingClient.
func NetClientProvider(addr string) ClientProvider {
	return func(ctx context.Context) (Client, error) {
		return DialNetClient(ctx, addr)
	}
}

func (c *netClient) roundTrip(ctx context.Context, req netRequest) (netResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var resp netResponse

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}
	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return resp, fmt.Errorf("%w: write %s: %v", ErrUnresponsive, req.Op, err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return resp, fmt.Errorf("%w: read %s reply: %v", ErrUnresponsive, req.Op, err)
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return resp, fmt.Errorf("scanner daemon sent malformed reply: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("scanner daemon: %s", resp.Error)
	}
	return resp, nil
}

func (c *netClient) GetPaperStatus(ctx context.Context) (PaperStatus, error) {
	resp, err := c.roundTrip(ctx, netRequest{Op: "paper_status"})
	if err != nil {
		return "", err
	}
	if resp.Status == "" {
		return "", fmt.Errorf("scanner daemon omitted paper status")
	}
	return resp.Status, nil
}

func (c *netClient) Scan(ctx context.Context, params ScanParams) ([]string, error) {
	resp, err := c.roundTrip(ctx, netRequest{Op: "scan", Directory: params.Directory, PageSize: params.PageSize})
	if err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

func (c *netClient) Accept(ctx context.Context) error {
	_, err := c.roundTrip(ctx, netRequest{Op: "accept"})
	return err
}

func (c *netClient) Reject(ctx context.Context, hold bool) error {
	_, err := c.roundTrip(ctx, netRequest{Op: "reject", Hold: hold})
	return err
}

func (c *netClient) Calibrate(ctx context.Context) error {
	_, err := c.roundTrip(ctx, netRequest{Op: "calibrate"})
	return err
}

func (c *netClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
