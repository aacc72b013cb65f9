package scanner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"scanstation/internal/domain"
)

// SubprocessDevice drives a duplex feeder through a long-lived external
// scan-control process. The child prints one image path per line; every two
// lines make one sheet. The feeder advances when it reads a blank-line
// continuation on stdin.
type SubprocessDevice struct {
	Command string
	Args    []string
}

func (d *SubprocessDevice) BeginSession(ctx context.Context, opts SessionOptions) (Session, error) {
	args := append([]string{}, d.Args...)
	if opts.TargetDirectory != "" {
		args = append(args, "--output-dir", opts.TargetDirectory)
	}
	if opts.PageSize != "" {
		args = append(args, "--page-size", opts.PageSize)
	}
	cmd := exec.Command(d.Command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("scanner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("scanner stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start scanner process: %w", err)
	}
	slog.Info("scanner: subprocess session started", "command", d.Command, "pid", cmd.Process.Pid)

	s := &subprocessSession{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 16),
	}
	go s.readOutput(stdout)
	return s, nil
}

// Status is always unknown: the child process exposes no live polling channel.
func (d *SubprocessDevice) Status(ctx context.Context) domain.ScannerStatus {
	return domain.ScannerStatusUnknown
}

// Calibrate is unsupported on this hardware.
func (d *SubprocessDevice) Calibrate(ctx context.Context) bool { return false }

type subprocessSession struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// lines carries image-path lines; closed after the process exits and
	// all output has been delivered. exitErr is set before the close.
	lines   chan string
	exitErr error

	endOnce sync.Once
	endErr  error
}

func (s *subprocessSession) readOutput(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.lines <- line
	}
	err := s.cmd.Wait()
	if err != nil {
		s.exitErr = fmt.Errorf("scanner process failed: %w", err)
		slog.Error("scanner: subprocess exited abnormally", "error", err)
	}
	close(s.lines)
}

// ScanSheet collects the next two image-path lines. When nothing is buffered
// it prompts the feeder for the next physical sheet (the equivalent of
// pressing return twice), then blocks until a pair arrives, the feed ends,
// or the process dies.
func (s *subprocessSession) ScanSheet(ctx context.Context) (*SheetImages, error) {
	var paths []string
	if len(s.lines) == 0 {
		s.continueFeed()
	}
	for len(paths) < 2 {
		select {
		case line, ok := <-s.lines:
			if !ok {
				if s.exitErr != nil {
					return nil, s.exitErr
				}
				if len(paths) > 0 {
					return nil, fmt.Errorf("scanner process ended mid-sheet (%d of 2 pages)", len(paths))
				}
				return nil, nil
			}
			paths = append(paths, line)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &SheetImages{Front: paths[0], Back: paths[1]}, nil
}

func (s *subprocessSession) continueFeed() {
	// Errors here only mean the process already exited; ScanSheet observes
	// that through the closed lines channel.
	_, _ = io.WriteString(s.stdin, "\n\n")
}

// This hardware has no accept/review/reject concept: the sheet already
// dropped through the feeder.
func (s *subprocessSession) AcceptSheet(ctx context.Context) bool { return true }
func (s *subprocessSession) ReviewSheet(ctx context.Context) bool { return true }
func (s *subprocessSession) RejectSheet(ctx context.Context) bool { return false }

func (s *subprocessSession) End() error {
	s.endOnce.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
				s.endErr = err
			}
		}
		// Wait for the reader to observe the exit so the process is reaped.
		for range s.lines {
		}
	})
	return s.endErr
}
