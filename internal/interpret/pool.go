// Package interpret runs CPU-bound ballot page interpretation on a fixed
// pool of workers so the orchestration loop never blocks on image work.
// Workers are reachable only through request/reply messages; each owns its
// interpreter state and must see a configure message before any page.
package interpret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"scanstation/internal/domain"
)

// Action discriminates pool requests.
type Action string

const (
	// ActionConfigure loads election, layouts and thresholds into a worker.
	ActionConfigure Action = "configure"
	// ActionDetect recovers page metadata without interpreting marks.
	ActionDetect Action = "detect"
	// ActionInterpret fully interprets a page against the configuration.
	ActionInterpret Action = "interpret"
)

// WorkerConfig is the broadcast configuration payload.
type WorkerConfig struct {
	Election      domain.ElectionDefinition
	Layouts       []domain.PageLayout
	Thresholds    domain.MarkThresholds
	TestMode      bool
	PrecinctID    string
	SkipHashCheck bool
	// AdjudicationReasons are the reasons that make a page require review.
	AdjudicationReasons []domain.AdjudicationReason
}

// Request is one unit of work for a worker.
type Request struct {
	Action    Action
	ImagePath string
	Config    *WorkerConfig
}

// Result is a worker's reply.
type Result struct {
	Interpretation domain.Interpretation
	NormalizedPath string
}

// Worker is the stateful per-goroutine interpreter.
type Worker interface {
	Configure(cfg WorkerConfig)
	Configured() bool
	Detect(imagePath string) domain.Interpretation
	Interpret(imagePath string) (domain.Interpretation, string)
}

var errNotConfigured = errors.New("interpreter worker not configured")

type call struct {
	req   Request
	reply chan callResult
}

type callResult struct {
	res Result
	err error
}

// Pool is a fixed-size set of interpreter workers. CallOne dispatches to any
// worker; CallAll broadcasts to every worker and waits for all replies.
type Pool struct {
	Size int
	// NewWorker builds each worker's interpreter; defaults to the page
	// interpreter in this package.
	NewWorker func() Worker

	mu      sync.Mutex
	started bool
	shared  chan call
	private []chan call
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 2
	}
	return &Pool{Size: size}
}

// Start launches the workers. Calling Start on a running pool is an error.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("interpreter pool already started")
	}
	newWorker := p.NewWorker
	if newWorker == nil {
		newWorker = func() Worker { return &PageInterpreter{} }
	}
	p.shared = make(chan call)
	p.private = make([]chan call, p.Size)
	p.done = make(chan struct{})
	for i := range p.private {
		p.private[i] = make(chan call)
		p.wg.Add(1)
		go p.run(i, newWorker(), p.private[i], p.shared, p.done)
	}
	p.started = true
	slog.Info("interpret: pool started", "workers", p.Size)
	return nil
}

// Stop tears the workers down. Safe to call on a pool that never started,
// and safe to call twice. The request channels stay open so a caller blocked
// on dispatch gets a stop error instead of a panic.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	close(p.done)
	p.started = false
	p.mu.Unlock()
	p.wg.Wait()
	slog.Info("interpret: pool stopped")
}

func (p *Pool) run(id int, w Worker, private, shared chan call, done chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-done:
			return
		case c := <-private:
			p.handle(id, w, c)
		case c := <-shared:
			p.handle(id, w, c)
		}
	}
}

func (p *Pool) handle(id int, w Worker, c call) {
	var result callResult
	switch c.req.Action {
	case ActionConfigure:
		if c.req.Config == nil {
			result.err = fmt.Errorf("configure request missing config")
			break
		}
		w.Configure(*c.req.Config)
	case ActionDetect:
		if !w.Configured() {
			result.err = errNotConfigured
			break
		}
		result.res.Interpretation = w.Detect(c.req.ImagePath)
	case ActionInterpret:
		if !w.Configured() {
			result.err = errNotConfigured
			break
		}
		interp, normalized := w.Interpret(c.req.ImagePath)
		result.res = Result{Interpretation: interp, NormalizedPath: normalized}
	default:
		result.err = fmt.Errorf("unknown interpreter action %q", c.req.Action)
	}
	if result.err != nil {
		slog.Debug("interpret: request failed", "worker", id, "action", string(c.req.Action), "error", result.err)
	}
	c.reply <- result
}

// CallOne dispatches one request to any available worker. Multiple CallOne
// requests may be in flight at once.
func (p *Pool) CallOne(ctx context.Context, req Request) (Result, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return Result{}, fmt.Errorf("interpreter pool not started")
	}
	shared := p.shared
	done := p.done
	p.mu.Unlock()

	c := call{req: req, reply: make(chan callResult, 1)}
	select {
	case shared <- c:
	case <-done:
		return Result{}, fmt.Errorf("interpreter pool stopped")
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// CallAll broadcasts a request to every worker and waits for all replies.
// The importer only calls this while no scan batch is in progress, so it is
// never concurrent with CallOne.
func (p *Pool) CallAll(ctx context.Context, req Request) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("interpreter pool not started")
	}
	private := p.private
	done := p.done
	p.mu.Unlock()

	replies := make([]chan callResult, len(private))
	for i, ch := range private {
		c := call{req: req, reply: make(chan callResult, 1)}
		replies[i] = c.reply
		select {
		case ch <- c:
		case <-done:
			return fmt.Errorf("interpreter pool stopped")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, reply := range replies {
		select {
		case r := <-reply:
			if r.err != nil {
				return r.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
