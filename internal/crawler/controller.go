package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"keyscout/internal"
	"keyscout/internal/crawler/engine"
	"keyscout/pkg/models"
)

// Request is what a collaborator supplies to start a crawl.
type Request struct {
	SeedURL        string
	Keyword        string
	MaxDepth       int
	MaxConcurrency int
}

// Validate reports bad input as models.ErrInput before any page is touched.
func (r Request) Validate() error {
	if _, err := internal.NormalizeURL(r.SeedURL); err != nil {
		return fmt.Errorf("%w: seed url: %v", models.ErrInput, err)
	}
	if strings.TrimSpace(r.Keyword) == "" {
		return fmt.Errorf("%w: keyword must not be empty", models.ErrInput)
	}
	if r.MaxDepth < 0 {
		return fmt.Errorf("%w: max depth must not be negative, got %d", models.ErrInput, r.MaxDepth)
	}
	if r.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max concurrency must be at least 1, got %d", models.ErrInput, r.MaxConcurrency)
	}
	return nil
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	// RateLimit is the minimum spacing between renders of the same host. Zero disables it.
	RateLimit time.Duration
}

// Controller runs keyword crawls one at a time and exposes their progress and results.
// Use one Controller per concurrent crawl.
type Controller struct {
	renderer Renderer
	sink     engine.Sink[models.MatchRecord]
	opts     Options
	logger   *zap.Logger

	mu     sync.RWMutex
	engine *engine.Engine[models.MatchRecord]
	req    Request
	runID  string
}

// NewController wires a controller. sink may be nil.
func NewController(renderer Renderer, sink engine.Sink[models.MatchRecord], opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		renderer: renderer,
		sink:     sink,
		opts:     opts,
		logger:   logger,
	}
}

// StartCrawl validates req and starts a new run in the background.
func (c *Controller) StartCrawl(ctx context.Context, req Request) error {
	req.Keyword = strings.TrimSpace(req.Keyword)
	if err := req.Validate(); err != nil {
		return err
	}
	matcher, err := NewMatcher(req.Keyword)
	if err != nil {
		return err
	}
	filter, err := NewInDomainFilter(req.SeedURL)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInput, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine != nil && c.engine.State() == engine.StateRunning {
		return engine.ErrAlreadyRunning
	}

	runID := uuid.NewString()
	proc := &KeywordProcessor{
		RunID:     runID,
		Renderer:  c.renderer,
		Matcher:   matcher,
		Filter:    filter,
		DomainMgr: NewDomainManager(c.opts.RateLimit),
	}
	cfg := engine.Config{
		Workers:       req.MaxConcurrency,
		MaxDepth:      req.MaxDepth,
		BatchSize:     c.opts.BatchSize,
		FlushInterval: c.opts.FlushInterval,
	}
	logger := c.logger.With(zap.String("run_id", runID))
	eng := engine.NewEngine[models.MatchRecord](cfg, proc, c.sink, logger)
	if err := eng.Start(ctx, req.SeedURL); err != nil {
		return err
	}

	c.engine = eng
	c.req = req
	c.runID = runID
	logger.Info("crawl started",
		zap.String("seed", req.SeedURL),
		zap.String("keyword", req.Keyword),
		zap.Int("max_depth", req.MaxDepth),
		zap.Int("max_concurrency", req.MaxConcurrency))
	return nil
}

// StopCrawl requests cooperative cancellation of the current run. Idempotent.
func (c *Controller) StopCrawl() {
	if eng := c.current(); eng != nil {
		eng.Stop()
	}
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed when the current run ends. Before the first run it is already closed.
func (c *Controller) Done() <-chan struct{} {
	if eng := c.current(); eng != nil {
		return eng.Done()
	}
	return closedDone
}

// Wait blocks until the current run ends or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	eng := c.current()
	if eng == nil {
		return nil
	}
	return eng.Wait(ctx)
}

func (c *Controller) Progress() engine.Progress {
	if eng := c.current(); eng != nil {
		return eng.Progress()
	}
	return engine.Progress{}
}

func (c *Controller) Results() []models.MatchRecord {
	return c.ResultsSince(0)
}

// ResultsSince returns the records after the first n, for displays that poll incrementally.
func (c *Controller) ResultsSince(n int) []models.MatchRecord {
	if eng := c.current(); eng != nil {
		return eng.ResultsSince(n)
	}
	return nil
}

func (c *Controller) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// Status is the progress snapshot in the shape published to collaborators.
func (c *Controller) Status() models.CrawlStatus {
	c.mu.RLock()
	req, runID := c.req, c.runID
	c.mu.RUnlock()

	p := c.Progress()
	return models.CrawlStatus{
		RunID:      runID,
		SeedURL:    req.SeedURL,
		Keyword:    req.Keyword,
		State:      p.State.String(),
		Visited:    p.Visited,
		Discovered: p.Discovered,
		Results:    p.Results,
		Failed:     p.Failed,
		ElapsedMS:  p.Elapsed.Milliseconds(),
		UpdatedAt:  time.Now().UTC(),
	}
}

func (c *Controller) current() *engine.Engine[models.MatchRecord] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}
