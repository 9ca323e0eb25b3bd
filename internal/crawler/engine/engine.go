package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"keyscout/internal"
	"keyscout/pkg/models"
)

// Processor defines how to crawl a single page.
// It returns extracted data items (T) and new links to follow.
type Processor[T any] interface {
	Process(ctx context.Context, url string) (data []T, links []string, err error)
}

// Sink defines how to persist the data.
type Sink[T any] interface {
	Save(ctx context.Context, batch []T) error
}

// Sinks fans one batch out to several sinks.
type Sinks[T any] []Sink[T]

func (s Sinks[T]) Save(ctx context.Context, batch []T) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Save(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config holds worker settings.
type Config struct {
	Workers       int
	MaxDepth      int
	BatchSize     int
	FlushInterval time.Duration
	// SaveTimeout bounds a single Sink.Save call.
	SaveTimeout time.Duration
	// StopGrace is how long the sink may keep draining after Stop. Once it
	// passes, pending saves are cancelled and unsaved results are dropped.
	StopGrace time.Duration
}

// State is the lifecycle of one crawl run.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

var ErrAlreadyRunning = errors.New("crawl already running")

// Progress is a point-in-time snapshot of a run.
type Progress struct {
	State      State
	Visited    int
	Discovered int
	Results    int
	Failed     int
	InFlight   int
	Elapsed    time.Duration
}

func (p Progress) Running() bool {
	return p.State == StateRunning
}

// Engine orchestrates the crawling process.
type Engine[T any] struct {
	config    Config
	processor Processor[T]
	sink      Sink[T]
	logger    *zap.Logger

	// State, guarded by mu. The frontier has its own lock.
	mu         sync.RWMutex
	state      State
	frontier   *Frontier
	results    []T
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
	stopStore  context.CancelFunc

	cancelled atomic.Bool
	failed    atomic.Int64
	rendering atomic.Int64
	dropped   atomic.Int64
}

// NewEngine builds an idle engine. sink may be nil.
func NewEngine[T any](cfg Config, proc Processor[T], sink Sink[T], logger *zap.Logger) *Engine[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 10 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	done := make(chan struct{})
	close(done)

	return &Engine[T]{
		config:    cfg,
		processor: proc,
		sink:      sink,
		logger:    logger,
		done:      done,
	}
}

// Run starts the crawler and blocks until the frontier drains or the run is stopped.
func (engine *Engine[T]) Run(ctx context.Context, seed string) error {
	if err := engine.Start(ctx, seed); err != nil {
		return err
	}
	<-engine.Done()
	return nil
}

// Start validates the input, resets all run state, seeds the frontier and
// launches the workers. It returns as soon as the workers are running.
// Cancelling ctx has the same effect as Stop.
func (engine *Engine[T]) Start(ctx context.Context, seed string) error {
	if engine.config.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", models.ErrInput, engine.config.Workers)
	}
	if engine.config.MaxDepth < 0 {
		return fmt.Errorf("%w: max depth must not be negative, got %d", models.ErrInput, engine.config.MaxDepth)
	}
	start, err := internal.NormalizeURL(seed)
	if err != nil {
		return fmt.Errorf("%w: seed url: %v", models.ErrInput, err)
	}

	engine.mu.Lock()
	if engine.state == StateRunning {
		engine.mu.Unlock()
		return ErrAlreadyRunning
	}
	frontier := NewFrontier(engine.config.MaxDepth)
	done := make(chan struct{})
	// The sink outlives ctx so results found before a stop still get saved,
	// but only until StopGrace after Stop.
	storeCtx, stopStore := context.WithCancel(context.WithoutCancel(ctx))
	engine.state = StateRunning
	engine.frontier = frontier
	engine.results = nil
	engine.startedAt = time.Now()
	engine.finishedAt = time.Time{}
	engine.done = done
	engine.stopStore = stopStore
	engine.cancelled.Store(false)
	engine.failed.Store(0)
	engine.dropped.Store(0)
	engine.mu.Unlock()

	frontier.Enqueue(start, 0)

	// 1. Start Storage Worker
	var stream chan T
	storageDone := make(chan struct{})
	if engine.sink != nil {
		stream = make(chan T, engine.config.BatchSize*2)
		go func() {
			defer close(storageDone)
			engine.startStorageWorker(storeCtx, stream)
		}()
	} else {
		close(storageDone)
	}

	stopOnCancel := context.AfterFunc(ctx, engine.Stop)

	// 2. Start Crawler Workers. Renders already begun are never interrupted,
	// so processors get a context that outlives cancellation of ctx.
	workCtx := context.WithoutCancel(ctx)
	var group errgroup.Group
	for i := 0; i < engine.config.Workers; i++ {
		id := i
		group.Go(func() error {
			engine.startCrawlWorker(workCtx, id, frontier, stream, storeCtx.Done())
			return nil
		})
	}

	engine.logger.Info("engine started",
		zap.String("seed", start),
		zap.Int("workers", engine.config.Workers),
		zap.Int("max_depth", engine.config.MaxDepth))

	go func() {
		_ = group.Wait()
		stopOnCancel()
		if stream != nil {
			close(stream)
		}
		select {
		case <-storageDone:
		case <-storeCtx.Done():
			engine.logger.Warn("sink did not drain after stop, abandoning pending saves")
		}
		stopStore()

		engine.mu.Lock()
		engine.finishedAt = time.Now()
		if engine.cancelled.Load() {
			engine.state = StateCancelled
		} else {
			engine.state = StateFinished
		}
		state := engine.state
		elapsed := engine.finishedAt.Sub(engine.startedAt)
		results := len(engine.results)
		engine.mu.Unlock()

		engine.logger.Info("engine stopped",
			zap.Stringer("state", state),
			zap.Int("visited", frontier.Visited()),
			zap.Int("discovered", frontier.Discovered()),
			zap.Int("results", results),
			zap.Int64("failed", engine.failed.Load()),
			zap.Int64("unsaved", engine.dropped.Load()),
			zap.Duration("elapsed", elapsed))
		close(done)
	}()

	return nil
}

// Stop asks the workers to finish. No new entry is claimed after Stop returns;
// pages already being rendered are allowed to complete. The sink gets
// StopGrace to drain, then its pending saves are cancelled. Safe to call repeatedly.
func (engine *Engine[T]) Stop() {
	engine.mu.RLock()
	running := engine.state == StateRunning
	frontier := engine.frontier
	stopStore := engine.stopStore
	engine.mu.RUnlock()

	if !running || !engine.cancelled.CompareAndSwap(false, true) {
		return
	}
	frontier.Close()
	time.AfterFunc(engine.config.StopGrace, stopStore)
	engine.logger.Info("stop requested")
}

// Done is closed once the current run has finished or been cancelled.
func (engine *Engine[T]) Done() <-chan struct{} {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.done
}

// Wait blocks until the run ends or ctx is done.
func (engine *Engine[T]) Wait(ctx context.Context) error {
	select {
	case <-engine.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (engine *Engine[T]) State() State {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.state
}

// Progress is safe to poll at any time.
func (engine *Engine[T]) Progress() Progress {
	engine.mu.RLock()
	p := Progress{State: engine.state, Results: len(engine.results)}
	frontier := engine.frontier
	startedAt, finishedAt := engine.startedAt, engine.finishedAt
	engine.mu.RUnlock()

	if frontier != nil {
		p.Visited = frontier.Visited()
		p.Discovered = frontier.Discovered()
	}
	p.Failed = int(engine.failed.Load())
	p.InFlight = int(engine.rendering.Load())

	switch {
	case startedAt.IsZero():
	case finishedAt.IsZero():
		p.Elapsed = time.Since(startedAt)
	default:
		p.Elapsed = finishedAt.Sub(startedAt)
	}
	return p
}

// Results returns a copy of everything collected so far, in completion order.
func (engine *Engine[T]) Results() []T {
	return engine.ResultsSince(0)
}

// ResultsSince returns a copy of the results after the first n.
func (engine *Engine[T]) ResultsSince(n int) []T {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(engine.results) {
		return nil
	}
	out := make([]T, len(engine.results)-n)
	copy(out, engine.results[n:])
	return out
}

func (engine *Engine[T]) startCrawlWorker(ctx context.Context, id int, frontier *Frontier, stream chan<- T, sinkGone <-chan struct{}) {
	for {
		entry, ok := frontier.Next()
		if !ok {
			return
		}
		// Fails once the frontier is closed, so nothing is claimed after Stop.
		if !frontier.TryClaim(entry.URL) {
			frontier.Done()
			continue
		}

		engine.process(ctx, id, frontier, entry, stream, sinkGone)
		frontier.Done()
	}
}

func (engine *Engine[T]) process(ctx context.Context, id int, frontier *Frontier, entry Entry, stream chan<- T, sinkGone <-chan struct{}) {
	engine.logger.Debug("processing",
		zap.Int("worker", id),
		zap.String("url", entry.URL),
		zap.Int("depth", entry.Depth))

	// Execute the Strategy
	engine.rendering.Add(1)
	data, outbound, err := engine.processor.Process(ctx, entry.URL)
	engine.rendering.Add(-1)
	if err != nil {
		engine.failed.Add(1)
		engine.logger.Warn("page failed",
			zap.Int("worker", id),
			zap.String("url", entry.URL),
			zap.Error(err))
		return
	}

	if len(data) > 0 {
		engine.mu.Lock()
		engine.results = append(engine.results, data...)
		engine.mu.Unlock()

		if stream != nil {
			if n := engine.send(stream, sinkGone, data); n > 0 {
				engine.logger.Warn("sink stopped, results not saved",
					zap.String("url", entry.URL),
					zap.Int("unsaved", n))
			}
		}
	}

	if entry.Depth >= engine.config.MaxDepth {
		return
	}
	queued := 0
	for _, link := range outbound {
		normalized, err := internal.NormalizeURL(link)
		if err != nil {
			continue
		}
		if frontier.Enqueue(normalized, entry.Depth+1) {
			queued++
		}
	}
	engine.logger.Debug("links queued",
		zap.String("url", entry.URL),
		zap.Int("found", len(outbound)),
		zap.Int("queued", queued))
}

// send streams data to the storage worker and returns how many items were
// dropped because the sink was cancelled first.
func (engine *Engine[T]) send(stream chan<- T, sinkGone <-chan struct{}, data []T) int {
	for i, item := range data {
		select {
		case stream <- item:
		case <-sinkGone:
			dropped := len(data) - i
			engine.dropped.Add(int64(dropped))
			return dropped
		}
	}
	return 0
}

func (engine *Engine[T]) startStorageWorker(ctx context.Context, stream <-chan T) {
	buffer := make([]T, 0, engine.config.BatchSize)
	ticker := time.NewTicker(engine.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		saveCtx, cancel := context.WithTimeout(ctx, engine.config.SaveTimeout)
		err := engine.sink.Save(saveCtx, buffer)
		cancel()
		if err != nil {
			engine.logger.Error("failed to save batch", zap.Int("size", len(buffer)), zap.Error(err))
		} else {
			engine.logger.Debug("saved batch", zap.Int("size", len(buffer)))
		}
		buffer = buffer[:0]
	}

	for {
		select {
		case item, ok := <-stream:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, item)
			if len(buffer) >= engine.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			return
		}
	}
}
