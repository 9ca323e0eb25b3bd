package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"keyscout/pkg/models"
)

type fakePage struct {
	data  []string
	links []string
	err   error
}

// siteProcessor serves a fixed link graph and records every call.
type siteProcessor struct {
	pages map[string]fakePage
	delay time.Duration
	block chan struct{}

	mu      sync.Mutex
	calls   map[string]int
	current atomic.Int64
	peak    atomic.Int64
	started chan string
}

func newSiteProcessor(pages map[string]fakePage) *siteProcessor {
	return &siteProcessor{
		pages:   pages,
		calls:   make(map[string]int),
		started: make(chan string, 128),
	}
}

func (p *siteProcessor) Process(_ context.Context, url string) ([]string, []string, error) {
	n := p.current.Add(1)
	defer p.current.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.mu.Lock()
	p.calls[url]++
	p.mu.Unlock()
	p.started <- url

	if p.block != nil {
		<-p.block
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	page, ok := p.pages[url]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s not found", models.ErrPageFetch, url)
	}
	return page.data, page.links, page.err
}

func (p *siteProcessor) callCount() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.calls))
	for k, v := range p.calls {
		out[k] = v
	}
	return out
}

type memorySink struct {
	mu    sync.Mutex
	items []string
}

func (s *memorySink) Save(_ context.Context, batch []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, batch...)
	return nil
}

func TestEngine_VisitsEachURLOnce(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/":  {data: []string{"root"}, links: []string{"https://example.com/a", "https://example.com/b", "https://example.com/a#frag"}},
		"https://example.com/a": {data: []string{"a"}, links: []string{"https://example.com/", "https://example.com/b"}},
		"https://example.com/b": {data: []string{"b"}, links: []string{"https://example.com/a", "https://EXAMPLE.com/"}},
	})
	proc.delay = 10 * time.Millisecond

	eng := NewEngine[string](Config{Workers: 3, MaxDepth: 5}, proc, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Run(context.Background(), "https://example.com"))

	for url, n := range proc.callCount() {
		assert.Equal(t, 1, n, "url %s processed more than once", url)
	}
	assert.Len(t, proc.callCount(), 3)

	progress := eng.Progress()
	assert.Equal(t, StateFinished, progress.State)
	assert.False(t, progress.Running())
	assert.Equal(t, 3, progress.Visited)
	assert.Equal(t, 3, progress.Results)
	assert.ElementsMatch(t, []string{"root", "a", "b"}, eng.Results())
}

func TestEngine_RespectsMaxDepth(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/":  {links: []string{"https://example.com/1"}},
		"https://example.com/1": {links: []string{"https://example.com/2"}},
		"https://example.com/2": {links: []string{"https://example.com/3"}},
		"https://example.com/3": {links: []string{"https://example.com/4"}},
	})

	eng := NewEngine[string](Config{Workers: 2, MaxDepth: 2}, proc, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Run(context.Background(), "https://example.com/"))

	calls := proc.callCount()
	assert.Len(t, calls, 3)
	assert.NotContains(t, calls, "https://example.com/3")
	assert.Equal(t, 3, eng.Progress().Visited)
}

func TestEngine_DepthZeroOnlyRendersSeed(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/": {data: []string{"x"}, links: []string{"https://example.com/next"}},
	})

	eng := NewEngine[string](Config{Workers: 1, MaxDepth: 0}, proc, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Run(context.Background(), "https://example.com/"))

	assert.Equal(t, map[string]int{"https://example.com/": 1}, proc.callCount())
	assert.Equal(t, 1, eng.Progress().Discovered)
}

func TestEngine_BoundsConcurrency(t *testing.T) {
	pages := map[string]fakePage{}
	var children []string
	for i := 0; i < 20; i++ {
		u := fmt.Sprintf("https://example.com/p%d", i)
		children = append(children, u)
		pages[u] = fakePage{}
	}
	pages["https://example.com/"] = fakePage{links: children}

	proc := newSiteProcessor(pages)
	proc.delay = 20 * time.Millisecond

	eng := NewEngine[string](Config{Workers: 4, MaxDepth: 1}, proc, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Run(context.Background(), "https://example.com/"))

	assert.LessOrEqual(t, proc.peak.Load(), int64(4))
	assert.Len(t, proc.callCount(), 21)
}

func TestEngine_WaitsForInFlightPagesBeforeFinishing(t *testing.T) {
	// The seed is slow and is the only source of links. Idle workers must keep
	// waiting for it instead of treating the momentarily empty queue as done.
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/":  {links: []string{"https://example.com/a", "https://example.com/b"}},
		"https://example.com/a": {},
		"https://example.com/b": {},
	})
	proc.block = make(chan struct{})

	eng := NewEngine[string](Config{Workers: 3, MaxDepth: 1}, proc, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Start(context.Background(), "https://example.com/"))

	assert.Equal(t, "https://example.com/", <-proc.started)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateRunning, eng.State())
	close(proc.block)

	require.NoError(t, eng.Wait(context.Background()))
	assert.Len(t, proc.callCount(), 3)
	assert.Equal(t, StateFinished, eng.State())
}

func TestEngine_StopLetsInFlightPageFinish(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/":  {data: []string{"seed"}, links: []string{"https://example.com/a"}},
		"https://example.com/a": {data: []string{"a"}},
	})
	proc.block = make(chan struct{})

	eng := NewEngine[string](Config{Workers: 2, MaxDepth: 3}, proc, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Start(context.Background(), "https://example.com/"))

	<-proc.started
	eng.Stop()
	eng.Stop()
	close(proc.block)

	require.NoError(t, eng.Wait(context.Background()))
	assert.Equal(t, StateCancelled, eng.State())
	assert.Equal(t, map[string]int{"https://example.com/": 1}, proc.callCount())
	assert.Equal(t, []string{"seed"}, eng.Results())
}

func TestEngine_ContextCancelStops(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/": {links: []string{"https://example.com/a"}},
	})
	proc.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	eng := NewEngine[string](Config{Workers: 1, MaxDepth: 1}, proc, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Start(ctx, "https://example.com/"))

	<-proc.started
	cancel()
	require.Eventually(t, eng.cancelled.Load, time.Second, 5*time.Millisecond)
	close(proc.block)

	require.NoError(t, eng.Wait(context.Background()))
	assert.Equal(t, StateCancelled, eng.State())
	assert.Len(t, proc.callCount(), 1)
}

func TestEngine_PageErrorsDoNotAbort(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/":       {data: []string{"ok"}, links: []string{"https://example.com/broken", "https://example.com/missing", "https://example.com/fine"}},
		"https://example.com/broken": {data: []string{"ignored"}, links: []string{"https://example.com/never"}, err: errors.New("render failed")},
		"https://example.com/fine":   {data: []string{"fine"}},
	})

	eng := NewEngine[string](Config{Workers: 2, MaxDepth: 2}, proc, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Run(context.Background(), "https://example.com/"))

	progress := eng.Progress()
	assert.Equal(t, StateFinished, progress.State)
	assert.Equal(t, 2, progress.Failed)
	assert.Equal(t, 4, progress.Visited)
	assert.ElementsMatch(t, []string{"ok", "fine"}, eng.Results())
	assert.NotContains(t, proc.callCount(), "https://example.com/never")
}

func TestEngine_RejectsBadInput(t *testing.T) {
	proc := newSiteProcessor(nil)

	tests := []struct {
		name string
		cfg  Config
		seed string
	}{
		{name: "no scheme", cfg: Config{Workers: 1}, seed: "example.com"},
		{name: "unsupported scheme", cfg: Config{Workers: 1}, seed: "ftp://example.com"},
		{name: "zero workers", cfg: Config{Workers: 0}, seed: "https://example.com"},
		{name: "negative depth", cfg: Config{Workers: 1, MaxDepth: -1}, seed: "https://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := NewEngine[string](tt.cfg, proc, nil, zaptest.NewLogger(t))
			err := eng.Start(context.Background(), tt.seed)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInput)
			assert.Equal(t, StateIdle, eng.State())
		})
	}
	assert.Empty(t, proc.callCount())
}

func TestEngine_RejectsSecondStart(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{"https://example.com/": {}})
	proc.block = make(chan struct{})

	eng := NewEngine[string](Config{Workers: 1}, proc, nil, zaptest.NewLogger(t))
	require.NoError(t, eng.Start(context.Background(), "https://example.com/"))
	assert.ErrorIs(t, eng.Start(context.Background(), "https://example.com/"), ErrAlreadyRunning)

	close(proc.block)
	require.NoError(t, eng.Wait(context.Background()))

	// A finished engine can be started again with fresh state.
	proc.block = nil
	require.NoError(t, eng.Run(context.Background(), "https://example.com/"))
	assert.Equal(t, 1, eng.Progress().Visited)
	assert.Equal(t, 2, proc.callCount()["https://example.com/"])
}

func TestEngine_StreamsResultsToSink(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/":  {data: []string{"1", "2"}, links: []string{"https://example.com/a"}},
		"https://example.com/a": {data: []string{"3"}},
	})
	sink := &memorySink{}

	eng := NewEngine[string](Config{Workers: 2, MaxDepth: 1, BatchSize: 2, FlushInterval: time.Hour}, proc, sink, zaptest.NewLogger(t))
	require.NoError(t, eng.Run(context.Background(), "https://example.com/"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.ElementsMatch(t, []string{"1", "2", "3"}, sink.items)
}

func TestEngine_ResultsSince(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/": {data: []string{"a", "b", "c"}},
	})
	eng := NewEngine[string](Config{Workers: 1}, proc, nil, zaptest.NewLogger(t))
	assert.Nil(t, eng.Results())

	require.NoError(t, eng.Run(context.Background(), "https://example.com/"))

	assert.Equal(t, []string{"b", "c"}, eng.ResultsSince(1))
	assert.Nil(t, eng.ResultsSince(3))
	assert.Equal(t, []string{"a", "b", "c"}, eng.ResultsSince(-1))
}

func TestSinks_JoinsErrors(t *testing.T) {
	good := &memorySink{}
	sinks := Sinks[string]{good, failingSink{}}

	err := sinks.Save(context.Background(), []string{"x"})
	assert.Error(t, err)
	assert.Equal(t, []string{"x"}, good.items)
}

type failingSink struct{}

func (failingSink) Save(context.Context, []string) error {
	return errors.New("boom")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "finished", StateFinished.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
}

// stuckSink ignores its context and blocks until released.
type stuckSink struct {
	release chan struct{}
}

func (s *stuckSink) Save(context.Context, []string) error {
	<-s.release
	return nil
}

func TestEngine_StopAbandonsStuckSink(t *testing.T) {
	children := make([]string, 0, 200)
	pages := map[string]fakePage{}
	for i := 0; i < 200; i++ {
		u := fmt.Sprintf("https://example.com/%d", i)
		children = append(children, u)
		pages[u] = fakePage{data: []string{u}}
	}
	pages["https://example.com/"] = fakePage{data: []string{"seed"}, links: children}
	proc := newSiteProcessor(pages)
	proc.started = make(chan string, 512)

	sink := &stuckSink{release: make(chan struct{})}
	t.Cleanup(func() { close(sink.release) })

	cfg := Config{Workers: 2, MaxDepth: 1, BatchSize: 1, StopGrace: 50 * time.Millisecond}
	eng := NewEngine[string](cfg, proc, sink, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx, "https://example.com/"))
	// One item stuck in Save, two buffered, both workers holding a result.
	require.Eventually(t, func() bool { return len(proc.callCount()) >= 5 }, time.Second, time.Millisecond)

	cancel()
	eng.Stop()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, eng.Wait(waitCtx))
	assert.Equal(t, StateCancelled, eng.State())
	assert.Positive(t, eng.dropped.Load())
	assert.Less(t, len(proc.callCount()), 201)
}

// slowSink blocks until its context ends and records why.
type slowSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *slowSink) Save(ctx context.Context, _ []string) error {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, ctx.Err())
	return ctx.Err()
}

func TestEngine_SaveTimeoutBoundsEachSave(t *testing.T) {
	proc := newSiteProcessor(map[string]fakePage{
		"https://example.com/": {data: []string{"a"}},
	})
	sink := &slowSink{}

	cfg := Config{Workers: 1, BatchSize: 1, SaveTimeout: 20 * time.Millisecond}
	eng := NewEngine[string](cfg, proc, sink, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Start(context.Background(), "https://example.com/"))
	require.NoError(t, eng.Wait(ctx))

	assert.Equal(t, StateFinished, eng.State())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.errs, 1)
	assert.ErrorIs(t, sink.errs[0], context.DeadlineExceeded)
}
