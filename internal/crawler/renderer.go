package crawler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"keyscout/pkg/models"
)

// Renderer fetches a page and runs its scripts before handing back the result.
type Renderer interface {
	Render(ctx context.Context, url string) (*models.PageData, error)
}

// DefaultUserAgents is the pool a user agent is drawn from for every page.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

type RendererConfig struct {
	PageTimeout   time.Duration
	SettleTimeout time.Duration
	JitterMin     time.Duration
	JitterMax     time.Duration
	Headless      bool
	ExecPath      string
	UserAgents    []string
}

func DefaultRendererConfig() RendererConfig {
	return RendererConfig{
		PageTimeout:   30 * time.Second,
		SettleTimeout: 10 * time.Second,
		JitterMin:     500 * time.Millisecond,
		JitterMax:     2 * time.Second,
		Headless:      true,
		UserAgents:    DefaultUserAgents,
	}
}

// ChromeRenderer drives one headless Chrome process. Every Render call opens
// its own browser context (separate cookies, cache and storage) and disposes
// of it before returning, so no state leaks between pages or workers.
type ChromeRenderer struct {
	cfg    RendererConfig
	parser *Parser
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromeRenderer launches the browser. Call Close to shut it down.
func NewChromeRenderer(ctx context.Context, cfg RendererConfig, logger *zap.Logger) (*ChromeRenderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// An empty Run starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	logger.Info("browser started", zap.Bool("headless", cfg.Headless))

	return &ChromeRenderer{
		cfg:           cfg,
		parser:        NewParser(nil),
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Render loads url in a fresh browser context and returns the rendered HTML and its text.
// Every failure is reported as models.ErrPageFetch.
func (r *ChromeRenderer) Render(ctx context.Context, url string) (*models.PageData, error) {
	if err := r.jitter(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrPageFetch, url, err)
	}
	start := time.Now()

	tabCtx, closeTab := chromedp.NewContext(r.browserCtx, chromedp.WithNewBrowserContext())
	stopOnCancel := context.AfterFunc(ctx, closeTab)
	defer func() {
		stopOnCancel()
		if err := chromedp.Cancel(tabCtx); err != nil {
			r.logger.Debug("page cleanup failed", zap.String("url", url), zap.Error(err))
		}
		closeTab()
	}()

	runCtx, cancel := context.WithTimeout(tabCtx, r.cfg.PageTimeout)
	defer cancel()

	idle := make(chan cdp.LoaderID, 16)
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
			select {
			case idle <- e.LoaderID:
			default:
			}
		}
	})

	var loaderID cdp.LoaderID
	var htmlContent string
	err := chromedp.Run(runCtx,
		emulation.SetUserAgentOverride(r.pickUserAgent()),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(ctx)
			return err
		}),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, id, errorText, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errorText != "" {
				return fmt.Errorf("navigate: %s", errorText)
			}
			loaderID = id
			return nil
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return r.waitNetworkIdle(ctx, idle, loaderID, url)
		}),
		chromedp.OuterHTML("html", &htmlContent, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrPageFetch, url, err)
	}

	data, err := r.parser.Extract(strings.NewReader(htmlContent), url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: parse rendered html: %v", models.ErrPageFetch, url, err)
	}
	data.HTML = htmlContent
	data.LoadTime = time.Since(start)

	r.logger.Debug("page rendered",
		zap.String("url", url),
		zap.Int("html_bytes", len(htmlContent)),
		zap.Duration("load_time", data.LoadTime))
	return &data, nil
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() error {
	err := chromedp.Cancel(r.browserCtx)
	r.browserCancel()
	r.allocCancel()
	return err
}

// waitNetworkIdle blocks until the document behind loaderID reports network
// idle. Pages that keep polling never get there, so SettleTimeout ends the
// wait without failing the page.
func (r *ChromeRenderer) waitNetworkIdle(ctx context.Context, idle <-chan cdp.LoaderID, loaderID cdp.LoaderID, url string) error {
	timer := time.NewTimer(r.cfg.SettleTimeout)
	defer timer.Stop()
	for {
		select {
		case id := <-idle:
			if id == loaderID {
				return nil
			}
		case <-timer.C:
			r.logger.Debug("network not idle, continuing", zap.String("url", url), zap.Duration("waited", r.cfg.SettleTimeout))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// jitter sleeps a random duration in [JitterMin, JitterMax].
func (r *ChromeRenderer) jitter(ctx context.Context) error {
	d := r.cfg.JitterMin
	if span := r.cfg.JitterMax - r.cfg.JitterMin; span > 0 {
		d += rand.N(span)
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ChromeRenderer) pickUserAgent() string {
	return r.cfg.UserAgents[rand.IntN(len(r.cfg.UserAgents))]
}
