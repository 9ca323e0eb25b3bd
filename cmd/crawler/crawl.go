package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"keyscout/internal/config"
	"keyscout/internal/crawler"
	"keyscout/internal/crawler/engine"
	"keyscout/internal/export"
	"keyscout/internal/kafka"
	"keyscout/internal/storage"
	"keyscout/internal/store"
	"keyscout/pkg/models"
)

const (
	dbConnectAttempts = 10
	dbConnectDelay    = 2 * time.Second
	statusInterval    = time.Second
)

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site and report every occurrence of a keyword",
		Long: `Crawl starts at --url, renders each page in headless Chrome, and follows
links on the same host until --depth is reached.

Press Ctrl-C once to stop after the pages being rendered finish.
Press it again to abort them.

Examples:
  # Search two levels deep with three browser tabs
  keyscout crawl --url https://example.com --keyword pricing

  # Export results and skip the table
  keyscout crawl -u https://example.com -k pricing --csv matches.csv --no-table

  # Excel workbook instead
  keyscout crawl -u https://example.com -k pricing --xlsx matches.xlsx`,
		Args: cobra.NoArgs,
		RunE: runCrawlCmd,
	}

	cmd.Flags().StringP("url", "u", "", "Page to start crawling from (START_URL)")
	cmd.Flags().StringP("keyword", "k", "", "Keyword to search for, case-insensitive (KEYWORD)")
	cmd.Flags().IntP("depth", "d", 2, "Maximum link depth from the start page (MAX_DEPTH)")
	cmd.Flags().IntP("workers", "w", 3, "Pages rendered at the same time (WORKERS)")
	cmd.Flags().Duration("rate-limit", 0, "Minimum time between two renders of the same host (RATE_LIMIT)")
	cmd.Flags().Duration("page-timeout", 30*time.Second, "Time allowed for one page to load (PAGE_TIMEOUT)")
	cmd.Flags().Bool("headless", true, "Run Chrome without a window (HEADLESS)")
	cmd.Flags().String("chrome-path", "", "Chrome binary to use (CHROME_PATH)")
	cmd.Flags().String("csv", "", "Write results to this CSV file")
	cmd.Flags().String("xlsx", "", "Write results to this Excel file")
	cmd.Flags().Bool("no-table", false, "Do not print the result table")

	return cmd
}

// runCrawlCmd executes the crawl command.
func runCrawlCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	csvPath, _ := cmd.Flags().GetString("csv")
	xlsxPath, _ := cmd.Flags().GetString("xlsx")
	noTable, _ := cmd.Flags().GetBool("no-table")
	ctx := cmd.Context()

	renderer, err := crawler.NewChromeRenderer(ctx, rendererConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer renderer.Close() //nolint:errcheck

	sink, closeSinks, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	var status store.StatusStore
	if cfg.RedisAddr != "" {
		redisStore := store.NewRedisStatusStore(cfg.RedisAddr, cfg.RedisPrefix, cfg.StatusTTL)
		defer redisStore.Close()
		if err := redisStore.Ping(ctx); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		status = redisStore
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	run := &crawlRun{
		cfg:         cfg,
		renderer:    renderer,
		sink:        sink,
		status:      status,
		signals:     sigCh,
		abort:       func() { _ = renderer.Close() },
		csvPath:     csvPath,
		xlsxPath:    xlsxPath,
		noTable:     noTable,
		out:         cmd.OutOrStdout(),
		errOut:      cmd.ErrOrStderr(),
		logger:      logger,
		statusEvery: statusInterval,
	}
	return run.execute(ctx)
}

// applyFlags copies the flags the user set onto cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var errs []error
	set := func(name string, apply func() error) {
		if flags.Changed(name) {
			errs = append(errs, apply())
		}
	}
	set("url", func() (err error) { cfg.StartURL, err = flags.GetString("url"); return })
	set("keyword", func() (err error) { cfg.Keyword, err = flags.GetString("keyword"); return })
	set("depth", func() (err error) { cfg.MaxDepth, err = flags.GetInt("depth"); return })
	set("workers", func() (err error) { cfg.Workers, err = flags.GetInt("workers"); return })
	set("rate-limit", func() (err error) { cfg.RateLimit, err = flags.GetDuration("rate-limit"); return })
	set("page-timeout", func() (err error) { cfg.PageTimeout, err = flags.GetDuration("page-timeout"); return })
	set("headless", func() (err error) { cfg.Headless, err = flags.GetBool("headless"); return })
	set("chrome-path", func() (err error) { cfg.ChromePath, err = flags.GetString("chrome-path"); return })

	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, _ = cmd.Root().PersistentFlags().GetBool("verbose")
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return errors.Join(errs...)
}

func rendererConfig(cfg *config.Config) crawler.RendererConfig {
	rc := crawler.DefaultRendererConfig()
	rc.PageTimeout = cfg.PageTimeout
	rc.SettleTimeout = cfg.SettleTimeout
	rc.JitterMin = cfg.JitterMin
	rc.JitterMax = cfg.JitterMax
	rc.Headless = cfg.Headless
	rc.ExecPath = cfg.ChromePath
	return rc
}

// openSinks connects every sink that has an address configured. The returned
// sink is nil when none is.
func openSinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.Sink[models.MatchRecord], func(), error) {
	var sinks engine.Sinks[models.MatchRecord]
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("failed to close sink", zap.Error(err))
			}
		}
	}

	if cfg.DatabaseURL != "" {
		db, err := storage.Connect(ctx, cfg.DBDriver, cfg.DatabaseURL, dbConnectAttempts, dbConnectDelay, logger)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, storage.NewMatchSink(db, logger))
	}

	if cfg.KafkaBroker != "" {
		producer := kafka.NewProducer(cfg.KafkaBroker, cfg.KafkaTopic)
		closers = append(closers, producer.Close)
		sinks = append(sinks, producer)
		logger.Info("publishing matches to kafka", zap.String("broker", cfg.KafkaBroker), zap.String("topic", cfg.KafkaTopic))
	}

	if len(sinks) == 0 {
		return nil, closeAll, nil
	}
	return sinks, closeAll, nil
}

// crawlRun drives one crawl from the terminal: live status, interrupts and the final report.
type crawlRun struct {
	cfg      *config.Config
	renderer crawler.Renderer
	sink     engine.Sink[models.MatchRecord]
	status   store.StatusStore

	// First value on signals stops the crawl; the second calls abort.
	signals <-chan os.Signal
	abort   func()

	csvPath  string
	xlsxPath string
	noTable  bool

	out         io.Writer
	errOut      io.Writer
	logger      *zap.Logger
	statusEvery time.Duration
}

func (r *crawlRun) execute(ctx context.Context) error {
	controller := crawler.NewController(r.renderer, r.sink, crawler.Options{
		BatchSize:     r.cfg.BatchSize,
		FlushInterval: r.cfg.FlushInterval,
		RateLimit:     r.cfg.RateLimit,
	}, r.logger)

	err := controller.StartCrawl(ctx, crawler.Request{
		SeedURL:        r.cfg.StartURL,
		Keyword:        r.cfg.Keyword,
		MaxDepth:       r.cfg.MaxDepth,
		MaxConcurrency: r.cfg.Workers,
	})
	if err != nil {
		return err
	}

	published := make(chan struct{})
	if r.status != nil {
		go func() {
			defer close(published)
			store.Publish(ctx, r.status, r.statusEvery, controller.Done(), controller.Status, r.logger)
		}()
	} else {
		close(published)
	}

	fmt.Fprintf(r.errOut, "Searching %s for %q (depth %d, %d workers)\n",
		r.cfg.StartURL, controller.Status().Keyword, r.cfg.MaxDepth, r.cfg.Workers)

	ticker := time.NewTicker(r.statusEvery)
	defer ticker.Stop()
	interrupts := 0
	statusShown := false

wait:
	for {
		select {
		case <-controller.Done():
			break wait
		case <-ticker.C:
			r.printStatus(controller.Progress())
			statusShown = true
		case <-r.signals:
			interrupts++
			if statusShown {
				fmt.Fprintln(r.errOut)
			}
			if interrupts == 1 {
				fmt.Fprintln(r.errOut, "Stopping once the pages in progress finish. Press Ctrl-C again to abort them.")
				controller.StopCrawl()
			} else {
				fmt.Fprintln(r.errOut, "Aborting.")
				if r.abort != nil {
					r.abort()
				}
			}
		}
	}
	if statusShown {
		fmt.Fprintln(r.errOut)
	}
	<-published

	results := controller.Results()
	printSummary(r.out, controller.Progress(), len(results))
	if !r.noTable && len(results) > 0 {
		printResults(r.out, results)
	}
	if r.csvPath != "" {
		if err := writeFile(r.csvPath, results, export.WriteCSV); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Results written to %s\n", r.csvPath)
	}
	if r.xlsxPath != "" {
		if err := writeFile(r.xlsxPath, results, export.WriteXLSX); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Results written to %s\n", r.xlsxPath)
	}
	return nil
}

func (r *crawlRun) printStatus(p engine.Progress) {
	fmt.Fprintf(r.errOut, "\rVisited: %d | Rendering: %d | Results: %d | Elapsed: %s   ",
		p.Visited, p.InFlight, p.Results, p.Elapsed.Truncate(time.Second))
}

func printSummary(w io.Writer, p engine.Progress, results int) {
	fmt.Fprintf(w, "Crawl %s in %s: %d results, %d pages visited of %d discovered",
		p.State, p.Elapsed.Round(time.Millisecond), results, p.Visited, p.Discovered)
	if p.Failed > 0 {
		fmt.Fprintf(w, ", %d failed", p.Failed)
	}
	fmt.Fprintln(w)
}

func printResults(w io.Writer, records []models.MatchRecord) {
	tbl := table.New("Time", "URL", "Match", "Context").WithWriter(w)
	for _, r := range records {
		tbl.AddRow(r.Timestamp.Format(export.TimeLayout), r.URL, r.Match, r.Context)
	}
	tbl.Print()
}

func writeFile(path string, records []models.MatchRecord, write func(io.Writer, []models.MatchRecord) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f, records); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
