// Command crawlctl runs a single managed crawl task from the command
// line and renders its live progress with a Bubble Tea TUI.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/fenwick-labs/taskcrawl/config"
	"github.com/fenwick-labs/taskcrawl/engine"
	"github.com/fenwick-labs/taskcrawl/fetch"
	"github.com/fenwick-labs/taskcrawl/memwatch"
	"github.com/fenwick-labs/taskcrawl/registry"
	"github.com/fenwick-labs/taskcrawl/robots"
	"github.com/fenwick-labs/taskcrawl/store"
	"github.com/fenwick-labs/taskcrawl/store/memstore"
	"github.com/fenwick-labs/taskcrawl/store/sqlstore"
)

type cliFlags struct {
	strategy         string
	maxDepth         int
	threadCount      int
	requestInterval  float64
	retryTimes       int
	respectRobots    bool
	allowCrossDomain bool
	dbPath           string
	configPath       string
}

func parseFlags() *cliFlags {
	opts := &cliFlags{}
	flag.StringVar(&opts.strategy, "strategy", "bfs", "crawl strategy: bfs, dfs, or priority")
	flag.IntVar(&opts.maxDepth, "depth", 3, "maximum crawl depth")
	flag.IntVar(&opts.threadCount, "threads", 0, "worker count (0 = config default)")
	flag.Float64Var(&opts.requestInterval, "interval", 0, "per-worker politeness interval in seconds")
	flag.IntVar(&opts.retryTimes, "retries", 3, "fetch attempts before giving up")
	flag.BoolVar(&opts.respectRobots, "respect-robots", true, "honor robots.txt")
	flag.BoolVar(&opts.allowCrossDomain, "allow-cross-domain", false, "follow links to other domains")
	flag.StringVar(&opts.dbPath, "db", "", "sqlite database path (empty = in-memory store)")
	flag.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flag.Parse()
	return opts
}

func buildStore(opts *cliFlags) (store.Store, func() error, error) {
	if opts.dbPath == "" {
		return memstore.New(), func() error { return nil }, nil
	}
	s, err := sqlstore.Open(opts.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return s, s.Close, nil
}

func main() {
	opts := parseFlags()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: crawlctl [flags] <seed-url>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	rawURL := flag.Arg(0)
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		fmt.Fprintf(os.Stderr, "invalid seed URL %q: must start with http:// or https://\n", rawURL)
		os.Exit(1)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	s, closeStore, err := buildStore(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closeStore() }()

	robotsCache := robots.NewCache(&http.Client{Timeout: 10 * time.Second}, logger)
	fetcher := fetch.New(cfg.DefaultUserAgent)
	memw := memwatch.New(cfg.ProcessMemoryLimitMB, logger)

	threadCount := opts.threadCount
	if threadCount <= 0 {
		threadCount = cfg.DefaultThreadCount
	}

	strategy := store.Strategy(opts.strategy)
	switch strategy {
	case store.StrategyBFS, store.StrategyDFS, store.StrategyPriority:
	default:
		fmt.Fprintf(os.Stderr, "invalid strategy %q: must be bfs, dfs, or priority\n", opts.strategy)
		os.Exit(1)
	}

	rec := &store.TaskRecord{
		SeedURL:                rawURL,
		Strategy:               strategy,
		MaxDepth:               opts.maxDepth,
		ThreadCount:            threadCount,
		RequestIntervalSeconds: opts.requestInterval,
		RetryTimes:             opts.retryTimes,
		RespectRobots:          opts.respectRobots,
		AllowCrossDomain:       opts.allowCrossDomain,
		Status:                 store.TaskPending,
		QueueStatus:            store.QueueActive,
	}

	ctx := context.Background()
	if err := s.CreateTask(ctx, rec); err != nil {
		fmt.Fprintf(os.Stderr, "create task: %v\n", err)
		os.Exit(1)
	}

	snapshots := make(chan engine.Snapshot, 16)
	reg := registry.New(s, registry.Singletons{
		Robots:          robotsCache,
		Fetcher:         fetcher,
		Memwatch:        memw,
		Logger:          logger,
		MonitorInterval: cfg.MonitorTickInterval,
		PopTimeout:      time.Second,
		OnSnapshot: func(snap engine.Snapshot) {
			select {
			case snapshots <- snap:
			default: // TUI is behind; drop this tick rather than block the monitor
			}
		},
	})

	if err := reg.Reconcile(ctx); err != nil {
		logger.Warn().Err(err).Msg("reconcile tasks left running by a prior crash")
	}

	result := reg.Start(ctx, rec.Id)
	if !result.Success {
		fmt.Fprintf(os.Stderr, "start task: %s\n", result.Error)
		os.Exit(1)
	}

	model := newModel(rec.Id, snapshots)
	program := tea.NewProgram(model)
	finalModel, err := program.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "run tui: %v\n", err)
		os.Exit(1)
	}

	m := finalModel.(crawlModel)
	if m.quitRequested {
		reg.Stop(ctx, rec.Id)
	}
	if m.lastSnapshot.FailedUrls > 0 {
		os.Exit(1)
	}
}
