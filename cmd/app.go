package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"shiori/config"
	"shiori/data"
	"shiori/network"
	"shiori/parser"
	"shiori/queue"
	"shiori/sources"
)

// app holds the wired components of one CLI invocation.
// The store and queue are opened on first use only.
type app struct {
	cfg      *config.Config
	registry *sources.Registry
	images   network.Fetcher
	browser  *network.BrowserFetcher
	closeLog func()

	store *data.Store
	queue *queue.Queue
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debugMode {
		cfg.Debug = true
	}
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	closeLog, err := config.SetupLogging(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	httpClient, err := network.NewHTTPClient(cfg.ClientOptions())
	if err != nil {
		closeLog()
		return nil, err
	}

	a := &app{cfg: cfg, images: httpClient, closeLog: closeLog}
	deps := sources.Deps{
		HTTP: httpClient,
		API:  network.NewCollyFetcher(cfg.ClientOptions()),
	}
	if cfg.EnableBrowser {
		a.browser = network.NewBrowserFetcher(cfg.UserAgent, "", 2*cfg.RequestTimeout())
		deps.Browser = a.browser
	}

	a.registry, err = sources.NewRegistry(deps, sources.Builtin()...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openQueue opens the store and restores the persisted queue without
// starting any worker.
func (a *app) openQueue(ctx context.Context) (*queue.Queue, error) {
	if a.queue != nil {
		return a.queue, nil
	}

	store, err := data.OpenStore(a.cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.store = store

	opts := queue.Options{
		Workers:     a.cfg.Workers,
		PageWorkers: a.cfg.PageWorkers,
		Retry:       a.cfg.RetryPolicy(),
	}
	if a.cfg.ConvertToJPEG {
		opts.Transformer = parser.JPEGConverter{Quality: 90}
	}

	a.queue = queue.New(opts, a.registry, a.images, queue.Layout{Root: a.cfg.DownloadDir}, store)
	if err := a.queue.Restore(ctx); err != nil {
		return nil, err
	}
	return a.queue, nil
}

func (a *app) source(arg string) (sources.Source, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid source id %q, run 'shiori sources' for the list", arg)
	}
	return a.registry.Get(id)
}

func (a *app) Close() {
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("[App] Failed to close store: %v", err)
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}

// withApp runs fn with a wired app and a context cancelled on Ctrl-C
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}
