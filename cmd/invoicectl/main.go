// cmd/invoicectl/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tendant/simple-invoice-cropper/internal/bus"
	"github.com/tendant/simple-invoice-cropper/internal/client"
	"github.com/tendant/simple-invoice-cropper/internal/store"
	"github.com/tendant/simple-invoice-cropper/internal/tracker"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"submit", "submit [-async] [-watch] [-padding N] [-format jpg|png] <file>...", runSubmit},
	{"status", "status <task-id>", runStatus},
	{"watch", "watch <task-id>...", runWatch},
	{"list", "list [-status STATUS]", runList},
	{"rm", "rm <task-id>...", runRemove},
	{"clear", "clear", runClear},
	{"resync", "resync", runResync},
	{"export", "export [-o history.xlsx] [-status STATUS]", runExport},
	{"download", "download [-dir DIR] [-original] <task-id>", runDownload},
	{"preview", "preview [-dir DIR] [-padding N] [-size N] <task-id>", runPreview},
	{"events", "events", runEvents},
	{"health", "health", runHealth},
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	for _, c := range commands {
		fmt.Fprintf(w, "  invoicectl %s\n", c.usage)
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "initialize", err, "store_backend", cfg.StoreBackend)
	}

	err = cmd.run(ctx, a, args)
	a.Close()
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "usage: invoicectl %s\n", cmd.usage)
			os.Exit(2)
		}
		fatal(logger, name+" failed", err)
	}
}

var errUsage = errors.New("usage")

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

// app holds the components shared by every command.
type app struct {
	cfg       config
	logger    *slog.Logger
	api       *client.Client
	store     *store.Store
	sync      *tracker.Synchronizer
	submitter *tracker.Submitter
	nc        *bus.Client
	events    *bus.EventPublisher
	closers   []func()
}

func newApp(ctx context.Context, cfg config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.needsNATS() {
		nc, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS %s: %w", cfg.NATSURL, err)
		}
		logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
		a.nc = nc
		a.events = bus.NewEventPublisher(nc, cfg.SubjectPrefix)
		a.closers = append(a.closers, nc.Close)
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store.New(backend,
		store.WithKey(cfg.StoreKey),
		store.WithCapacity(cfg.StoreCap),
		store.WithLogger(logger),
	)

	a.api = client.New(cfg.APIURL, client.WithTimeout(cfg.APITimeout), client.WithLogger(logger))

	var publisher tracker.Publisher
	if cfg.EventsEnabled && a.events != nil {
		publisher = a.events
	}
	a.sync = tracker.NewSynchronizer(a.api, a.store,
		tracker.WithInterval(cfg.PollInterval),
		tracker.WithPublisher(publisher),
		tracker.WithLogger(logger),
	)
	a.submitter = tracker.NewSubmitter(a.api, a.store, publisher, logger)

	logger.Debug("invoicectl ready", "api_url", cfg.APIURL, "store_backend", cfg.StoreBackend, "store_path", cfg.StorePath, "events", publisher != nil)
	return a, nil
}

func (a *app) openBackend(ctx context.Context) (store.Backend, error) {
	switch a.cfg.StoreBackend {
	case backendMemory:
		return store.NewMemoryBackend(), nil
	case backendFile:
		return store.NewFileBackend(a.cfg.StorePath)
	case backendSQLite:
		db, err := store.OpenSQLite(ctx, a.cfg.StorePath, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := db.Close(); err != nil {
				a.logger.Warn("close sqlite store failed", "err", err)
			}
		})
		return db, nil
	case backendNATS:
		if a.nc == nil {
			return nil, errors.New("nats store backend requires a NATS connection")
		}
		return bus.OpenKV(ctx, a.nc, a.cfg.KVBucket)
	}
	return nil, fmt.Errorf("unsupported store backend %q", a.cfg.StoreBackend)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
