// Command buildcache administers a build cache store file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/buildcache/store"
	"github.com/wolfeidau/buildcache/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	DB          string        `help:"Path to the cache database file." env:"BUILDCACHE_DB" default:"./buildcache.db" type:"path"`
	LogLevel    string        `help:"Log level." env:"BUILDCACHE_LOG_LEVEL" enum:"debug,info,warn,error" default:"info"`
	LogFormat   string        `help:"Log format." env:"BUILDCACHE_LOG_FORMAT" enum:"text,json" default:"text"`
	Concurrency int           `help:"Expected number of concurrent writers, sizes the lock pool." default:"64"`
	KeySize     int           `help:"Required key length in bytes, 0 accepts any length." env:"BUILDCACHE_KEY_SIZE" default:"0"`
	OpenTimeout time.Duration `help:"How long to wait for the database file lock." default:"5s"`

	logger *slog.Logger
}

type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Put    PutCmd    `cmd:"" help:"Store a payload unless the key is present."`
	Get    GetCmd    `cmd:"" help:"Write a payload to stdout or a file."`
	Has    HasCmd    `cmd:"" help:"Report whether a key is present."`
	Rm     RmCmd     `cmd:"" help:"Delete keys and their payloads."`
	Ls     LsCmd     `cmd:"" help:"List entries, least recently used first."`
	Stat   StatCmd   `cmd:"" help:"Show an entry and its payload manifest."`
	Stats  StatsCmd  `cmd:"" help:"Show store totals."`
	Sweep  SweepCmd  `cmd:"" help:"Repair index inconsistencies and reclaim orphaned payloads."`
	Verify VerifyCmd `cmd:"" help:"Read back every payload and check its digest."`
	GC     GCCmd     `cmd:"gc" help:"Run maintenance once, or continuously with --watch."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("buildcache"),
		kong.Description("Administer an LRU build cache store."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = telemetry.WithCaller(ctx, "cli")

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(logLevel, logFormat string) (*slog.Logger, error) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", logLevel)
	}

	var handler slog.Handler
	switch logFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
	return slog.New(handler), nil
}

func (g *Globals) open() (*store.LRUStore, error) {
	s, err := store.Open(g.DB,
		store.WithLogger(g.logger),
		store.WithConcurrency(g.Concurrency),
		store.WithKeySize(g.KeySize),
		store.WithOpenTimeout(g.OpenTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}
