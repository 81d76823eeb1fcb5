package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/tagsift/tagsift/pkg/auth"
	"github.com/tagsift/tagsift/pkg/cache"
	"github.com/tagsift/tagsift/pkg/config"
	"github.com/tagsift/tagsift/pkg/domain"
	"github.com/tagsift/tagsift/pkg/engine"
	"github.com/tagsift/tagsift/pkg/index"
	"github.com/tagsift/tagsift/pkg/publish"
	"github.com/tagsift/tagsift/pkg/tag"
	"github.com/tagsift/tagsift/pkg/tokenizer"
	"github.com/tagsift/tagsift/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"f" long:"config" env:"CONFIG" default:"tagsift.yml" description:"config file"`

	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	setupLog(opts.Debug, opts.NoColor)

	lgr.Printf("[INFO] starting tagsift version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		lgr.Printf("[INFO] termination signal received")
		cancel()
	}()

	if err := run(ctx, opts); err != nil {
		lgr.Printf("[ERROR] tagsift failed: %v", err)
		os.Exit(1)
	}

	lgr.Printf("[INFO] shutdown complete")
}

func run(ctx context.Context, opts Opts) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var creds *auth.Store
	if cfg.Credentials != "" {
		if creds, err = auth.LoadStore(cfg.Credentials); err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
	}
	var cred *auth.Credential
	if c, ok := creds.Get("classifier"); ok {
		cred = &c
	}

	tok := tokenizer.NewClient(cfg.Tokenizer.Endpoint, cfg.Tokenizer.Timeout)
	itemCache, err := cache.NewCache(ctx, cache.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	}, tok, cfg.Tokenizer.Workers)
	if err != nil {
		return fmt.Errorf("open item cache: %w", err)
	}
	defer func() {
		if err := itemCache.Close(); err != nil {
			lgr.Printf("[WARN] close item cache: %v", err)
		}
	}()

	fetcher := tag.NewFetcher(cfg.Classifier.FetchTimeout, cred)
	tagCache := tag.NewCache(fetcher, itemCache, 0)
	publisher := publish.NewPublisher(cfg.Classifier.PublishTimeout, cred, revision, cfg.Classifier.PublishRetries)

	eng := engine.New(engine.Params{
		PositiveThreshold:   cfg.Classifier.PositiveThreshold,
		MinTokens:           cfg.Classifier.MinTokens,
		LoadItemsSince:      cfg.Classifier.LoadItemsSince,
		MissingItemTimeout:  cfg.Classifier.MissingItemTimeout,
		CacheUpdateWaitTime: cfg.Classifier.CacheUpdateWaitTime,
		Workers:             cfg.Classifier.Workers,
	}, tagCache, itemCache, publisher)
	defer eng.Stop()

	synchronizer := index.New(cfg.TagIndex.URL, cfg.TagIndex.RefreshInterval, fetcher, engineScheduler{eng})
	eng.SetResolver(synchronizer.Resolve)
	itemCache.OnUpdate(synchronizer.OnEntryUpdate)

	srv := server.New(cfg, itemCache, engineAPI{eng}, tagCache, creds, revision, opts.Debug)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return synchronizer.Run(gctx) })
	group.Go(func() error { return srv.Run(gctx) })
	return group.Wait()
}

// engineScheduler feeds synchronizer-discovered work into the job engine
type engineScheduler struct {
	eng *engine.Engine
}

func (s engineScheduler) Schedule(reference string, targets []string) error {
	_, err := s.eng.Enqueue(reference, targets)
	return err
}

// engineAPI exposes the engine to the HTTP server in terms of job snapshots
type engineAPI struct {
	*engine.Engine
}

func (a engineAPI) Enqueue(reference string, targets []string) (domain.JobStatus, error) {
	job, err := a.Engine.Enqueue(reference, targets)
	if err != nil {
		return domain.JobStatus{}, err
	}
	return job.Status(), nil
}

func (a engineAPI) Job(id string) (domain.JobStatus, bool) {
	job, ok := a.Engine.Job(id)
	if !ok {
		return domain.JobStatus{}, false
	}
	return job.Status(), true
}

func setupLog(dbg, noColor bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	if !noColor {
		colorizer := lgr.Mapper{
			ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
			WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
			InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
			DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
			CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
			TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
		}
		logOpts = append(logOpts, lgr.Map(colorizer))
	}

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
