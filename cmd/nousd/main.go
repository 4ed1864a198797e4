// Command nousd is the offline gateway for the habit tracker. It sits in
// front of the application origin, serves the installed shell from its
// cache when the network is gone, queues writes for the document store and
// replays them when connectivity returns.
//
// Usage:
//
//	nousd                                   # serve, configured from NOUS_* / .env
//	nousd -env prod.env                     # serve with another env file
//	nousd -discover dist/index.html         # print a manifest for a build
//	nousd -hash-password secret             # print a bcrypt hash for NOUS_ADMIN_PASSWORD_HASH
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/nous/cachestore"
	"github.com/hazyhaar/nous/config"
	"github.com/hazyhaar/nous/connectivity"
	"github.com/hazyhaar/nous/dbopen"
	"github.com/hazyhaar/nous/gateway"
	"github.com/hazyhaar/nous/hub"
	"github.com/hazyhaar/nous/lifecycle"
	"github.com/hazyhaar/nous/manifest"
	"github.com/hazyhaar/nous/metrics"
	"github.com/hazyhaar/nous/mutation"
	"github.com/hazyhaar/nous/observability"
	"github.com/hazyhaar/nous/remote"
	"github.com/hazyhaar/nous/shield"
	"github.com/hazyhaar/nous/strategy"
	"github.com/hazyhaar/nous/watch"
)

var version = "dev"

func main() {
	envFile := flag.String("env", ".env", "optional env file loaded before the environment")
	discover := flag.String("discover", "", "print a manifest for the index.html at this path and exit")
	generation := flag.String("generation", "", "generation id for -discover (default: generated)")
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash of this password and exit")
	flag.Parse()

	switch {
	case *hashPassword != "":
		h, err := shield.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash:", err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	case *discover != "":
		if err := printManifest(*discover, *generation); err != nil {
			fmt.Fprintln(os.Stderr, "discover:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("nousd", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := dbopen.Open(cfg.DBPath(),
		dbopen.WithMkdirAll(),
		dbopen.Durable(),
		dbopen.WithSchema(cachestore.Schema),
		dbopen.WithSchema(mutation.Schema),
		dbopen.WithSchema(observability.Schema))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	journal := observability.NewEventLogger(db, observability.WithLogger(logger))
	coll := metrics.NewCollector("nous")
	cache := cachestore.New(db, cachestore.Options{Logger: logger})
	queue := mutation.New(db, mutation.Options{Logger: logger})

	fetcher, err := strategy.NewHTTPFetcher(cfg.Origin, cfg.FetchTimeout)
	if err != nil {
		return err
	}
	writerOpts := []remote.HTTPOption{remote.WithLogger(logger)}
	if cfg.RemoteToken != "" {
		writerOpts = append(writerOpts, remote.WithHeader("Authorization", "Bearer "+cfg.RemoteToken))
	}
	httpWriter, err := remote.NewHTTPWriter(cfg.RemoteBase, writerOpts...)
	if err != nil {
		return err
	}
	writer := remote.Chain(
		remote.Recovery(logger),
		remote.Logging(logger),
		remote.Timeout(cfg.WriteTimeout),
	)(httpWriter)

	h := hub.New(hub.Options{Logger: logger})
	defer h.Close()

	// The router and the controller refer to each other: the router asks
	// the controller for the active generation, and every cutover
	// reconfigures the router.
	var router *strategy.Router
	ctrl := lifecycle.NewController(cache, fetcher, lifecycle.Options{
		Logger:       logger,
		AutoActivate: cfg.AutoActivate,
		Notifier:     h,
		Recorder:     coll,
		Journal:      journal,
		OnActivate:   func(m *manifest.Manifest) { gateway.ApplyManifest(router, "")(m) },
	})
	router = strategy.NewRouter(strategy.DefaultTable(strategy.TableConfig{}), cache, fetcher, ctrl,
		strategy.Options{Logger: logger, Recorder: coll, RefreshRate: rate.Limit(cfg.RefreshRate)})
	defer router.Wait()

	if err := ctrl.Restore(ctx); err != nil {
		return err
	}

	drainer := &gateway.Drainer{Queue: queue, Writer: writer, Hub: h, Journal: journal, Metrics: coll, Logger: logger}
	mon := connectivity.NewMonitor(connectivity.Options{Logger: logger, Drain: drainer.Drain, Recorder: coll})
	defer mon.Wait()

	prober, err := connectivity.NewProber(mon, connectivity.ProberOptions{
		URL:      cfg.RemoteHealth,
		Schedule: cfg.ProbeSchedule,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	auth, err := shield.NewAdminAuth(cfg.AdminUser, cfg.AdminHash)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	if auth == nil {
		logger.Warn("nousd: NOUS_ADMIN_PASSWORD_HASH not set, admin endpoints are unauthenticated")
	}
	limiter := shield.NewRateLimiter(cfg.AdminRateLimit, int(cfg.AdminRateLimit*4)+1)
	limiter.StartGC(ctx.Done(), 10*time.Minute)

	var page []byte
	if cfg.OfflinePage != "" {
		if page, err = os.ReadFile(cfg.OfflinePage); err != nil {
			return fmt.Errorf("offline page: %w", err)
		}
	}

	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	gw := gateway.New(gateway.Deps{
		Router:     router,
		Controller: ctrl,
		Queue:      queue,
		Submitter:  mutation.NewSubmitter(queue, writer, mon, logger),
		Monitor:    mon,
		Hub:        h,
		Journal:    journal,
		Metrics:    coll,
		Origin:     originURL,
	}, gateway.Options{
		Logger:      logger,
		OfflinePage: page,
		Limiter:     limiter,
		Auth:        auth,
		Version:     version,
	})
	defer gw.Close()

	if cfg.ManifestPath != "" {
		w := watch.New(watch.Options{
			Detector:    watch.FileDetector(cfg.ManifestPath),
			Interval:    2 * time.Second,
			Debounce:    500 * time.Millisecond,
			FireInitial: true,
			Logger:      logger,
		})
		go w.Run(ctx, func(ctx context.Context) error {
			return observeFile(ctx, ctrl, cfg.ManifestPath)
		})
	}

	if err := prober.Start(ctx); err != nil {
		return err
	}
	defer prober.Stop()
	// Writes left by a previous run are replayed as soon as the remote
	// answers.
	mon.TriggerDrain(ctx)

	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := journal.Cleanup(ctx, 30*24*time.Hour); err == nil && n > 0 {
					logger.Info("nousd: journal pruned", "events", n)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("nousd: listening", "addr", cfg.Addr, "origin", cfg.Origin, "remote", cfg.RemoteBase)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	h.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("nousd: shutdown", "error", err)
	}
	logger.Info("nousd: stopped")
	return nil
}

// observeFile installs the manifest at path. A manifest naming a retired
// generation is ignored rather than retried.
func observeFile(ctx context.Context, ctrl *lifecycle.Controller, path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	err = ctrl.Observe(ctx, m)
	if errors.Is(err, lifecycle.ErrRetired) {
		slog.Warn("nousd: manifest names a retired generation", "generation", m.Generation())
		return nil
	}
	return err
}

func printManifest(indexPath, gen string) error {
	f, err := os.Open(indexPath)
	if err != nil {
		return err
	}
	defer f.Close()
	assets, err := manifest.DiscoverAssets(f)
	if err != nil {
		return err
	}
	if gen == "" {
		gen = manifest.NewGenerationID()
	}
	shell := []string{"/", "/" + filepath.Base(indexPath)}
	for _, a := range assets {
		if !slices.Contains(shell, a) {
			shell = append(shell, a)
		}
	}
	m, err := manifest.New(manifest.Spec{Generation: gen, Shell: shell})
	if err != nil {
		return err
	}
	return m.Encode(os.Stdout)
}
