package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/backtrace-labs/backtrace-js/pkg/client"
	"github.com/backtrace-labs/backtrace-js/pkg/events"
	"github.com/backtrace-labs/backtrace-js/pkg/logger"
	"github.com/backtrace-labs/backtrace-js/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

func runRelay(args []string, stdout io.Writer) error {
	var (
		common commonFlags
		addr   string
	)
	fs := newFlagSet("relay", &common, stdout)
	fs.StringVar(&addr, "addr", "", "Listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Relay.ListenAddr = addr
	}
	log := logger.Global()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, register := range []func(prometheus.Registerer) error{client.RegisterMetrics, relay.RegisterMetrics} {
		if err := register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	srv := relay.NewServer(relay.Config{
		Addr:            cfg.Relay.ListenAddr,
		EventsPerSecond: cfg.Relay.EventsPerSecond,
		Burst:           cfg.Relay.Burst,
		AllowedOrigins:  cfg.Relay.AllowedOrigins,
		Logger:          log.WithComponent("relay"),
	})

	// the relay exists to forward browser events
	cfg.Client.DisableGlobalHandler = false
	cfg.Client.HandlePromises = true
	opts := client.Options{
		ClientConfig: cfg.Client,
		Events:       srv,
		Logger:       log.WithComponent("client"),
	}

	var tracker *events.Tracker
	if cfg.Session.Enabled {
		store, err := openStore(cfg.Session.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.History = store

		tc := trackerConfig(cfg, store, log)
		tc.Active = func() bool { return srv.Active(time.Minute) }
		if tracker, err = events.NewTracker(ctx, tc); err != nil {
			log.Warn("session tracking disabled", "error", err)
		}
	}

	c, err := client.New(opts)
	if err != nil {
		return err
	}

	if tracker != nil {
		if err := tracker.Start(ctx); err != nil {
			return err
		}
		defer tracker.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		log.Info("shutting down relay")
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Warn("relay did not stop cleanly", "error", err)
		}
		return c.Close(shutdownCtx)
	})

	fmt.Fprintln(stdout, okStyle.Render("✓"), "relay listening on", cfg.Relay.ListenAddr,
		dimStyle.Render("(forwarding to "+c.URL()+")"))
	return g.Wait()
}
