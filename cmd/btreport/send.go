package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/backtrace-labs/backtrace-js/pkg/client"
	"github.com/backtrace-labs/backtrace-js/pkg/config"
	"github.com/backtrace-labs/backtrace-js/pkg/events"
	"github.com/backtrace-labs/backtrace-js/pkg/logger"
	"github.com/backtrace-labs/backtrace-js/pkg/relay"
	"github.com/backtrace-labs/backtrace-js/pkg/report"
	"github.com/backtrace-labs/backtrace-js/pkg/result"
	"github.com/backtrace-labs/backtrace-js/pkg/session"
)

type sendFlags struct {
	commonFlags
	message     string
	name        string
	stackFile   string
	attrs       map[string]string
	annotations []string
	eventFiles  []string
	multipart   bool
	concurrency int
}

func runSend(args []string, stdout io.Writer) error {
	var f sendFlags
	fs := newFlagSet("send", &f.commonFlags, stdout)
	fs.StringVarP(&f.message, "message", "m", "", "Error message")
	fs.StringVar(&f.name, "name", "", "Error name, reported as the classifier")
	fs.StringVar(&f.stackFile, "stack-file", "", "File holding a JavaScript stack trace")
	fs.StringToStringVarP(&f.attrs, "attr", "a", nil, "Attribute key=value (repeatable)")
	fs.StringArrayVar(&f.annotations, "annotation", nil, "Annotation key=JSON (repeatable)")
	fs.StringArrayVarP(&f.eventFiles, "event", "e", nil, "Browser event JSON file to replay (repeatable)")
	fs.BoolVar(&f.multipart, "multipart", false, "Send reports as multipart form data")
	fs.IntVar(&f.concurrency, "concurrency", 4, "Event files sent at once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	single := f.message != "" || f.stackFile != "" || f.name != ""
	if !single && len(f.eventFiles) == 0 {
		return fmt.Errorf("%w: nothing to send, use --message, --stack-file or --event", errUsage)
	}

	cfg, err := loadConfig(f.commonFlags)
	if err != nil {
		return err
	}
	if f.multipart {
		cfg.Client.Format = config.FormatMultipart
	}
	log := logger.Global()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := client.Options{ClientConfig: cfg.Client, Logger: log.WithComponent("client")}
	if cfg.Session.Enabled {
		store, err := openStore(cfg.Session.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.History = store
		persistSession(ctx, cfg, store, log)
	}

	c, err := client.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("client did not close cleanly", "error", err)
		}
	}()

	var results []*result.Result
	var labels []string

	if single {
		r, err := buildReport(c, f)
		if err != nil {
			return err
		}
		res, err := c.Send(ctx, r)
		if err != nil {
			return err
		}
		results = append(results, res)
		labels = append(labels, "report")
	}

	if len(f.eventFiles) > 0 {
		replayed, err := replayEvents(ctx, c, f.eventFiles, f.concurrency)
		if err != nil {
			return err
		}
		results = append(results, replayed...)
		for _, path := range f.eventFiles {
			labels = append(labels, filepath.Base(path))
		}
	}

	failed := 0
	for i, res := range results {
		printResult(stdout, labels[i], res)
		if !res.OK() && !res.Status.Suppressed() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d reports failed", failed, len(results))
	}
	return nil
}

// buildReport creates the report described by the send flags
func buildReport(c *client.Client, f sendFlags) (*report.Report, error) {
	var payload any = f.message
	if f.name != "" || f.stackFile != "" {
		ep := report.ErrorPayload{Name: f.name, Message: f.message}
		if ep.Name == "" {
			ep.Name = "Error"
		}
		if f.stackFile != "" {
			data, err := os.ReadFile(f.stackFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read stack file: %w", err)
			}
			ep.Stack = string(data)
		}
		payload = ep
	}

	r, err := c.CreateReport(payload, parseAttributes(f.attrs))
	if err != nil {
		return nil, err
	}

	for _, raw := range f.annotations {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: annotation %q must be key=JSON", errUsage, raw)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value
		}
		r.AddAnnotation(key, decoded)
	}
	return r, nil
}

// parseAttributes types flag values as numbers or booleans when they parse
func parseAttributes(raw map[string]string) map[string]any {
	attrs := make(map[string]any, len(raw))
	for k, v := range raw {
		switch {
		case v == "true" || v == "false":
			attrs[k] = v == "true"
		default:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				attrs[k] = n
			} else if fl, err := strconv.ParseFloat(v, 64); err == nil {
				attrs[k] = fl
			} else {
				attrs[k] = v
			}
		}
	}
	return attrs
}

// replayEvents sends each event file as the relay would forward it, but
// waits for every result. Results keep the order of paths.
func replayEvents(ctx context.Context, c *client.Client, paths []string, concurrency int) ([]*result.Result, error) {
	evs := make([]relay.Event, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read event file: %w", err)
		}
		ev, err := relay.DecodeEvent(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		evs[i] = ev
	}

	results := make([]*result.Result, len(evs))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, ev := range evs {
		i, ev := i, ev
		g.Go(func() error {
			r, err := ev.Report(c, "")
			if err != nil {
				return err
			}
			res, err := c.Send(gctx, r)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func openStore(path string) (*session.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return session.OpenSQLite(path)
}

// persistSession records the session once for a short-lived command
func persistSession(ctx context.Context, cfg *config.Config, store session.Store, log *logger.Logger) {
	tracker, err := events.NewTracker(ctx, trackerConfig(cfg, store, log))
	if err != nil {
		log.Warn("session tracking disabled", "error", err)
		return
	}
	if err := tracker.Persist(ctx); err != nil {
		log.Warn("session events not sent", "error", err)
	}
}

func trackerConfig(cfg *config.Config, store session.Store, log *logger.Logger) events.Config {
	return events.Config{
		Endpoint:       cfg.Client.Endpoint,
		Token:          cfg.Client.Token,
		Host:           cfg.Session.EventsHost,
		Application:    cfg.Session.Application,
		AppVersion:     cfg.Session.AppVersion,
		Heartbeat:      cfg.Session.Heartbeat,
		SessionTimeout: cfg.Session.SessionTimeoutDuration(),
		Attributes:     cfg.Client.UserAttributes,
		Store:          store,
		Logger:         log.WithComponent("events"),
	}
}
