package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/backtrace-labs/backtrace-js/pkg/config"
	"github.com/backtrace-labs/backtrace-js/pkg/result"
	"github.com/backtrace-labs/backtrace-js/pkg/session"
)

func runHistory(args []string, stdout io.Writer) error {
	var (
		common commonFlags
		dbPath string
		limit  int
		prune  time.Duration
	)
	fs := newFlagSet("history", &common, stdout)
	fs.StringVar(&dbPath, "db", "", "Session database (overrides config)")
	fs.IntVarP(&limit, "limit", "n", 20, "Number of reports to show")
	fs.DurationVar(&prune, "prune", 0, "Delete history older than this before listing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if dbPath == "" {
		// history needs no endpoint, so an incomplete config still names the database
		cfg, err := loadConfig(common)
		if err != nil {
			cfg = config.DefaultConfig()
		}
		dbPath = cfg.Session.DBPath
	}

	store, err := session.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if prune > 0 {
		n, err := store.Cleanup(ctx, prune)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, dimStyle.Render(fmt.Sprintf("pruned %d old reports", n)))
	}

	records, err := store.RecentReports(ctx, limit)
	if err != nil {
		return err
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, titleStyle.Render("Recent reports"))
	if len(records) == 0 {
		fmt.Fprintln(stdout, dimStyle.Render("  none"))
	}
	for _, rec := range records {
		fmt.Fprintf(stdout, "  %s %s %-14s %s %s\n",
			dimStyle.Render(rec.SentAt.Local().Format(time.DateTime)),
			statusStyle(result.Status(rec.Status)),
			rec.Classifier,
			rec.Message,
			dimStyle.Render(rec.UUID))
	}

	statuses := make([]string, 0, len(stats))
	for status := range stats {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, titleStyle.Render("Totals"))
	for _, status := range statuses {
		fmt.Fprintf(stdout, "  %s %d\n", statusStyle(result.Status(status)), stats[status])
	}
	return nil
}

func statusStyle(s result.Status) string {
	label := fmt.Sprintf("%-13s", s)
	switch {
	case s == result.StatusOk:
		return okStyle.Render(label)
	case s.Suppressed():
		return warnStyle.Render(label)
	default:
		return errorStyle.Render(label)
	}
}
