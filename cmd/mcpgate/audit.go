// ABOUTME: The audit command lists and summarizes recorded gate decisions
// ABOUTME: Reads the SQLite audit trail named by database.path

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/mcpgate/internal/config"
	"github.com/2389/mcpgate/internal/store"
)

type auditOptions struct {
	limit   int
	outcome string
	subject string
	method  string
	since   time.Duration
	summary bool
	json    bool
}

func parseAuditArgs(args []string, stderr io.Writer) (auditOptions, error) {
	var opts auditOptions
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&opts.limit, "limit", 50, "Maximum records to list (max 1000)")
	fs.StringVar(&opts.outcome, "outcome", "", "Only list records with this outcome (anonymous_allowed, authenticated, rejected)")
	fs.StringVar(&opts.subject, "subject", "", "Only list records for this subject")
	fs.StringVar(&opts.method, "method", "", "Only list records for this JSON-RPC method")
	fs.DurationVar(&opts.since, "since", 0, "Only include records newer than this (e.g. 1h)")
	fs.BoolVar(&opts.summary, "summary", false, "Print counts per outcome instead of records")
	fs.BoolVar(&opts.json, "json", false, "Print records as JSON lines")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	switch opts.outcome {
	case "", "anonymous_allowed", "authenticated", "rejected":
	default:
		return opts, fmt.Errorf("unknown outcome %q", opts.outcome)
	}
	if opts.limit <= 0 {
		return opts, errors.New("--limit must be positive")
	}
	if opts.since < 0 {
		return opts, errors.New("--since must not be negative")
	}
	return opts, nil
}

func runAudit(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseAuditArgs(args, out)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Audit.Enabled(config.SinkSQLite) {
		return errors.New("the sqlite audit sink is disabled; nothing to read")
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	return printAudit(ctx, st, opts, time.Now(), out)
}

func printAudit(ctx context.Context, st store.AuditStore, opts auditOptions, now time.Time, out io.Writer) error {
	var since *time.Time
	if opts.since > 0 {
		t := now.Add(-opts.since)
		since = &t
	}

	if opts.summary {
		counts, err := st.AuditSummary(ctx, since)
		if err != nil {
			return err
		}
		return printSummary(counts, out)
	}

	filter := store.AuditFilter{Since: since, Limit: opts.limit}
	if opts.outcome != "" {
		filter.Outcome = &opts.outcome
	}
	if opts.subject != "" {
		filter.Subject = &opts.subject
	}
	if opts.method != "" {
		filter.Method = &opts.method
	}

	entries, err := st.ListAuditLog(ctx, filter)
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(jsonEntry(e)); err != nil {
				return err
			}
		}
		return nil
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "no audit records")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tMETHOD\tOUTCOME\tSTATUS\tSUBJECT\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			humanize.RelTime(e.Timestamp, now, "ago", "from now"),
			deref(e.Method),
			outcomeColor(e.Outcome),
			e.Status,
			deref(e.Subject),
			deref(e.RejectReason),
		)
	}
	return tw.Flush()
}

func printSummary(counts map[string]int, out io.Writer) error {
	if len(counts) == 0 {
		fmt.Fprintln(out, "no audit records")
		return nil
	}
	outcomes := make([]string, 0, len(counts))
	total := 0
	for o, n := range counts {
		outcomes = append(outcomes, o)
		total += n
	}
	sort.Strings(outcomes)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s\t%s\n", outcomeColor(o), humanize.Comma(int64(counts[o])))
	}
	fmt.Fprintf(tw, "%s\t%s\n", "total", humanize.Comma(int64(total)))
	return tw.Flush()
}

func outcomeColor(outcome string) string {
	switch outcome {
	case "rejected":
		return color.RedString(outcome)
	case "authenticated":
		return color.GreenString(outcome)
	default:
		return color.CyanString(outcome)
	}
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

type auditJSON struct {
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	Method       *string   `json:"method"`
	Outcome      string    `json:"outcome"`
	Subject      *string   `json:"subject,omitempty"`
	Audiences    []string  `json:"audiences,omitempty"`
	RejectReason *string   `json:"reject_reason,omitempty"`
	Status       int       `json:"status"`
}

func jsonEntry(e store.AuditEntry) auditJSON {
	return auditJSON{
		RequestID:    e.ID,
		Timestamp:    e.Timestamp.UTC(),
		Method:       e.Method,
		Outcome:      e.Outcome,
		Subject:      e.Subject,
		Audiences:    e.Audiences,
		RejectReason: e.RejectReason,
		Status:       e.Status,
	}
}

