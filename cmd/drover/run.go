package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/engine"
	"github.com/droverhq/drover/internal/llm"
	"github.com/droverhq/drover/internal/llm/providers/anthropic"
	"github.com/droverhq/drover/internal/llm/providers/openai"
	"github.com/droverhq/drover/internal/review"
	"github.com/droverhq/drover/internal/telemetry"
)

type runFlags struct {
	configPath  string
	dir         string
	checks      []string
	tags        []string
	event       string
	maxParallel int
	failFast    bool
	output      string
	eventsFile  string
	debug       bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the configured checks once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChecks(cmd, &f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "configuration document (YAML or JSON)")
	fl.StringVar(&f.dir, "dir", ".", "working directory checks run against")
	fl.StringSliceVar(&f.checks, "checks", nil, "run only these check ids, bypassing event and tag filters")
	fl.StringSliceVar(&f.tags, "tags", nil, "run only checks carrying one of these tags")
	fl.StringVar(&f.event, "event", "manual", "start event matched against on: filters")
	fl.IntVar(&f.maxParallel, "max-parallel", 0, "checks dispatched concurrently (0 takes the document value)")
	fl.BoolVar(&f.failFast, "fail-fast", false, "clear remaining levels after the first failure")
	fl.StringVarP(&f.output, "output", "o", "", "result rendering: table or json (default from the document)")
	fl.StringVar(&f.eventsFile, "events-file", "", "append engine events to this NDJSON file")
	fl.BoolVar(&f.debug, "debug", false, "debug logging and session diagnostics in the result")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runChecks(cmd *cobra.Command, f *runFlags) error {
	switch f.output {
	case "", "table", "json":
	default:
		return exitf(engine.ExitConfig, "--output: unknown format %q", f.output)
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return exitf(engine.ExitConfig, "load %s: %v", f.configPath, err)
	}
	dir, err := filepath.Abs(f.dir)
	if err != nil {
		return exitf(engine.ExitConfig, "resolve --dir: %v", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), f.debug)

	var sinks []engine.EventSink
	if f.eventsFile != "" {
		events, err := telemetry.OpenNDJSONFile(f.eventsFile)
		if err != nil {
			return exitf(engine.ExitConfig, "%v", err)
		}
		defer func() {
			if cerr := events.Close(); cerr != nil {
				logger.Warn().Err(cerr).Msg("closing events file")
			}
		}()
		sinks = append(sinks, events)
	}

	opts := engine.Options{
		Checks:         f.checks,
		Tags:           f.tags,
		MaxParallelism: f.maxParallel,
		Debug:          f.debug,
		Logger:         logger,
		LLM:            newLLMClient(logger),
		Sink:           engine.MultiSink(sinks...),
	}
	if cmd.Flags().Changed("fail-fast") {
		opts.FailFast = &f.failFast
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := engine.Run(ctx, cfg, engine.Inputs{WorkDir: dir, Event: f.event}, opts)
	if runErr != nil && res == nil {
		if engine.Classify(runErr) == engine.KindConfig {
			return exitf(engine.ExitConfig, "%v", runErr)
		}
		return exitf(engine.ExitFatal, "%v", runErr)
	}
	if runErr != nil {
		// Cancelled runs still render their partial result.
		logger.Warn().Err(runErr).Msg("run interrupted")
	}

	format := cfg.Output.Format
	if f.output != "" {
		format = f.output
	}
	if err := writeResult(cmd.OutOrStdout(), cfg.Output.File, format, res); err != nil {
		return exitf(engine.ExitFatal, "%v", err)
	}

	if code := res.ExitCode(); code != engine.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

// newLLMClient registers an adapter per credentialed model provider. With
// no credentials in the environment it returns nil and ai checks report
// themselves unavailable.
func newLLMClient(logger zerolog.Logger) *llm.Client {
	client := llm.NewClient(llm.Options{Logger: logger})
	registered := false
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		client.Register(anthropic.New(key, os.Getenv("ANTHROPIC_BASE_URL"), ""))
		registered = true
	}
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		client.Register(openai.New(key, os.Getenv("OPENAI_BASE_URL"), ""))
		registered = true
	}
	if !registered {
		return nil
	}
	return client
}

// newLogger writes console-formatted logs to stderr. The engine's
// per-dispatch detail sits at debug level.
func newLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// writeResult renders the result to the document's output file when one
// is configured, stdout otherwise.
func writeResult(stdout io.Writer, file, format string, res *engine.Result) error {
	if file == "" {
		return renderResult(stdout, format, res)
	}
	fh, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	if err := renderResult(fh, format, res); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func renderResult(w io.Writer, format string, res *engine.Result) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return renderTable(w, res)
}

// renderTable prints one row per referenced check, the issue list, and a
// summary footer.
func renderTable(w io.Writer, res *engine.Result) error {
	ids := make([]string, 0, len(res.Statistics))
	for id := range res.Statistics {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tRUNS\tOK\tFAIL\tISSUES\tTIME\tNOTE")
	for _, id := range ids {
		st := res.Statistics[id]
		note := ""
		switch {
		case st.Skipped:
			note = "skipped: " + st.SkipReason
		case st.ErrorMessage != "":
			note = truncate(st.ErrorMessage, 60)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			id, st.TotalRuns, st.SuccessfulRuns, st.FailedRuns,
			st.IssuesBySeverity.Total(), st.TotalDuration.Round(time.Millisecond), note)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(res.Summary.Issues) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEVERITY\tRULE\tLOCATION\tMESSAGE")
		for _, is := range sortIssues(res.Summary.Issues) {
			loc := is.File
			if loc != "" && is.Line > 0 {
				loc = fmt.Sprintf("%s:%d", is.File, is.Line)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", is.Severity, is.RuleID, loc, truncate(is.Message, 80))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\n%d checks, %d failed, %d issues in %s\n",
		len(ids), len(res.FailedChecks), len(res.Summary.Issues),
		res.ExecutionTime.Round(time.Millisecond))
	if res.LoopBudgetExceeded {
		fmt.Fprintln(w, "routing loop budget exceeded")
	}
	if res.FailFastTriggered {
		fmt.Fprintln(w, "fail-fast triggered")
	}
	if res.Debug != nil {
		fmt.Fprintf(w, "session %s: event %s, %d waves, %d routing loops, %d journal entries\n",
			res.Debug.SessionID, res.Debug.Event, res.Debug.Waves,
			res.Debug.RoutingLoops, res.Debug.JournalEntries)
	}
	return nil
}

// sortIssues orders most severe first, then by rule id.
func sortIssues(issues []review.Issue) []review.Issue {
	out := append([]review.Issue{}, issues...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
