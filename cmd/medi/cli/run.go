package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"medi/internal/audit"
	"medi/internal/batch"
	"medi/internal/clean"
	"medi/internal/config"
	"medi/internal/cost"
	"medi/internal/db"
	"medi/internal/generate"
	"medi/internal/mcq"
	"medi/internal/metrics"
	"medi/internal/notify"
	"medi/internal/prompt"
	"medi/internal/safepath"
	"medi/internal/section"
	"medi/internal/server"
	"medi/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runSections     string
	runLanes        int
	runNoTUI        bool
	runCrossContext bool
	runListen       string
	runOutputDir    string
	runCleanFirst   bool
	runMode         string
	runSpecialty    string
)

const notifyDrainTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [notes.md|-]",
	Short: "Generate MCQs for every section of a document",
	Long: "Split the document into sections on ##, ### and #### headings, generate questions for each section " +
		"on a pool of lanes, audit the results and write a CSV deck plus an audit report.",
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSections, "sections", "", "YAML or JSON manifest of {title, content} sections instead of a document")
	runCmd.Flags().IntVar(&runLanes, "lanes", 0, "concurrent lanes (default from config)")
	runCmd.Flags().BoolVar(&runNoTUI, "no-tui", false, "log progress lines instead of the dashboard")
	runCmd.Flags().BoolVar(&runCrossContext, "cross-context", false, "attach the whole lesson to every section as related context")
	runCmd.Flags().StringVar(&runListen, "listen", "", "serve /health, /batch and /metrics on this address")
	runCmd.Flags().StringVarP(&runOutputDir, "output-dir", "o", "", "directory for the CSV and audit report (default from config)")
	runCmd.Flags().BoolVar(&runCleanFirst, "clean", false, "clean the document with the model before splitting")
	runCmd.Flags().StringVar(&runMode, "mode", "", "question style: theory or clinical")
	runCmd.Flags().StringVar(&runSpecialty, "specialty", "", "medical specialty for the prompts")
	rootCmd.AddCommand(runCmd)
}

type runSummary struct {
	BatchID     string       `json:"batch_id"`
	Status      string       `json:"status"`
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Warnings    int          `json:"warnings"`
	Failed      int          `json:"failed"`
	FailedJobs  int          `json:"failed_jobs"`
	CSVPath     string       `json:"csv_path,omitempty"`
	ReportPath  string       `json:"report_path,omitempty"`
	Usage       []cost.Usage `json:"usage"`
	EstimateUSD float64      `json:"estimate_usd"`
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	opts := generationOptions(cfg)
	if err := opts.Validate(); err != nil {
		return err
	}
	if runSections == "" && len(args) == 0 {
		return fmt.Errorf("a document path (or - for stdin) or --sections is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !runNoTUI {
		closeLog, err := redirectLogs(cfg.LogFile)
		if err != nil {
			return err
		}
		defer closeLog()
	}

	base, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	tracker := cost.NewTracker(collector.Wrap(base))

	sections, source, err := loadRunSections(ctx, cfg, tracker, args)
	if err != nil {
		return err
	}
	slog.Info("batch prepared", "source", source, "sections", len(sections), "lanes", cfg.Scheduler.Lanes)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if n, err := store.RecoverInFlightBatches(ctx); err != nil {
		return err
	} else if n > 0 {
		slog.Info("marked stale batches interrupted", "count", n)
	}

	params, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode generation params: %w", err)
	}
	batchID := db.NewBatchID()
	if err := store.CreateBatch(ctx, batchID, source, string(params)); err != nil {
		return err
	}

	notes := &reportLog{}
	exec := generate.New(tracker, opts)
	exec.OnReport(notes.add)
	sched := batch.New(batch.Config{
		Lanes:       cfg.Scheduler.Lanes,
		Cooldown:    cfg.Scheduler.CooldownDuration(),
		BackoffBase: cfg.Scheduler.BackoffDuration(),
		MaxRetries:  cfg.Scheduler.MaxRetries,
		Observer:    collector,
	}, exec)
	dispatcher := notify.NewDispatcher(store, notify.BuildSenders(cfg.Notifications, nil), cfg.Notifications.Triggers)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	if cfg.Server.Listen != "" {
		srv := server.New(sched, store, metrics.Handler(reg))
		g.Go(func() error { return srv.Run(gctx, cfg.Server.Listen) })
	}

	// Subscribe before submitting so the recorder cannot miss the batch.
	recCh, unsubscribe := sched.Subscribe()
	gen, err := sched.Submit(ctx, sections)
	if err != nil {
		unsubscribe()
		cancelRun()
		_ = g.Wait()
		return fmt.Errorf("submit batch: %w", err)
	}
	recorder := db.NewRecorder(store, batchID, gen)
	recDone := make(chan error, 1)
	go func() {
		defer unsubscribe()
		recDone <- recorder.Follow(gctx, recCh)
	}()

	var final batch.Snapshot
	var waitErr error
	if runNoTUI {
		final, waitErr = followProgress(gctx, sched, gen)
	} else {
		final, waitErr = runDashboard(gctx, sched)
	}
	finished := final.Generation == gen && final.Finished() && final.Audit != nil

	summary := runSummary{BatchID: batchID, Status: db.BatchInterrupted}
	var writeErr, recErr error
	recorded := false
	if finished {
		// The recorder stores items and enqueues notifications before we stop.
		recErr, recorded = <-recDone, true
		summary.Status = db.BatchFinished
		summary.CSVPath, summary.ReportPath, err = writeOutputs(cfg.OutputDir, outputName(source, batchID), *final.Audit, notes.text())
		if err != nil {
			writeErr = errors.Join(writeErr, err)
		}
	}

	cancelRun()
	groupErr := g.Wait()
	if !recorded {
		recErr = <-recDone
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), notifyDrainTimeout)
	if n := dispatcher.Drain(drainCtx); n > 0 {
		slog.Debug("notifications delivered", "count", n)
	}
	cancelDrain()

	if final.Audit != nil {
		summary.Total, summary.Passed = final.Audit.Total, final.Audit.Passed
		summary.Warnings, summary.Failed = final.Audit.Warnings, final.Audit.Failed
		summary.FailedJobs = len(final.Audit.FailedJobs)
	}
	if !finished && final.Generation > gen {
		summary.Status = db.BatchReset
	}
	summary.Usage = tracker.Usage()
	summary.EstimateUSD = tracker.Total()
	printRunSummary(summary)

	if recErr != nil {
		recErr = fmt.Errorf("record batch: %w", recErr)
	}
	if err := errors.Join(writeErr, recErr, groupErr); err != nil {
		return err
	}
	if !finished {
		if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
			return waitErr
		}
		return fmt.Errorf("batch %s %s before the audit", batchID, summary.Status)
	}
	return nil
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("lanes") {
		if runLanes < 1 {
			return fmt.Errorf("--lanes must be at least 1, got %d", runLanes)
		}
		cfg.Scheduler.Lanes = runLanes
	}
	if runListen != "" {
		cfg.Server.Listen = runListen
	}
	if runOutputDir != "" {
		abs, err := filepath.Abs(runOutputDir)
		if err != nil {
			return fmt.Errorf("resolve output dir: %w", err)
		}
		cfg.OutputDir = abs
	}
	if runCrossContext {
		cfg.Generation.AllowCrossSectionContext = true
	}
	if runMode != "" {
		cfg.Generation.Mode = strings.ToLower(runMode)
	}
	if runSpecialty != "" {
		cfg.Generation.Specialty = runSpecialty
	}
	return nil
}

func generationOptions(cfg *config.Config) generate.Options {
	g := cfg.Generation
	return generate.Options{
		Specialty:          g.Specialty,
		Mode:               generate.Mode(g.Mode),
		Weights:            prompt.Weights{Easy: g.Easy, Medium: g.Medium, Hard: g.Hard, VeryHard: g.VeryHard},
		ExternalSources:    g.AllowExternalSources,
		CustomInstructions: g.CustomInstructions,
		Model:              cfg.LLM.GenerationModel,
		ThinkMore:          cfg.LLM.ThinkMoreEnabled(),
	}
}

// loadRunSections returns the sections to submit and a source label for
// the batch record.
func loadRunSections(ctx context.Context, cfg *config.Config, tracker *cost.Tracker, args []string) ([]batch.Section, string, error) {
	if runSections != "" {
		sections, err := section.LoadManifest(runSections)
		if err != nil {
			return nil, "", err
		}
		return sections, runSections, nil
	}

	path := args[0]
	text, err := readInput(path)
	if err != nil {
		return nil, "", err
	}
	source := path
	if path == "-" {
		source = "stdin"
	}
	if runCleanFirst {
		cleaner := clean.New(tracker, cfg.LLM.CleaningModel, cfg.LLM.ThinkMoreEnabled())
		res, err := cleaner.Clean(ctx, text)
		if err != nil {
			return nil, "", fmt.Errorf("clean %s: %w", source, err)
		}
		slog.Info("document cleaned", "attempts", res.Attempts)
		text = res.CleanedText
	}
	sections := section.Split(text, section.Options{CrossContext: cfg.Generation.AllowCrossSectionContext})
	if len(sections) == 0 {
		return nil, "", fmt.Errorf("%s: %w", source, batch.ErrEmptyBatch)
	}
	return sections, source, nil
}

// redirectLogs sends logs to path as JSON while the dashboard owns the
// terminal. With no path, logs are discarded.
func redirectLogs(path string) (func(), error) {
	if path == "" {
		slog.SetDefault(slog.New(slog.DiscardHandler))
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: logLevel})))
	return func() {
		slog.SetDefault(prev)
		_ = f.Close()
	}, nil
}

func runDashboard(ctx context.Context, sched *batch.Scheduler) (batch.Snapshot, error) {
	ch, unsubscribe := sched.Subscribe()
	defer unsubscribe()

	model := tui.NewModel(sched.Snapshot(), ch, sched.Reset)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return sched.Snapshot(), fmt.Errorf("run dashboard: %w", err)
	}
	return sched.Snapshot(), ctx.Err()
}

// followProgress logs job transitions until generation gen is audited or
// replaced.
func followProgress(ctx context.Context, sched *batch.Scheduler, gen uint64) (batch.Snapshot, error) {
	ch, unsubscribe := sched.Subscribe()
	defer unsubscribe()

	prev := batch.Snapshot{Generation: gen}
	for {
		select {
		case <-ctx.Done():
			return sched.Snapshot(), ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return sched.Snapshot(), batch.ErrStopped
			}
			if snap.Generation < gen {
				continue
			}
			if snap.Generation > gen {
				return snap, batch.ErrReset
			}
			logProgress(prev, snap)
			prev = snap
			if snap.Finished() {
				return snap, nil
			}
		}
	}
}

func logProgress(prev, cur batch.Snapshot) {
	if prev.Stage != cur.Stage {
		slog.Info("stage", "stage", cur.Stage, "done", cur.Terminal(), "total", len(cur.Jobs))
	}
	for _, job := range changedJobs(prev, cur) {
		attrs := []any{"job", job.ShortID(), "section", job.SectionTitle, "status", job.Status}
		switch job.Status {
		case batch.StatusRunning:
			slog.Debug("job started", append(attrs, "lane", job.LaneID, "attempt", job.RetryCount+1)...)
		case batch.StatusRetrying:
			slog.Warn("job retrying", append(attrs, "retry", job.RetryCount, "next_retry", job.NextRetryTime.Format(time.TimeOnly), "err", job.Error)...)
		case batch.StatusFailed:
			slog.Error("job failed", append(attrs, "err", job.Error)...)
		case batch.StatusCompleted:
			slog.Info("job completed", append(attrs, "items", len(job.Result), "done", cur.Terminal(), "total", len(cur.Jobs))...)
		}
	}
}

// changedJobs returns the jobs of cur whose status differs from prev.
func changedJobs(prev, cur batch.Snapshot) []batch.Job {
	before := make(map[string]batch.Status, len(prev.Jobs))
	for _, j := range prev.Jobs {
		before[j.ID] = j.Status
	}
	var out []batch.Job
	for _, j := range cur.Jobs {
		if st, ok := before[j.ID]; !ok || st != j.Status {
			if !ok && j.Status == batch.StatusQueued {
				continue
			}
			out = append(out, j)
		}
	}
	return out
}

var unsafeNameChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// outputName derives the export file stem from the batch source.
func outputName(source, batchID string) string {
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	stem = strings.Trim(unsafeNameChars.ReplaceAllString(stem, "-"), "-.")
	if stem == "" || stem == "stdin" {
		stem = "medi"
	}
	return stem + "-" + batchID
}

func writeOutputs(dir, name string, res audit.Result, notes string) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}
	var csvBuf bytes.Buffer
	if err := mcq.WriteCSV(&csvBuf, res.Items); err != nil {
		return "", "", fmt.Errorf("encode csv: %w", err)
	}
	csvPath, err := safepath.WriteFile(dir, name+".csv", csvBuf.Bytes(), 0o644)
	if err != nil {
		return "", "", err
	}
	report := res.Report
	if notes != "" {
		report += "\n\n## Generation notes\n\n" + notes
	}
	reportPath, err := safepath.WriteFile(dir, name+"-audit.md", []byte(report), 0o644)
	if err != nil {
		return csvPath, "", err
	}
	return csvPath, reportPath, nil
}

// reportLog collects per-job model notes from lane goroutines.
type reportLog struct {
	mu      sync.Mutex
	reports []generate.Report
}

func (l *reportLog) add(r generate.Report) {
	if r.Salvaged > 0 {
		slog.Warn("comparator tokens salvaged", "job", r.JobID, "count", r.Salvaged)
	}
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
}

func (l *reportLog) text() string {
	l.mu.Lock()
	reports := slices.Clone(l.reports)
	l.mu.Unlock()
	slices.SortFunc(reports, func(a, b generate.Report) int { return strings.Compare(a.Title, b.Title) })

	var b strings.Builder
	for _, r := range reports {
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", r.Title, strings.TrimSpace(r.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}

func printRunSummary(s runSummary) {
	if jsonOut {
		printJSON(s)
		return
	}
	fmt.Printf("Batch %s %s: %d questions (%d pass, %d warning, %d fail), %d failed sections\n",
		s.BatchID, s.Status, s.Total, s.Passed, s.Warnings, s.Failed, s.FailedJobs)
	if s.CSVPath != "" {
		fmt.Printf("CSV:     %s\n", s.CSVPath)
	}
	if s.ReportPath != "" {
		fmt.Printf("Report:  %s\n", s.ReportPath)
	}
	if len(s.Usage) == 0 {
		return
	}
	fmt.Printf("%-24s %6s %12s %12s %10s\n", "MODEL", "CALLS", "INPUT", "OUTPUT", "COST")
	for _, u := range s.Usage {
		fmt.Printf("%-24s %6d %12d %12d %10s\n", truncate(u.Model, 24), u.Calls, u.InputTokens, u.OutputTokens, cost.FormatUSD(u.USD()))
	}
	fmt.Printf("Estimated total: %s\n", cost.FormatUSD(s.EstimateUSD))
}
