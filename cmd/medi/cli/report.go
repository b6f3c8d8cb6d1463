package cli

import (
	"fmt"
	"os"
	"strings"

	"medi/internal/db"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var (
	reportRaw  bool
	reportJobs bool
)

var reportCmd = &cobra.Command{
	Use:   "report <batch-id>",
	Short: "Render the stored audit report of a batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportRaw, "raw", false, "print the Markdown without rendering")
	reportCmd.Flags().BoolVar(&reportJobs, "jobs", false, "also list every section job with its final status")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.ResolveBatchID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	b, err := store.GetBatch(cmd.Context(), id)
	if err != nil {
		return err
	}
	var jobs []db.Job
	if reportJobs || jsonOut {
		if jobs, err = store.ListJobs(cmd.Context(), id); err != nil {
			return err
		}
	}

	notifications, err := store.NotificationCounts(cmd.Context(), id)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(struct {
			Batch         db.Batch       `json:"batch"`
			Jobs          []db.Job       `json:"jobs"`
			Notifications map[string]int `json:"notifications"`
		}{b, jobs, notifications})
		return nil
	}

	fmt.Printf("Batch %s (%s) from %s\n", b.ID, b.Status, b.Source)
	if line := notificationSummary(notifications); line != "" {
		fmt.Println("Notifications: " + line)
	}
	if b.AuditReport == "" {
		fmt.Println("No audit report: the batch did not reach the audit.")
	} else {
		fmt.Println(renderReport(b.AuditReport, reportRaw))
	}

	if reportJobs {
		fmt.Printf("%-10s %-10s %-5s %-40s %s\n", "JOB", "STATUS", "RETRY", "SECTION", "ERROR")
		for _, j := range jobs {
			fmt.Printf("%-10s %-10s %-5d %-40s %s\n", truncate(j.ID, 8), j.Status, j.RetryCount, truncate(j.SectionTitle, 40), j.Error)
		}
	}
	return nil
}

// notificationSummary lists outbox counts in delivery order, e.g.
// "2 sent, 1 failed".
func notificationSummary(counts map[string]int) string {
	order := []string{
		db.NotificationStatusSent,
		db.NotificationStatusPending,
		db.NotificationStatusProcessing,
		db.NotificationStatusFailed,
		db.NotificationStatusSkipped,
	}
	parts := make([]string, 0, len(order))
	for _, st := range order {
		if counts[st] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[st], st))
		}
	}
	return strings.Join(parts, ", ")
}

// renderReport renders Markdown for the terminal, falling back to the raw
// text when stdout is not a terminal or rendering fails.
func renderReport(markdown string, raw bool) string {
	if raw || !isTerminal(os.Stdout) {
		return markdown
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return markdown
	}
	out, err := r.Render(markdown)
	if err != nil {
		return markdown
	}
	return out
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
