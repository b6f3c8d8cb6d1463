package cli

import (
	"fmt"
	"strings"

	"medi/internal/db"

	"github.com/spf13/cobra"
)

var batchesLimit int

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List past batch runs",
	RunE:  runBatches,
}

func init() {
	batchesCmd.Flags().IntVar(&batchesLimit, "limit", 20, "number of batches to show (0 for all)")
	rootCmd.AddCommand(batchesCmd)
}

func runBatches(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	batches, err := store.ListBatches(cmd.Context(), batchesLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(batches)
		return nil
	}
	if len(batches) == 0 {
		fmt.Println("No batches found. Run 'medi run notes.md' to start one.")
		return nil
	}

	fmt.Printf("%-20s %-12s %-6s %-6s %-6s %-6s %-6s %-20s %s\n", "BATCH", "STATUS", "ITEMS", "PASS", "WARN", "FAIL", "LOST", "CREATED", "SOURCE")
	fmt.Println(strings.Repeat("-", 110))
	for _, b := range batches {
		fmt.Printf("%-20s %-12s %-6d %-6d %-6d %-6d %-6d %-20s %s\n",
			b.ID, b.Status, b.Total, b.Passed, b.Warnings, b.Failed, b.FailedJobs, b.CreatedAt, truncate(b.Source, 40))
	}
	fmt.Printf("Total: %d batches (%s)\n", len(batches), statusCounts(batches))
	return nil
}

func statusCounts(batches []db.Batch) string {
	order := []string{db.BatchFinished, db.BatchGenerating, db.BatchAuditing, db.BatchReset, db.BatchInterrupted}
	counts := make(map[string]int, len(order))
	for _, b := range batches {
		counts[b.Status]++
	}
	parts := make([]string, 0, len(order))
	for _, st := range order {
		if counts[st] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[st], st))
		}
	}
	return strings.Join(parts, ", ")
}
