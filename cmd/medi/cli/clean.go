package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"medi/internal/clean"
	"medi/internal/comparator"
	"medi/internal/cost"
	"medi/internal/safepath"

	"github.com/spf13/cobra"
)

var (
	cleanOutput    string
	cleanRepairPDF bool
	cleanRepairOff bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean <notes.txt|->",
	Short: "Restructure raw study text into clean Markdown",
	Long: "Send the text through the cleaning model with comparator tokens locked, so no >=, <=, > or < " +
		"is lost or altered. Output goes to stdout unless -o is given.",
	Args: cobra.ExactArgs(1),
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().StringVarP(&cleanOutput, "output", "o", "", "write the cleaned Markdown here (under the output dir when relative)")
	cleanCmd.Flags().BoolVar(&cleanRepairPDF, "repair-pdf", false, "map private-use PDF comparator glyphs to ASCII before cleaning")
	cleanCmd.Flags().BoolVar(&cleanRepairOff, "repair-only", false, "with --repair-pdf, stop after the glyph repair and skip the model")
	rootCmd.AddCommand(cleanCmd)
}

type cleanOutputJSON struct {
	CleanedText     string              `json:"cleaned_text"`
	TableOfContents string              `json:"table_of_contents"`
	Attempts        int                 `json:"attempts"`
	Repairs         []comparator.Repair `json:"repairs,omitempty"`
	Path            string              `json:"path,omitempty"`
}

func runClean(cmd *cobra.Command, args []string) error {
	if cleanRepairOff && !cleanRepairPDF {
		return fmt.Errorf("--repair-only requires --repair-pdf")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	text, err := readInput(args[0])
	if err != nil {
		return err
	}

	var out cleanOutputJSON
	if cleanRepairPDF {
		repaired := repairPDF(text)
		text = repaired.Text
		out.Repairs = repaired.Repairs
	}

	if cleanRepairOff {
		out.CleanedText = text
	} else {
		provider, err := newProvider(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		tracker := cost.NewTracker(provider)
		res, err := clean.New(tracker, cfg.LLM.CleaningModel, cfg.LLM.ThinkMoreEnabled()).Clean(cmd.Context(), text)
		if err != nil {
			var integrity *clean.IntegrityError
			if errors.As(err, &integrity) {
				slog.Error("comparator integrity check failed", "missing", len(integrity.Missing), "unknown", len(integrity.Unknown))
			}
			return err
		}
		out.CleanedText, out.TableOfContents, out.Attempts = res.CleanedText, res.TableOfContents, res.Attempts
		slog.Info("cleaned", "attempts", res.Attempts, "estimate", cost.FormatUSD(tracker.Total()))
	}

	if cleanOutput != "" {
		root, name := outputTarget(cfg.OutputDir, cleanOutput)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		doc := out.CleanedText
		if out.TableOfContents != "" {
			doc = out.TableOfContents + "\n\n---\n\n" + doc
		}
		path, err := safepath.WriteFile(root, name, []byte(doc), 0o644)
		if err != nil {
			return err
		}
		out.Path = path
	}

	switch {
	case jsonOut:
		printJSON(out)
	case out.Path != "":
		fmt.Printf("Cleaned text written to %s\n", out.Path)
	default:
		fmt.Println(out.CleanedText)
	}
	return nil
}

func repairPDF(text string) comparator.PDFRepair {
	repaired := comparator.RepairPDFArtifacts(text)
	for _, r := range repaired.Repairs {
		slog.Info("repaired pdf glyph", "as", r.Label, "count", r.Count)
	}
	for _, u := range repaired.Unknown {
		slog.Warn("unknown pdf glyph", "code", u.Code, "count", u.Count, "sample", strings.Join(u.Samples, " | "))
	}
	return repaired
}

// outputTarget splits an -o value into the confining root and the file
// name within it. Absolute paths are confined to their own directory.
func outputTarget(outputDir, target string) (string, string) {
	if filepath.IsAbs(target) {
		return filepath.Dir(target), filepath.Base(target)
	}
	return outputDir, target
}
