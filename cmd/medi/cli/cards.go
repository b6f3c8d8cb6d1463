package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"medi/internal/cards"
	"medi/internal/safepath"
	"medi/internal/section"

	"github.com/spf13/cobra"
)

var (
	cardsSection   string
	cardsTypes     string
	cardsExtra     string
	cardsRecommend bool
	cardsOutputDir string
)

var cardsCmd = &cobra.Command{
	Use:   "cards <file>",
	Short: "Write Anki cloze cards for one section of a lesson",
	Long: `Write Anki cloze cards for one heading of a cleaned lesson.

--types picks the cloze styles (comma-separated, in order of preference):
basic, cluster, overlapping, hierarchical, bidirectional, disambiguation,
pedi_mindmap. Leave it empty to let the model choose. --recommend only asks
which styles suit the section.`,
	Args: cobra.ExactArgs(1),
	RunE: runCards,
}

func init() {
	cardsCmd.Flags().StringVar(&cardsSection, "section", "", "heading title or path to write cards for (required)")
	cardsCmd.Flags().StringVar(&cardsTypes, "types", "", "cloze types to create, or empty for auto")
	cardsCmd.Flags().StringVar(&cardsExtra, "extra", "", "file with extra context for disambiguation cards")
	cardsCmd.Flags().BoolVar(&cardsRecommend, "recommend", false, "only recommend cloze types for the section")
	cardsCmd.Flags().StringVarP(&cardsOutputDir, "output-dir", "o", "", "directory for the deck and report (default from config)")
	_ = cardsCmd.MarkFlagRequired("section")
	rootCmd.AddCommand(cardsCmd)
}

func runCards(cmd *cobra.Command, args []string) error {
	types, err := cards.ParseTypes(cardsTypes)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	text, err := readInput(args[0])
	if err != nil {
		return err
	}
	focus, err := findHeading(text, cardsSection)
	if err != nil {
		return err
	}
	var extra string
	if cardsExtra != "" {
		if extra, err = readInput(cardsExtra); err != nil {
			return err
		}
	}

	provider, err := newProvider(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	gen := cards.New(provider, cfg.LLM.GenerationModel, cfg.LLM.ThinkMoreEnabled())
	req := cards.Request{
		Lesson:       text,
		Specialty:    cfg.Generation.Specialty,
		Focus:        focus,
		Source:       filepath.Base(args[0]),
		Instructions: cfg.Generation.CustomInstructions,
		Types:        types,
		Extra:        extra,
	}

	if cardsRecommend {
		advice, err := gen.Recommend(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOut {
			printJSON(map[string]string{"section": focus, "recommendation": advice})
			return nil
		}
		fmt.Println(renderReport(advice, false))
		return nil
	}

	res, err := gen.Generate(cmd.Context(), req)
	if err != nil {
		return err
	}
	dir := cfg.OutputDir
	if cardsOutputDir != "" {
		if dir, err = filepath.Abs(cardsOutputDir); err != nil {
			return fmt.Errorf("resolve output dir: %w", err)
		}
	}
	csvPath, reportPath, err := writeDeck(dir, outputName(args[0], "cloze"), res)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(struct {
			Section    string       `json:"section"`
			CSVPath    string       `json:"csv_path"`
			ReportPath string       `json:"report_path"`
			Result     cards.Result `json:"result"`
		}{focus, csvPath, reportPath, res})
		return nil
	}
	fmt.Printf("%d cloze cards for %q", len(res.Cards), focus)
	if res.Dropped > 0 {
		fmt.Printf(" (%d dropped without a deletion)", res.Dropped)
	}
	fmt.Printf("\nDeck:   %s\nReport: %s\n", csvPath, reportPath)
	return nil
}

// findHeading resolves want against the lesson's headings by path first,
// then by title. Matching ignores case.
func findHeading(text, want string) (string, error) {
	want = strings.TrimSpace(want)
	headings := section.Headings(text)
	if len(headings) == 0 {
		return "", fmt.Errorf("no ## to #### headings found; run 'medi clean' first")
	}
	var byTitle []string
	for _, h := range headings {
		if strings.EqualFold(h.Path, want) {
			return h.Path, nil
		}
		if strings.EqualFold(h.Title, want) {
			byTitle = append(byTitle, h.Path)
		}
	}
	switch len(byTitle) {
	case 1:
		return byTitle[0], nil
	case 0:
		return "", fmt.Errorf("section %q not found", want)
	default:
		return "", fmt.Errorf("section %q is ambiguous: %s", want, strings.Join(byTitle, "; "))
	}
}

func writeDeck(dir, name string, res cards.Result) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}
	var buf bytes.Buffer
	if err := cards.WriteCSV(&buf, res.Cards); err != nil {
		return "", "", fmt.Errorf("encode deck: %w", err)
	}
	csvPath, err := safepath.WriteFile(dir, name+".csv", buf.Bytes(), 0o644)
	if err != nil {
		return "", "", err
	}
	reportPath, err := safepath.WriteFile(dir, name+"-report.md", []byte(res.Report), 0o644)
	if err != nil {
		return csvPath, "", err
	}
	return csvPath, reportPath, nil
}
