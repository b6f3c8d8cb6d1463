package cli

import (
	"fmt"
	"strings"

	"medi/internal/grade"

	"github.com/spf13/cobra"
)

var (
	gradeMode    string
	gradeDoc     string
	gradeAnswer  string
	gradeSection string
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Check, hint or grade an essay answer against a document",
	RunE:  runGrade,
}

func init() {
	gradeCmd.Flags().StringVar(&gradeMode, "mode", string(grade.ModeGrade), "check, hint, hint++ or grade")
	gradeCmd.Flags().StringVar(&gradeDoc, "doc", "", "reference document (required)")
	gradeCmd.Flags().StringVar(&gradeAnswer, "answer", "-", "answer file, or - for stdin")
	gradeCmd.Flags().StringVar(&gradeSection, "section", "", "section of the document the question is about")
	_ = gradeCmd.MarkFlagRequired("doc")
	rootCmd.AddCommand(gradeCmd)
}

func runGrade(cmd *cobra.Command, args []string) error {
	mode, err := grade.ParseMode(gradeMode)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	doc, err := readInput(gradeDoc)
	if err != nil {
		return err
	}
	answer, err := readInput(gradeAnswer)
	if err != nil {
		return err
	}
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("answer is empty")
	}

	provider, err := newProvider(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	res, err := grade.New(provider, cfg.LLM.GradingModel, cfg.LLM.ThinkMoreEnabled()).Respond(cmd.Context(), grade.Request{
		Mode:     mode,
		Document: doc,
		Section:  gradeSection,
		Answer:   answer,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(res)
		return nil
	}
	fmt.Println(res.Text)
	if res.Graded {
		fmt.Printf("\nSRS rating: %d/3\n", res.SRSRating)
	}
	return nil
}
