package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"medi/internal/config"
	"medi/internal/db"
	"medi/internal/llm"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	verbose bool
	jsonOut bool
	version = config.Version
	commit  = "unknown"
	date    = "unknown"

	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:     "medi",
	Short:   "medi: batch MCQ generation from medical study notes",
	Long:    "medi splits study notes into sections, generates multiple-choice questions for each one on a pool of LLM lanes, and audits every question against its source.",
	Version: fmt.Sprintf("%s (%s, %s)", version, commit, date),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logLevel.Set(slog.LevelDebug)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// resolveConfigPath determines which config file to use.
// Priority: --config flag > ./medi.toml > ~/.config/medi/config.toml.
// An empty result means defaults plus environment.
func resolveConfigPath() (string, error) {
	return config.ResolveConfigPath(cfgPath)
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if !verbose {
		logLevel.Set(cfg.SlogLevel())
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	// Clean up orphaned WAL sidecar files if the main DB was deleted.
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		_ = os.Remove(cfg.DBPath + "-shm")
		_ = os.Remove(cfg.DBPath + "-wal")
	}
	return db.Open(cfg.DBPath)
}

// newProvider builds the configured LLM backend. Tests replace it.
var newProvider = func(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	if cfg.LLM.Provider == config.ProviderOpenAI {
		p, err := llm.NewOpenAI(cfg.Tokens.OpenAI, cfg.LLM.BaseURL)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	p, err := llm.NewGemini(ctx, cfg.Tokens.Gemini)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// readInput reads path, or stdin when path is "-".
func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
