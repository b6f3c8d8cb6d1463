package cli

import (
	"fmt"

	"medi/internal/config"

	"github.com/spf13/cobra"
)

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show where medi stores its files",
	RunE:  runPaths,
}

func init() {
	rootCmd.AddCommand(pathsCmd)
}

type pathsOutput struct {
	Config     string `json:"config"`
	Data       string `json:"data"`
	State      string `json:"state"`
	ConfigFile string `json:"config_file"`
	DB         string `json:"db"`
	Log        string `json:"log"`
	Output     string `json:"output"`
}

func runPaths(cmd *cobra.Command, args []string) error {
	var out pathsOutput
	out.Config, _ = config.ConfigDir()
	out.Data, _ = config.DataDir()
	out.State, _ = config.StateDir()

	// Resolved paths only when a config is loadable; base dirs are still useful.
	if path, err := resolveConfigPath(); err == nil {
		if cfg, err := config.Load(path); err == nil {
			out.ConfigFile = path
			out.DB = cfg.DBPath
			out.Log = cfg.LogFile
			out.Output = cfg.OutputDir
		}
	}

	if jsonOut {
		printJSON(out)
		return nil
	}
	fmt.Printf("Config:  %s\n", out.Config)
	fmt.Printf("Data:    %s\n", out.Data)
	fmt.Printf("State:   %s\n", out.State)
	if out.DB == "" {
		return nil
	}
	fmt.Println()
	if out.ConfigFile != "" {
		fmt.Printf("File:    %s\n", out.ConfigFile)
	}
	fmt.Printf("DB:      %s\n", out.DB)
	fmt.Printf("Log:     %s\n", out.Log)
	fmt.Printf("Output:  %s\n", out.Output)
	return nil
}
