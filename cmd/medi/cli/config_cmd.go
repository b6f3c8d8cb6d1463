package cli

import (
	"fmt"
	"os"
	"os/exec"

	"medi/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Open the config file in $EDITOR",
	Long:  "Open the active config file in $EDITOR. With no config yet, one is created at ./medi.toml from the defaults.",
	RunE:  runConfig,
}

const configTemplate = `# medi configuration. API keys belong in credentials.toml or the environment
# (GEMINI_API_KEY, OPENAI_API_KEY), not here.

[llm]
provider = "gemini"
# generation_model = "gemini-3-pro-preview"
# think_more = true

[scheduler]
lanes = 5
cooldown = "5s"
backoff_base = "2s"
max_retries = 3

[generation]
specialty = "Nội khoa"
mode = "theory"
easy = 10
medium = 40
hard = 35
very_hard = 15

[notifications]
# webhook_url = ""
# slack_webhook = ""
desktop = false
triggers = ["batch_finished", "job_failed", "audit_failed"]

[server]
# listen = "127.0.0.1:9464"
`

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	if path == "" {
		path = config.LocalConfigName
		if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("Created %s\n", path)
	}
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	c := exec.Command(editor, path)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("open editor: %w", err)
	}
	return nil
}
