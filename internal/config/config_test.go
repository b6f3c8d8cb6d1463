package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolateEnv points every XDG dir at a temp dir and blanks the variables
// Load reads, so the host's config cannot leak into a test.
func isolateEnv(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(tmp, "state"))
	for _, k := range []string{"GEMINI_API_KEY", "OPENAI_API_KEY", "MEDI_LLM_PROVIDER", "MEDI_WEBHOOK_URL", "MEDI_SLACK_WEBHOOK"} {
		t.Setenv(k, "")
	}
	return tmp
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "medi.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmp := isolateEnv(t)
	cfgPath := writeConfig(t, tmp, `db_path = "medi.db"`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.LLM.Provider != ProviderGemini {
		t.Fatalf("expected default provider gemini, got %s", cfg.LLM.Provider)
	}
	if cfg.LLM.GenerationModel != DefaultGeminiModel || cfg.LLM.CleaningModel != DefaultGeminiModel {
		t.Fatalf("expected gemini model defaults, got %+v", cfg.LLM)
	}
	if !cfg.LLM.ThinkMoreEnabled() {
		t.Fatal("expected think_more to default on")
	}
	if cfg.Scheduler.Lanes != 5 || cfg.Scheduler.MaxRetries != 3 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.CooldownDuration() != 5*time.Second || cfg.Scheduler.BackoffDuration() != 2*time.Second {
		t.Fatalf("unexpected durations: %v %v", cfg.Scheduler.CooldownDuration(), cfg.Scheduler.BackoffDuration())
	}
	g := cfg.Generation
	if g.Mode != "theory" || g.Easy != 10 || g.Medium != 40 || g.Hard != 35 || g.VeryHard != 15 {
		t.Fatalf("unexpected generation defaults: %+v", g)
	}
	if cfg.DBPath != filepath.Join(tmp, "medi.db") {
		t.Fatalf("expected db path resolved against config dir, got %s", cfg.DBPath)
	}
	if cfg.LogFile != filepath.Join(tmp, "state", "medi", "medi.log") {
		t.Fatalf("unexpected default log file %s", cfg.LogFile)
	}
	if len(cfg.Notifications.Triggers) != 3 {
		t.Fatalf("expected all triggers by default, got %v", cfg.Notifications.Triggers)
	}
}

func TestLoadOpenAIModelDefaults(t *testing.T) {
	tmp := isolateEnv(t)
	cfgPath := writeConfig(t, tmp, `
[llm]
provider = "openai"
grading_model = "gpt-4o-mini"
think_more = false
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.GenerationModel != DefaultOpenAIModel {
		t.Fatalf("expected %s, got %s", DefaultOpenAIModel, cfg.LLM.GenerationModel)
	}
	if cfg.LLM.GradingModel != "gpt-4o-mini" {
		t.Fatalf("explicit model overwritten: %s", cfg.LLM.GradingModel)
	}
	if cfg.LLM.ThinkMoreEnabled() {
		t.Fatal("expected think_more off")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	tmp := isolateEnv(t)
	cfgPath := writeConfig(t, tmp, `
[llm]
provider = "gemini"
`)
	t.Setenv("MEDI_LLM_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("MEDI_SLACK_WEBHOOK", "https://hooks.slack.com/services/x")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LLM.Provider != ProviderOpenAI {
		t.Fatalf("expected provider from env, got %q", cfg.LLM.Provider)
	}
	if cfg.APIKey() != "sk-env" {
		t.Fatalf("expected openai key from env, got %q", cfg.APIKey())
	}
	if cfg.Notifications.SlackWebhook != "https://hooks.slack.com/services/x" {
		t.Fatalf("expected slack webhook from env, got %q", cfg.Notifications.SlackWebhook)
	}
}

func TestLoadCredentialsAndDotEnv(t *testing.T) {
	tmp := isolateEnv(t)
	if err := SaveCredentials(&Credentials{GeminiAPIKey: "from-creds", OpenAIAPIKey: "creds-openai"}); err != nil {
		t.Fatalf("save credentials: %v", err)
	}
	credPath, err := CredentialsPath()
	if err != nil {
		t.Fatalf("credentials path: %v", err)
	}
	info, err := os.Stat(credPath)
	if err != nil {
		t.Fatalf("stat credentials: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 credentials, got %04o", info.Mode().Perm())
	}

	// .env loading sets process env; unset so cleanup restores the blank value.
	if err := os.Unsetenv("GEMINI_API_KEY"); err != nil {
		t.Fatalf("unset: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, ".env"), []byte("GEMINI_API_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	cfgPath := writeConfig(t, tmp, "")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Tokens.Gemini != "from-dotenv" {
		t.Fatalf("expected .env to win over credentials, got %q", cfg.Tokens.Gemini)
	}
	if cfg.Tokens.OpenAI != "creds-openai" {
		t.Fatalf("expected openai key from credentials, got %q", cfg.Tokens.OpenAI)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"provider", "[llm]\nprovider = \"claude\"", "unsupported llm.provider"},
		{"lanes", "[scheduler]\nlanes = -1", "scheduler.lanes must be at least 1"},
		{"cooldown", "[scheduler]\ncooldown = \"soon\"", "invalid scheduler.cooldown"},
		{"weights", "[generation]\neasy = 50\nmedium = 10", "must sum to 100, got 60"},
		{"mode", "[generation]\nmode = \"mixed\"", "unsupported generation.mode"},
		{"trigger", "[notifications]\ntriggers = [\"pr_merged\"]", "unsupported trigger"},
		{"webhook", "[notifications]\nwebhook_url = \"ftp://x\"", "invalid notifications.webhook_url"},
		{"listen", "[server]\nlisten = \"nope\"", "invalid server.listen"},
		{"log level", "log_level = \"loud\"", "unsupported log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := isolateEnv(t)
			_, err := Load(writeConfig(t, tmp, tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeTriggers(t *testing.T) {
	t.Parallel()
	got, err := normalizeTriggers([]string{" Job_Failed ", "job_failed", "batch_finished"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if strings.Join(got, ",") != "job_failed,batch_finished" {
		t.Fatalf("unexpected triggers %v", got)
	}
	if _, err := normalizeTriggers([]string{""}); err == nil {
		t.Fatal("expected empty trigger error")
	}
}

func TestTriggerEnabled(t *testing.T) {
	t.Parallel()
	cfg := &Config{Notifications: NotificationsConfig{Triggers: []string{TriggerAuditFailed}}}
	if !cfg.TriggerEnabled(TriggerAuditFailed) || cfg.TriggerEnabled(TriggerJobFailed) {
		t.Fatalf("unexpected trigger state for %v", cfg.Notifications.Triggers)
	}
}
