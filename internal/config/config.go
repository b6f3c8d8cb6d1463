package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const Version = "0.1.0"

// Credentials holds API keys loaded from credentials.toml.
type Credentials struct {
	GeminiAPIKey string `toml:"gemini_api_key"`
	OpenAIAPIKey string `toml:"openai_api_key"`
}

// LoadCredentials reads credentials.toml. Returns an empty Credentials if
// the file does not exist. Warns if the file has insecure permissions.
func LoadCredentials() (*Credentials, error) {
	path, err := CredentialsPath()
	if err != nil {
		return &Credentials{}, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials: %w", err)
	}

	// Anything beyond owner read/write.
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		slog.Warn("credentials file has insecure permissions",
			"path", path, "mode", fmt.Sprintf("%04o", perm))
	}

	creds := &Credentials{}
	if _, err := toml.DecodeFile(path, creds); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	return creds, nil
}

// SaveCredentials writes credentials.toml with 0600 permissions.
func SaveCredentials(creds *Credentials) error {
	path, err := CredentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(creds); err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), fs.FileMode(0o600)); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

type Config struct {
	DBPath    string `toml:"db_path"`
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	OutputDir string `toml:"output_dir"`

	LLM           LLMConfig           `toml:"llm"`
	Tokens        TokensConfig        `toml:"tokens"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Generation    GenerationConfig    `toml:"generation"`
	Notifications NotificationsConfig `toml:"notifications"`
	Server        ServerConfig        `toml:"server"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`
}

type LLMConfig struct {
	Provider        string `toml:"provider"`
	BaseURL         string `toml:"base_url"`
	GenerationModel string `toml:"generation_model"`
	CleaningModel   string `toml:"cleaning_model"`
	GradingModel    string `toml:"grading_model"`
	ThinkMore       *bool  `toml:"think_more"`
}

// ThinkMoreEnabled reports the think_more setting, which defaults to on.
func (c LLMConfig) ThinkMoreEnabled() bool {
	return c.ThinkMore == nil || *c.ThinkMore
}

// APIKey returns the key for the configured provider.
func (cfg *Config) APIKey() string {
	if cfg.LLM.Provider == ProviderOpenAI {
		return cfg.Tokens.OpenAI
	}
	return cfg.Tokens.Gemini
}

type TokensConfig struct {
	Gemini string `toml:"gemini"`
	OpenAI string `toml:"openai"`
}

type SchedulerConfig struct {
	Lanes       int    `toml:"lanes"`
	Cooldown    string `toml:"cooldown"`
	BackoffBase string `toml:"backoff_base"`
	MaxRetries  int    `toml:"max_retries"`
}

// CooldownDuration returns the parsed cooldown. Load has validated it.
func (c SchedulerConfig) CooldownDuration() time.Duration {
	d, _ := time.ParseDuration(c.Cooldown)
	return d
}

// BackoffDuration returns the parsed backoff base. Load has validated it.
func (c SchedulerConfig) BackoffDuration() time.Duration {
	d, _ := time.ParseDuration(c.BackoffBase)
	return d
}

type GenerationConfig struct {
	Specialty                string `toml:"specialty"`
	Mode                     string `toml:"mode"`
	Easy                     int    `toml:"easy"`
	Medium                   int    `toml:"medium"`
	Hard                     int    `toml:"hard"`
	VeryHard                 int    `toml:"very_hard"`
	AllowExternalSources     bool   `toml:"allow_external_sources"`
	AllowCrossSectionContext bool   `toml:"allow_cross_section_context"`
	CustomInstructions       string `toml:"custom_instructions"`
}

type NotificationsConfig struct {
	WebhookURL   string   `toml:"webhook_url"`
	SlackWebhook string   `toml:"slack_webhook"`
	Desktop      bool     `toml:"desktop"`
	Triggers     []string `toml:"triggers"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

const (
	TriggerBatchFinished = "batch_finished"
	TriggerJobFailed     = "job_failed"
	TriggerAuditFailed   = "audit_failed"
)

var defaultNotificationTriggers = []string{
	TriggerBatchFinished,
	TriggerJobFailed,
	TriggerAuditFailed,
}

// Defaults for [llm].
const (
	DefaultGeminiModel = "gemini-3-pro-preview"
	DefaultOpenAIModel = "gpt-4o"
)

// Load reads the config at path. A missing file is not an error when path
// is empty; defaults, credentials and environment still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		cfg.BaseDir = filepath.Dir(path)
	} else if wd, err := os.Getwd(); err == nil {
		cfg.BaseDir = wd
	}
	// Snapshot tokens from config file before credentials/env are merged in.
	fileTokens := cfg.Tokens
	applyDefaults(cfg)
	applyCredentialsAndEnv(cfg)
	warnTokensInFile(fileTokens)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		if d, err := DataDir(); err == nil {
			cfg.DBPath = filepath.Join(d, "medi.db")
		} else {
			cfg.DBPath = "medi.db"
		}
	}
	if cfg.LogFile == "" {
		if d, err := StateDir(); err == nil {
			cfg.LogFile = filepath.Join(d, "medi.log")
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderGemini
	}
	if cfg.Scheduler.Lanes == 0 {
		cfg.Scheduler.Lanes = 5
	}
	if cfg.Scheduler.Cooldown == "" {
		cfg.Scheduler.Cooldown = "5s"
	}
	if cfg.Scheduler.BackoffBase == "" {
		cfg.Scheduler.BackoffBase = "2s"
	}
	if cfg.Scheduler.MaxRetries == 0 {
		cfg.Scheduler.MaxRetries = 3
	}
	g := &cfg.Generation
	if g.Specialty == "" {
		g.Specialty = "Nội khoa"
	}
	if g.Mode == "" {
		g.Mode = "theory"
	}
	if g.Easy == 0 && g.Medium == 0 && g.Hard == 0 && g.VeryHard == 0 {
		g.Easy, g.Medium, g.Hard, g.VeryHard = 10, 40, 35, 15
	}
	if cfg.Notifications.Triggers == nil {
		cfg.Notifications.Triggers = slices.Clone(defaultNotificationTriggers)
	}
}

// applyModelDefaults fills per-stage models once the provider is final.
func applyModelDefaults(cfg *Config) {
	model := DefaultGeminiModel
	if cfg.LLM.Provider == ProviderOpenAI {
		model = DefaultOpenAIModel
	}
	for _, m := range []*string{&cfg.LLM.GenerationModel, &cfg.LLM.CleaningModel, &cfg.LLM.GradingModel} {
		if *m == "" {
			*m = model
		}
	}
}

// applyCredentialsAndEnv merges key values from credentials.toml, then
// .env, then environment variables. Priority (highest → lowest):
// env > .env > credentials.toml > config file.
func applyCredentialsAndEnv(cfg *Config) {
	creds, err := LoadCredentials()
	if err != nil {
		slog.Warn("failed to load credentials", "error", err)
	}
	if creds != nil {
		if creds.GeminiAPIKey != "" {
			cfg.Tokens.Gemini = creds.GeminiAPIKey
		}
		if creds.OpenAIAPIKey != "" {
			cfg.Tokens.OpenAI = creds.OpenAIAPIKey
		}
	}

	// godotenv.Load never overrides variables already set.
	envFile := filepath.Join(cfg.BaseDir, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "path", envFile, "error", err)
	}

	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Tokens.Gemini = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Tokens.OpenAI = v
	}
	if v := os.Getenv("MEDI_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("MEDI_WEBHOOK_URL"); v != "" {
		cfg.Notifications.WebhookURL = v
	}
	if v := os.Getenv("MEDI_SLACK_WEBHOOK"); v != "" {
		cfg.Notifications.SlackWebhook = v
	}
	applyModelDefaults(cfg)
}

// warnTokensInFile warns only when a key was literally written in the config
// file, not when it came from credentials.toml or the environment.
func warnTokensInFile(fileTokens TokensConfig) {
	if fileTokens.Gemini != "" {
		slog.Warn("gemini key found in config file; prefer credentials.toml or GEMINI_API_KEY env var")
	}
	if fileTokens.OpenAI != "" {
		slog.Warn("openai key found in config file; prefer credentials.toml or OPENAI_API_KEY env var")
	}
}

func validate(cfg *Config) error {
	switch cfg.LLM.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unsupported llm.provider: %q (must be gemini or openai)", cfg.LLM.Provider)
	}
	if cfg.LLM.BaseURL != "" {
		if err := validateHTTPURL(cfg.LLM.BaseURL); err != nil {
			return fmt.Errorf("invalid llm.base_url: %w", err)
		}
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	if err := validateScheduler(cfg.Scheduler); err != nil {
		return err
	}
	if err := validateGeneration(cfg.Generation); err != nil {
		return err
	}
	normalizedTriggers, err := validateNotificationsConfig(cfg.Notifications)
	if err != nil {
		return err
	}
	cfg.Notifications.Triggers = normalizedTriggers
	if cfg.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
			return fmt.Errorf("invalid server.listen %q: %w", cfg.Server.Listen, err)
		}
	}
	return nil
}

func validateScheduler(s SchedulerConfig) error {
	if s.Lanes < 1 {
		return fmt.Errorf("scheduler.lanes must be at least 1, got %d", s.Lanes)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must not be negative, got %d", s.MaxRetries)
	}
	for name, raw := range map[string]string{"cooldown": s.Cooldown, "backoff_base": s.BackoffBase} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid scheduler.%s %q: %w", name, raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("scheduler.%s must be positive, got %s", name, raw)
		}
	}
	return nil
}

func validateGeneration(g GenerationConfig) error {
	switch g.Mode {
	case "theory", "clinical":
	default:
		return fmt.Errorf("unsupported generation.mode: %q (must be theory or clinical)", g.Mode)
	}
	for _, w := range []int{g.Easy, g.Medium, g.Hard, g.VeryHard} {
		if w < 0 {
			return fmt.Errorf("generation difficulty weights must not be negative")
		}
	}
	if sum := g.Easy + g.Medium + g.Hard + g.VeryHard; sum != 100 {
		return fmt.Errorf("generation difficulty weights must sum to 100, got %d", sum)
	}
	return nil
}

func validateNotificationsConfig(cfg NotificationsConfig) ([]string, error) {
	if cfg.WebhookURL != "" {
		if err := validateHTTPURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid notifications.webhook_url: %w", err)
		}
	}
	if cfg.SlackWebhook != "" {
		if err := validateHTTPURL(cfg.SlackWebhook); err != nil {
			return nil, fmt.Errorf("invalid notifications.slack_webhook: %w", err)
		}
	}
	normalized, err := normalizeTriggers(cfg.Triggers)
	if err != nil {
		return nil, fmt.Errorf("invalid notifications.triggers: %w", err)
	}
	return normalized, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func normalizeTriggers(triggers []string) ([]string, error) {
	out := make([]string, 0, len(triggers))
	seen := make(map[string]struct{}, len(triggers))
	for i, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if normalized == "" {
			return nil, fmt.Errorf("trigger at index %d is empty", i)
		}
		if !slices.Contains(defaultNotificationTriggers, normalized) {
			return nil, fmt.Errorf("unsupported trigger %q", normalized)
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

func resolvePaths(cfg *Config) {
	cfg.DBPath = absPath(cfg.BaseDir, cfg.DBPath)
	cfg.OutputDir = absPath(cfg.BaseDir, cfg.OutputDir)
	if cfg.LogFile != "" {
		cfg.LogFile = absPath(cfg.BaseDir, cfg.LogFile)
	}
}

func absPath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func (cfg *Config) SlogLevel() slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TriggerEnabled reports whether notifications fire for trigger.
func (cfg *Config) TriggerEnabled(trigger string) bool {
	return slices.Contains(cfg.Notifications.Triggers, trigger)
}
