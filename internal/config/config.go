// Package config loads Semaphore's configuration: global defaults from the
// environment and the bot list from a YAML file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bot runtime modes.
const (
	ModeEmbedded = "embedded"
	ModeGateway  = "gateway"
)

// Global holds process-wide defaults sourced from environment variables.
type Global struct {
	DatabaseDSN          string
	LogLevel             string
	JobLeaseMS           int64
	WorkerPollIntervalMS int64
	RunTimeoutSec        int
	SupervisorMaxBackoff int
	TelegramBaseURL      string
	VirtualToken         string
	MaintenanceCron      string

	// Token-only bootstrap: lets a single bot run without a YAML file.
	BotToken           string
	OwnerUserID        int64
	BotID              string
	BotName            string
	BotMode            string
	WebhookPublicURL   string
	WebhookPathSecret  string
	WebhookSecretToken string
}

// GlobalFromEnv reads the environment, applying documented defaults.
func GlobalFromEnv() Global {
	return Global{
		DatabaseDSN:          envOr("DATABASE_URL", "semaphore.db"),
		LogLevel:             envOr("LOG_LEVEL", "INFO"),
		JobLeaseMS:           envInt64("JOB_LEASE_MS", 30000),
		WorkerPollIntervalMS: envInt64("WORKER_POLL_INTERVAL_MS", 250),
		RunTimeoutSec:        int(envInt64("RUN_TIMEOUT_SEC", 900)),
		SupervisorMaxBackoff: int(envInt64("SUPERVISOR_RESTART_MAX_BACKOFF_SEC", 30)),
		TelegramBaseURL:      envOr("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
		VirtualToken:         envOr("TELEGRAM_VIRTUAL_TOKEN", "mock_token_1"),
		MaintenanceCron:      envOr("MAINTENANCE_CRON", "*/5 * * * *"),
		BotToken:             os.Getenv("TELEGRAM_BOT_TOKEN"),
		OwnerUserID:          envInt64("TELEGRAM_OWNER_USER_ID", 0),
		BotID:                envOr("TELEGRAM_BOT_ID", "bot-1"),
		BotName:              envOr("TELEGRAM_BOT_NAME", "Bot 1"),
		BotMode:              envOr("TELEGRAM_BOT_MODE", ModeEmbedded),
		WebhookPublicURL:     os.Getenv("TELEGRAM_WEBHOOK_PUBLIC_URL"),
		WebhookPathSecret:    os.Getenv("TELEGRAM_WEBHOOK_PATH_SECRET"),
		WebhookSecretToken:   os.Getenv("TELEGRAM_WEBHOOK_SECRET_TOKEN"),
	}
}

// Webhook holds one bot's webhook secrets.
type Webhook struct {
	PathSecret  string `yaml:"path_secret"`
	SecretToken string `yaml:"secret_token"`
	PublicURL   string `yaml:"public_url"`
}

// AgentOptions holds per-agent model and sandbox selection.
type AgentOptions struct {
	Model   string `yaml:"model"`
	Sandbox string `yaml:"sandbox"`
}

// Bot is one entry of the bots file after normalisation.
type Bot struct {
	BotID           string       `yaml:"bot_id"`
	Name            string       `yaml:"name"`
	Mode            string       `yaml:"mode"`
	TelegramToken   string       `yaml:"telegram_token"`
	OwnerUserID     int64        `yaml:"owner_user_id"`
	Webhook         Webhook      `yaml:"webhook"`
	Adapter         string       `yaml:"adapter"`
	Codex           AgentOptions `yaml:"codex"`
	Gemini          AgentOptions `yaml:"gemini"`
	Claude          AgentOptions `yaml:"claude"`
	DatabaseDSN     string       `yaml:"database_dsn"`
	TelegramBaseURL string       `yaml:"telegram_api_base_url"`
}

// IngestMode reports "webhook" when a public URL is configured, otherwise
// "polling".
func (b *Bot) IngestMode() string {
	if strings.TrimSpace(b.Webhook.PublicURL) != "" {
		return "webhook"
	}
	return "polling"
}

// DefaultModels maps each provider to its configured default model.
func (b *Bot) DefaultModels() map[string]string {
	return map[string]string{
		"codex":  b.Codex.Model,
		"gemini": b.Gemini.Model,
		"claude": b.Claude.Model,
	}
}

// ResolveDSN returns the bot's own database DSN or the global default.
func (b *Bot) ResolveDSN(global Global) string {
	if strings.TrimSpace(b.DatabaseDSN) != "" {
		return b.DatabaseDSN
	}
	return global.DatabaseDSN
}

// ResolveBaseURL returns the bot's Telegram base URL or the global default.
func (b *Bot) ResolveBaseURL(global Global) string {
	if strings.TrimSpace(b.TelegramBaseURL) != "" {
		return b.TelegramBaseURL
	}
	return global.TelegramBaseURL
}

type botsFile struct {
	Bots []Bot `yaml:"bots"`
}

// LoadBots reads and normalises the bots file. A missing or empty file
// falls back to the token-only bootstrap bot from the environment when
// allowEnvFallback is set.
func LoadBots(path string, global Global, allowEnvFallback bool) ([]Bot, error) {
	var bots []Bot

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var parsed botsFile
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		bots = parsed.Bots
	case os.IsNotExist(err):
		// fall through to env bootstrap
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if len(bots) == 0 {
		if !allowEnvFallback {
			return nil, nil
		}
		envBot, ok := buildEnvBot(global)
		if !ok {
			return nil, fmt.Errorf("config: bots file not found at %s and TELEGRAM_BOT_TOKEN is not set", path)
		}
		bots = []Bot{envBot}
	}

	normalized, err := normalizeBots(bots, global)
	if err != nil {
		return nil, err
	}
	if err := validateBots(normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// IsLocalMockBaseURL reports whether the base URL points at a local mock
// platform, which relaxes token requirements and resets poller offsets.
func IsLocalMockBaseURL(baseURL string) bool {
	normalized := strings.ToLower(strings.TrimSpace(baseURL))
	return strings.HasPrefix(normalized, "http://127.0.0.1") ||
		strings.HasPrefix(normalized, "http://localhost")
}

var envNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func buildEnvBot(global Global) (Bot, bool) {
	token := strings.TrimSpace(global.BotToken)
	if token == "" && IsLocalMockBaseURL(global.TelegramBaseURL) {
		token = global.VirtualToken
	}
	if token == "" {
		return Bot{}, false
	}
	return Bot{
		BotID:         global.BotID,
		Name:          global.BotName,
		Mode:          global.BotMode,
		TelegramToken: token,
		OwnerUserID:   global.OwnerUserID,
		Webhook: Webhook{
			PathSecret:  global.WebhookPathSecret,
			SecretToken: global.WebhookSecretToken,
			PublicURL:   global.WebhookPublicURL,
		},
	}, true
}

func normalizeBots(bots []Bot, global Global) ([]Bot, error) {
	normalized := make([]Bot, 0, len(bots))
	for i, bot := range bots {
		index := i + 1
		baseURL := bot.ResolveBaseURL(global)

		token := strings.TrimSpace(bot.TelegramToken)
		// An uppercase token names an env var to substitute at load.
		if envNameRe.MatchString(token) {
			if fromEnv := strings.TrimSpace(os.Getenv(token)); fromEnv != "" {
				token = fromEnv
			} else if IsLocalMockBaseURL(baseURL) {
				token = global.VirtualToken
			} else {
				token = ""
			}
		}
		if token == "" && strings.TrimSpace(global.BotToken) != "" {
			token = strings.TrimSpace(global.BotToken)
		}
		if token == "" && IsLocalMockBaseURL(baseURL) {
			token = global.VirtualToken
		}
		if token == "" {
			return nil, fmt.Errorf("config: bots[%d]: telegram_token is required", index)
		}
		bot.TelegramToken = token

		if strings.TrimSpace(bot.BotID) == "" {
			bot.BotID = fmt.Sprintf("bot-%d", index)
		}
		if strings.TrimSpace(bot.Name) == "" {
			bot.Name = fmt.Sprintf("Bot %d", index)
		}
		if bot.Mode == "" {
			bot.Mode = ModeEmbedded
		}
		if bot.Adapter == "" {
			bot.Adapter = "gemini"
		}
		if bot.Codex.Sandbox == "" {
			bot.Codex.Sandbox = "workspace-write"
		}
		if bot.OwnerUserID == 0 {
			bot.OwnerUserID = global.OwnerUserID
		}
		if strings.TrimSpace(bot.Webhook.PathSecret) == "" {
			bot.Webhook.PathSecret = bot.BotID + "-path"
		}
		if strings.TrimSpace(bot.Webhook.SecretToken) == "" {
			bot.Webhook.SecretToken = bot.BotID + "-secret"
		}

		normalized = append(normalized, bot)
	}
	return normalized, nil
}

func validateBots(bots []Bot) error {
	var errs []string
	seenIDs := map[string]bool{}
	seenTokens := map[string]bool{}
	for i, bot := range bots {
		if seenIDs[bot.BotID] {
			errs = append(errs, fmt.Sprintf("bots[%d]: duplicate bot_id %q", i+1, bot.BotID))
		}
		seenIDs[bot.BotID] = true
		if seenTokens[bot.TelegramToken] {
			errs = append(errs, fmt.Sprintf("bots[%d]: duplicate telegram_token", i+1))
		}
		seenTokens[bot.TelegramToken] = true
		if bot.Mode != ModeEmbedded && bot.Mode != ModeGateway {
			errs = append(errs, fmt.Sprintf("bots[%d]: unsupported mode %q", i+1, bot.Mode))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func envInt64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}
