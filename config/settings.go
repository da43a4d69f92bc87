// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific configuration lookup

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Settings holds all application configuration.
type Settings struct {
	LLM     LLMConfig
	Agent   AgentConfig
	Monitor MonitorConfig
	Store   StoreConfig
	Log     LogConfig

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider         string
	Model            string
	CategorizerModel string
	MaxTokens        uint32
	Temperature      float64
	TopP             float64
}

// AgentConfig holds agent execution configuration.
type AgentConfig struct {
	MaxIterations int
	ToolTimeout   time.Duration
}

// MonitorConfig holds task monitor configuration.
type MonitorConfig struct {
	SleepTime time.Duration
	// StaleAfter fails processing tasks idle this long. Zero disables the sweep.
	StaleAfter    time.Duration
	SweepSchedule string
}

// StoreConfig selects the persistence backends.
type StoreConfig struct {
	// Backend is mongo, sqlite or mysql.
	Backend string
	// DSN is the gorm DSN of the sqlite and mysql backends.
	DSN             string
	MongoURI        string
	MongoDatabase   string
	ConversationDB  string
	RedisURL        string
	DataSourcesFile string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// Store backends.
const (
	BackendMongo  = "mongo"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv           string
	defaultModel       string
	defaultCategorizer string
	apiKeyEnv          string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "gpt-4o-mini", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "claude-3-5-haiku-20241022", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.0-flash", "gemini-2.0-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// New creates settings for the specified provider, loading values from environment variables.
// An empty provider falls back to LLM_PROVIDER, then openai.
// Returns an error if the provider is unknown or environment variables contain invalid values.
func New(provider string) (Settings, error) {
	if provider == "" {
		provider = getEnv("LLM_PROVIDER", "openai")
	}
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}

	maxTokens, err := getEnvUint32("LLM_MAX_TOKENS", 2048)
	if err != nil {
		return Settings{}, err
	}

	temperature, err := getEnvFloat64("LLM_TEMPERATURE", 1)
	if err != nil {
		return Settings{}, err
	}

	topP, err := getEnvFloat64("LLM_TOP_P", 1)
	if err != nil {
		return Settings{}, err
	}

	maxIterations, err := getEnvInt("AGENT_MAX_ITERATIONS", 5)
	if err != nil {
		return Settings{}, err
	}
	if maxIterations < 1 {
		return Settings{}, fmt.Errorf("invalid value for AGENT_MAX_ITERATIONS: %d: must be at least 1", maxIterations)
	}

	toolTimeout, err := getEnvDuration("TOOL_TIMEOUT", 30*time.Second)
	if err != nil {
		return Settings{}, err
	}

	sleepTime, err := getEnvDuration("MONITOR_SLEEP_TIME", time.Second)
	if err != nil {
		return Settings{}, err
	}

	staleAfter, err := getEnvDuration("TASK_STALE_AFTER", 0)
	if err != nil {
		return Settings{}, err
	}

	backend := strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite))
	switch backend {
	case BackendMongo, BackendSQLite, BackendMySQL:
	default:
		return Settings{}, fmt.Errorf("invalid value for STORE_BACKEND: %q: want mongo, sqlite or mysql", backend)
	}

	return Settings{
		LLM: LLMConfig{
			Provider:         provider,
			Model:            getEnv(info.modelEnv, info.defaultModel),
			CategorizerModel: getEnv("CATEGORIZER_MODEL", info.defaultCategorizer),
			MaxTokens:        maxTokens,
			Temperature:      temperature,
			TopP:             topP,
		},
		Agent: AgentConfig{
			MaxIterations: maxIterations,
			ToolTimeout:   toolTimeout,
		},
		Monitor: MonitorConfig{
			SleepTime:     sleepTime,
			StaleAfter:    staleAfter,
			SweepSchedule: getEnv("TASK_SWEEP_SCHEDULE", "@every 1m"),
		},
		Store: StoreConfig{
			Backend:         backend,
			DSN:             getEnv("STORE_DSN", ".quarry/tasks.db"),
			MongoURI:        getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			MongoDatabase:   getEnv("MONGODB_DATABASE", "research_db"),
			ConversationDB:  getEnv("CONVERSATION_DB", ".quarry/quarry.db"),
			RedisURL:        os.Getenv("REDIS_URL"),
			DataSourcesFile: os.Getenv("QUARRY_DATASOURCES"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}, nil
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}
	return getEnv(info.modelEnv, info.defaultModel), nil
}

// SupportedProviders returns the supported provider names in sorted order.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Environment variable helpers with proper error handling

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

// getEnvDuration accepts Go durations ("1s", "500ms") and bare seconds ("1").
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}
