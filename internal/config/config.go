package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/jddunn/safeos/pkg/config"
)

// Config stores environment configuration for Warden.
type Config struct {
	APIPort     string
	WSPort      string
	DatabaseURL string

	InferenceURL           string
	InferenceTriageModel   string
	InferenceAnalysisModel string
	CloudProviders         []string
	OpenAIAPIKey           string
	OpenAIModel            string
	OpenAIAPIURL           string
	AnthropicAPIKey        string
	AnthropicModel         string
	AnthropicAPIURL        string
	LocalTimeout           time.Duration
	CloudTimeout           time.Duration
	VerifyThreshold        float64

	MaxConcurrentAnalyses int
	FrameQueueSize        int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	SMSSID          string
	SMSToken        string
	SMSFrom         string
	SMSAPIURL       string
	ChatBotToken    string
	ChatAPIURL      string

	MaxConcurrentSends int
	SMSRateLimit       int
	SMSRateWindow      time.Duration
	DashboardURL       string

	MaxRooms          int
	MaxViewersPerRoom int
	RoomTimeout       time.Duration

	PingTimeout       time.Duration
	CounterFlush      time.Duration
	InactivityTimeout time.Duration

	LeaseTimeout         time.Duration
	ModerationCategories map[string]int
	PrivilegedReviewers  []string

	BanListPath string

	KafkaBrokers       []string
	RedisURL           string
	ClickHouseAddr     string
	ClickHouseDatabase string
}

// LoadConfig loads the Warden configuration from environment variables.
func LoadConfig() Config {
	return Config{
		APIPort:     config.GetEnv("API_PORT", "8080"),
		WSPort:      config.GetEnv("WS_PORT", "8081"),
		DatabaseURL: config.GetEnv("DATABASE_URL", ""),

		InferenceURL:           config.GetEnv("INFERENCE_URL", "http://localhost:11434"),
		InferenceTriageModel:   config.GetEnv("INFERENCE_TRIAGE_MODEL", "moondream"),
		InferenceAnalysisModel: config.GetEnv("INFERENCE_ANALYSIS_MODEL", "llava:13b"),
		CloudProviders:         config.GetEnvList("CLOUD_PROVIDERS", []string{"anthropic", "openai"}),
		OpenAIAPIKey:           config.GetEnv("OPENAI_API_KEY", ""),
		OpenAIModel:            config.GetEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIAPIURL:           config.GetEnv("OPENAI_API_URL", ""),
		AnthropicAPIKey:        config.GetEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:         config.GetEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),
		AnthropicAPIURL:        config.GetEnv("ANTHROPIC_API_URL", ""),
		LocalTimeout:           config.GetEnvDuration("LOCAL_TIMEOUT", 2*time.Minute),
		CloudTimeout:           config.GetEnvDuration("CLOUD_TIMEOUT", 30*time.Second),
		VerifyThreshold:        config.GetEnvFloat("VERIFY_THRESHOLD", 0.7),

		MaxConcurrentAnalyses: config.GetEnvInt("MAX_CONCURRENT_ANALYSES", runtime.NumCPU()),
		FrameQueueSize:        config.GetEnvInt("FRAME_QUEUE_SIZE", 8),

		VAPIDPublicKey:  config.GetEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: config.GetEnv("VAPID_PRIVATE_KEY", ""),
		VAPIDSubject:    config.GetEnv("VAPID_SUBJECT", "mailto:alerts@safeos.dev"),
		SMSSID:          config.GetEnv("SMS_SID", ""),
		SMSToken:        config.GetEnv("SMS_TOKEN", ""),
		SMSFrom:         config.GetEnv("SMS_FROM", ""),
		SMSAPIURL:       config.GetEnv("SMS_API_URL", ""),
		ChatBotToken:    config.GetEnv("CHAT_BOT_TOKEN", ""),
		ChatAPIURL:      config.GetEnv("CHAT_API_URL", ""),

		MaxConcurrentSends: config.GetEnvInt("MAX_CONCURRENT_SENDS", 8),
		SMSRateLimit:       config.GetEnvInt("SMS_RATE_LIMIT", 3),
		SMSRateWindow:      config.GetEnvDuration("SMS_RATE_WINDOW", 10*time.Minute),
		DashboardURL:       config.GetEnv("DASHBOARD_URL", ""),

		MaxRooms:          config.GetEnvInt("MAX_ROOMS", 100),
		MaxViewersPerRoom: config.GetEnvInt("MAX_VIEWERS_PER_ROOM", 10),
		RoomTimeout:       config.GetEnvDuration("ROOM_TIMEOUT", 5*time.Minute),

		PingTimeout:       config.GetEnvDuration("PING_TIMEOUT", 60*time.Second),
		CounterFlush:      config.GetEnvDuration("COUNTER_FLUSH", 15*time.Second),
		InactivityTimeout: config.GetEnvDuration("INACTIVITY_TIMEOUT", 10*time.Minute),

		LeaseTimeout:         config.GetEnvDuration("LEASE_TIMEOUT", 10*time.Minute),
		ModerationCategories: parseCategoryTiers(config.GetEnv("MODERATION_CATEGORIES", defaultModerationCategories)),
		PrivilegedReviewers:  config.GetEnvList("PRIVILEGED_REVIEWERS", nil),

		BanListPath: config.GetEnv("BAN_LIST_PATH", ""),

		KafkaBrokers:       config.GetEnvList("KAFKA_BROKERS", nil),
		RedisURL:           config.GetEnv("REDIS_URL", ""),
		ClickHouseAddr:     config.GetEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDatabase: config.GetEnv("CLICKHOUSE_DATABASE", "default"),
	}
}

// defaultModerationCategories maps detected-issue categories onto review
// tiers: 1 benign, 2 borderline, 3 sensitive, 4 prohibited.
const defaultModerationCategories = "spam:1,profanity:2,harassment:2,graphic:3,nudity:3,violence:3,weapon:4,abuse:4,illegal:4"

func parseCategoryTiers(raw string) map[string]int {
	tiers := map[string]int{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return tiers
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			continue
		}
		category := strings.ToLower(strings.TrimSpace(parts[0]))
		if category == "" {
			continue
		}
		tier, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || tier < 1 || tier > 4 {
			continue
		}
		tiers[category] = tier
	}
	return tiers
}

// Validate checks the loaded configuration for values the service cannot
// start with. Callers treat a non-nil error as a configuration failure.
func (c Config) Validate() error {
	if err := validPort(c.APIPort); err != nil {
		return fmt.Errorf("API_PORT: %w", err)
	}
	if err := validPort(c.WSPort); err != nil {
		return fmt.Errorf("WS_PORT: %w", err)
	}
	if c.APIPort == c.WSPort {
		return fmt.Errorf("API_PORT and WS_PORT must differ, both are %s", c.APIPort)
	}
	for _, provider := range c.CloudProviders {
		switch provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("CLOUD_PROVIDERS: unknown provider %q", provider)
		}
	}
	if c.VerifyThreshold < 0 || c.VerifyThreshold > 1 {
		return fmt.Errorf("VERIFY_THRESHOLD must be in [0,1], got %v", c.VerifyThreshold)
	}
	if c.MaxConcurrentAnalyses < 1 {
		return fmt.Errorf("MAX_CONCURRENT_ANALYSES must be positive, got %d", c.MaxConcurrentAnalyses)
	}
	if c.MaxConcurrentSends < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SENDS must be positive, got %d", c.MaxConcurrentSends)
	}
	if c.FrameQueueSize < 1 {
		return fmt.Errorf("FRAME_QUEUE_SIZE must be positive, got %d", c.FrameQueueSize)
	}
	if c.MaxRooms < 1 {
		return fmt.Errorf("MAX_ROOMS must be positive, got %d", c.MaxRooms)
	}
	if c.MaxViewersPerRoom < 1 {
		return fmt.Errorf("MAX_VIEWERS_PER_ROOM must be positive, got %d", c.MaxViewersPerRoom)
	}
	if c.SMSRateLimit < 0 {
		return fmt.Errorf("SMS_RATE_LIMIT must not be negative, got %d", c.SMSRateLimit)
	}
	for name, d := range map[string]time.Duration{
		"LOCAL_TIMEOUT":      c.LocalTimeout,
		"CLOUD_TIMEOUT":      c.CloudTimeout,
		"ROOM_TIMEOUT":       c.RoomTimeout,
		"PING_TIMEOUT":       c.PingTimeout,
		"LEASE_TIMEOUT":      c.LeaseTimeout,
		"COUNTER_FLUSH":      c.CounterFlush,
		"SMS_RATE_WINDOW":    c.SMSRateWindow,
		"INACTIVITY_TIMEOUT": c.InactivityTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	return nil
}

func validPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("not a number: %q", port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("out of range: %d", n)
	}
	return nil
}
