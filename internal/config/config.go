package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Journal backends
const (
	JournalMemory     = "memory"
	JournalClickHouse = "clickhouse"
)

// Config holds the application configuration
type Config struct {
	Port     string
	LogLevel string

	UseMockDB  bool
	SQLitePath string

	// AuthHeader carries the user id resolved by the upstream gateway
	AuthHeader     string
	AllowedOrigins []string

	// Lending policy
	ReservationTTL  time.Duration
	DefaultLoanDays int
	MaxLoanDays     int
	SweepInterval   time.Duration // 0 disables the sweeper
	AutoMessages    bool

	JournalBackend string

	// ClickHouse configuration
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseUseTLS   bool

	// Telegram relay, enabled when the token is set
	TelegramToken   string
	TelegramChatIDs map[string]int64
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func getPositiveInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseChatIDs parses "userID:chatID,..." pairs
func parseChatIDs(value string) (map[string]int64, error) {
	chats := make(map[string]int64)
	for _, pair := range splitList(value) {
		userID, chatStr, ok := strings.Cut(pair, ":")
		userID = strings.TrimSpace(userID)
		if !ok || userID == "" {
			return nil, fmt.Errorf("invalid chat link in TELEGRAM_CHAT_IDS: %s", pair)
		}
		chatID, err := strconv.ParseInt(strings.TrimSpace(chatStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat ID in TELEGRAM_CHAT_IDS: %s", pair)
		}
		chats[userID] = chatID
	}
	return chats, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	var err error
	config := &Config{
		Port:       getEnv("PORT", "8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		SQLitePath: getEnv("SQLITE_PATH", "data/booklend.db"),
		AuthHeader: getEnv("AUTH_HEADER", "X-User-ID"),
	}

	config.AllowedOrigins = splitList(getEnv("ALLOWED_ORIGINS", "*"))

	if config.UseMockDB, err = getBool("USE_MOCK_DB", false); err != nil {
		return nil, err
	}

	if config.ReservationTTL, err = getDuration("RESERVATION_TTL", 48*time.Hour); err != nil {
		return nil, err
	}
	if config.ReservationTTL == 0 {
		return nil, fmt.Errorf("invalid RESERVATION_TTL: must be positive")
	}
	if config.DefaultLoanDays, err = getPositiveInt("DEFAULT_LOAN_DAYS", 14); err != nil {
		return nil, err
	}
	if config.MaxLoanDays, err = getPositiveInt("MAX_LOAN_DAYS", 365); err != nil {
		return nil, err
	}
	if config.DefaultLoanDays > config.MaxLoanDays {
		return nil, fmt.Errorf("DEFAULT_LOAN_DAYS (%d) exceeds MAX_LOAN_DAYS (%d)", config.DefaultLoanDays, config.MaxLoanDays)
	}
	if config.SweepInterval, err = getDuration("SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if config.AutoMessages, err = getBool("AUTO_MESSAGES", true); err != nil {
		return nil, err
	}

	config.JournalBackend = getEnv("JOURNAL_BACKEND", JournalMemory)
	switch config.JournalBackend {
	case JournalMemory:
	case JournalClickHouse:
		// ClickHouse configuration (required for the clickhouse journal)
		config.ClickHouseHost = os.Getenv("CLICKHOUSE_HOST")
		if config.ClickHouseHost == "" {
			return nil, fmt.Errorf("CLICKHOUSE_HOST is required when JOURNAL_BACKEND is clickhouse")
		}
		if config.ClickHousePort, err = getPositiveInt("CLICKHOUSE_PORT", 9000); err != nil {
			return nil, err
		}
		config.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", "default")
		config.ClickHouseUser = getEnv("CLICKHOUSE_USER", "default")
		// Password is optional, can be empty
		config.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
		if config.ClickHouseUseTLS, err = getBool("CLICKHOUSE_USE_TLS", false); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown JOURNAL_BACKEND %q (want %s or %s)", config.JournalBackend, JournalMemory, JournalClickHouse)
	}

	config.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if config.TelegramChatIDs, err = parseChatIDs(os.Getenv("TELEGRAM_CHAT_IDS")); err != nil {
		return nil, err
	}

	return config, nil
}

// AllowsOrigin reports whether origin is in the allow-list
func (c *Config) AllowsOrigin(origin string) bool {
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
