package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the runtime configuration shared by releasectl and release-agent.
type Config struct {
	ProjectFile      string
	Root             string
	PortRegistryFile string
	StandardVersion  string
	Keep             int

	HealthTimeout  time.Duration
	HealthRetries  int
	HealthInterval time.Duration

	LockBackend string
	RedisAddr   string

	DatabaseURL   string
	KafkaBrokers  []string
	KafkaTopic    string
	AuditBucket   string
	AuditPrefix   string
	TelegramToken string
	TelegramChat  int64

	AgentAddr        string
	AgentTokenSecret string
	AgentKeysFile    string
	AllowDebugToken  bool
	DebugToken       string

	LogLevel  string
	LogFormat string
	UseSudo   bool
	// Backups enables the pre-deploy pg_dump into shared/backups.
	Backups bool
}

const (
	defaultProjectFile     = "deploy.yaml"
	defaultRoot            = "/opt/ayna"
	defaultStandardVersion = "2.1"
	defaultKeep            = 10
	defaultHealthTimeout   = 30 * time.Second
	defaultHealthRetries   = 5
	defaultHealthInterval  = time.Second
	defaultAgentAddr       = ":8190"
	defaultKafkaTopic      = "release.attempts"
)

// Load reads RELEASE_* variables and validates them.
func Load() (Config, error) {
	cfg := Config{
		ProjectFile:      getEnv("RELEASE_PROJECT_FILE", defaultProjectFile),
		Root:             getEnv("RELEASE_ROOT", defaultRoot),
		PortRegistryFile: os.Getenv("RELEASE_PORT_REGISTRY"),
		StandardVersion:  getEnv("RELEASE_STANDARD_VERSION", defaultStandardVersion),
		Keep:             getInt("RELEASE_KEEP", defaultKeep),
		HealthTimeout:    getDuration("RELEASE_HEALTH_TIMEOUT", defaultHealthTimeout),
		HealthRetries:    getInt("RELEASE_HEALTH_RETRIES", defaultHealthRetries),
		HealthInterval:   getDuration("RELEASE_HEALTH_INTERVAL", defaultHealthInterval),
		LockBackend:      getEnv("RELEASE_LOCK_BACKEND", "file"),
		RedisAddr:        os.Getenv("RELEASE_REDIS_ADDR"),
		DatabaseURL:      firstNonEmpty(os.Getenv("RELEASE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		KafkaBrokers:     splitList(os.Getenv("RELEASE_KAFKA_BROKERS")),
		KafkaTopic:       getEnv("RELEASE_KAFKA_TOPIC", defaultKafkaTopic),
		AuditBucket:      os.Getenv("RELEASE_AUDIT_BUCKET"),
		AuditPrefix:      os.Getenv("RELEASE_AUDIT_PREFIX"),
		TelegramToken:    os.Getenv("RELEASE_TELEGRAM_TOKEN"),
		TelegramChat:     int64(getInt("RELEASE_TELEGRAM_CHAT_ID", 0)),
		AgentAddr:        getEnv("RELEASE_AGENT_ADDR", defaultAgentAddr),
		AgentTokenSecret: os.Getenv("RELEASE_AGENT_TOKEN_SECRET"),
		AgentKeysFile:    os.Getenv("RELEASE_AGENT_KEYS_FILE"),
		AllowDebugToken:  getBool("RELEASE_AGENT_ALLOW_DEBUG_TOKEN", false),
		DebugToken:       os.Getenv("RELEASE_AGENT_DEBUG_TOKEN"),
		LogLevel:         getEnv("RELEASE_LOG_LEVEL", "info"),
		LogFormat:        getEnv("RELEASE_LOG_FORMAT", "text"),
		UseSudo:          getBool("RELEASE_USE_SUDO", true),
		Backups:          getBool("RELEASE_BACKUP", true),
	}
	if cfg.Keep < 2 {
		return Config{}, fmt.Errorf("RELEASE_KEEP must be at least 2 to retain a rollback target")
	}
	if cfg.HealthRetries < 1 {
		return Config{}, fmt.Errorf("RELEASE_HEALTH_RETRIES must be positive")
	}
	switch cfg.LockBackend {
	case "file":
	case "redis":
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("RELEASE_REDIS_ADDR required when RELEASE_LOCK_BACKEND=redis")
		}
	default:
		return Config{}, fmt.Errorf("unknown RELEASE_LOCK_BACKEND %q", cfg.LockBackend)
	}
	if cfg.TelegramToken != "" && cfg.TelegramChat == 0 {
		return Config{}, fmt.Errorf("RELEASE_TELEGRAM_CHAT_ID required when RELEASE_TELEGRAM_TOKEN is set")
	}
	if cfg.AllowDebugToken && cfg.DebugToken == "" {
		return Config{}, fmt.Errorf("RELEASE_AGENT_DEBUG_TOKEN required when debug tokens are allowed")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
