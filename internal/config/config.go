package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Push transports accepted by PUSH_TRANSPORT.
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportNone      = "none"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Backend REST API base URL and the bearer token issued to this user.
	APIURL string `env:"CHAT_API_URL"`
	Token  string `env:"CHAT_TOKEN"`

	// Identity stamped on optimistic messages and typing broadcasts.
	// Denormalized onto every record at send time.
	UserID     string `env:"CHAT_USER_ID"`
	UserName   string `env:"CHAT_USER_NAME"`
	UserAvatar string `env:"CHAT_USER_AVATAR"`

	// Conversation to open at startup. If empty, the last active
	// conversation from the state database is reopened.
	ConversationID string `env:"CHAT_CONVERSATION_ID"`

	// Push channel transport. "none" runs on snapshot and polling only.
	PushTransport string `env:"PUSH_TRANSPORT" envDefault:"websocket"`
	PushURL       string `env:"CHAT_PUSH_URL"`
	RedisURL      string `env:"REDIS_URL"`

	// Sync tuning.
	PollInterval            time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	PollMaxBackoff          time.Duration `env:"POLL_MAX_BACKOFF" envDefault:"30s"`
	TypingTimeout           time.Duration `env:"TYPING_TIMEOUT" envDefault:"3s"`
	TypingBroadcastInterval time.Duration `env:"TYPING_BROADCAST_INTERVAL" envDefault:"1s"`
	MatchTolerance          time.Duration `env:"MATCH_TOLERANCE" envDefault:"10s"`
	ReactionSettleWindow    time.Duration `env:"REACTION_SETTLE_WINDOW" envDefault:"10s"`

	// State database path. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Drop folder for outgoing messages. Disabled when empty.
	OutboxDir string `env:"OUTBOX_DIR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file holds the bearer token.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.PushTransport = strings.ToLower(strings.TrimSpace(cfg.PushTransport))
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.OutboxDir != "" {
		absDir, err := filepath.Abs(cfg.OutboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving outbox dir to absolute path: %w", err)
		}

		cfg.OutboxDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CHAT_API_URL must be an absolute URL")
	}

	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.UserName == "" {
		return fmt.Errorf("CHAT_USER_NAME is required")
	}

	switch c.PushTransport {
	case TransportWebSocket:
		if c.PushURL == "" {
			return fmt.Errorf("CHAT_PUSH_URL is required when PUSH_TRANSPORT is websocket")
		}

		if !strings.HasPrefix(c.PushURL, "ws://") && !strings.HasPrefix(c.PushURL, "wss://") {
			return fmt.Errorf("CHAT_PUSH_URL must use ws:// or wss://")
		}
	case TransportRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PUSH_TRANSPORT is redis")
		}
	case TransportNone:
	default:
		return fmt.Errorf("PUSH_TRANSPORT must be one of websocket, redis, none (got %q)", c.PushTransport)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.PollMaxBackoff < c.PollInterval {
		return fmt.Errorf("POLL_MAX_BACKOFF must be at least POLL_INTERVAL")
	}

	if c.TypingTimeout <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT must be positive")
	}

	if c.MatchTolerance < 0 || c.ReactionSettleWindow < 0 || c.TypingBroadcastInterval < 0 {
		return fmt.Errorf("MATCH_TOLERANCE, REACTION_SETTLE_WINDOW and TYPING_BROADCAST_INTERVAL must not be negative")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string into user -> bcrypt hash.
// Format: "user1:$2a$10$...,user2:$2a$10$..."
// Hashes are produced by `chat-sync hash-key`.
func (c *Config) ParseMCPAPIKeys() (map[string]string, error) {
	keys := make(map[string]string)
	if c.MCPAPIKeys == "" {
		return keys, nil
	}

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		user := pair[:idx]

		hash := pair[idx+1:]
		if user == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(keys)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("API key for %q is not a bcrypt hash", user)
		}

		if _, dup := keys[user]; dup {
			return nil, fmt.Errorf("duplicate user %q in MCP_API_KEYS", user)
		}

		keys[user] = hash
	}

	return keys, nil
}
