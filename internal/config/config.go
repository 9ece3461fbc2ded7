package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all process configuration loaded from environment variables.
// Bot definitions come from BOTS_FILE or, for a single bot, from the SLACK_*
// variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Bots
	BotsFile    string `envconfig:"BOTS_FILE"`
	SlackAPIURL string `envconfig:"SLACK_API_URL"` // Web API base, e.g. https://slack.com/api/

	// Single-bot fallback when BOTS_FILE is unset
	SlackBotName      string   `envconfig:"SLACK_BOT_NAME" default:"default"`
	SlackBotToken     string   `envconfig:"SLACK_BOT_TOKEN"`
	SlackAppToken     string   `envconfig:"SLACK_APP_TOKEN"` // xapp- token for Socket Mode
	SlackChannelTypes []string `envconfig:"SLACK_CHANNEL_TYPES"`
	SlackChannelIDs   []string `envconfig:"SLACK_CHANNEL_IDS"`

	// Integration text.event_id values forwarded to handlers
	AllowedIntegrationEvents []string `envconfig:"SLACK_ALLOWED_INTEGRATION_EVENTS"`

	// Membership
	JoinBatchSize     int           `envconfig:"JOIN_BATCH_SIZE" default:"100"`
	JoinBatchDelay    time.Duration `envconfig:"JOIN_BATCH_DELAY" default:"200ms"`
	DiscoveryPageSize int           `envconfig:"DISCOVERY_PAGE_SIZE" default:"200"`

	// Dispatch pool
	PoolPartitions int `envconfig:"POOL_PARTITIONS"` // 0 = GOMAXPROCS
	PoolWorkers    int `envconfig:"POOL_WORKERS" default:"4"`
	PoolQueueSize  int `envconfig:"POOL_QUEUE_SIZE" default:"256"`

	// Gateway reconnects
	ReconnectBaseDelay   time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay    time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"10"`
	EventDedupeSize      int           `envconfig:"EVENT_DEDUPE_SIZE" default:"1024"`
	GatewayPingTimeout   time.Duration `envconfig:"GATEWAY_PING_TIMEOUT" default:"30s"`

	// Supervisor
	RestartDelay       time.Duration `envconfig:"RESTART_DELAY" default:"1s"`
	MaxRestartFailures int           `envconfig:"MAX_RESTART_FAILURES" default:"5"`

	// Delivery workers
	DeliveryInterval  time.Duration `envconfig:"DELIVERY_INTERVAL" default:"1s"`
	DeliveryQueueSize int           `envconfig:"DELIVERY_QUEUE_SIZE" default:"100"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtReadOnlyKey    string `envconfig:"MGMT_READONLY_API_KEY"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
}

// IsDevelopment reports whether console logging should be used.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// SlackEnabled returns true if single-bot tokens are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		if prefix == "" {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
