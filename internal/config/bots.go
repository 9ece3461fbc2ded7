package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/slackbot-runtime/internal/bot"
	perrors "github.com/p-blackswan/slackbot-runtime/internal/errors"
)

// BotsFile is the top-level structure of BOTS_FILE.
//
//	bots:
//	  - name: helper
//	    app_token: ${HELPER_APP_TOKEN}
//	    bot_token: ${HELPER_BOT_TOKEN}
//	    discovery:
//	      types: [public_channel, private_channel]
//	    batch_size: 50
//	    batch_delay: 500ms
type BotsFile struct {
	Bots []BotConfig `yaml:"bots"`
}

// BotConfig declares one bot. The handler is supplied by the program.
type BotConfig struct {
	Name       string        `yaml:"name"`
	AppToken   string        `yaml:"app_token"`
	BotToken   string        `yaml:"bot_token"`
	Discovery  bot.Discovery `yaml:"discovery"`
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
}

// Definition builds a bot definition with handler h.
func (b BotConfig) Definition(h bot.Handler) bot.Definition {
	return bot.Definition{
		Name:       b.Name,
		AppToken:   b.AppToken,
		BotToken:   b.BotToken,
		Discovery:  b.Discovery,
		Handler:    h,
		BatchSize:  b.BatchSize,
		BatchDelay: b.BatchDelay,
	}
}

// Bots returns the configured bots: BOTS_FILE when set, otherwise a single
// bot built from the SLACK_* variables. Process-wide batch settings fill
// values a bot leaves unset.
func (c *Config) Bots() ([]BotConfig, error) {
	var bots []BotConfig
	switch {
	case c.BotsFile != "":
		loaded, err := LoadBots(c.BotsFile)
		if err != nil {
			return nil, err
		}
		bots = loaded
	case c.SlackEnabled():
		bots = []BotConfig{{
			Name:     c.SlackBotName,
			AppToken: c.SlackAppToken,
			BotToken: c.SlackBotToken,
			Discovery: bot.Discovery{
				Types:      c.SlackChannelTypes,
				ChannelIDs: c.SlackChannelIDs,
			},
		}}
	default:
		return nil, fmt.Errorf("no bots configured: set BOTS_FILE or SLACK_BOT_TOKEN and SLACK_APP_TOKEN: %w", perrors.ErrInvalidInput)
	}

	for i := range bots {
		if bots[i].BatchSize == 0 {
			bots[i].BatchSize = c.JoinBatchSize
		}
		if bots[i].BatchDelay == 0 {
			bots[i].BatchDelay = c.JoinBatchDelay
		}
	}
	return bots, nil
}

// LoadBots reads and parses a bots file, expanding env vars.
func LoadBots(path string) ([]BotConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	bots, err := ParseBots(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return bots, nil
}

// ParseBots parses bots YAML, expanding ${VAR} and $VAR from the environment.
func ParseBots(data []byte) ([]BotConfig, error) {
	var f BotsFile
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse bots: %v: %w", err, perrors.ErrInvalidInput)
	}
	if len(f.Bots) == 0 {
		return nil, fmt.Errorf("parse bots: no bots defined: %w", perrors.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(f.Bots))
	for _, b := range f.Bots {
		if seen[b.Name] {
			return nil, fmt.Errorf("parse bots: duplicate bot name %q: %w", b.Name, perrors.ErrInvalidInput)
		}
		seen[b.Name] = true
	}
	return f.Bots, nil
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the environment value. Missing
// vars expand to the empty string, which token validation then rejects.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
