package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	agentEnvPrefix              = "FIELDROUTE_AGENT"
	defaultAgentServerURL       = "http://127.0.0.1:8080"
	defaultAgentQueuePath       = "fieldroute-agent.db"
	defaultAgentFlushSeconds    = 30
	defaultAgentHTTPTimeoutSecs = 15
	defaultAgentLogLevel        = "info"
	defaultAgentLogFormat       = "console"
)

// AgentConfig captures runtime configuration for the technician agent.
type AgentConfig struct {
	ServerURL            string
	AuthToken            string
	QueuePath            string
	FlushIntervalSeconds int
	HTTPTimeoutSeconds   int
	LogLevel             string
	LogFormat            string
}

// NewAgentViper returns a viper instance for the agent with defaults and env bindings configured.
func NewAgentViper() *viper.Viper {
	configViper := viper.New()
	ApplyAgentDefaults(configViper)
	return configViper
}

// ApplyAgentDefaults configures agent defaults under the FIELDROUTE_AGENT env prefix.
func ApplyAgentDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(agentEnvPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("server.url", defaultAgentServerURL)
	configViper.SetDefault("queue.path", defaultAgentQueuePath)
	configViper.SetDefault("flush.interval_seconds", defaultAgentFlushSeconds)
	configViper.SetDefault("http.timeout_seconds", defaultAgentHTTPTimeoutSecs)
	configViper.SetDefault("log.level", defaultAgentLogLevel)
	configViper.SetDefault("log.format", defaultAgentLogFormat)
}

// LoadAgent parses agent configuration. The auth token is optional here; commands that talk to
// the server check for it themselves.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:            strings.TrimSpace(configViper.GetString("server.url")),
		AuthToken:            strings.TrimSpace(configViper.GetString("auth.token")),
		QueuePath:            strings.TrimSpace(configViper.GetString("queue.path")),
		FlushIntervalSeconds: configViper.GetInt("flush.interval_seconds"),
		HTTPTimeoutSeconds:   configViper.GetInt("http.timeout_seconds"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AgentConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.QueuePath == "" {
		return fmt.Errorf("queue.path is required")
	}
	if c.FlushIntervalSeconds < 0 {
		return fmt.Errorf("flush.interval_seconds must not be negative")
	}
	if c.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be positive")
	}
	return nil
}
