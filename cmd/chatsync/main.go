package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
	Log      ConfigLog      `toml:"log"`
}

// ConfigDefault holds the pull channel settings and identity.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
}

// ConfigRealtime selects the push channel.
type ConfigRealtime struct {
	Transport     string `toml:"transport"` // "ws", "nats" or "none"
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// ConfigLog holds logging settings.
type ConfigLog struct {
	Level string `toml:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if p := os.Getenv("CHATSYNC_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with CHATSYNC_* environment overrides
// applied. A .env file in the working directory is read first.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

// envOverrides lists the environment variables that override config keys,
// in the order config show reports them.
var envOverrides = []struct {
	env, key string
	field    func(*Config) *string
}{
	{"CHATSYNC_BASE_URL", "default.base_url", func(c *Config) *string { return &c.Default.BaseURL }},
	{"CHATSYNC_TOKEN", "default.token", func(c *Config) *string { return &c.Default.Token }},
	{"CHATSYNC_USER_ID", "default.user_id", func(c *Config) *string { return &c.Default.UserID }},
	{"CHATSYNC_TRANSPORT", "realtime.transport", func(c *Config) *string { return &c.Realtime.Transport }},
	{"CHATSYNC_NATS_URL", "realtime.nats_url", func(c *Config) *string { return &c.Realtime.NATSURL }},
	{"CHATSYNC_SUBJECT_PREFIX", "realtime.subject_prefix", func(c *Config) *string { return &c.Realtime.SubjectPrefix }},
	{"CHATSYNC_LOG_LEVEL", "log.level", func(c *Config) *string { return &c.Log.Level }},
}

func applyEnv(cfg *Config, getenv func(string) string) {
	for _, o := range envOverrides {
		if v := getenv(o.env); v != "" {
			*o.field(cfg) = v
		}
	}
}

// activeOverrides describes the overrides set in the environment, one line
// each. Tokens are masked.
func activeOverrides(getenv func(string) string) []string {
	var out []string
	for _, o := range envOverrides {
		v := getenv(o.env)
		if v == "" {
			continue
		}
		if o.key == "default.token" {
			v = maskKey(v)
		}
		out = append(out, fmt.Sprintf("%s = %q (from %s)", o.key, v, o.env))
	}
	return out
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "user_id":
			cfg.Default.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "realtime":
		switch field {
		case "transport":
			switch value {
			case "ws", "nats", "none":
			default:
				return fmt.Errorf("transport must be one of ws, nats, none")
			}
			cfg.Realtime.Transport = value
		case "nats_url":
			cfg.Realtime.NATSURL = value
		case "subject_prefix":
			cfg.Realtime.SubjectPrefix = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, realtime, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	jsonOutput bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Conversation sync CLI",
	Long:  "Command-line client for a chat service: list conversations, page messages,\nsend optimistically and follow live updates over WebSocket or NATS.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(".env")
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
