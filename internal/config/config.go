package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	SmartGrade SmartGradeConfig `yaml:"smartgrade"`
	Push       PushConfig       `yaml:"push"`
	Poll       PollConfig       `yaml:"poll"`
	HTTP       HTTPConfig       `yaml:"http"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`
}

// SmartGradeConfig holds vendor cloud API configuration.
type SmartGradeConfig struct {
	APIBase string `yaml:"api_base"`
	// Token is the bearer credential from the SMS pairing flow.
	Token string `yaml:"token"`
	// UserID and DomainID override the token's usr/dom claims.
	UserID   string   `yaml:"user_id"`
	DomainID string   `yaml:"domain_id"`
	SiteIDs  []string `yaml:"site_ids"`
	Timeout  Duration `yaml:"timeout"`
}

// PushConfig holds the vendor push broker configuration.
type PushConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Broker           string   `yaml:"broker"`
	KeepAlive        Duration `yaml:"keepalive"`
	ReconnectInitial Duration `yaml:"reconnect_initial"`
	ReconnectMax     Duration `yaml:"reconnect_max"`
}

// PollConfig holds poll cadences and command/merge tuning.
type PollConfig struct {
	Fast           Duration `yaml:"fast"`
	Outage         Duration `yaml:"outage"`
	Slow           Duration `yaml:"slow"`
	GuardWindow    Duration `yaml:"guard_window"`
	CommandTimeout Duration `yaml:"command_timeout"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryInitial   Duration `yaml:"retry_initial"`
	RetryMax       Duration `yaml:"retry_max"`
	RateLimitDelay Duration `yaml:"rate_limit_delay"`
	Concurrency    int      `yaml:"concurrency"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// MQTTConfig holds the Home Assistant broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	NodeID      string `yaml:"node_id"`
}

// StoreConfig holds the registry cache location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a time.Duration that reads "30s"-style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		SmartGrade: SmartGradeConfig{
			APIBase: "https://api.iotechv.com",
			Timeout: Duration(10 * time.Second),
		},
		Push: PushConfig{
			Enabled:          true,
			Broker:           "tcp://mqtt.iotechv.com:1883",
			KeepAlive:        Duration(60 * time.Second),
			ReconnectInitial: Duration(5 * time.Second),
			ReconnectMax:     Duration(5 * time.Minute),
		},
		Poll: PollConfig{
			Fast:           Duration(10 * time.Second),
			Outage:         Duration(30 * time.Second),
			Slow:           Duration(5 * time.Minute),
			GuardWindow:    Duration(3 * time.Second),
			CommandTimeout: Duration(15 * time.Second),
			MaxAttempts:    3,
			RetryInitial:   Duration(500 * time.Millisecond),
			RetryMax:       Duration(5 * time.Second),
			RateLimitDelay: Duration(30 * time.Second),
			Concurrency:    4,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "smartgrade",
			NodeID:      "smartgraded",
		},
		Store: StoreConfig{
			Path: "/data/smartgrade.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays a .env
// file (if present) and environment variables. If path is empty, only
// defaults + env are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	loadDotEnv()
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv loads the first .env found. Existing environment variables win.
func loadDotEnv() {
	candidates := []string{".env", "/data/.env"}
	if p := os.Getenv("SMARTGRADE_ENV_FILE"); p != "" {
		candidates = append([]string{p}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"SMARTGRADE_API_BASE":          &cfg.SmartGrade.APIBase,
		"SMARTGRADE_TOKEN":             &cfg.SmartGrade.Token,
		"SMARTGRADE_USER_ID":           &cfg.SmartGrade.UserID,
		"SMARTGRADE_DOMAIN_ID":         &cfg.SmartGrade.DomainID,
		"SMARTGRADE_PUSH_BROKER":       &cfg.Push.Broker,
		"SMARTGRADE_HTTP_ADDR":         &cfg.HTTP.Addr,
		"SMARTGRADE_MQTT_BROKER":       &cfg.MQTT.Broker,
		"SMARTGRADE_MQTT_USERNAME":     &cfg.MQTT.Username,
		"SMARTGRADE_MQTT_PASSWORD":     &cfg.MQTT.Password,
		"SMARTGRADE_MQTT_TOPIC_PREFIX": &cfg.MQTT.TopicPrefix,
		"SMARTGRADE_MQTT_NODE_ID":      &cfg.MQTT.NodeID,
		"SMARTGRADE_STORE_PATH":        &cfg.Store.Path,
		"SMARTGRADE_LOG_LEVEL":         &cfg.Log.Level,
		"SMARTGRADE_LOG_FORMAT":        &cfg.Log.Format,
	}
	for k, p := range strs {
		if v := os.Getenv(k); v != "" {
			*p = v
		}
	}

	bools := map[string]*bool{
		"SMARTGRADE_PUSH_ENABLED":   &cfg.Push.Enabled,
		"SMARTGRADE_MQTT_ENABLED":   &cfg.MQTT.Enabled,
		"SMARTGRADE_CORS_ALLOW_ALL": &cfg.HTTP.CORSAll,
	}
	for k, p := range bools {
		if v := os.Getenv(k); v != "" {
			*p = parseBool(v)
		}
	}

	durations := map[string]*Duration{
		"SMARTGRADE_POLL_FAST":       &cfg.Poll.Fast,
		"SMARTGRADE_POLL_OUTAGE":     &cfg.Poll.Outage,
		"SMARTGRADE_POLL_SLOW":       &cfg.Poll.Slow,
		"SMARTGRADE_GUARD_WINDOW":    &cfg.Poll.GuardWindow,
		"SMARTGRADE_COMMAND_TIMEOUT": &cfg.Poll.CommandTimeout,
	}
	for k, p := range durations {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", k, err)
		}
		*p = Duration(d)
	}

	if v := os.Getenv("SMARTGRADE_SITE_IDS"); v != "" {
		cfg.SmartGrade.SiteIDs = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.SmartGrade.SiteIDs = append(cfg.SmartGrade.SiteIDs, s)
			}
		}
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	var errs []string

	if c.SmartGrade.APIBase == "" {
		errs = append(errs, "smartgrade.api_base is required")
	}
	if c.Push.Enabled && c.Push.Broker == "" {
		errs = append(errs, "push.broker is required when push is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}
	for name, d := range map[string]Duration{
		"poll.fast":            c.Poll.Fast,
		"poll.outage":          c.Poll.Outage,
		"poll.slow":            c.Poll.Slow,
		"poll.command_timeout": c.Poll.CommandTimeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.Poll.GuardWindow < 0 {
		errs = append(errs, "poll.guard_window must not be negative")
	}
	if c.Poll.MaxAttempts < 1 {
		errs = append(errs, "poll.max_attempts must be at least 1")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
