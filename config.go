package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"panicrelay/relay"
)

// Config holds all configuration for the relay.
type Config struct {
	TwilioAccountSID  string `toml:"twilio_account_sid"`
	TwilioAuthToken   string `toml:"twilio_auth_token"`
	TwilioPhoneNumber string `toml:"twilio_phone_number"`
	TwilioPhoneSID    string `toml:"twilio_phone_sid"` // incoming number SID, for clean
	TwilioBaseURL     string `toml:"twilio_base_url"`

	ServerURL    string `toml:"server_url"` // public URL for callbacks and media streams
	Port         int    `toml:"port"`
	DatabasePath string `toml:"database_path"`

	TelegramBotToken string `toml:"telegram_bot_token"`
	AdminID          int64  `toml:"admin_id"`

	DefaultCountryCode string `toml:"default_country_code"`
	DialPlanScript     string `toml:"dialplan_script"`

	AlertMessage  string `toml:"alert_message"`
	AlertLanguage string `toml:"alert_language"`
	AlertPause    int    `toml:"alert_pause"`

	SMSOrder           string        `toml:"sms_order"`
	DefaultSMSBody     string        `toml:"default_sms_body"`
	EchoAudio          bool          `toml:"echo_audio"`
	AckAudio           bool          `toml:"ack_audio"`
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`
	HeartbeatMaxMisses int           `toml:"heartbeat_max_misses"`
	SendQueue          int           `toml:"send_queue"`
	ShutdownTimeout    time.Duration `toml:"shutdown_timeout"`

	RateLimitRPS   float64  `toml:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst"`
	MaxBodyBytes   int64    `toml:"max_body_bytes"`
	AllowedOrigins []string `toml:"allowed_origins"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

func defaultConfig() *Config {
	p := relay.DefaultPolicy()
	return &Config{
		Port:               8080,
		DatabasePath:       "./panicrelay.db",
		AlertMessage:       "This is an emergency call. Please stay on the line.",
		AlertLanguage:      "en-US",
		AlertPause:         2,
		SMSOrder:           p.SMSOrder.String(),
		DefaultSMSBody:     p.DefaultSMSBody,
		HeartbeatInterval:  p.HeartbeatInterval,
		HeartbeatMaxMisses: p.MaxMisses,
		SendQueue:          64,
		ShutdownTimeout:    10 * time.Second,
		RateLimitRPS:       5,
		RateLimitBurst:     20,
		MaxBodyBytes:       64 << 10,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// LoadConfig builds the configuration from defaults, an optional TOML file
// and the environment, in that order. A .env file overrides the process
// environment.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Overload()

	cfg := defaultConfig()
	if path == "" {
		path = os.Getenv("PANICRELAY_CONFIG")
	}
	if path != "" {
		if err := loadToml(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return cfg, nil
}

func loadToml(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	envString("TWILIO_ACCOUNT_SID", &c.TwilioAccountSID)
	envString("TWILIO_AUTH_TOKEN", &c.TwilioAuthToken)
	envString("TWILIO_PHONE_NUMBER", &c.TwilioPhoneNumber)
	envString("TWILIO_PHONE_SID", &c.TwilioPhoneSID)
	envString("TWILIO_BASE_URL", &c.TwilioBaseURL)
	envString("SERVER_URL", &c.ServerURL)
	errs = append(errs, envInt("PORT", &c.Port))
	envString("DATABASE_PATH", &c.DatabasePath)
	envString("TELEGRAM_BOT_TOKEN", &c.TelegramBotToken)
	errs = append(errs, envInt64("ADMIN_ID", &c.AdminID))
	envString("DEFAULT_COUNTRY_CODE", &c.DefaultCountryCode)
	envString("DIALPLAN_SCRIPT", &c.DialPlanScript)
	envString("ALERT_MESSAGE", &c.AlertMessage)
	envString("ALERT_LANGUAGE", &c.AlertLanguage)
	errs = append(errs, envInt("ALERT_PAUSE", &c.AlertPause))
	envString("SMS_ORDER", &c.SMSOrder)
	envString("DEFAULT_SMS_BODY", &c.DefaultSMSBody)
	errs = append(errs,
		envBool("ECHO_AUDIO", &c.EchoAudio),
		envBool("ACK_AUDIO", &c.AckAudio),
		envDuration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval),
		envInt("HEARTBEAT_MAX_MISSES", &c.HeartbeatMaxMisses),
		envInt("SEND_QUEUE", &c.SendQueue),
		envDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout),
		envFloat("RATE_LIMIT_RPS", &c.RateLimitRPS),
		envInt("RATE_LIMIT_BURST", &c.RateLimitBurst),
		envInt64("MAX_BODY_BYTES", &c.MaxBodyBytes),
	)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	return errors.Join(errs...)
}

// Validate checks the settings the server needs.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ValidateTwilio(); err != nil {
		errs = append(errs, err)
	}
	if c.TwilioPhoneNumber == "" {
		errs = append(errs, errors.New("TWILIO_PHONE_NUMBER is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if _, ok := relay.ParseSMSOrder(c.SMSOrder); !ok {
		errs = append(errs, fmt.Errorf("SMS_ORDER %q must be off, before, after or parallel", c.SMSOrder))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}
	if c.HeartbeatMaxMisses < 1 {
		errs = append(errs, errors.New("HEARTBEAT_MAX_MISSES must be at least 1"))
	}
	if c.SendQueue < 1 {
		errs = append(errs, errors.New("SEND_QUEUE must be at least 1"))
	}
	if c.ServerURL != "" && !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		errs = append(errs, fmt.Errorf("SERVER_URL %q must be an http(s) URL", c.ServerURL))
	}
	return errors.Join(errs...)
}

// ValidateTwilio checks the credentials every provider command needs.
func (c *Config) ValidateTwilio() error {
	if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
		return errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")
	}
	return nil
}

// Policy returns the relay policy described by the configuration.
func (c *Config) Policy() relay.Policy {
	p := relay.DefaultPolicy()
	if order, ok := relay.ParseSMSOrder(c.SMSOrder); ok {
		p.SMSOrder = order
	}
	if c.DefaultSMSBody != "" {
		p.DefaultSMSBody = c.DefaultSMSBody
	}
	p.EchoAudio = c.EchoAudio
	p.AckAudio = c.AckAudio
	p.HeartbeatInterval = c.HeartbeatInterval
	p.MaxMisses = c.HeartbeatMaxMisses
	return p
}

// StreamURL is the websocket URL Twilio connects call audio to, or empty
// when no public URL is configured.
func (c *Config) StreamURL() string {
	if c.ServerURL == "" {
		return ""
	}
	u := c.ServerURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/media-stream"
}

// StatusCallbackURL is where Twilio posts call status changes.
func (c *Config) StatusCallbackURL() string {
	if c.ServerURL == "" {
		return ""
	}
	return c.ServerURL + "/call-status"
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// envDuration accepts Go durations ("30s") or plain seconds.
func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
