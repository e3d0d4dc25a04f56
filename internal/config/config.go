package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "VIBE"
	defaultHTTPAddress       = "0.0.0.0:5000"
	defaultDatabasePath      = "vibe.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultAuthIssuer        = "vibe-auth"
	defaultAuthAudience      = "vibe-signal"
	defaultTokenTTLMinutes   = 60
	defaultMaxMessageBytes   = 64 * 1024
	defaultSendBuffer        = 32
	defaultInboxSize         = 256
	defaultRecorderTimeoutS  = 5
	defaultAllowedOrigin     = "http://localhost:3000"
	defaultPublicSTUNAddress = "stun:stun.l.google.com:19302"
)

// AppConfig captures runtime configuration for the signaling server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	LogEncoding     string
	AuthDisabled    bool
	SigningSecret   string
	TokenIssuer     string
	TokenAudience   string
	TokenTTL        time.Duration
	AllowedOrigins  []string
	MaxMessageBytes int64
	SendBuffer      int
	InboxSize       int
	ICEServerURLs   []string
	RecorderTimeout time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.disabled", false)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("cors.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("signaling.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("signaling.send_buffer", defaultSendBuffer)
	configViper.SetDefault("signaling.inbox_size", defaultInboxSize)
	configViper.SetDefault("signaling.ice_servers", []string{defaultPublicSTUNAddress})
	configViper.SetDefault("recorder.timeout_seconds", defaultRecorderTimeoutS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LogEncoding:     configViper.GetString("log.encoding"),
		AuthDisabled:    configViper.GetBool("auth.disabled"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenAudience:   configViper.GetString("auth.audience"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AllowedOrigins:  normalizeList(configViper.GetStringSlice("cors.allowed_origins")),
		MaxMessageBytes: configViper.GetInt64("signaling.max_message_bytes"),
		SendBuffer:      configViper.GetInt("signaling.send_buffer"),
		InboxSize:       configViper.GetInt("signaling.inbox_size"),
		ICEServerURLs:   normalizeList(configViper.GetStringSlice("signaling.ice_servers")),
		RecorderTimeout: time.Duration(configViper.GetInt("recorder.timeout_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if !c.AuthDisabled && strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required unless auth.disabled is set")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("signaling.max_message_bytes must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("signaling.send_buffer must be positive")
	}
	if c.InboxSize <= 0 {
		return fmt.Errorf("signaling.inbox_size must be positive")
	}
	if c.RecorderTimeout <= 0 {
		return fmt.Errorf("recorder.timeout_seconds must be positive")
	}
	return nil
}

// normalizeList trims entries and drops empty ones. Env values arrive as a
// single comma separated string.
func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
