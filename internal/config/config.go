package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SCRIPTSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "scriptsync.db"
	defaultLogLevel          = "info"
	defaultIssuer            = "scriptsync-auth"
	defaultCookieName        = "app_session"
	defaultSessionGapMinutes = 15
	defaultHistoryPageSize   = 50
	defaultHistoryMaxPage    = 200
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	AuthSigningSecret  string
	AuthIssuer         string
	AuthCookieName     string
	AllowedOrigins     []string
	SessionGap         time.Duration
	HistoryPageSize    int
	HistoryMaxPageSize int
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("history.session_gap_minutes", defaultSessionGapMinutes)
	configViper.SetDefault("history.default_page_size", defaultHistoryPageSize)
	configViper.SetDefault("history.max_page_size", defaultHistoryMaxPage)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		AllowedOrigins:     splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		SessionGap:         time.Duration(configViper.GetInt("history.session_gap_minutes")) * time.Minute,
		HistoryPageSize:    configViper.GetInt("history.default_page_size"),
		HistoryMaxPageSize: configViper.GetInt("history.max_page_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.SessionGap <= 0 {
		return fmt.Errorf("history.session_gap_minutes must be positive")
	}
	if c.HistoryPageSize <= 0 || c.HistoryMaxPageSize <= 0 {
		return fmt.Errorf("history page sizes must be positive")
	}
	if c.HistoryPageSize > c.HistoryMaxPageSize {
		return fmt.Errorf("history.default_page_size exceeds history.max_page_size")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, value := range raw {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
