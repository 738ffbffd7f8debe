package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/bnema/webex-term/internal/adapters/auth"
	"github.com/bnema/webex-term/internal/adapters/credfile"
	"github.com/bnema/webex-term/internal/adapters/webexapi"
	"github.com/bnema/webex-term/internal/application"
	"github.com/bnema/webex-term/internal/ports"
	"github.com/bnema/webex-term/internal/stream"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = "webex-term"
)

type app struct {
	credStore *credfile.Store
	creds     *application.CredentialSource
	api       *webexapi.Client
	registrar *webexapi.Registrar
	tokens    *auth.TokenClient
	logger    zerolog.Logger

	browserLogin browserLoginConfig
	streamConfig stream.Config
	session      sessionConfig
	httpClient   *http.Client
	clock        ports.Clock
}

type browserLoginConfig struct {
	AuthURL    string
	ClientID   string
	Scopes     []string
	ListenAddr string
	Timeout    time.Duration
}

type sessionConfig struct {
	RefreshMargin   time.Duration
	RefreshInterval time.Duration
	StopWait        time.Duration
	CatchUpMessages int
}

func wireApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.GetString("log.level"), cfg.GetString("log.file"))
	if err != nil {
		return nil, err
	}

	credPath := cfg.GetString("credentials.path")
	if credPath == "" {
		credPath, err = credfile.DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	clock := ports.SystemClock{}
	httpClient := &http.Client{Timeout: 30 * time.Second}

	tokens := &auth.TokenClient{
		TokenURL:     cfg.GetString("auth.token_url"),
		ClientID:     envOrDefault("WEBEX_CLIENT_ID", cfg.GetString("auth.client_id")),
		ClientSecret: envOrDefault("WEBEX_CLIENT_SECRET", cfg.GetString("auth.client_secret")),
		HTTPClient:   httpClient,
		Clock:        clock,
	}

	credStore := credfile.NewStore(credPath, tokens)

	creds := application.NewCredentialSource(credStore, clock, cfg.GetDuration("session.refresh_margin"), logger)

	api := webexapi.NewClient(cfg.GetString("api.base_url"), httpClient, creds, logger)

	registrar := &webexapi.Registrar{
		DevicesURL: cfg.GetString("devices.url"),
		DeviceName: cfg.GetString("devices.name"),
		HTTPClient: httpClient,
		Clock:      clock,
	}

	return &app{
		credStore: credStore,
		creds:     creds,
		api:       api,
		registrar: registrar,
		tokens:    tokens,
		logger:    logger,
		browserLogin: browserLoginConfig{
			AuthURL:    cfg.GetString("auth.url"),
			ClientID:   tokens.ClientID,
			Scopes:     strings.Fields(cfg.GetString("auth.scopes")),
			ListenAddr: cfg.GetString("auth.listen_addr"),
			Timeout:    cfg.GetDuration("auth.timeout"),
		},
		streamConfig: stream.Config{
			BackoffBase: cfg.GetDuration("stream.backoff_base"),
			BackoffCap:  cfg.GetDuration("stream.backoff_cap"),
			MinUptime:   cfg.GetDuration("stream.min_uptime"),
			MaxFailures: cfg.GetInt("stream.max_failures"),
		},
		session: sessionConfig{
			RefreshMargin:   cfg.GetDuration("session.refresh_margin"),
			RefreshInterval: cfg.GetDuration("session.refresh_interval"),
			StopWait:        cfg.GetDuration("session.stop_wait"),
			CatchUpMessages: cfg.GetInt("session.catchup_messages"),
		},
		httpClient: httpClient,
		clock:      clock,
	}, nil
}

func loadConfig() (*viper.Viper, error) {
	cfg := viper.New()

	cfg.SetConfigName(configName)
	cfg.SetConfigType(configType)

	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user config directory: %w", err)
	}
	cfg.AddConfigPath(filepath.Join(userConfigDir, configDir))

	cfg.SetDefault("api.base_url", "https://webexapis.com/v1")
	cfg.SetDefault("auth.url", "https://webexapis.com/v1/authorize")
	cfg.SetDefault("auth.token_url", "https://webexapis.com/v1/access_token")
	cfg.SetDefault("auth.scopes", "spark:all")
	cfg.SetDefault("auth.listen_addr", "127.0.0.1:8080")
	cfg.SetDefault("auth.timeout", 5*time.Minute)
	cfg.SetDefault("devices.url", "https://wdm-a.wbx2.com/wdm/api/v1/devices")
	cfg.SetDefault("devices.name", "Webex Terminal")
	cfg.SetDefault("stream.backoff_base", time.Second)
	cfg.SetDefault("stream.backoff_cap", 60*time.Second)
	cfg.SetDefault("stream.min_uptime", 30*time.Second)
	cfg.SetDefault("stream.max_failures", 5)
	cfg.SetDefault("session.refresh_margin", 5*time.Minute)
	cfg.SetDefault("session.refresh_interval", time.Minute)
	cfg.SetDefault("session.stop_wait", 10*time.Second)
	cfg.SetDefault("session.catchup_messages", 10)
	cfg.SetDefault("log.level", "info")

	cfg.SetEnvPrefix("WXT")
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return cfg, nil
}

func newLogger(level, file string) (zerolog.Logger, error) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("open log file: %w", err)
		}
		return zerolog.New(f).Level(parsed).With().Timestamp().Logger(), nil
	}

	return zerolog.New(out).Level(parsed).With().Timestamp().Logger(), nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
