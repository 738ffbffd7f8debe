package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// fileConfig mirrors the config.toml layout. Every field has a default, so
// an absent file is equivalent to an empty one.
type fileConfig struct {
	API struct {
		BaseURL string `toml:"base_url"`
	} `toml:"api"`
	Auth struct {
		URL          string `toml:"url"`
		TokenURL     string `toml:"token_url"`
		ClientID     string `toml:"client_id"`
		ClientSecret string `toml:"client_secret"`
		Scopes       string `toml:"scopes"`
		ListenAddr   string `toml:"listen_addr"`
		Timeout      string `toml:"timeout"`
	} `toml:"auth"`
	Devices struct {
		URL  string `toml:"url"`
		Name string `toml:"name"`
	} `toml:"devices"`
	Stream struct {
		BackoffBase string `toml:"backoff_base"`
		BackoffCap  string `toml:"backoff_cap"`
		MinUptime   string `toml:"min_uptime"`
		MaxFailures int    `toml:"max_failures"`
	} `toml:"stream"`
	Session struct {
		RefreshMargin   string `toml:"refresh_margin"`
		RefreshInterval string `toml:"refresh_interval"`
		StopWait        string `toml:"stop_wait"`
		CatchUpMessages int    `toml:"catchup_messages"`
	} `toml:"session"`
	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`
}

func defaultFileConfig() fileConfig {
	var cfg fileConfig
	cfg.API.BaseURL = "https://webexapis.com/v1"
	cfg.Auth.URL = "https://webexapis.com/v1/authorize"
	cfg.Auth.TokenURL = "https://webexapis.com/v1/access_token"
	cfg.Auth.Scopes = "spark:all"
	cfg.Auth.ListenAddr = "127.0.0.1:8080"
	cfg.Auth.Timeout = (5 * time.Minute).String()
	cfg.Devices.URL = "https://wdm-a.wbx2.com/wdm/api/v1/devices"
	cfg.Devices.Name = "Webex Terminal"
	cfg.Stream.BackoffBase = time.Second.String()
	cfg.Stream.BackoffCap = (60 * time.Second).String()
	cfg.Stream.MinUptime = (30 * time.Second).String()
	cfg.Stream.MaxFailures = 5
	cfg.Session.RefreshMargin = (5 * time.Minute).String()
	cfg.Session.RefreshInterval = time.Minute.String()
	cfg.Session.StopWait = (10 * time.Second).String()
	cfg.Session.CatchUpMessages = 10
	cfg.Log.Level = "info"
	return cfg
}

func configFilePath() (string, error) {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(userConfigDir, configDir, configName+"."+configType), nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigPathCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configFilePath()
			if err != nil {
				return err
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("check config file: %w", err)
				}
			}

			data, err := toml.Marshal(defaultFileConfig())
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configFilePath()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
