package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Feed          FeedConfig          `mapstructure:"feed"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Chain         ChainConfig         `mapstructure:"chain"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`
}

type FeedConfig struct {
	SlotName        string `mapstructure:"slot_name"`
	PublicationName string `mapstructure:"publication_name"`
}

type NotificationsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ProviderURL   string `mapstructure:"provider_url"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

type ChainConfig struct {
	ConfirmInterval  string `mapstructure:"confirm_interval"`
	MinConfirmations int    `mapstructure:"min_confirmations"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Feed.SlotName == "" {
		c.Feed.SlotName = "electra_feed"
	}
	if c.Feed.PublicationName == "" {
		c.Feed.PublicationName = "electra_publication"
	}

	if c.Notifications.SweepInterval == "" {
		c.Notifications.SweepInterval = "5m"
	}
	if _, err := time.ParseDuration(c.Notifications.SweepInterval); err != nil {
		return fmt.Errorf("invalid notifications.sweep_interval: %w", err)
	}
	if c.Notifications.Enabled && c.Notifications.ProviderURL == "" {
		return fmt.Errorf("notifications.provider_url is required when notifications are enabled")
	}

	if c.Chain.ConfirmInterval == "" {
		c.Chain.ConfirmInterval = "30s"
	}
	if _, err := time.ParseDuration(c.Chain.ConfirmInterval); err != nil {
		return fmt.Errorf("invalid chain.confirm_interval: %w", err)
	}
	if c.Chain.MinConfirmations <= 0 {
		c.Chain.MinConfirmations = 6
	}

	return nil
}

func (c *Config) SweepInterval() time.Duration {
	d, _ := time.ParseDuration(c.Notifications.SweepInterval)
	return d
}

func (c *Config) ConfirmInterval() time.Duration {
	d, _ := time.ParseDuration(c.Chain.ConfirmInterval)
	return d
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}
