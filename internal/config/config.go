package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Mail       MailConfig       `mapstructure:"mail"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Sync       SyncConfig       `mapstructure:"sync"`
}

// ServerConfig holds HTTP server configuration (daemon mode only)
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration. Driver selects the
// backend: "mysql" for production, "sqlite" for local runs.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Path     string `mapstructure:"path"`
}

// Mailbox identifies one watched mailbox: an address plus the folder whose
// change feed is consumed. Key() is the durable identifier used by the
// cursor store and the ledger.
type Mailbox struct {
	Address string `mapstructure:"address"`
	Folder  string `mapstructure:"folder"`
}

// Key returns the durable mailbox key, e.g. "support@example.com/INBOX".
func (m Mailbox) Key() string {
	return m.Address + "/" + m.Folder
}

// MailConfig holds mail provider configuration. Provider selects "gmail"
// (OAuth2 + history feed) or "imap" (UID-based feed, SMTP replies).
type MailConfig struct {
	Provider     string    `mapstructure:"provider"`
	Mailboxes    []Mailbox `mapstructure:"mailboxes"`
	ClientID     string    `mapstructure:"client_id"`
	ClientSecret string    `mapstructure:"client_secret"`
	RefreshToken string    `mapstructure:"refresh_token"`
	IMAPHost     string    `mapstructure:"imap_host"`
	IMAPPort     int       `mapstructure:"imap_port"`
	SMTPHost     string    `mapstructure:"smtp_host"`
	SMTPPort     int       `mapstructure:"smtp_port"`
	IMAPUser     string    `mapstructure:"imap_user"`
	IMAPPassword string    `mapstructure:"imap_password"`
}

// TrackerConfig holds work-item tracker configuration
type TrackerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Project string `mapstructure:"project"`
	Token   string `mapstructure:"token"`
}

// SummarizerConfig holds the optional AI summarizer configuration
type SummarizerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// SyncConfig holds sync pass configuration
type SyncConfig struct {
	IntervalMinutes int           `mapstructure:"interval_minutes"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.driver", "mysql")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.path", "mail-story-sync.db")

	viper.SetDefault("mail.provider", "gmail")
	viper.SetDefault("mail.imap_host", "imap.gmail.com")
	viper.SetDefault("mail.imap_port", 993)
	viper.SetDefault("mail.smtp_host", "smtp.gmail.com")
	viper.SetDefault("mail.smtp_port", 587)

	viper.SetDefault("summarizer.enabled", false)
	viper.SetDefault("summarizer.max_tokens", 1024)

	viper.SetDefault("sync.interval_minutes", 5)
	viper.SetDefault("sync.lease_duration", "10m")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.driver", "DB_DRIVER")
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")
	viper.BindEnv("database.path", "DB_PATH")

	// Mail
	viper.BindEnv("mail.provider", "MAIL_PROVIDER")
	viper.BindEnv("mail.client_id", "MAIL_CLIENT_ID")
	viper.BindEnv("mail.client_secret", "MAIL_CLIENT_SECRET")
	viper.BindEnv("mail.refresh_token", "MAIL_REFRESH_TOKEN")
	viper.BindEnv("mail.imap_host", "MAIL_IMAP_HOST")
	viper.BindEnv("mail.imap_port", "MAIL_IMAP_PORT")
	viper.BindEnv("mail.smtp_host", "MAIL_SMTP_HOST")
	viper.BindEnv("mail.smtp_port", "MAIL_SMTP_PORT")
	viper.BindEnv("mail.imap_user", "MAIL_IMAP_USER")
	viper.BindEnv("mail.imap_password", "MAIL_IMAP_PASSWORD")

	// Tracker
	viper.BindEnv("tracker.base_url", "TRACKER_BASE_URL")
	viper.BindEnv("tracker.project", "TRACKER_PROJECT")
	viper.BindEnv("tracker.token", "TRACKER_TOKEN")

	// Summarizer
	viper.BindEnv("summarizer.enabled", "SUMMARIZER_ENABLED")
	viper.BindEnv("summarizer.api_key", "SUMMARIZER_API_KEY")
	viper.BindEnv("summarizer.model", "SUMMARIZER_MODEL")

	// Sync
	viper.BindEnv("sync.interval_minutes", "SYNC_INTERVAL_MINUTES")
	viper.BindEnv("sync.lease_duration", "SYNC_LEASE_DURATION")
}

// GetDSN returns the database connection string for the mysql driver
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required for the mysql driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if len(c.Mail.Mailboxes) == 0 {
		return fmt.Errorf("at least one mailbox is required")
	}
	for _, mb := range c.Mail.Mailboxes {
		if mb.Address == "" || mb.Folder == "" {
			return fmt.Errorf("mailbox address and folder are required")
		}
		if strings.Contains(mb.Address, "/") {
			return fmt.Errorf("mailbox address must not contain '/': %q", mb.Address)
		}
	}

	switch c.Mail.Provider {
	case "gmail":
		if c.Mail.ClientID == "" || c.Mail.ClientSecret == "" || c.Mail.RefreshToken == "" {
			return fmt.Errorf("OAuth2 credentials are required for the gmail provider")
		}
	case "imap":
		if c.Mail.IMAPUser == "" || c.Mail.IMAPPassword == "" {
			return fmt.Errorf("IMAP credentials are required for the imap provider")
		}
	default:
		return fmt.Errorf("unsupported mail provider: %q", c.Mail.Provider)
	}

	if c.Tracker.BaseURL == "" || c.Tracker.Project == "" || c.Tracker.Token == "" {
		return fmt.Errorf("tracker base_url, project, and token are required")
	}

	if c.Summarizer.Enabled && c.Summarizer.APIKey == "" {
		return fmt.Errorf("summarizer api_key is required when the summarizer is enabled")
	}

	if c.Sync.IntervalMinutes <= 0 {
		return fmt.Errorf("sync interval must be greater than 0")
	}

	return nil
}
