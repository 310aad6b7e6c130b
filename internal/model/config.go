package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level application configuration. Values come from
// a YAML config file and INBOXMD_* environment variables; environment
// variables win.
type Config struct {
	// OAuth credentials.
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	TokenPath       string `mapstructure:"token_path" yaml:"token_path"`

	// Gmail API settings.
	Label    string `mapstructure:"label" yaml:"label"`
	PageSize int64  `mapstructure:"page_size" yaml:"page_size"`

	// BatchSize is the number of pending messages fetched or converted
	// per stage iteration.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// Output paths.
	MarkdownDir string `mapstructure:"markdown_dir" yaml:"markdown_dir"`
	RawDir      string `mapstructure:"raw_dir" yaml:"raw_dir"`

	// DatabasePath is the SQLite state database location.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// Rate limiting and retry.
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	InterPageDelay time.Duration `mapstructure:"inter_page_delay" yaml:"inter_page_delay"`
}

// DefaultConfigPath returns the default configuration file location,
// ~/.config/inboxmd/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "inboxmd", "config.yaml")
}

func defaultConfig() *Config {
	return &Config{
		CredentialsPath: filepath.Join("credentials", "client_secret.json"),
		TokenPath:       filepath.Join("credentials", "token.json"),
		Label:           "INBOX",
		PageSize:        100,
		BatchSize:       50,
		MarkdownDir:     filepath.Join("output", "markdown"),
		RawDir:          filepath.Join("output", "raw"),
		DatabasePath:    filepath.Join("data", "inboxmd.db"),
		MaxRetries:      5,
		InitialBackoff:  time.Second,
		MaxBackoff:      60 * time.Second,
		InterPageDelay:  200 * time.Millisecond,
	}
}

// LoadConfig reads configuration from the given YAML file using Viper.
// A missing file is not an error; defaults and environment variables
// still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("INBOXMD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("credentials_path", def.CredentialsPath)
	v.SetDefault("token_path", def.TokenPath)
	v.SetDefault("label", def.Label)
	v.SetDefault("page_size", def.PageSize)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("markdown_dir", def.MarkdownDir)
	v.SetDefault("raw_dir", def.RawDir)
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("initial_backoff", def.InitialBackoff)
	v.SetDefault("max_backoff", def.MaxBackoff)
	v.SetDefault("inter_page_delay", def.InterPageDelay)

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// EnsureDirectories creates the output and data directories if they
// do not exist.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.MarkdownDir,
		c.RawDir,
		filepath.Dir(c.DatabasePath),
		filepath.Dir(c.CredentialsPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
