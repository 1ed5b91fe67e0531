package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "EZDEVBOX"

// Settings is the full runtime configuration. It is loaded once in main and
// passed by value to the components that need it.
type Settings struct {
	DockerHost string `envconfig:"DOCKER_HOST" yaml:"docker_host"`

	// Remote side of the bridge
	RemoteUser     string        `envconfig:"REMOTE_USER" yaml:"remote_user"`
	InstallTimeout time.Duration `envconfig:"INSTALL_TIMEOUT" yaml:"install_timeout"`
	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" yaml:"command_timeout"`

	// Local side of the bridge. An empty ProxyBinary means the running
	// executable is used as the ProxyCommand.
	SSHBinary   string `envconfig:"SSH_BINARY" yaml:"ssh_binary"`
	ProxyBinary string `envconfig:"PROXY_BINARY" yaml:"proxy_binary"`

	LogPath   string `envconfig:"LOG_PATH" yaml:"log_path"`
	LogLevel  string `envconfig:"LOG_LEVEL" yaml:"log_level"`
	LogFormat string `envconfig:"LOG_FORMAT" yaml:"log_format"`

	AuditDBPath        string `envconfig:"AUDIT_DB_PATH" yaml:"audit_db_path"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" yaml:"audit_retention_days"`

	// Setup pipeline
	SetupAttempts int           `envconfig:"SETUP_ATTEMPTS" yaml:"setup_attempts"`
	SetupDelay    time.Duration `envconfig:"SETUP_DELAY" yaml:"setup_delay"`
	SetupCommands []string      `ignored:"true" yaml:"setup_commands"`

	// Never read from the config file so tokens stay out of files on disk.
	GitHubToken string `envconfig:"GITHUB_TOKEN" yaml:"-"`
}

// Defaults returns the settings used when neither the config file nor the
// environment set a value.
func Defaults() Settings {
	return Settings{
		RemoteUser:         "user",
		InstallTimeout:     5 * time.Minute,
		CommandTimeout:     30 * time.Second,
		SSHBinary:          "ssh",
		LogLevel:           "info",
		LogFormat:          "text",
		AuditRetentionDays: 90,
		SetupAttempts:      1,
	}
}

// Load builds Settings from defaults, then the YAML file named by
// EZDEVBOX_CONFIG_FILE (if any), then the environment.
func Load() (Settings, error) {
	return LoadFile(os.Getenv(EnvPrefix + "_CONFIG_FILE"))
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFile(path string) (Settings, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Settings{}, fmt.Errorf("load environment: %w", err)
	}

	if cfg.GitHubToken == "" {
		cfg.GitHubToken = os.Getenv("GH_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (s Settings) Validate() error {
	switch {
	case s.RemoteUser == "":
		return errors.New("remote user must not be empty")
	case s.RemoteUser == "root":
		return errors.New("remote user must not be root: the sandbox sshd refuses root logins")
	case s.InstallTimeout <= 0:
		return fmt.Errorf("install timeout must be positive, got %s", s.InstallTimeout)
	case s.CommandTimeout <= 0:
		return fmt.Errorf("command timeout must be positive, got %s", s.CommandTimeout)
	case s.SSHBinary == "":
		return errors.New("ssh binary must not be empty")
	case s.SetupAttempts <= 0:
		return fmt.Errorf("setup attempts must be a positive integer, got %d", s.SetupAttempts)
	case s.SetupDelay < 0:
		return fmt.Errorf("setup delay must not be negative, got %s", s.SetupDelay)
	}
	return nil
}
