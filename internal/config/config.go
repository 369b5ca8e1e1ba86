package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	API          APIConfig          `yaml:"api"`
	Storage      StorageConfig      `yaml:"storage"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Session      SessionConfig      `yaml:"session"`
	Printing     PrintingConfig     `yaml:"printing"`
	Station      StationConfig      `yaml:"station"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig points at the remote print backend.
type ServerConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// APIConfig is the local control surface a UI attaches to.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`

	// AllowedOrigins may open the event stream besides loopback pages.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StorageConfig struct {
	DatabasePath  string `yaml:"database_path"`
	KeyFile       string `yaml:"key_file"`
	Passphrase    string `yaml:"passphrase"`
	SpoolDir      string `yaml:"spool_dir"`
	MaxQueueSize  int    `yaml:"max_queue_size"`
	MaxFailedJobs int    `yaml:"max_failed_jobs"`

	PrintLogRetention time.Duration `yaml:"print_log_retention"`
}

type ConnectivityConfig struct {
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	NetworkPollPeriod  time.Duration `yaml:"network_poll_period"`
	DrainRate          float64       `yaml:"drain_rate"`
}

type SessionConfig struct {
	RenewBefore     time.Duration `yaml:"renew_before"`
	ReauthAttempts  int           `yaml:"reauth_attempts"`
	ReauthBaseDelay time.Duration `yaml:"reauth_base_delay"`
}

type PrintingConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	ReplayLimit    int           `yaml:"replay_limit"`
	PrinterName    string        `yaml:"printer_name"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	SumatraPath    string        `yaml:"sumatra_path"`
	AutoPrintFiles int           `yaml:"auto_print_files"`
	DisplayMode    string        `yaml:"display_mode"`
}

type StationConfig struct {
	Name               string            `yaml:"name"`
	Location           string            `yaml:"location"`
	Capabilities       map[string]string `yaml:"capabilities"`
	HeartbeatInterval  time.Duration     `yaml:"heartbeat_interval"`
	ReconnectAttempts  int               `yaml:"reconnect_attempts"`
	ReconnectBaseDelay time.Duration     `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration     `yaml:"reconnect_max_delay"`
}

// WebhooksConfig forwards local events to external endpoints.
type WebhooksConfig struct {
	Endpoints  []WebhookEndpoint `yaml:"endpoints"`
	RetryCount int               `yaml:"retry_count"`
	RetryDelay time.Duration     `yaml:"retry_delay"`
	Timeout    time.Duration     `yaml:"timeout"`
	Workers    int               `yaml:"workers"`
	QueueSize  int               `yaml:"queue_size"`
}

// WebhookEndpoint receives the listed event types, or all of them when
// Events is empty. A non-empty Secret signs each body with HMAC-SHA256.
type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://localhost:5000",
			RequestTimeout: 30 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:3033",
		},
		Storage: StorageConfig{
			DatabasePath:  "./data/printstation.db",
			KeyFile:       "./data/printstation.key",
			SpoolDir:      filepath.Join(os.TempDir(), "printstation"),
			MaxQueueSize:  100,
			MaxFailedJobs: 50,

			PrintLogRetention: 30 * 24 * time.Hour,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval:      30 * time.Second,
			ProbeTimeout:       5 * time.Second,
			ReconnectBaseDelay: 5 * time.Second,
			ReconnectMaxDelay:  60 * time.Second,
			NetworkPollPeriod:  5 * time.Second,
		},
		Session: SessionConfig{
			RenewBefore:     5 * time.Minute,
			ReauthAttempts:  5,
			ReauthBaseDelay: time.Second,
		},
		Printing: PrintingConfig{
			PollInterval:   10 * time.Second,
			MaxAttempts:    3,
			RetryBaseDelay: 2 * time.Second,
			SettleDelay:    time.Second,
			ReplayLimit:    3,
			CommandTimeout: time.Minute,
			CheckInterval:  time.Minute,
			AutoPrintFiles: 10,
		},
		Station: StationConfig{
			HeartbeatInterval:  30 * time.Second,
			ReconnectAttempts:  10,
			ReconnectBaseDelay: 5 * time.Second,
			ReconnectMaxDelay:  60 * time.Second,
		},
		Webhooks: WebhooksConfig{
			RetryCount: 3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
			Workers:    2,
			QueueSize:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv applies variables from a .env file in dir. A missing file is not an error.
func (c *Config) LoadDotEnv(dir string) error {
	envMap, err := godotenv.Read(filepath.Join(dir, ".env"))
	switch {
	case err == nil:
		c.ApplyEnv(func(key string) string { return envMap[key] })
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("failed to read .env: %w", err)
	}
}

func (c *Config) ApplyEnv(getenv func(string) string) {
	setString := func(dst *string) func(string) {
		return func(v string) {
			if v != "" {
				*dst = v
			}
		}
	}
	setDuration := func(dst *time.Duration) func(string) {
		return func(v string) {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(dst *bool) func(string) {
		return func(v string) {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	envMap := map[string]func(string){
		"PRINTSTATION_SERVER_URL":       setString(&c.Server.BaseURL),
		"PRINTSTATION_API_LISTEN":       setString(&c.API.Listen),
		"PRINTSTATION_API_TOKEN":        setString(&c.API.Token),
		"PRINTSTATION_API_ENABLED":      setBool(&c.API.Enabled),
		"PRINTSTATION_DB_PATH":          setString(&c.Storage.DatabasePath),
		"PRINTSTATION_KEY_FILE":         setString(&c.Storage.KeyFile),
		"PRINTSTATION_STORAGE_KEY":      setString(&c.Storage.Passphrase),
		"PRINTSTATION_SPOOL_DIR":        setString(&c.Storage.SpoolDir),
		"PRINTSTATION_PRINTER":          setString(&c.Printing.PrinterName),
		"PRINTSTATION_SETTLE_DELAY":     setDuration(&c.Printing.SettleDelay),
		"PRINTSTATION_POLL_INTERVAL":    setDuration(&c.Printing.PollInterval),
		"PRINTSTATION_DISPLAY_MODE":     setString(&c.Printing.DisplayMode),
		"PRINTSTATION_STATION_NAME":     setString(&c.Station.Name),
		"PRINTSTATION_STATION_LOCATION": setString(&c.Station.Location),
		"PRINTSTATION_LOG_LEVEL":        setString(&c.Logging.Level),
		"PRINTSTATION_LOG_FORMAT":       setString(&c.Logging.Format),
	}

	for key, apply := range envMap {
		apply(getenv(key))
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server base url must be an absolute url, got %q", c.Server.BaseURL)
	}

	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server request timeout must be positive")
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api listen address is required when the api is enabled")
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Storage.SpoolDir == "" {
		return fmt.Errorf("spool dir is required")
	}

	if c.Storage.MaxQueueSize < 1 {
		return fmt.Errorf("max queue size must be at least 1")
	}

	if c.Storage.MaxFailedJobs < 1 {
		return fmt.Errorf("max failed jobs must be at least 1")
	}

	if c.Connectivity.ProbeInterval <= 0 || c.Connectivity.ProbeTimeout <= 0 {
		return fmt.Errorf("probe interval and timeout must be positive")
	}

	if c.Connectivity.ReconnectBaseDelay <= 0 || c.Connectivity.ReconnectMaxDelay < c.Connectivity.ReconnectBaseDelay {
		return fmt.Errorf("connectivity reconnect delays must be positive and max >= base")
	}

	if c.Connectivity.DrainRate < 0 {
		return fmt.Errorf("drain rate must be non-negative")
	}

	if c.Session.RenewBefore < 0 {
		return fmt.Errorf("session renew_before must be non-negative")
	}

	if c.Session.ReauthAttempts < 1 {
		return fmt.Errorf("session reauth attempts must be at least 1")
	}

	if c.Printing.PollInterval <= 0 {
		return fmt.Errorf("print poll interval must be positive")
	}

	if c.Printing.MaxAttempts < 1 {
		return fmt.Errorf("print max attempts must be at least 1")
	}

	if c.Printing.SettleDelay < 0 {
		return fmt.Errorf("print settle delay must be non-negative")
	}

	if c.Printing.ReplayLimit < 0 {
		return fmt.Errorf("print replay limit must be non-negative")
	}

	validModes := map[string]bool{
		"":           true,
		"browser":    true,
		"standalone": true,
		"fullscreen": true,
		"minimal-ui": true,
	}

	if !validModes[c.Printing.DisplayMode] {
		return fmt.Errorf("invalid display mode: %s (valid: browser, standalone, fullscreen, minimal-ui)", c.Printing.DisplayMode)
	}

	if c.Station.HeartbeatInterval <= 0 {
		return fmt.Errorf("station heartbeat interval must be positive")
	}

	if c.Station.ReconnectAttempts < 1 {
		return fmt.Errorf("station reconnect attempts must be at least 1")
	}

	if c.Station.ReconnectBaseDelay <= 0 || c.Station.ReconnectMaxDelay < c.Station.ReconnectBaseDelay {
		return fmt.Errorf("station reconnect delays must be positive and max >= base")
	}

	for i, w := range c.Webhooks.Endpoints {
		if u, err := url.Parse(w.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook %d: url must be an absolute url, got %q", i, w.URL)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
