package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "RELATIVES"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = DriverSQLite
	defaultDatabaseDSN        = "relatives-tracking.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "relatives_session"
	defaultSessionIssuer      = "relatives"
	defaultSessionTTL         = 30 * 24 * time.Hour
	defaultIntervalSeconds    = 30
	defaultMaxBatchSize       = 500
	defaultHistoryDays        = 30
	defaultEventsDays         = 90
	defaultGeofenceEvery      = 5 * time.Minute
	defaultRetentionEvery     = 6 * time.Hour
	defaultSessionCleanup     = time.Hour
	defaultIngestPerMinute    = 120
	defaultAgentServerURL     = "http://127.0.0.1:8080"
	defaultAgentDatabasePath  = "relatives-agent.db"
	defaultAgentControlAddr   = "127.0.0.1:8790"
	defaultAgentFixSource     = "-"
	defaultAgentBatchSize     = 100
	defaultAgentMaxRetries    = 5
	defaultAgentUploadEvery   = time.Minute
	defaultAgentLivenessEvery = 15 * time.Minute
	defaultAgentLivenessFlex  = 5 * time.Minute
	defaultAgentStaleAfter    = 10 * time.Minute
	defaultAgentViewerSeconds = 30
	defaultAgentHTTPTimeout   = 30 * time.Second
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the tracking server.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	DatabaseDriver       string
	DatabaseDSN          string
	LogLevel             string
	SigningSecret        string
	SessionIssuer        string
	SessionCookieName    string
	SessionTTL           time.Duration
	DefaultInterval      int
	MaxBatchSize         int
	HistoryRetentionDays int
	EventsRetentionDays  int
	GeofenceInterval     time.Duration
	RetentionInterval    time.Duration
	SessionCleanupEvery  time.Duration
	IngestRequestsPerMin int
}

// AgentConfig captures runtime configuration for the device tracking agent.
type AgentConfig struct {
	ServerURL        string
	AuthToken        string
	DatabasePath     string
	ControlAddress   string
	FixSource        string
	LogLevel         string
	BatchSize        int
	MaxRetries       int
	UploadInterval   time.Duration
	LivenessInterval time.Duration
	LivenessFlex     time.Duration
	StaleAfter       time.Duration
	ViewerInterval   int
	DefaultInterval  int
	HTTPTimeout      time.Duration
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.session_ttl", defaultSessionTTL)
	configViper.SetDefault("tracking.default_interval_seconds", defaultIntervalSeconds)
	configViper.SetDefault("tracking.max_batch_size", defaultMaxBatchSize)
	configViper.SetDefault("tracking.ingest_requests_per_minute", defaultIngestPerMinute)
	configViper.SetDefault("retention.history_days", defaultHistoryDays)
	configViper.SetDefault("retention.events_days", defaultEventsDays)
	configViper.SetDefault("jobs.geofence_interval", defaultGeofenceEvery)
	configViper.SetDefault("jobs.retention_interval", defaultRetentionEvery)
	configViper.SetDefault("jobs.session_cleanup_interval", defaultSessionCleanup)

	configViper.SetDefault("agent.server_url", defaultAgentServerURL)
	configViper.SetDefault("agent.database_path", defaultAgentDatabasePath)
	configViper.SetDefault("agent.control_address", defaultAgentControlAddr)
	configViper.SetDefault("agent.fix_source", defaultAgentFixSource)
	configViper.SetDefault("agent.batch_size", defaultAgentBatchSize)
	configViper.SetDefault("agent.max_retries", defaultAgentMaxRetries)
	configViper.SetDefault("agent.upload_interval", defaultAgentUploadEvery)
	configViper.SetDefault("agent.liveness_interval", defaultAgentLivenessEvery)
	configViper.SetDefault("agent.liveness_flex", defaultAgentLivenessFlex)
	configViper.SetDefault("agent.stale_after", defaultAgentStaleAfter)
	configViper.SetDefault("agent.viewer_interval_seconds", defaultAgentViewerSeconds)
	configViper.SetDefault("agent.default_interval_seconds", defaultIntervalSeconds)
	configViper.SetDefault("agent.http_timeout", defaultAgentHTTPTimeout)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		SessionIssuer:        configViper.GetString("auth.issuer"),
		SessionCookieName:    configViper.GetString("auth.cookie_name"),
		SessionTTL:           configViper.GetDuration("auth.session_ttl"),
		DefaultInterval:      configViper.GetInt("tracking.default_interval_seconds"),
		MaxBatchSize:         configViper.GetInt("tracking.max_batch_size"),
		IngestRequestsPerMin: configViper.GetInt("tracking.ingest_requests_per_minute"),
		HistoryRetentionDays: configViper.GetInt("retention.history_days"),
		EventsRetentionDays:  configViper.GetInt("retention.events_days"),
		GeofenceInterval:     configViper.GetDuration("jobs.geofence_interval"),
		RetentionInterval:    configViper.GetDuration("jobs.retention_interval"),
		SessionCleanupEvery:  configViper.GetDuration("jobs.session_cleanup_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList accepts both repeated values and a comma separated environment value.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("tracking.max_batch_size must be positive")
	}
	if c.GeofenceInterval <= 0 || c.RetentionInterval <= 0 || c.SessionCleanupEvery <= 0 {
		return fmt.Errorf("jobs intervals must be positive")
	}
	return nil
}

// LoadAgent parses agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("agent.server_url")), "/"),
		AuthToken:        strings.TrimSpace(configViper.GetString("agent.token")),
		DatabasePath:     configViper.GetString("agent.database_path"),
		ControlAddress:   configViper.GetString("agent.control_address"),
		FixSource:        configViper.GetString("agent.fix_source"),
		LogLevel:         configViper.GetString("log.level"),
		BatchSize:        configViper.GetInt("agent.batch_size"),
		MaxRetries:       configViper.GetInt("agent.max_retries"),
		UploadInterval:   configViper.GetDuration("agent.upload_interval"),
		LivenessInterval: configViper.GetDuration("agent.liveness_interval"),
		LivenessFlex:     configViper.GetDuration("agent.liveness_flex"),
		StaleAfter:       configViper.GetDuration("agent.stale_after"),
		ViewerInterval:   configViper.GetInt("agent.viewer_interval_seconds"),
		DefaultInterval:  configViper.GetInt("agent.default_interval_seconds"),
		HTTPTimeout:      configViper.GetDuration("agent.http_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AgentConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("agent.server_url must be an absolute url")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("agent.database_path is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("agent.batch_size must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("agent.max_retries must be positive")
	}
	if c.UploadInterval <= 0 || c.LivenessInterval <= 0 || c.StaleAfter <= 0 {
		return fmt.Errorf("agent intervals must be positive")
	}
	if c.LivenessFlex < 0 || c.LivenessFlex >= c.LivenessInterval {
		return fmt.Errorf("agent.liveness_flex must be smaller than agent.liveness_interval")
	}
	return nil
}
