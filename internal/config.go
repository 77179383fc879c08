package internal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds the status API configuration.
	Server struct {
		Port           int    `yaml:"port"`
		BasePath       string `yaml:"base_path"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
	} `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Repository  RepositoryConfig  `yaml:"repository"`
	Credentials CredentialsConfig `yaml:"credentials"`
	App         AppInfo           `yaml:"app"`
	HTTP        HTTPClientConfig  `yaml:"http"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Storage     StorageConfig     `yaml:"storage"`
	// Watermill holds configuration for delta event publishing.
	Watermill WatermillConfig `yaml:"watermill"`
	// Worker configures processes consuming delta events.
	Worker WorkerConfig `yaml:"worker"`
}

// Config represents the application configuration including rules.
type Config struct {
	AppConfig   `yaml:",inline"`
	Rules       []Rule `yaml:"rules"`
	RulesStrict bool   `yaml:"rules_strict"`
}

// LogConfig controls the default logger.
type LogConfig struct {
	Level   string `yaml:"level"`
	Verbose bool   `yaml:"verbose"`
	Format  string `yaml:"format"`
}

// RepositoryConfig describes the remote catalog.
type RepositoryConfig struct {
	ID                 string   `yaml:"id"`
	Environment        string   `yaml:"environment"`
	ProductionEndpoint string   `yaml:"production_endpoint"`
	StagingEndpoint    string   `yaml:"staging_endpoint"`
	DefaultName        string   `yaml:"default_name"`
	Website            string   `yaml:"website"`
	Support            string   `yaml:"support"`
	Donate             string   `yaml:"donate"`
	SubmitModule       string   `yaml:"submit_module"`
	Blacklist          []string `yaml:"blacklist"`
}

// CredentialsConfig configures the token manager.
type CredentialsConfig struct {
	Scope               string `yaml:"scope"`
	Scheme              string `yaml:"scheme"`
	ProductionHost      string `yaml:"production_host"`
	StagingHost         string `yaml:"staging_host"`
	Domain              string `yaml:"domain"`
	TokenPath           string `yaml:"token_path"`
	CooldownMS          int64  `yaml:"cooldown_ms"`
	RateLimitBlockadeMS int64  `yaml:"rate_limit_blockade_ms"`
	DeviceIDTimeoutMS   int64  `yaml:"device_id_timeout_ms"`
	Strict              bool   `yaml:"strict"`
	AllowExternalToken  bool   `yaml:"allow_external_token"`
	Token               string `yaml:"token"`
}

// AppInfo identifies this client to the catalog service.
type AppInfo struct {
	VersionCode int    `yaml:"version_code"`
	VersionName string `yaml:"version_name"`
}

// HTTPClientConfig configures outbound requests.
type HTTPClientConfig struct {
	TimeoutMS      int64   `yaml:"timeout_ms"`
	UserAgent      string  `yaml:"user_agent"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// RefreshConfig controls the periodic refresh loop.
type RefreshConfig struct {
	IntervalMS int64 `yaml:"interval_ms"`
	DeadlineMS int64 `yaml:"deadline_ms"`
}

// StorageConfig selects the preference and catalog cache backend.
// An empty driver keeps everything in memory.
type StorageConfig struct {
	Driver           string `yaml:"driver"`
	DSN              string `yaml:"dsn"`
	Dialect          string `yaml:"dialect"`
	AutoMigrate      bool   `yaml:"auto_migrate"`
	PreferencesTable string `yaml:"preferences_table"`
	CatalogsTable    string `yaml:"catalogs_table"`
}

// WatermillConfig holds the configuration for Watermill, which handles messaging.
type WatermillConfig struct {
	Driver       string             `yaml:"driver"`
	Drivers      []string           `yaml:"drivers"`
	GoChannel    GoChannelConfig    `yaml:"gochannel"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	NATS         NATSConfig         `yaml:"nats"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	SQL          SQLConfig          `yaml:"sql"`
	HTTP         HTTPConfig         `yaml:"http"`
	RiverQueue   RiverQueueConfig   `yaml:"riverqueue"`
	PublishRetry PublishRetryConfig `yaml:"publish_retry"`
	Topics       TopicsConfig       `yaml:"topics"`
}

// WorkerConfig tunes consumers of delta events.
type WorkerConfig struct {
	Group        string `yaml:"group"`
	Retries      int    `yaml:"retries"`
	RetryDelayMS int64  `yaml:"retry_delay_ms"`
	TimeoutMS    int64  `yaml:"timeout_ms"`
}

// TopicsConfig names the default topics used when no rule matches.
type TopicsConfig struct {
	Changed string `yaml:"changed"`
	Removed string `yaml:"removed"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// SQLConfig holds configuration for the SQL pub/sub.
type SQLConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	Dialect              string `yaml:"dialect"`
	InitializeSchema     bool   `yaml:"initialize_schema"`
	AutoInitializeSchema bool   `yaml:"auto_initialize_schema"`
}

// HTTPConfig holds configuration for the HTTP publisher.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	Mode    string `yaml:"mode"`
}

// RiverQueueConfig holds configuration for the RiverQueue publisher.
type RiverQueueConfig struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	Queue       string   `yaml:"queue"`
	Kind        string   `yaml:"kind"`
	MaxAttempts int      `yaml:"max_attempts"`
	Priority    int      `yaml:"priority"`
	Tags        []string `yaml:"tags"`
}

type PublishRetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

// LoadConfig loads the full application configuration, including rules, from a YAML file.
// It expands environment variables, applies defaults, and normalizes rules.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg.AppConfig)
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized
	if err := validate(&cfg.AppConfig); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RulesConfig represents the rule-specific parts of the configuration.
type RulesConfig struct {
	Rules  []Rule
	Strict bool
	Logger *log.Logger
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/api"
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 60000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Repository.ID == "" {
		cfg.Repository.ID = "androidacy"
	}
	if cfg.Repository.Environment == "" {
		cfg.Repository.Environment = "production"
	}
	if cfg.Repository.ProductionEndpoint == "" {
		cfg.Repository.ProductionEndpoint = "https://production-api.androidacy.com/magisk/repo"
	}
	if cfg.Repository.StagingEndpoint == "" {
		cfg.Repository.StagingEndpoint = "https://staging-api.androidacy.com/magisk/repo"
	}
	if cfg.Repository.DefaultName == "" {
		cfg.Repository.DefaultName = "Androidacy Modules Repo"
	}
	if cfg.Repository.Website == "" {
		cfg.Repository.Website = "https://www.androidacy.com/modules-repo/"
	}
	if cfg.Repository.Support == "" {
		cfg.Repository.Support = "https://t.me/androidacy_discussions"
	}
	if cfg.Repository.Donate == "" {
		cfg.Repository.Donate = "https://www.androidacy.com/membership-join/?utm_source=foxmmm&utm-medium=app&utm_campaign=fox-inapp"
	}
	if cfg.Repository.SubmitModule == "" {
		cfg.Repository.SubmitModule = "https://www.androidacy.com/module-repository-applications/"
	}
	if cfg.Repository.Blacklist == nil {
		cfg.Repository.Blacklist = []string{"ak3-helper"}
	}
	if cfg.App.VersionName == "" {
		cfg.App.VersionName = "dev"
	}
	if cfg.HTTP.TimeoutMS == 0 {
		cfg.HTTP.TimeoutMS = 15000
	}
	if cfg.HTTP.UserAgent == "" {
		cfg.HTTP.UserAgent = "modsync/" + cfg.App.VersionName
	}
	if cfg.HTTP.MaxBodyBytes == 0 {
		cfg.HTTP.MaxBodyBytes = 16 << 20
	}
	if cfg.Refresh.IntervalMS == 0 {
		cfg.Refresh.IntervalMS = 3600000
	}
	if cfg.Refresh.DeadlineMS == 0 {
		cfg.Refresh.DeadlineMS = 60000
	}
	if cfg.Storage.PreferencesTable == "" {
		cfg.Storage.PreferencesTable = "modsync_preferences"
	}
	if cfg.Storage.CatalogsTable == "" {
		cfg.Storage.CatalogsTable = "modsync_catalogs"
	}
	if cfg.Watermill.Driver == "" {
		cfg.Watermill.Driver = "gochannel"
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
	if cfg.Watermill.HTTP.Mode == "" {
		cfg.Watermill.HTTP.Mode = "topic_url"
	}
	if cfg.Watermill.RiverQueue.Table == "" {
		cfg.Watermill.RiverQueue.Table = "river_job"
	}
	if cfg.Watermill.RiverQueue.Queue == "" {
		cfg.Watermill.RiverQueue.Queue = "default"
	}
	if cfg.Watermill.RiverQueue.Kind == "" {
		cfg.Watermill.RiverQueue.Kind = "modsync.module"
	}
	if cfg.Watermill.RiverQueue.MaxAttempts == 0 {
		cfg.Watermill.RiverQueue.MaxAttempts = 25
	}
	if cfg.Watermill.PublishRetry.Attempts == 0 {
		cfg.Watermill.PublishRetry.Attempts = 3
	}
	if cfg.Watermill.PublishRetry.DelayMS == 0 {
		cfg.Watermill.PublishRetry.DelayMS = 500
	}
	if cfg.Watermill.Topics.Changed == "" {
		cfg.Watermill.Topics.Changed = "modsync.module.changed"
	}
	if cfg.Watermill.Topics.Removed == "" {
		cfg.Watermill.Topics.Removed = "modsync.module.removed"
	}
	if cfg.Worker.Group == "" {
		cfg.Worker.Group = "modsync-worker"
	}
	if cfg.Worker.Retries == 0 {
		cfg.Worker.Retries = 3
	}
	if cfg.Worker.RetryDelayMS == 0 {
		cfg.Worker.RetryDelayMS = 500
	}
	if cfg.Worker.TimeoutMS == 0 {
		cfg.Worker.TimeoutMS = 30000
	}
}

// EventTopics lists every topic a refresh may publish to: the default
// changed and removed topics followed by each rule's emit topic.
func (c Config) EventTopics() []string {
	candidates := []string{c.Watermill.Topics.Changed, c.Watermill.Topics.Removed}
	for _, rule := range c.Rules {
		candidates = append(candidates, rule.Emit)
	}
	seen := make(map[string]struct{}, len(candidates))
	topics := make([]string, 0, len(candidates))
	for _, topic := range candidates {
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

func validate(cfg *AppConfig) error {
	switch strings.ToLower(cfg.Repository.Environment) {
	case "production", "prod", "staging", "test":
	default:
		return fmt.Errorf("repository.environment must be production or staging, got %q", cfg.Repository.Environment)
	}
	if cfg.Refresh.DeadlineMS < 0 || cfg.Refresh.IntervalMS < 0 {
		return fmt.Errorf("refresh interval and deadline must not be negative")
	}
	return nil
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		rule.Emit = strings.TrimSpace(rule.Emit)
		if rule.When == "" || rule.Emit == "" {
			return nil, fmt.Errorf("rule %d is missing when or emit", i)
		}
		if len(rule.Drivers) > 0 {
			drivers := make([]string, 0, len(rule.Drivers))
			for _, driver := range rule.Drivers {
				trimmed := strings.TrimSpace(driver)
				if trimmed != "" {
					drivers = append(drivers, trimmed)
				}
			}
			rule.Drivers = drivers
		}
		out = append(out, rule)
	}
	return out, nil
}
