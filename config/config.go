package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Backend  BackendConfig  `yaml:"backend"`
	Track    TrackConfig    `yaml:"track"`
	Relay    RelayConfig    `yaml:"relay"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	DeliveryChangedTopicName string `yaml:"delivery_changed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BackendConfig selects where delivery records are read from.
type BackendConfig struct {
	RecordSource string `yaml:"record_source"` // "postgres" | "rest" | "memory"
	RestBaseURL  string `yaml:"rest_base_url"`
	RestAPIKey   string `yaml:"rest_api_key"`

	// SeedFile is a JSON array of records loaded into the memory source.
	SeedFile string `yaml:"seed_file"`
}

type TrackConfig struct {
	GRPCAddr                 string `yaml:"grpc_addr"`
	HTTPAddr                 string `yaml:"http_addr"`
	KafkaConsumerGroupPrefix string `yaml:"kafka_consumer_group_prefix"`
	CurrentStatusTTLSeconds  int    `yaml:"current_status_ttl_seconds"`
	PollIntervalSeconds      int    `yaml:"poll_interval_seconds"`
	PushDebounceMillis       *int   `yaml:"push_debounce_millis"` // nil keeps the default, 0 turns debouncing off
	FetchTimeoutSeconds      int    `yaml:"fetch_timeout_seconds"`
	ViewTokenSecret          string `yaml:"view_token_secret"`
	ViewTokenTTLSeconds      int    `yaml:"view_token_ttl_seconds"`
	LookupRateLimitPerMinute int    `yaml:"lookup_rate_limit_per_minute"`
	SSEHeartbeatSeconds      int    `yaml:"sse_heartbeat_seconds"`
}

type RelayConfig struct {
	HTTPAddr            string `yaml:"http_addr"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	BatchSize           int    `yaml:"batch_size"`
	Concurrency         int    `yaml:"concurrency"`
	LeaseSeconds        int    `yaml:"lease_seconds"`

	Backoff1Seconds int `yaml:"backoff_1_seconds"`
	Backoff2Seconds int `yaml:"backoff_2_seconds"`
	Backoff3Seconds int `yaml:"backoff_3_seconds"`
	Backoff4Seconds int `yaml:"backoff_4_seconds"`

	// up to this much is added to every retry delay
	BackoffJitterMillis int `yaml:"backoff_jitter_millis"`
}

// LoadEnv reads .env style files into the process environment. Variables
// already set win. Missing files are skipped.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig parses the YAML file after expanding ${VAR} references, so
// secrets can stay in the environment.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

func (c DatabaseConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
