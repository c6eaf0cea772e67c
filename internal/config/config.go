package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const configFileEnv = "CONFIG_FILE"

type Config struct {
	// Server
	ServerPort string `yaml:"server_port"`
	Debug      bool   `yaml:"debug"`

	// Database，为空时不启用 Postgres
	DatabaseURL string `yaml:"database_url"`

	// Tesla API
	TeslaAuthHost string `yaml:"tesla_auth_host"`
	TeslaAPIHost  string `yaml:"tesla_api_host"`
	TeslaClientID string `yaml:"tesla_client_id"`
	StreamingHost string `yaml:"streaming_host"`
	UserAgent     string `yaml:"user_agent"`
	Verbose       bool   `yaml:"verbose"` // 记录每个请求的详细信息（已脱敏）

	// Token 存储路径
	TokenFile    string `yaml:"token_file"`
	VerifyTokens bool   `yaml:"verify_tokens"`

	// Polling
	PollIntervalOnline time.Duration `yaml:"poll_interval_online"`
	PollIntervalAsleep time.Duration `yaml:"poll_interval_asleep"`

	// Streaming
	UseStreamingAPI bool          `yaml:"use_streaming_api"`
	FrameTimeout    time.Duration `yaml:"frame_timeout"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`

	// 记录落盘目录，为空时不写文件
	DataRoot string `yaml:"data_root"`

	// Kafka，为空时不发布
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	// Redis，为空时不缓存
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	LatestTTL     time.Duration `yaml:"latest_ttl"`
}

func defaults() *Config {
	return &Config{
		ServerPort:         "4000",
		TeslaAuthHost:      "https://auth.tesla.com",
		TeslaAPIHost:       "https://owner-api.teslamotors.com",
		TeslaClientID:      "ownerapi",
		StreamingHost:      "wss://streaming.vn.teslamotors.com/streaming/",
		UserAgent:          "teslink",
		TokenFile:          "tokens.json",
		PollIntervalOnline: 15 * time.Second,
		PollIntervalAsleep: 60 * time.Second,
		UseStreamingAPI:    true,
		FrameTimeout:       10 * time.Second,
		ReconnectDelay:     time.Second,
		KafkaTopic:         "teslink.waypoints",
		LatestTTL:          10 * time.Minute,
	}
}

// Load 默认值 -> CONFIG_FILE 指定的 YAML -> 环境变量（含 .env）
func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv(configFileEnv); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ServerPort = getEnv("PORT", cfg.ServerPort)
	cfg.Debug = getEnvBool("DEBUG", cfg.Debug)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.TeslaAuthHost = getEnv("TESLA_AUTH_HOST", cfg.TeslaAuthHost)
	cfg.TeslaAPIHost = getEnv("TESLA_API_HOST", cfg.TeslaAPIHost)
	cfg.TeslaClientID = getEnv("TESLA_CLIENT_ID", cfg.TeslaClientID)
	cfg.StreamingHost = getEnv("TESLA_STREAMING_HOST", cfg.StreamingHost)
	cfg.UserAgent = getEnv("TESLA_USER_AGENT", cfg.UserAgent)
	cfg.Verbose = getEnvBool("TESLA_VERBOSE", cfg.Verbose)
	cfg.TokenFile = getEnv("TOKEN_FILE", cfg.TokenFile)
	cfg.VerifyTokens = getEnvBool("VERIFY_TOKENS", cfg.VerifyTokens)
	cfg.PollIntervalOnline = getEnvDuration("POLL_INTERVAL_ONLINE", cfg.PollIntervalOnline)
	cfg.PollIntervalAsleep = getEnvDuration("POLL_INTERVAL_ASLEEP", cfg.PollIntervalAsleep)
	cfg.UseStreamingAPI = getEnvBool("USE_STREAMING_API", cfg.UseStreamingAPI)
	cfg.FrameTimeout = getEnvDuration("STREAM_FRAME_TIMEOUT", cfg.FrameTimeout)
	cfg.ReconnectDelay = getEnvDuration("STREAM_RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.DataRoot = getEnv("DATA_ROOT", cfg.DataRoot)
	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.LatestTTL = getEnvDuration("LATEST_TTL", cfg.LatestTTL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查必填项和取值范围
func (c *Config) Validate() error {
	if c.TeslaAPIHost == "" || c.TeslaAuthHost == "" {
		return fmt.Errorf("config: tesla api and auth hosts are required")
	}
	if c.TokenFile == "" {
		return fmt.Errorf("config: token file is required")
	}
	if c.PollIntervalOnline <= 0 || c.PollIntervalAsleep <= 0 {
		return fmt.Errorf("config: poll intervals must be positive")
	}
	if c.FrameTimeout <= 0 {
		return fmt.Errorf("config: frame timeout must be positive")
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("config: reconnect delay must not be negative")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("config: kafka topic is required when brokers are set")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
