package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-hospitalization/common/config"
)

// 实时通道驱动
const (
	DriverRedis  = "redis"
	DriverStream = "stream"
	DriverMQTT   = "mqtt"
	DriverNone   = "none"
)

// Config 床位状态服务配置
type Config struct {
	HTTPAddr string

	Backend  config.BackendConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Database config.DatabaseConfig

	// 是否启用事件日志（PostgreSQL）
	DBEnabled bool

	Realtime struct {
		// redis（Pub/Sub，默认）、stream（Redis Streams）、mqtt、none
		Driver string

		// Pub/Sub 频道，如 "hospitalization"
		Channel string
		// 事件流名称，如 "hospitalization:events"
		Stream        string
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int
		// Streams 单次读取阻塞时间
		BlockTimeout time.Duration
		// MQTT 主题前缀，订阅 <prefix>/+
		TopicPrefix string
	}

	Mirror struct {
		Enabled bool
		Key     string
		TTL     time.Duration
	}

	// 周期性全量拉取间隔，0 表示关闭
	ResyncInterval time.Duration

	// 丢弃 updated_at 早于缓存的更新事件
	RejectStaleUpdates bool

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8090")

	cfg.Backend.BaseURL = getEnv("BACKEND_BASE_URL", "http://localhost:8000")
	cfg.Backend.Timeout = 15 * time.Second
	cfg.Backend.RetryCount = 2
	cfg.Backend.RetryWait = time.Second
	cfg.Backend.LoadFromEnv("BACKEND")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "owlrd"
	cfg.Database.SSLMode = "disable"
	cfg.Database.LoadFromEnv("DB")
	cfg.DBEnabled = getEnv("DB_ENABLED", "false") == "true"

	cfg.Realtime.Driver = getEnv("REALTIME_DRIVER", DriverRedis)
	switch cfg.Realtime.Driver {
	case DriverRedis, DriverStream, DriverMQTT, DriverNone:
	default:
		return nil, fmt.Errorf("unsupported realtime driver: %s", cfg.Realtime.Driver)
	}
	cfg.Realtime.Channel = getEnv("REALTIME_CHANNEL", "hospitalization")
	cfg.Realtime.Stream = getEnv("REALTIME_STREAM", "hospitalization:events")
	cfg.Realtime.ConsumerGroup = getEnv("REALTIME_CONSUMER_GROUP", "hospitalization-group")
	cfg.Realtime.ConsumerName = getEnv("REALTIME_CONSUMER_NAME", "hospitalization-1")
	cfg.Realtime.BatchSize = getEnvInt("REALTIME_BATCH_SIZE", 10)
	cfg.Realtime.BlockTimeout = time.Duration(getEnvInt("REALTIME_BLOCK_MS", 5000)) * time.Millisecond
	cfg.Realtime.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "hospitalization/attention")

	cfg.Mirror.Enabled = getEnv("MIRROR_ENABLED", "true") == "true"
	cfg.Mirror.Key = getEnv("MIRROR_KEY", "hospitalization:status:full")
	cfg.Mirror.TTL = time.Duration(getEnvInt("MIRROR_TTL", 600)) * time.Second

	cfg.ResyncInterval = time.Duration(getEnvInt("RESYNC_INTERVAL", 0)) * time.Second
	cfg.RejectStaleUpdates = getEnv("REJECT_STALE_UPDATES", "false") == "true"

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// NeedsRedis 实时通道或快照镜像是否需要 Redis
func (c *Config) NeedsRedis() bool {
	return c.Mirror.Enabled || c.Realtime.Driver == DriverRedis || c.Realtime.Driver == DriverStream
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || v < 0 {
		return defaultValue
	}
	return v
}
