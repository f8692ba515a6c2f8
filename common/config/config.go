package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置（事件日志使用）
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// BackendConfig 医院后端 HTTP 接口配置
type BackendConfig struct {
	BaseURL    string
	StatusPath string
	Token      string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载数据库配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	c.Port = envInt(prefix+"_PORT", c.Port)
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
	c.MaxConns = envInt(prefix+"_MAX_CONNS", c.MaxConns)
	c.MaxIdle = envInt(prefix+"_MAX_IDLE", c.MaxIdle)
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	c.DB = envInt(prefix+"_DB", c.DB)
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if qos := envInt(prefix+"_QOS", int(c.QoS)); qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
}

// LoadFromEnv 从环境变量加载后端接口配置
// 超时与重试等待时间以秒为单位
func (c *BackendConfig) LoadFromEnv(prefix string) {
	if baseURL := os.Getenv(prefix + "_BASE_URL"); baseURL != "" {
		c.BaseURL = baseURL
	}
	if path := os.Getenv(prefix + "_STATUS_PATH"); path != "" {
		c.StatusPath = path
	}
	if token := os.Getenv(prefix + "_TOKEN"); token != "" {
		c.Token = token
	}
	if secs := envInt(prefix+"_TIMEOUT", 0); secs > 0 {
		c.Timeout = time.Duration(secs) * time.Second
	}
	c.RetryCount = envInt(prefix+"_RETRY_COUNT", c.RetryCount)
	if secs := envInt(prefix+"_RETRY_WAIT", 0); secs > 0 {
		c.RetryWait = time.Duration(secs) * time.Second
	}
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
