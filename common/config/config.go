package config

import (
	"fmt"
	"os"
)

// DatabaseConfig PostgreSQL 数据库配置
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

// SQLiteConfig 本地 SQLite 存储配置（设备端嵌入式存储）
type SQLiteConfig struct {
	Path        string
	BusyTimeout int // 毫秒
	MaxConns    int
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

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// GetDSN 获取 SQLite DSN（WAL 模式 + busy_timeout）
func (c *SQLiteConfig) GetDSN() string {
	timeout := c.BusyTimeout
	if timeout <= 0 {
		timeout = 5000
	}
	return fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		c.Path, timeout)
}

// LoadFromEnv 从环境变量加载配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Port)
	}
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
	if maxConns := os.Getenv(prefix + "_MAX_CONNS"); maxConns != "" {
		fmt.Sscanf(maxConns, "%d", &c.MaxConns)
	}
	if maxIdle := os.Getenv(prefix + "_MAX_IDLE"); maxIdle != "" {
		fmt.Sscanf(maxIdle, "%d", &c.MaxIdle)
	}
}

// LoadFromEnv 从环境变量加载 SQLite 配置
func (c *SQLiteConfig) LoadFromEnv(prefix string) {
	if path := os.Getenv(prefix + "_PATH"); path != "" {
		c.Path = path
	}
	if timeout := os.Getenv(prefix + "_BUSY_TIMEOUT"); timeout != "" {
		fmt.Sscanf(timeout, "%d", &c.BusyTimeout)
	}
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		fmt.Sscanf(db, "%d", &c.DB)
	}
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
	if qos := os.Getenv(prefix + "_QOS"); qos != "" {
		var v int
		if _, err := fmt.Sscanf(qos, "%d", &v); err == nil && v >= 0 && v <= 2 {
			c.QoS = byte(v)
		}
	}
}
