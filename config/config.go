package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StorageMySQL  = "mysql"
	StorageMemory = "memory"
)

type Config struct {
	HTTPAddr        string
	StorageDriver   string
	DBUser          string
	DBPassword      string
	DBHost          string
	DBPort          string
	DBName          string
	JWTSecret       string
	TaxRate         decimal.Decimal
	CheckoutTimeout time.Duration
	RabbitMQURL     string
	OrderExchange   string
	OrderQueue      string
	DeadLetterQueue string
	DelayExchange   string
	MaxPriority     int
	CartRetryDelay  time.Duration
	CartRetryMax    int
	RedisAddr       string
	RedisPassword   string
	CatalogCacheTTL time.Duration
	KafkaBrokers    []string
	KafkaTopic      string
	JaegerEndpoint  string
	LogLevel        string
}

func LoadConfig() *Config {
	return &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		StorageDriver:   strings.ToLower(getEnv("STORAGE_DRIVER", StorageMySQL)),
		DBUser:          getEnv("DB_USER", "root"),
		DBPassword:      getEnvFromFile("DB_PASSWORD_FILE", "DB_PASSWORD", ""),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "3306"),
		DBName:          getEnv("DB_NAME", "storefront"),
		JWTSecret:       getEnvFromFile("JWT_SECRET_FILE", "JWT_SECRET", ""),
		TaxRate:         getDecimal("TAX_RATE", "0.08"),
		CheckoutTimeout: getDuration("CHECKOUT_TIMEOUT", 10*time.Second),
		RabbitMQURL:     getEnv("RABBITMQ_URL", ""),
		OrderExchange:   getEnv("ORDER_EXCHANGE", "orders_exchange"),
		OrderQueue:      getEnv("ORDER_QUEUE", "orders_queue"),
		DeadLetterQueue: getEnv("DEAD_LETTER_QUEUE", "dead_letter_queue"),
		DelayExchange:   getEnv("DELAY_EXCHANGE", "delay_exchange"),
		MaxPriority:     10, // 优先级队列最大优先级
		CartRetryDelay:  getDuration("CART_RETRY_DELAY", 30*time.Second),
		CartRetryMax:    getInt("CART_RETRY_MAX_ATTEMPTS", 5),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnvFromFile("REDIS_PASSWORD_FILE", "REDIS_PASSWORD", ""),
		CatalogCacheTTL: getDuration("CATALOG_CACHE_TTL", 5*time.Minute),
		KafkaBrokers:    splitCSV(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "order_events"),
		JaegerEndpoint:  getEnv("JAEGER_ENDPOINT", ""),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageMySQL, StorageMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.TaxRate.IsNegative() {
		return fmt.Errorf("TAX_RATE must not be negative")
	}
	return nil
}

// DSN 返回 MySQL 连接串。clientFoundRows 让 RowsAffected 统计匹配行而不是变更行。
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&clientFoundRows=true&charset=utf8mb4",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFromFile(fileKey, envKey, defaultValue string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		if content, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return getEnv(envKey, defaultValue)
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// 兼容纯数字（秒）
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getDecimal(key, defaultValue string) decimal.Decimal {
	if d, err := decimal.NewFromString(getEnv(key, defaultValue)); err == nil {
		return d
	}
	return decimal.RequireFromString(defaultValue)
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
