package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	ReceiptCacheTTLSeconds int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	LockTimeoutMS          int
	KafkaBrokers           []string
	KafkaTopic             string
	OTelEndpoint           string
	OTelAuthHeader         string
	LogLevel               string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		ReceiptCacheTTLSeconds: positiveInt("RECEIPT_CACHE_TTL_SECONDS", 600),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LockTimeoutMS:          positiveInt("LOCK_TIMEOUT_MS", 3000),
		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:             getEnv("KAFKA_TOPIC", "posledger.events"),
		OTelEndpoint:           strings.TrimSpace(os.Getenv("OTEL_ENDPOINT")),
		OTelAuthHeader:         strings.TrimSpace(os.Getenv("OTEL_AUTH_HEADER")),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c Config) ReceiptCacheTTL() time.Duration {
	return time.Duration(c.ReceiptCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
