package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	AutoMigrate           bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	KafkaBrokers          []string
	KafkaOrderTopic       string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	QRSigningSecret       string
	StoreCode             string
	SellerName            string
	VATRegistrationNumber string
	ExitQRValidityHours   int
	LockTimeoutMS         int
	CatalogCacheTTL       int
}

// Load reads the process environment, filling gaps from a .env file in the
// working directory when one exists.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getBool("AUTO_MIGRATE", false),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaOrderTopic:       getEnv("KAFKA_ORDER_TOPIC", "retailcore.orders"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		QRSigningSecret:       strings.TrimSpace(os.Getenv("QR_SIGNING_SECRET")),
		StoreCode:             getEnv("STORE_CODE", "RC"),
		SellerName:            getEnv("SELLER_NAME", "Retail Core"),
		VATRegistrationNumber: os.Getenv("VAT_REGISTRATION_NUMBER"),
		ExitQRValidityHours:   getPositiveInt("EXIT_QR_VALIDITY_HOURS", 720),
		LockTimeoutMS:         getPositiveInt("LOCK_TIMEOUT_MS", 5000),
		CatalogCacheTTL:       getPositiveInt("CATALOG_CACHE_TTL_SECONDS", 300),
	}
}

// LoadFile applies the env file at path before Load. Variables already set in
// the environment keep their values.
func LoadFile(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil {
		return Config{}, fmt.Errorf("load env file %s: %w", path, err)
	}
	return Load(), nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) ExitQRValidity() time.Duration {
	return time.Duration(c.ExitQRValidityHours) * time.Hour
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c Config) CatalogCacheTTLDuration() time.Duration {
	return time.Duration(c.CatalogCacheTTL) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return b
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
