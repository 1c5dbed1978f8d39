// Пакет config — загрузка и валидация конфигурации Accounts Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Accounts Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Базовый URL API (попадает в выдаваемый токен)
	APIBaseURL string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Authorization Authority ---

	// URL Authority (например, https://auth.platform.lan)
	AuthURL string
	// Client ID для Client Credentials flow
	AuthClientID string
	// Client Secret для Client Credentials flow
	AuthClientSecret string
	// Таймаут одного запроса к Authority.
	// Таймаут трактуется как сетевой сбой: Create компенсирует
	// резервацию, Delete оставляет строку в pending_deletion.
	AuthRequestTimeout time.Duration

	// Путь к CA-сертификату для TLS-соединений с Authority (опционально)
	AuthCACertPath string

	// --- JWT (валидация вызывающих) ---

	// Issuer JWT
	JWTIssuer string
	// URL JWKS endpoint
	JWTJWKSURL string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал фонового обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Reconciliation ---

	// Интервал фоновой сверки
	ReconcileInterval time.Duration
	// Период, после которого резервация без роли считается брошенной
	ReconcileGracePeriod time.Duration
	// Период, после которого pending_deletion считается застрявшим
	ReconcilePendingAfter time.Duration
	// Размер пачки кандидатов за один проход
	ReconcileBatchSize int
	// Ограничение частоты запросов к Authority из сверки (запросов/сек)
	ReconcileRateLimit float64

	// --- topologymetrics ---

	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// ACC_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("ACC_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("ACC_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("ACC_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// ACC_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("ACC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("ACC_LOG_LEVEL: %w", err)
	}

	// ACC_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("ACC_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("ACC_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// ACC_API_BASE_URL — обязательный (кодируется в выдаваемый токен)
	cfg.APIBaseURL, err = getEnvRequired("ACC_API_BASE_URL")
	if err != nil {
		return nil, err
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	// --- PostgreSQL ---

	// ACC_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("ACC_DB_HOST")
	if err != nil {
		return nil, err
	}

	// ACC_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("ACC_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("ACC_DB_PORT: %w", err)
	}

	// ACC_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("ACC_DB_NAME")
	if err != nil {
		return nil, err
	}

	// ACC_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("ACC_DB_USER")
	if err != nil {
		return nil, err
	}

	// ACC_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("ACC_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// ACC_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("ACC_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("ACC_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Authorization Authority ---

	// ACC_AUTH_URL — обязательный
	cfg.AuthURL, err = getEnvRequired("ACC_AUTH_URL")
	if err != nil {
		return nil, err
	}
	// Убираем trailing slash
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")

	// ACC_AUTH_CLIENT_ID — обязательный
	cfg.AuthClientID, err = getEnvRequired("ACC_AUTH_CLIENT_ID")
	if err != nil {
		return nil, err
	}

	// ACC_AUTH_CLIENT_SECRET — обязательный
	cfg.AuthClientSecret, err = getEnvRequired("ACC_AUTH_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	// ACC_AUTH_REQUEST_TIMEOUT — таймаут запроса к Authority (по умолчанию 10s)
	cfg.AuthRequestTimeout, err = getEnvDuration("ACC_AUTH_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ACC_AUTH_REQUEST_TIMEOUT: %w", err)
	}

	// ACC_AUTH_CA_CERT_PATH — опциональный CA-сертификат для TLS
	cfg.AuthCACertPath = getEnvDefault("ACC_AUTH_CA_CERT_PATH", "")

	// --- JWT ---

	// ACC_JWT_ISSUER — авто-вычисляется из AuthURL, если не задан
	cfg.JWTIssuer = getEnvDefault("ACC_JWT_ISSUER", cfg.AuthURL)

	// ACC_JWT_JWKS_URL — авто-вычисляется из AuthURL, если не задан
	cfg.JWTJWKSURL = getEnvDefault("ACC_JWT_JWKS_URL",
		fmt.Sprintf("%s/.well-known/jwks.json", cfg.AuthURL))

	// ACC_JWKS_CLIENT_TIMEOUT — таймаут HTTP-клиента JWKS (по умолчанию 10s)
	cfg.JWKSClientTimeout, err = getEnvDuration("ACC_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ACC_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	// ACC_JWKS_REFRESH_INTERVAL — интервал обновления JWKS-ключей (по умолчанию 5m)
	cfg.JWKSRefreshInterval, err = getEnvDuration("ACC_JWKS_REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ACC_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// ACC_JWT_LEEWAY — допустимое отклонение времени JWT (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("ACC_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ACC_JWT_LEEWAY: %w", err)
	}

	// --- Reconciliation ---

	// ACC_RECONCILE_INTERVAL — интервал сверки (по умолчанию 5m)
	cfg.ReconcileInterval, err = getEnvDuration("ACC_RECONCILE_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ACC_RECONCILE_INTERVAL: %w", err)
	}

	// ACC_RECONCILE_GRACE_PERIOD — период для брошенных резерваций (по умолчанию 15m)
	cfg.ReconcileGracePeriod, err = getEnvDuration("ACC_RECONCILE_GRACE_PERIOD", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ACC_RECONCILE_GRACE_PERIOD: %w", err)
	}

	// ACC_RECONCILE_PENDING_AFTER — период для застрявших удалений (по умолчанию 5m)
	cfg.ReconcilePendingAfter, err = getEnvDuration("ACC_RECONCILE_PENDING_AFTER", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("ACC_RECONCILE_PENDING_AFTER: %w", err)
	}

	// ACC_RECONCILE_BATCH_SIZE — размер пачки (по умолчанию 100)
	cfg.ReconcileBatchSize, err = getEnvInt("ACC_RECONCILE_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("ACC_RECONCILE_BATCH_SIZE: %w", err)
	}
	if cfg.ReconcileBatchSize < 1 || cfg.ReconcileBatchSize > 1000 {
		return nil, fmt.Errorf("ACC_RECONCILE_BATCH_SIZE: значение %d вне допустимого диапазона 1-1000", cfg.ReconcileBatchSize)
	}

	// ACC_RECONCILE_RATE_LIMIT — запросов/сек к Authority из сверки (по умолчанию 5)
	rate, err := getEnvInt("ACC_RECONCILE_RATE_LIMIT", 5)
	if err != nil {
		return nil, fmt.Errorf("ACC_RECONCILE_RATE_LIMIT: %w", err)
	}
	if rate < 1 || rate > 100 {
		return nil, fmt.Errorf("ACC_RECONCILE_RATE_LIMIT: значение %d вне допустимого диапазона 1-100", rate)
	}
	cfg.ReconcileRateLimit = float64(rate)

	// --- topologymetrics ---

	// ACC_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("ACC_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ACC_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// ACC_DEPHEALTH_GROUP — имя группы в метриках (по умолчанию platform)
	cfg.DephealthGroup = getEnvDefault("ACC_DEPHEALTH_GROUP", "platform")

	// --- Graceful shutdown ---

	// ACC_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 30s)
	cfg.ShutdownTimeout, err = getEnvDuration("ACC_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ACC_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL
// (для лейблов topologymetrics, не для подключения).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s@%s:%d/%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
