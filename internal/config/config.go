// Пакет config — загрузка и валидация конфигурации Document Store
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Document Store.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория хранилища (registration_<id> внутри)
	StorageDir string
	// Максимальный размер тела запроса загрузки в байтах
	MaxUploadSize int64
	// Бюджет размера файла после сжатия в байтах
	CompressionTarget int64
	// Префикс API для внешних адресов файлов
	URLPrefix string
	// Префикс статических файлов для путей вне registration_<id>
	StaticPrefix string

	// Размер LRU-кэша метаданных (0 — кэш отключён)
	MetaCacheSize int
	// Время жизни записи в кэше метаданных
	MetaCacheTTL time.Duration
	// Интервал фонового аудита (0 — отключён)
	AuditInterval time.Duration

	// URL JWKS endpoint (пусто — JWT-аутентификация отключена)
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Пропуск проверки TLS для JWKS endpoint (только dev)
	JWKSTLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration
	// Допуск расхождения часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Scope, необходимый для запуска аудита
	AuditScope string

	// PostgreSQL (пустой DBHost — реестр отключён)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Имя вершины графа в метриках topologymetrics
	ServiceID string
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// DS_PORT — порт HTTP-сервера (по умолчанию 8030)
	port, err := getEnvInt("DS_PORT", 8030)
	if err != nil {
		return nil, fmt.Errorf("DS_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("DS_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// DS_STORAGE_DIR — обязательный
	cfg.StorageDir, err = getEnvRequired("DS_STORAGE_DIR")
	if err != nil {
		return nil, err
	}

	// DS_MAX_UPLOAD_SIZE — максимальный размер загрузки (по умолчанию 50 MB)
	cfg.MaxUploadSize, err = getEnvInt64("DS_MAX_UPLOAD_SIZE", 50*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("DS_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("DS_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	// DS_COMPRESSION_TARGET — бюджет сжатия (по умолчанию 70 KB)
	cfg.CompressionTarget, err = getEnvInt64("DS_COMPRESSION_TARGET", 70*1024)
	if err != nil {
		return nil, fmt.Errorf("DS_COMPRESSION_TARGET: %w", err)
	}
	if cfg.CompressionTarget <= 0 {
		return nil, fmt.Errorf("DS_COMPRESSION_TARGET: значение должно быть положительным")
	}

	// DS_URL_PREFIX, DS_STATIC_PREFIX — префиксы внешних адресов
	cfg.URLPrefix = strings.TrimRight(getEnvDefault("DS_URL_PREFIX", ""), "/")
	if cfg.URLPrefix != "" && !strings.HasPrefix(cfg.URLPrefix, "/") {
		return nil, fmt.Errorf("DS_URL_PREFIX: префикс должен начинаться с /: %s", cfg.URLPrefix)
	}
	cfg.StaticPrefix = strings.TrimRight(getEnvDefault("DS_STATIC_PREFIX", "/uploads"), "/")
	if !strings.HasPrefix(cfg.StaticPrefix, "/") {
		return nil, fmt.Errorf("DS_STATIC_PREFIX: префикс должен начинаться с / и не может быть пустым")
	}
	if cfg.StaticPrefix == cfg.URLPrefix {
		return nil, fmt.Errorf("DS_STATIC_PREFIX: совпадает с DS_URL_PREFIX")
	}

	// DS_META_CACHE_SIZE — размер кэша метаданных (по умолчанию 10000)
	cfg.MetaCacheSize, err = getEnvInt("DS_META_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("DS_META_CACHE_SIZE: %w", err)
	}
	if cfg.MetaCacheSize < 0 {
		return nil, fmt.Errorf("DS_META_CACHE_SIZE: значение не может быть отрицательным")
	}

	// DS_META_CACHE_TTL — TTL записей кэша (по умолчанию 10m)
	cfg.MetaCacheTTL, err = getEnvDuration("DS_META_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DS_META_CACHE_TTL: %w", err)
	}

	// DS_AUDIT_INTERVAL — интервал аудита (по умолчанию 6h)
	cfg.AuditInterval, err = getEnvDuration("DS_AUDIT_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DS_AUDIT_INTERVAL: %w", err)
	}

	// DS_JWKS_URL — опциональный
	cfg.JWKSUrl = getEnvDefault("DS_JWKS_URL", "")
	if cfg.JWKSUrl != "" {
		if u, parseErr := url.Parse(cfg.JWKSUrl); parseErr != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("DS_JWKS_URL: некорректный URL %q", cfg.JWKSUrl)
		}
	}
	cfg.JWKSCACert = getEnvDefault("DS_JWKS_CA_CERT", "")
	cfg.JWKSTLSSkipVerify, err = getEnvBool("DS_JWKS_TLS_SKIP_VERIFY", false)
	if err != nil {
		return nil, fmt.Errorf("DS_JWKS_TLS_SKIP_VERIFY: %w", err)
	}
	cfg.JWKSClientTimeout, err = getEnvDuration("DS_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("DS_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DS_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("DS_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_JWT_LEEWAY: %w", err)
	}
	cfg.AuditScope = getEnvDefault("DS_AUDIT_SCOPE", "storage:admin")

	// DS_DB_* — PostgreSQL реестр (опционально)
	cfg.DBHost = getEnvDefault("DS_DB_HOST", "")
	cfg.DBPort, err = getEnvInt("DS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DS_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("DS_DB_NAME", "giportal")
	cfg.DBUser = getEnvDefault("DS_DB_USER", "giportal")
	cfg.DBPassword = getEnvDefault("DS_DB_PASSWORD", "")
	cfg.DBSSLMode = getEnvDefault("DS_DB_SSL_MODE", "disable")
	validSSL := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSL[cfg.DBSSLMode] {
		return nil, fmt.Errorf("DS_DB_SSL_MODE: недопустимое значение %q", cfg.DBSSLMode)
	}

	// DS_TLS_CERT / DS_TLS_KEY — задаются парой
	cfg.TLSCert = getEnvDefault("DS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("DS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("DS_TLS_CERT и DS_TLS_KEY должны задаваться вместе")
	}

	// Таймауты HTTP-сервера
	cfg.HTTPReadTimeout, err = getEnvDuration("DS_HTTP_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("DS_HTTP_WRITE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("DS_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = getEnvDuration("DS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_SHUTDOWN_TIMEOUT: %w", err)
	}

	// DS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DS_LOG_LEVEL: %w", err)
	}

	// DS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("DS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// topologymetrics
	cfg.ServiceID = getEnvDefault("DS_SERVICE_ID", "document-store")
	cfg.DephealthGroup = getEnvDefault("DS_DEPHEALTH_GROUP", "giportal")
	cfg.DephealthCheckInterval, err = getEnvDuration("DS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// DatabaseEnabled сообщает, настроен ли PostgreSQL реестр.
func (c *Config) DatabaseEnabled() bool {
	return c.DBHost != ""
}

// JWTEnabled сообщает, включена ли JWT-аутентификация.
func (c *Config) JWTEnabled() bool {
	return c.JWKSUrl != ""
}

// DatabaseDSN формирует строку подключения для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL формирует URL подключения без пароля (для меток метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
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

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает bool значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
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
