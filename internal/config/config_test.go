package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// allKeys — все переменные окружения Document Store.
var allKeys = []string{
	"DS_PORT", "DS_STORAGE_DIR", "DS_MAX_UPLOAD_SIZE", "DS_COMPRESSION_TARGET",
	"DS_URL_PREFIX", "DS_STATIC_PREFIX", "DS_META_CACHE_SIZE", "DS_META_CACHE_TTL",
	"DS_AUDIT_INTERVAL", "DS_JWKS_URL", "DS_JWKS_CA_CERT", "DS_JWKS_TLS_SKIP_VERIFY",
	"DS_JWKS_CLIENT_TIMEOUT", "DS_JWKS_REFRESH_INTERVAL", "DS_JWT_LEEWAY", "DS_AUDIT_SCOPE",
	"DS_DB_HOST", "DS_DB_PORT", "DS_DB_NAME", "DS_DB_USER", "DS_DB_PASSWORD", "DS_DB_SSL_MODE",
	"DS_TLS_CERT", "DS_TLS_KEY", "DS_HTTP_READ_TIMEOUT", "DS_HTTP_WRITE_TIMEOUT",
	"DS_HTTP_IDLE_TIMEOUT", "DS_SHUTDOWN_TIMEOUT", "DS_LOG_LEVEL", "DS_LOG_FORMAT",
	"DS_SERVICE_ID", "DS_DEPHEALTH_GROUP", "DS_DEPHEALTH_CHECK_INTERVAL",
}

// setEnv очищает все DS_* переменные и устанавливает переданные.
// Пустое значение эквивалентно незаданной переменной.
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

// TestLoad_Defaults проверяет значения по умолчанию.
func TestLoad_Defaults(t *testing.T) {
	setEnv(t, map[string]string{"DS_STORAGE_DIR": "/data/uploads"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Неожиданная ошибка: %v", err)
	}

	if cfg.Port != 8030 {
		t.Errorf("Port: ожидалось 8030, получено %d", cfg.Port)
	}
	if cfg.StorageDir != "/data/uploads" {
		t.Errorf("StorageDir: %s", cfg.StorageDir)
	}
	if cfg.MaxUploadSize != 52428800 {
		t.Errorf("MaxUploadSize: ожидалось 52428800, получено %d", cfg.MaxUploadSize)
	}
	if cfg.CompressionTarget != 71680 {
		t.Errorf("CompressionTarget: ожидалось 71680, получено %d", cfg.CompressionTarget)
	}
	if cfg.StaticPrefix != "/uploads" || cfg.URLPrefix != "" {
		t.Errorf("Префиксы: %q, %q", cfg.URLPrefix, cfg.StaticPrefix)
	}
	if cfg.MetaCacheSize != 10000 || cfg.MetaCacheTTL != 10*time.Minute {
		t.Errorf("Кэш: %d, %v", cfg.MetaCacheSize, cfg.MetaCacheTTL)
	}
	if cfg.AuditInterval != 6*time.Hour {
		t.Errorf("AuditInterval: %v", cfg.AuditInterval)
	}
	if cfg.JWTEnabled() || cfg.DatabaseEnabled() {
		t.Error("JWT и БД по умолчанию должны быть отключены")
	}
	if cfg.JWTLeeway != 5*time.Second || cfg.AuditScope != "storage:admin" {
		t.Errorf("JWT: %v, %q", cfg.JWTLeeway, cfg.AuditScope)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.LogFormat != "json" {
		t.Errorf("Логирование: %v, %s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout: %v", cfg.ShutdownTimeout)
	}
	if cfg.ServiceID != "document-store" || cfg.DephealthGroup != "giportal" || cfg.DephealthCheckInterval != 15*time.Second {
		t.Errorf("topologymetrics: %s, %s, %v", cfg.ServiceID, cfg.DephealthGroup, cfg.DephealthCheckInterval)
	}
}

// TestLoad_Overrides проверяет чтение всех переопределений.
func TestLoad_Overrides(t *testing.T) {
	setEnv(t, map[string]string{
		"DS_PORT":               "9000",
		"DS_STORAGE_DIR":        "/srv/gi",
		"DS_COMPRESSION_TARGET": "102400",
		"DS_URL_PREFIX":         "/api/",
		"DS_AUDIT_INTERVAL":     "0s",
		"DS_JWKS_URL":           "https://keycloak.local/realms/gi/protocol/openid-connect/certs",
		"DS_DB_HOST":            "postgres",
		"DS_DB_PORT":            "6432",
		"DS_DB_SSL_MODE":        "require",
		"DS_LOG_LEVEL":          "debug",
		"DS_LOG_FORMAT":         "text",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Неожиданная ошибка: %v", err)
	}

	if cfg.Port != 9000 || cfg.CompressionTarget != 102400 || cfg.URLPrefix != "/api" {
		t.Errorf("Неожиданные значения: %+v", cfg)
	}
	if cfg.AuditInterval != 0 {
		t.Errorf("AuditInterval: ожидалось 0, получено %v", cfg.AuditInterval)
	}
	if !cfg.JWTEnabled() || !cfg.DatabaseEnabled() {
		t.Error("JWT и БД должны быть включены")
	}
	if !strings.Contains(cfg.DatabaseDSN(), "port=6432") || !strings.Contains(cfg.DatabaseDSN(), "sslmode=require") {
		t.Errorf("DSN: %s", cfg.DatabaseDSN())
	}
	if cfg.DatabaseURL() != "postgres://postgres:6432/giportal" {
		t.Errorf("DatabaseURL: %s", cfg.DatabaseURL())
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "text" {
		t.Errorf("Логирование: %v, %s", cfg.LogLevel, cfg.LogFormat)
	}
}

// TestLoad_Errors проверяет ошибки валидации.
func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		wantKey string
	}{
		{"нет storage dir", map[string]string{}, "DS_STORAGE_DIR"},
		{"порт вне диапазона", map[string]string{"DS_STORAGE_DIR": "/d", "DS_PORT": "70000"}, "DS_PORT"},
		{"порт не число", map[string]string{"DS_STORAGE_DIR": "/d", "DS_PORT": "abc"}, "DS_PORT"},
		{"нулевой бюджет", map[string]string{"DS_STORAGE_DIR": "/d", "DS_COMPRESSION_TARGET": "0"}, "DS_COMPRESSION_TARGET"},
		{"отрицательный размер загрузки", map[string]string{"DS_STORAGE_DIR": "/d", "DS_MAX_UPLOAD_SIZE": "-1"}, "DS_MAX_UPLOAD_SIZE"},
		{"кэш отрицательный", map[string]string{"DS_STORAGE_DIR": "/d", "DS_META_CACHE_SIZE": "-5"}, "DS_META_CACHE_SIZE"},
		{"плохая длительность", map[string]string{"DS_STORAGE_DIR": "/d", "DS_AUDIT_INTERVAL": "6 часов"}, "DS_AUDIT_INTERVAL"},
		{"плохой JWKS URL", map[string]string{"DS_STORAGE_DIR": "/d", "DS_JWKS_URL": "keycloak"}, "DS_JWKS_URL"},
		{"плохой sslmode", map[string]string{"DS_STORAGE_DIR": "/d", "DS_DB_SSL_MODE": "on"}, "DS_DB_SSL_MODE"},
		{"TLS без ключа", map[string]string{"DS_STORAGE_DIR": "/d", "DS_TLS_CERT": "/c.pem"}, "DS_TLS_KEY"},
		{"плохой уровень", map[string]string{"DS_STORAGE_DIR": "/d", "DS_LOG_LEVEL": "trace"}, "DS_LOG_LEVEL"},
		{"плохой формат", map[string]string{"DS_STORAGE_DIR": "/d", "DS_LOG_FORMAT": "xml"}, "DS_LOG_FORMAT"},
		{"префикс без слэша", map[string]string{"DS_STORAGE_DIR": "/d", "DS_URL_PREFIX": "api"}, "DS_URL_PREFIX"},
		{"пустой static", map[string]string{"DS_STORAGE_DIR": "/d", "DS_STATIC_PREFIX": "/"}, "DS_STATIC_PREFIX"},
		{"плохой bool", map[string]string{"DS_STORAGE_DIR": "/d", "DS_JWKS_TLS_SKIP_VERIFY": "да"}, "DS_JWKS_TLS_SKIP_VERIFY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.vars)
			_, err := Load()
			if err == nil {
				t.Fatal("Ожидалась ошибка")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("Ошибка должна упоминать %s: %v", tt.wantKey, err)
			}
		})
	}
}

// TestParseLogLevel проверяет разбор уровней логирования.
func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("parseLogLevel(%q) = %v, %v; ожидалось %v", in, got, err, want)
		}
	}
}
