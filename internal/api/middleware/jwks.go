// jwks.go — источник ключей проверки JWT: JWKS endpoint Keycloak портала.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
)

// JWKSConfig — параметры загрузки ключей (DS_JWKS_*).
type JWKSConfig struct {
	// URL — адрес JWKS endpoint
	URL string
	// CACertPath — PEM с дополнительным CA (опционально)
	CACertPath string
	// TLSSkipVerify — не проверять сертификат JWKS endpoint
	TLSSkipVerify bool
	// ClientTimeout — таймаут одного запроса ключей
	ClientTimeout time.Duration
	// RefreshInterval — период фонового обновления ключей
	RefreshInterval time.Duration
	// Leeway — допустимое расхождение часов при проверке exp/nbf
	Leeway time.Duration
}

// newJWKSKeyfunc создаёт keyfunc с фоновым обновлением ключей до отмены ctx.
// Недоступность endpoint при старте не считается ошибкой: ключи будут
// загружены при следующем обновлении.
func newJWKSKeyfunc(ctx context.Context, cfg JWKSConfig, logger *slog.Logger) (keyfunc.Keyfunc, error) {
	client, err := jwksHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	storage, err := jwkset.NewStorageFromHTTP(cfg.URL, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Не удалось обновить ключи JWKS",
				slog.String("url", cfg.URL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("JWKS %s: %w", cfg.URL, err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("keyfunc для %s: %w", cfg.URL, err)
	}
	return kf, nil
}

// jwksHTTPClient — HTTP-клиент для JWKS с учётом CA и таймаута.
func jwksHTTPClient(cfg JWKSConfig) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // DS_JWKS_TLS_SKIP_VERIFY
	}

	if cfg.CACertPath != "" {
		pool, err := loadCertPool(cfg.CACertPath)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig.RootCAs = pool
	}

	return &http.Client{Timeout: cfg.ClientTimeout, Transport: transport}, nil
}

// loadCertPool добавляет CA из PEM-файла к системному пулу.
func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение CA %s: %w", path, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", path)
	}
	return pool, nil
}
