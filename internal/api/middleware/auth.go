// auth.go — аутентификация загрузки и аудита по Bearer JWT (RS256).
// Чтение файлов, health и metrics остаются публичными.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/giportal/document-store/internal/api/errors"
)

// Причины отказа в аутентификации.
var (
	ErrNoToken       = errors.New("нет Bearer-токена")
	ErrMalformedAuth = errors.New("заголовок Authorization не в формате Bearer <token>")
	ErrInvalidToken  = errors.New("токен невалиден или просрочен")
	ErrNoSubject     = errors.New("в токене нет sub")
)

// Claims — claims токена портала. Keycloak кладёт scope строкой
// через пробел, сервисные клиенты портала передают массив scopes.
type Claims struct {
	jwt.RegisteredClaims
	ScopeString string   `json:"scope,omitempty"`
	ScopeArray  []string `json:"scopes,omitempty"`
}

// Principal — аутентифицированный вызывающий.
type Principal struct {
	Subject string
	Scopes  []string
}

// HasScope проверяет наличие scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

// principal собирает Principal, объединяя оба формата scope без повторов.
func (c *Claims) principal() (*Principal, error) {
	sub, err := c.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrNoSubject
	}
	scopes := strings.Fields(c.ScopeString)
	for _, s := range c.ScopeArray {
		if s != "" && !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	return &Principal{Subject: sub, Scopes: scopes}, nil
}

type principalKey struct{}

// WithPrincipal помещает Principal в контекст.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext возвращает Principal запроса или nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// SubjectFromContext возвращает sub вызывающего или пустую строку.
func SubjectFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.Subject
	}
	return ""
}

// JWTAuth проверяет токены по ключам JWKS.
type JWTAuth struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
	stop   context.CancelFunc
	logger *slog.Logger
}

// NewJWTAuth загружает ключи из JWKS endpoint и обновляет их в фоне до Close.
func NewJWTAuth(cfg JWKSConfig, logger *slog.Logger) (*JWTAuth, error) {
	ctx, cancel := context.WithCancel(context.Background())
	kf, err := newJWKSKeyfunc(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("инициализация JWT: %w", err)
	}
	a := NewJWTAuthWithKeyfunc(kf, cfg.Leeway, logger)
	a.stop = cancel
	return a, nil
}

// NewJWTAuthWithKeyfunc создаёт JWTAuth с готовым набором ключей.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		keys: kf,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
		logger: logger.With(slog.String("component", "jwt_auth")),
	}
}

// Authenticate проверяет Bearer-токен запроса.
// Ошибка оборачивает одну из ErrNoToken, ErrMalformedAuth, ErrInvalidToken, ErrNoSubject.
func (a *JWTAuth) Authenticate(r *http.Request) (*Principal, error) {
	raw, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, a.keys.KeyfuncCtx(r.Context())); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.principal()
}

// bearerToken извлекает токен из значения Authorization.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrNoToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedAuth
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Middleware пропускает запрос дальше только с валидным токеном
// и кладёт Principal в контекст.
func (a *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if err != nil {
				a.logger.Debug("Запрос отклонён",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				apierrors.Unauthorized(w, unauthorizedMessage(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// unauthorizedMessage — текст ответа 401 без подробностей проверки подписи.
func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "Невалидный или просроченный токен"
	case errors.Is(err, ErrNoSubject):
		return "Отсутствует sub в токене"
	case errors.Is(err, ErrMalformedAuth):
		return "Неверный формат Authorization: ожидается Bearer <token>"
	default:
		return "Требуется Bearer-токен"
	}
}

// RequireScope отвечает 403, если у вызывающего нет scope.
// Ставится после JWTAuth.Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !PrincipalFromContext(r.Context()).HasScope(scope) {
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Close останавливает обновление ключей.
func (a *JWTAuth) Close() {
	if a.stop != nil {
		a.stop()
	}
}
