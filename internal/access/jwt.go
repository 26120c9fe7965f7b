package access

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims — JWT claims администратора.
// Поддерживает два формата scopes:
//   - стандартный OAuth2: "scope" (пробело-разделённая строка)
//   - кастомный: "scopes" (массив строк)
type Claims struct {
	jwt.RegisteredClaims
	ScopeString string   `json:"scope"`
	ScopeArray  []string `json:"scopes"`
}

// Scopes возвращает объединённый список scope'ов из обоих форматов.
func (c *Claims) Scopes() []string {
	var result []string
	if c.ScopeString != "" {
		result = append(result, strings.Fields(c.ScopeString)...)
	}
	result = append(result, c.ScopeArray...)
	return result
}

// JWTConfig — параметры JWT gate.
type JWTConfig struct {
	// URL JWKS endpoint
	JWKSURL string
	// Путь к CA-сертификату (опционально)
	CACertPath string
	// Пропускать проверку TLS-сертификатов
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	Leeway time.Duration
	// Scope, обязательный для доступа
	Scope string
}

// JWTGate допускает запросы с валидным Bearer-токеном (RS256, JWKS),
// содержащим требуемый scope.
type JWTGate struct {
	jwks   keyfunc.Keyfunc
	leeway time.Duration
	scope  string
	logger *slog.Logger
}

// NewJWTGate создаёт gate с JWKS из указанного URL.
func NewJWTGate(cfg JWTConfig, logger *slog.Logger) (*JWTGate, error) {
	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	// NoErrorReturnFirstHTTPReq позволяет стартовать, даже если JWKS
	// endpoint ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	return NewJWTGateWithKeyfunc(k, cfg.Leeway, cfg.Scope, logger), nil
}

// NewJWTGateWithKeyfunc создаёт gate с предоставленной keyfunc.
// Используется в тестах для подстановки JWKS.
func NewJWTGateWithKeyfunc(kf keyfunc.Keyfunc, leeway time.Duration, scope string, logger *slog.Logger) *JWTGate {
	return &JWTGate{
		jwks:   kf,
		leeway: leeway,
		scope:  scope,
		logger: logger.With(slog.String("component", "jwt_gate")),
	}
}

func buildHTTPClient(cfg JWTConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // настраивается через FS_TLS_SKIP_VERIFY
	}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", cfg.CACertPath, err)
		}
		caCertPool, err := x509.SystemCertPool()
		if err != nil {
			caCertPool = x509.NewCertPool()
		}
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caCertPool
	}

	return &http.Client{
		Timeout:   cfg.ClientTimeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, nil
}

// Authorize реализует Gate.
func (g *JWTGate) Authorize(r *http.Request) bool {
	scheme, tokenString, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
		return false
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, g.jwks.KeyfuncCtx(r.Context()),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(g.leeway),
	)
	if err != nil || !token.Valid {
		g.logger.Debug("JWT валидация не пройдена",
			slog.Any("error", err),
			slog.String("remote_addr", r.RemoteAddr),
		)
		return false
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return false
	}

	if g.scope != "" && !slices.Contains(claims.Scopes(), g.scope) {
		g.logger.Warn("Недостаточно прав",
			slog.String("subject", subject),
			slog.String("scope", g.scope),
		)
		return false
	}
	return true
}
