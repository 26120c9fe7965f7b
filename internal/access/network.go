package access

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/bigkaa/fileshare/internal/config"
)

// UploadTokenHeader — заголовок с токеном загрузки для внешних клиентов.
const UploadTokenHeader = "X-ShareIt-Token"

// ClientIP возвращает адрес клиента: первый адрес X-Forwarded-For,
// затем X-Real-IP, затем адрес соединения.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsInternal сообщает, пришёл ли запрос из внутренней сети.
// Неразбираемый адрес считается внешним.
func IsInternal(settings config.Settings, r *http.Request) bool {
	addr, err := netip.ParseAddr(ClientIP(r))
	if err != nil {
		return false
	}
	return settings.IsInternal(addr)
}

// NetworkGate допускает запросы по адресу клиента и токену загрузки.
// Настройки читаются на каждый запрос: изменение сетей и токена действует
// без рестарта.
type NetworkGate struct {
	settings *config.Provider
	upload   bool
	logger   *slog.Logger
}

// NewUploadGate создаёт gate загрузки: внутренние сети, внешние при
// allow_external_upload или с верным токеном загрузки.
func NewUploadGate(settings *config.Provider, logger *slog.Logger) *NetworkGate {
	return &NetworkGate{
		settings: settings,
		upload:   true,
		logger:   logger.With(slog.String("component", "upload_gate")),
	}
}

// NewInternalGate создаёт gate, допускающий только внутренние сети.
func NewInternalGate(settings *config.Provider, logger *slog.Logger) *NetworkGate {
	return &NetworkGate{
		settings: settings,
		logger:   logger.With(slog.String("component", "internal_gate")),
	}
}

// Authorize реализует Gate.
func (g *NetworkGate) Authorize(r *http.Request) bool {
	st := g.settings.Current()

	if g.upload {
		if st.AllowExternalUpload {
			return true
		}
		if st.UploadToken != "" {
			if presented := uploadToken(r); presented != "" {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(st.UploadToken)) == 1 {
					g.logger.Debug("Внешняя загрузка разрешена по токену")
					return true
				}
				g.logger.Warn("Неверный токен загрузки", slog.String("client_ip", ClientIP(r)))
			}
		}
	}

	internal := IsInternal(st, r)
	g.logger.Debug("Проверка адреса клиента",
		slog.String("client_ip", ClientIP(r)),
		slog.Bool("internal", internal),
	)
	return internal
}

// uploadToken извлекает токен загрузки из заголовка или параметра запроса.
func uploadToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(UploadTokenHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Info — сведения о правах клиента.
type Info struct {
	ClientIP    string `json:"client_ip"`
	IsInternal  bool   `json:"is_internal"`
	CanUpload   bool   `json:"can_upload"`
	CanDownload bool   `json:"can_download"`
}

// Describe возвращает права клиента для интерфейса.
func Describe(settings config.Settings, r *http.Request) Info {
	internal := IsInternal(settings, r)
	return Info{
		ClientIP:    ClientIP(r),
		IsInternal:  internal,
		CanUpload:   internal || settings.AllowExternalUpload,
		CanDownload: true,
	}
}
