// system.go — административные endpoints: сводка по хранилищу,
// изменяемые настройки, информация о доступе клиента.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/fileshare/internal/access"
	"github.com/bigkaa/fileshare/internal/api/errors"
	"github.com/bigkaa/fileshare/internal/config"
)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	stats    StatsProvider
	settings *config.Provider
	logger   *slog.Logger
}

// NewSystemHandler создаёт обработчик системных endpoints.
func NewSystemHandler(stats StatsProvider, settings *config.Provider, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		stats:    stats,
		settings: settings,
		logger:   logger.With(slog.String("component", "system_handler")),
	}
}

// SystemInfo обрабатывает GET /admin/api/system-info.
func (h *SystemHandler) SystemInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.stats.SystemInfo(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения сводки", slog.String("error", err.Error()))
		errors.FromService(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":   config.Version,
		"timestamp": formatTime(time.Now()),
		"files":     info,
		"client":    access.Describe(h.settings.Current(), r),
	})
}

// settingsView — настройки в API. Токен загрузки не раскрывается.
type settingsView struct {
	DefaultExpireDays    int      `json:"default_expire_days"`
	MaxExpireDays        int      `json:"max_expire_days"`
	CleanupIntervalHours float64  `json:"cleanup_interval_hours"`
	AllowExternalUpload  bool     `json:"allow_external_upload"`
	InternalNetworks     []string `json:"internal_networks"`
	UploadTokenSet       bool     `json:"upload_token_set"`
	PresignTTLSeconds    int      `json:"presign_ttl_seconds"`
	OneTimePresignTTL    int      `json:"one_time_presign_ttl_seconds"`
	LocalGraceSeconds    float64  `json:"one_time_local_grace_seconds"`
	RemoteGraceSeconds   float64  `json:"one_time_remote_grace_seconds"`
}

func newSettingsView(s config.Settings) settingsView {
	return settingsView{
		DefaultExpireDays:    s.DefaultRetentionDays,
		MaxExpireDays:        s.MaxRetentionDays,
		CleanupIntervalHours: s.SweepInterval.Hours(),
		AllowExternalUpload:  s.AllowExternalUpload,
		InternalNetworks:     s.InternalNetworks,
		UploadTokenSet:       s.UploadToken != "",
		PresignTTLSeconds:    int(s.PresignTTL / time.Second),
		OneTimePresignTTL:    int(s.OneTimePresignTTL / time.Second),
		LocalGraceSeconds:    s.LocalGrace.Seconds(),
		RemoteGraceSeconds:   s.RemoteGrace.Seconds(),
	}
}

// settingsPatch — частичное изменение настроек. Отсутствующие поля
// не меняются.
type settingsPatch struct {
	DefaultExpireDays    *int      `json:"default_expire_days"`
	MaxExpireDays        *int      `json:"max_expire_days"`
	CleanupIntervalHours *float64  `json:"cleanup_interval_hours"`
	AllowExternalUpload  *bool     `json:"allow_external_upload"`
	InternalNetworks     *[]string `json:"internal_networks"`
	UploadToken          *string   `json:"upload_token"`
	PresignTTLSeconds    *int      `json:"presign_ttl_seconds"`
	OneTimePresignTTL    *int      `json:"one_time_presign_ttl_seconds"`
	LocalGraceSeconds    *float64  `json:"one_time_local_grace_seconds"`
	RemoteGraceSeconds   *float64  `json:"one_time_remote_grace_seconds"`
}

func (p settingsPatch) empty() bool {
	return p == settingsPatch{}
}

func (p settingsPatch) apply(s *config.Settings) {
	if p.DefaultExpireDays != nil {
		s.DefaultRetentionDays = *p.DefaultExpireDays
	}
	if p.MaxExpireDays != nil {
		s.MaxRetentionDays = *p.MaxExpireDays
	}
	if p.CleanupIntervalHours != nil {
		s.SweepInterval = hoursToDuration(*p.CleanupIntervalHours)
	}
	if p.AllowExternalUpload != nil {
		s.AllowExternalUpload = *p.AllowExternalUpload
	}
	if p.InternalNetworks != nil {
		s.InternalNetworks = *p.InternalNetworks
	}
	if p.UploadToken != nil {
		s.UploadToken = *p.UploadToken
	}
	if p.PresignTTLSeconds != nil {
		s.PresignTTL = time.Duration(*p.PresignTTLSeconds) * time.Second
	}
	if p.OneTimePresignTTL != nil {
		s.OneTimePresignTTL = time.Duration(*p.OneTimePresignTTL) * time.Second
	}
	if p.LocalGraceSeconds != nil {
		s.LocalGrace = secondsToDuration(*p.LocalGraceSeconds)
	}
	if p.RemoteGraceSeconds != nil {
		s.RemoteGrace = secondsToDuration(*p.RemoteGraceSeconds)
	}
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour)).Round(time.Second)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond)
}

// GetConfig обрабатывает GET /admin/api/config.
func (h *SystemHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newSettingsView(h.settings.Current()))
}

// PatchConfig обрабатывает PATCH /admin/api/config.
// Изменения проверяются целиком: при ошибке не применяется ничего.
// Сроки уже загруженных объектов не пересчитываются.
func (h *SystemHandler) PatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		errors.ValidationError(w, fmt.Sprintf("Некорректный JSON: %s", err.Error()))
		return
	}
	if patch.empty() {
		errors.ValidationError(w, "Необходимо указать хотя бы одно поле для обновления")
		return
	}

	next, err := h.settings.Update(patch.apply)
	if err != nil {
		if stderrors.Is(err, config.ErrInvalidSettings) {
			errors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка обновления настроек", slog.String("error", err.Error()))
		errors.InternalError(w, "Ошибка обновления настроек")
		return
	}

	h.logger.Info("Настройки изменены через API",
		slog.String("client_ip", access.ClientIP(r)),
	)
	writeJSON(w, http.StatusOK, newSettingsView(next))
}

// AccessInfo обрабатывает GET /api/access-info.
// Сообщает клиенту, какие операции ему доступны.
func (h *SystemHandler) AccessInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, access.Describe(h.settings.Current(), r))
}
