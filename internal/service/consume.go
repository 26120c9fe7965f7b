package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/fileshare/internal/config"
	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/events"
	"github.com/bigkaa/fileshare/internal/storage/backend"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
	"github.com/bigkaa/fileshare/internal/token"
)

// Delivery — результат успешного запроса скачивания. Ровно одно из
// Content и RedirectURL задано. Вызывающий код обязан вызвать Done после
// отправки ответа.
type Delivery struct {
	Object *model.StoredObject
	// Content — поток локального объекта
	Content io.ReadSeekCloser
	// ModTime — время изменения для заголовков кеширования
	ModTime time.Time
	// RedirectURL — подписанный URL удалённого объекта
	RedirectURL string

	once  sync.Once
	after func()
}

// Done закрывает поток и запускает действия после ответа (отложенное
// удаление одноразового объекта). Повторные вызовы ничего не делают.
func (d *Delivery) Done() {
	d.once.Do(func() {
		if d.Content != nil {
			d.Content.Close()
		}
		if d.after != nil {
			d.after()
		}
	})
}

// ConsumeService — выдача объектов по токену.
type ConsumeService struct {
	meta      metastore.Store
	backends  *Backends
	reclaimer *Reclaimer
	settings  *config.Provider
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewConsumeService создаёт сервис выдачи.
func NewConsumeService(
	meta metastore.Store,
	backends *Backends,
	reclaimer *Reclaimer,
	settings *config.Provider,
	publisher events.Publisher,
	logger *slog.Logger,
) *ConsumeService {
	return &ConsumeService{
		meta:      meta,
		backends:  backends,
		reclaimer: reclaimer,
		settings:  settings,
		events:    publisher,
		logger:    logger.With(slog.String("component", "consume_service")),
		now:       time.Now,
	}
}

// Download выдаёт объект по токену.
//
// Порядок:
//  1. Нет записи — ErrNotFound
//  2. Срок истёк или запись повреждена — удаление, ErrGone
//  3. Одноразовый объект — атомарный захват токена, повторный — ErrGone
//  4. local — поток, remote — подписанный URL
//  5. Одноразовый объект — отложенное удаление (local после ответа,
//     remote сразу после выдачи URL). Если выдать объект не удалось,
//     захват снимается и объект остаётся доступным.
func (s *ConsumeService) Download(ctx context.Context, tok string) (*Delivery, error) {
	if !token.Valid(tok) {
		downloadsTotal.WithLabelValues("none", "not_found").Inc()
		return nil, ErrNotFound
	}

	obj, err := s.lookup(ctx, tok)
	if err != nil {
		return nil, err
	}

	// Метка захвата с точностью хранилищ: по ней захват снимается
	now := s.now().UTC().Truncate(time.Microsecond)
	if obj.IsExpired(now) {
		return nil, s.expire(ctx, obj)
	}

	st := s.settings.Current()
	oneTime := obj.Rule() == model.RuleOneTime
	if oneTime {
		if err := s.claim(ctx, obj, now); err != nil {
			return nil, err
		}
	}

	be, err := s.backends.For(obj.Backend)
	if err != nil {
		downloadsTotal.WithLabelValues("none", "backend_error").Inc()
		if oneTime {
			s.release(ctx, obj, now)
		}
		return nil, err
	}

	var d *Delivery
	switch obj.Backend {
	case model.BackendRemote:
		d, err = s.redirect(ctx, be, obj, st, oneTime)
	default:
		d, err = s.stream(ctx, be, obj, st, oneTime)
	}
	if err != nil && oneTime && !errors.Is(err, ErrNotFound) {
		s.release(ctx, obj, now)
	}
	return d, err
}

// release снимает захват одноразового токена, если объект не был выдан.
// Запись остаётся в хранилище, и повторный запрос может её получить.
func (s *ConsumeService) release(ctx context.Context, obj *model.StoredObject, at time.Time) {
	err := s.meta.Unclaim(context.WithoutCancel(ctx), obj.Token, at)
	if err != nil && !errors.Is(err, metastore.ErrNotFound) {
		s.logger.Error("Не удалось снять захват одноразового токена",
			slog.String("object_id", obj.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("Захват одноразового токена снят: объект не выдан",
		slog.String("object_id", obj.ID),
	)
}

// LinkStatus сообщает, можно ли ещё скачать объект. Не меняет состояние.
func (s *ConsumeService) LinkStatus(ctx context.Context, tok string) (bool, error) {
	if !token.Valid(tok) {
		return false, nil
	}
	obj, err := s.meta.Get(ctx, tok)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("чтение метаданных: %w", err)
	}
	now := s.now().UTC()
	return !obj.IsExpired(now) && !obj.IsConsumed(), nil
}

func (s *ConsumeService) lookup(ctx context.Context, tok string) (*model.StoredObject, error) {
	obj, err := s.meta.Get(ctx, tok)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			downloadsTotal.WithLabelValues("none", "not_found").Inc()
			return nil, ErrNotFound
		}
		downloadsTotal.WithLabelValues("none", "error").Inc()
		return nil, fmt.Errorf("чтение метаданных: %w", err)
	}
	return obj, nil
}

// expire удаляет истёкший объект при обращении и возвращает ErrGone.
func (s *ConsumeService) expire(ctx context.Context, obj *model.StoredObject) error {
	reason := "expired"
	if obj.Corrupt {
		reason = "corrupt"
	}
	if err := s.reclaimer.Reclaim(ctx, obj, reason); err != nil {
		s.logger.Warn("Истёкший объект не удалён при обращении",
			slog.String("object_id", obj.ID),
			slog.String("error", err.Error()),
		)
	}
	downloadsTotal.WithLabelValues("none", "gone").Inc()
	if obj.Corrupt {
		return fmt.Errorf("%w: %w", ErrGone, ErrCorruptRecord)
	}
	return ErrGone
}

// claim захватывает одноразовый токен. Из двух одновременных запросов
// успешен ровно один.
func (s *ConsumeService) claim(ctx context.Context, obj *model.StoredObject, now time.Time) error {
	err := s.meta.Claim(ctx, obj.Token, now)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, metastore.ErrAlreadyClaimed):
		downloadsTotal.WithLabelValues("none", "gone").Inc()
		return ErrGone
	case errors.Is(err, metastore.ErrNotFound):
		downloadsTotal.WithLabelValues("none", "not_found").Inc()
		return ErrNotFound
	default:
		downloadsTotal.WithLabelValues("none", "error").Inc()
		return fmt.Errorf("захват токена: %w", err)
	}
}

func (s *ConsumeService) stream(
	ctx context.Context,
	be backend.Backend,
	obj *model.StoredObject,
	st config.Settings,
	oneTime bool,
) (*Delivery, error) {
	f, err := be.OpenRead(ctx, obj.Location)
	if err != nil {
		if errors.Is(err, backend.ErrObjectNotFound) {
			// Объект пропал: запись больше не нужна
			if rErr := s.reclaimer.Reclaim(ctx, obj, "orphaned"); rErr != nil {
				s.logger.Warn("Не удалось удалить запись без объекта",
					slog.String("object_id", obj.ID),
					slog.String("error", rErr.Error()),
				)
			}
			downloadsTotal.WithLabelValues("stream", "not_found").Inc()
			return nil, ErrNotFound
		}
		downloadsTotal.WithLabelValues("stream", "backend_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	modTime := obj.CreatedAt
	if info, err := be.Stat(ctx, obj.Location); err == nil {
		modTime = info.ModTime
	}

	d := &Delivery{Object: obj, Content: f, ModTime: modTime}
	if oneTime {
		d.after = func() {
			s.reclaimer.ScheduleDelete(obj.Token, st.LocalGrace)
		}
		s.consumed(ctx, obj)
	}

	downloadsTotal.WithLabelValues("stream", "success").Inc()
	s.logger.Debug("Объект отдаётся потоком",
		slog.String("object_id", obj.ID),
		slog.Bool("one_time", oneTime),
	)
	return d, nil
}

func (s *ConsumeService) redirect(
	ctx context.Context,
	be backend.Backend,
	obj *model.StoredObject,
	st config.Settings,
	oneTime bool,
) (*Delivery, error) {
	ttl := st.PresignTTL
	if oneTime {
		ttl = st.OneTimePresignTTL
	}

	url, err := be.Presign(ctx, obj.Location, obj.OriginalName, ttl)
	if err != nil {
		downloadsTotal.WithLabelValues("redirect", "backend_error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	if oneTime {
		// Удаление не зависит от перехода по ссылке
		s.reclaimer.ScheduleDelete(obj.Token, st.RemoteGrace)
		s.consumed(ctx, obj)
	}
	downloadsTotal.WithLabelValues("redirect", "success").Inc()
	s.logger.Debug("Выдан подписанный URL",
		slog.String("object_id", obj.ID),
		slog.Bool("one_time", oneTime),
		slog.Duration("ttl", ttl),
	)
	return &Delivery{Object: obj, RedirectURL: url, ModTime: obj.CreatedAt}, nil
}

func (s *ConsumeService) consumed(ctx context.Context, obj *model.StoredObject) {
	if err := s.events.Publish(ctx, events.Event{
		Type:     events.TypeConsumed,
		ObjectID: obj.ID,
		Filename: obj.OriginalName,
		Size:     obj.Size,
		Backend:  string(obj.Backend),
		OneTime:  true,
	}); err != nil {
		s.logger.Warn("Ошибка публикации события", slog.String("error", err.Error()))
	}
}
