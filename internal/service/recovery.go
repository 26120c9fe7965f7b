package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/backend"
	"github.com/bigkaa/fileshare/internal/storage/journal"
	"github.com/bigkaa/fileshare/internal/storage/metastore"
)

// RecoveryResult — итог восстановления незавершённых операций.
type RecoveryResult struct {
	UploadsRolledBack int
	DeletesCompleted  int
	Skipped           int
	Cleaned           int
}

// Recover завершает операции, прерванные рестартом. Вызывается при старте
// до приёма запросов.
//
// upload: объект записан, запись метаданных не создана — объект удаляется.
// Если запись с тем же id всё же есть, операция считается завершённой.
//
// delete: объект мог быть удалён, а запись ещё нет — если объекта в
// бэкенде нет, удаляется и запись.
func Recover(
	ctx context.Context,
	jrnl *journal.Journal,
	meta metastore.Store,
	backends *Backends,
	logger *slog.Logger,
) (*RecoveryResult, error) {
	log := logger.With(slog.String("component", "recovery"))

	pending, err := jrnl.Pending()
	if err != nil {
		return nil, fmt.Errorf("чтение журнала: %w", err)
	}

	res := &RecoveryResult{}
	if len(pending) > 0 {
		objs, err := meta.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("получение списка записей: %w", err)
		}
		byID := make(map[string]*model.StoredObject, len(objs))
		for _, o := range objs {
			byID[o.ID] = o
		}

		for _, e := range pending {
			var ok bool
			switch e.Operation {
			case journal.OpUpload:
				ok = recoverUpload(ctx, jrnl, backends, byID, e, log)
				if ok {
					res.UploadsRolledBack++
				}
			case journal.OpDelete:
				ok = recoverDelete(ctx, jrnl, meta, backends, e, log)
				if ok {
					res.DeletesCompleted++
				}
			}
			if !ok {
				res.Skipped++
			}
		}
	}

	cleaned, err := jrnl.CleanCompleted()
	if err != nil {
		log.Warn("Ошибка очистки журнала", slog.String("error", err.Error()))
	}
	res.Cleaned = cleaned

	log.Info("Восстановление завершено",
		slog.Int("uploads_rolled_back", res.UploadsRolledBack),
		slog.Int("deletes_completed", res.DeletesCompleted),
		slog.Int("skipped", res.Skipped),
		slog.Int("cleaned", res.Cleaned),
	)
	return res, nil
}

func recoverUpload(
	ctx context.Context,
	jrnl *journal.Journal,
	backends *Backends,
	byID map[string]*model.StoredObject,
	e *journal.Entry,
	log *slog.Logger,
) bool {
	if _, exists := byID[e.Intent.ObjectID]; exists {
		return finishEntry(jrnl, e, journal.StatusCommitted, log)
	}

	if e.Intent.Location != "" {
		be, err := backends.For(model.BackendKind(e.Intent.Backend))
		if err != nil {
			log.Warn("Бэкенд незавершённой загрузки недоступен",
				slog.String("tx_id", e.TxID),
				slog.String("backend", e.Intent.Backend),
			)
			return false
		}
		if err := be.Delete(ctx, e.Intent.Location); err != nil {
			log.Error("Не удалось удалить объект незавершённой загрузки",
				slog.String("tx_id", e.TxID),
				slog.String("location", e.Intent.Location),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
	return finishEntry(jrnl, e, journal.StatusRolledBack, log)
}

func recoverDelete(
	ctx context.Context,
	jrnl *journal.Journal,
	meta metastore.Store,
	backends *Backends,
	e *journal.Entry,
	log *slog.Logger,
) bool {
	be, err := backends.For(model.BackendKind(e.Intent.Backend))
	if err != nil {
		return false
	}

	_, err = be.Stat(ctx, e.Intent.Location)
	switch {
	case err == nil:
		// Объект на месте: удаление не дошло до бэкенда, запись остаётся
		return finishEntry(jrnl, e, journal.StatusRolledBack, log)
	case errors.Is(err, backend.ErrObjectNotFound):
	default:
		log.Warn("Не удалось проверить объект незавершённого удаления",
			slog.String("tx_id", e.TxID),
			slog.String("error", err.Error()),
		)
		return false
	}

	if e.Intent.Token != "" {
		if err := meta.Delete(ctx, e.Intent.Token); err != nil {
			log.Error("Не удалось удалить запись незавершённого удаления",
				slog.String("tx_id", e.TxID),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
	return finishEntry(jrnl, e, journal.StatusCommitted, log)
}

func finishEntry(jrnl *journal.Journal, e *journal.Entry, status journal.Status, log *slog.Logger) bool {
	var err error
	if status == journal.StatusCommitted {
		err = jrnl.Commit(e.TxID)
	} else {
		err = jrnl.Rollback(e.TxID)
	}
	if err != nil {
		log.Warn("Ошибка завершения записи журнала",
			slog.String("tx_id", e.TxID),
			slog.String("error", err.Error()),
		)
		return false
	}
	log.Info("Операция восстановлена",
		slog.String("tx_id", e.TxID),
		slog.String("operation", string(e.Operation)),
		slog.String("status", string(status)),
	)
	return true
}
