// Пакет service — жизненный цикл объектов: загрузка, выдача по токену,
// отложенное и периодическое удаление, сверка хранилища.
package service

import (
	"errors"
)

// Ошибки сервисного слоя. API-слой переводит их в HTTP-статусы.
var (
	// ErrNotFound — токен неизвестен.
	ErrNotFound = errors.New("объект не найден")

	// ErrGone — срок хранения истёк или одноразовый токен уже использован.
	ErrGone = errors.New("ссылка больше не действительна")

	// ErrForbidden — доступ к операции запрещён.
	ErrForbidden = errors.New("доступ запрещён")

	// ErrBackendUnavailable — бэкенд хранения недоступен или не сконфигурирован.
	ErrBackendUnavailable = errors.New("хранилище недоступно")

	// ErrPartialDeletion — объект не удалён из бэкенда, метаданные сохранены
	// для повторной попытки.
	ErrPartialDeletion = errors.New("объект не удалён из хранилища")

	// ErrCorruptRecord — временные метки записи не разобраны.
	ErrCorruptRecord = errors.New("запись метаданных повреждена")

	// ErrValidation — некорректные входные данные.
	ErrValidation = errors.New("некорректный запрос")

	// ErrTooLarge — размер загрузки превышает лимит.
	ErrTooLarge = errors.New("файл превышает допустимый размер")

	// ErrReconcileInProgress — сверка уже выполняется.
	ErrReconcileInProgress = errors.New("сверка уже выполняется")
)
