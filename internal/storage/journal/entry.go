// Пакет journal — журнал намерений для операций, затрагивающих и бэкенд,
// и хранилище метаданных. Каждая операция — отдельный файл
// {tx_id}.journal.json. Незавершённые записи после рестарта указывают на
// объекты бэкенда без метаданных (upload) или метаданные без объекта (delete).
package journal

import (
	"time"
)

// Operation — вид операции в журнале.
type Operation string

const (
	// OpUpload — объект записывается в бэкенд, метаданные ещё не сохранены
	OpUpload Operation = "upload"
	// OpDelete — объект удаляется из бэкенда, метаданные ещё не удалены
	OpDelete Operation = "delete"
)

// Status — состояние записи журнала.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Intent — объект, которого касается операция.
type Intent struct {
	ObjectID string `json:"object_id"`
	Token    string `json:"token,omitempty"`
	Backend  string `json:"backend_kind"`
	// Location может быть пустым для upload: становится известен после Put.
	Location string `json:"location,omitempty"`
}

// Entry — запись журнала.
type Entry struct {
	TxID        string     `json:"tx_id"`
	Operation   Operation  `json:"operation"`
	Status      Status     `json:"status"`
	Intent      Intent     `json:"intent"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func fileName(txID string) string {
	return txID + ".journal.json"
}
