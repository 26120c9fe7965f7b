package metastore

import (
	"github.com/bigkaa/fileshare/internal/domain/model"
)

// Record — текстовое представление записи для хранилищ без нативного
// типа времени (attr.json, SQLite, Redis). Временные метки — строки:
// нераспознанная метка делает запись повреждённой, а не ломает чтение.
// Поля добавляются только с omitempty: старые записи читаются со
// значениями по умолчанию.
type Record struct {
	ID           string `json:"id"`
	Token        string `json:"token"`
	OriginalName string `json:"original_name"`
	Mime         string `json:"mime,omitempty"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum,omitempty"`
	Backend      string `json:"backend_kind,omitempty"`
	Location     string `json:"location"`
	CreatedAt    string `json:"created_at"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	OneTime      bool   `json:"one_time,omitempty"`
	ConsumedAt   string `json:"consumed_at,omitempty"`
}

// Encode переводит объект в текстовую запись.
func Encode(o *model.StoredObject) Record {
	return Record{
		ID:           o.ID,
		Token:        o.Token,
		OriginalName: o.OriginalName,
		Mime:         o.Mime,
		Size:         o.Size,
		Checksum:     o.Checksum,
		Backend:      string(o.Backend),
		Location:     o.Location,
		CreatedAt:    model.FormatTimestamp(o.CreatedAt),
		ExpiresAt:    model.FormatOptionalTimestamp(o.ExpiresAt),
		OneTime:      o.OneTime,
		ConsumedAt:   model.FormatOptionalTimestamp(o.ConsumedAt),
	}
}

// Decode восстанавливает объект. Ошибка разбора любой метки помечает
// объект как Corrupt, остальные поля заполняются.
func Decode(r Record) *model.StoredObject {
	o := &model.StoredObject{
		ID:           r.ID,
		Token:        r.Token,
		OriginalName: r.OriginalName,
		Mime:         r.Mime,
		Size:         r.Size,
		Checksum:     r.Checksum,
		Backend:      model.BackendKind(r.Backend),
		Location:     r.Location,
		OneTime:      r.OneTime,
	}
	if o.Backend == "" {
		o.Backend = model.BackendLocal
	}
	if o.Mime == "" {
		o.Mime = "application/octet-stream"
	}

	var err error
	if r.CreatedAt != "" {
		if o.CreatedAt, err = model.ParseTimestamp(r.CreatedAt); err != nil {
			o.Corrupt = true
		}
	}
	if o.ExpiresAt, err = model.ParseOptionalTimestamp(r.ExpiresAt); err != nil {
		o.Corrupt = true
	}
	if o.ConsumedAt, err = model.ParseOptionalTimestamp(r.ConsumedAt); err != nil {
		o.Corrupt = true
	}
	return o
}
