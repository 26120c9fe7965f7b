package service

import (
	"fmt"

	"github.com/bigkaa/fileshare/internal/domain/model"
	"github.com/bigkaa/fileshare/internal/storage/backend"
)

// Backends — набор сконфигурированных бэкендов. Новые объекты пишутся
// в основной, существующие читаются и удаляются бэкендом своей записи.
type Backends struct {
	primary backend.Backend
	byKind  map[model.BackendKind]backend.Backend
}

// NewBackends создаёт набор из основного бэкенда и дополнительных.
func NewBackends(primary backend.Backend, extra ...backend.Backend) *Backends {
	b := &Backends{
		primary: primary,
		byKind:  map[model.BackendKind]backend.Backend{primary.Kind(): primary},
	}
	for _, e := range extra {
		if _, ok := b.byKind[e.Kind()]; !ok {
			b.byKind[e.Kind()] = e
		}
	}
	return b
}

// Primary возвращает бэкенд для новых загрузок.
func (b *Backends) Primary() backend.Backend {
	return b.primary
}

// For возвращает бэкенд для записи с данным типом.
func (b *Backends) For(kind model.BackendKind) (backend.Backend, error) {
	if be, ok := b.byKind[kind]; ok {
		return be, nil
	}
	return nil, fmt.Errorf("%w: бэкенд %q не сконфигурирован", ErrBackendUnavailable, kind)
}

// All возвращает все бэкенды набора, основной первым.
func (b *Backends) All() []backend.Backend {
	out := []backend.Backend{b.primary}
	for kind, be := range b.byKind {
		if kind != b.primary.Kind() {
			out = append(out, be)
		}
	}
	return out
}
