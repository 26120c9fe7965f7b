// Пакет lease — эксклюзивная аренда фоновых работ через flock() в общей
// директории данных.
//
// Несколько экземпляров fileshare могут работать с одним хранилищем.
// Очистку и сверку выполняет только держатель аренды:
//  1. Экземпляр пытается захватить {dir}/.maintenance.lock
//  2. Держатель записывает свой идентификатор в .maintenance.holder
//  3. Остальные каждые retryInterval повторяют попытку захвата
package lease

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	lockFile   = ".maintenance.lock"
	holderFile = ".maintenance.holder"

	// DefaultRetryInterval — период повторного захвата аренды.
	DefaultRetryInterval = 5 * time.Second
)

// Lease — аренда фоновых работ.
type Lease struct {
	dir           string
	instanceID    string
	retryInterval time.Duration
	onAcquire     func()
	logger        *slog.Logger

	mu       sync.RWMutex
	held     bool
	lockFile *os.File

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New создаёт аренду. onAcquire вызывается один раз, когда экземпляр
// становится держателем.
func New(dir, instanceID string, retryInterval time.Duration, onAcquire func(), logger *slog.Logger) *Lease {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Lease{
		dir:           dir,
		instanceID:    instanceID,
		retryInterval: retryInterval,
		onAcquire:     onAcquire,
		logger:        logger.With(slog.String("component", "lease")),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start делает первую попытку захвата. Если аренда занята, запускает
// повторные попытки в фоне.
func (l *Lease) Start() error {
	acquired, err := l.tryAcquire()
	if err != nil {
		return fmt.Errorf("захват аренды: %w", err)
	}

	if acquired {
		l.acquired()
		close(l.done)
		return nil
	}

	l.logger.Info("Аренда занята другим экземпляром",
		slog.String("holder", l.Holder()),
	)
	go l.retryLoop()
	return nil
}

// Stop прекращает попытки захвата и освобождает аренду.
func (l *Lease) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockFile != nil {
		_ = syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
		_ = l.lockFile.Close()
		l.lockFile = nil
		l.held = false
		l.logger.Info("Аренда освобождена")
	}
}

// IsHeld сообщает, держит ли экземпляр аренду.
func (l *Lease) IsHeld() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held
}

// Holder возвращает идентификатор текущего держателя или пустую строку.
func (l *Lease) Holder() string {
	data, err := os.ReadFile(filepath.Join(l.dir, holderFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (l *Lease) tryAcquire() (bool, error) {
	path := filepath.Join(l.dir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return false, fmt.Errorf("не удалось открыть %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return false, nil
	}

	l.mu.Lock()
	l.lockFile = f
	l.held = true
	l.mu.Unlock()
	return true, nil
}

func (l *Lease) acquired() {
	if err := l.writeHolder(); err != nil {
		l.logger.Warn("Ошибка записи держателя аренды", slog.String("error", err.Error()))
	}
	l.logger.Info("Аренда получена", slog.String("instance_id", l.instanceID))

	if l.onAcquire != nil {
		l.onAcquire()
	}
}

func (l *Lease) retryLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			acquired, err := l.tryAcquire()
			if err != nil {
				l.logger.Warn("Ошибка повторного захвата аренды", slog.String("error", err.Error()))
				continue
			}
			if acquired {
				l.acquired()
				return
			}
		}
	}
}

// writeHolder атомарно записывает идентификатор держателя.
func (l *Lease) writeHolder() error {
	path := filepath.Join(l.dir, holderFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(l.instanceID), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
