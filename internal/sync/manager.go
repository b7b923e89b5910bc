package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Imedizin/mailroom/internal/store"
)

// Mailboxes loads mailbox rows for sync runs.
type Mailboxes interface {
	GetMailbox(ctx context.Context, id int64) (*store.Mailbox, error)
	ListMailboxes(ctx context.Context) ([]store.Mailbox, error)
}

// Manager runs mailbox syncs in the background and suppresses concurrent
// syncs of the same mailbox with an in-memory marker. The marker is a
// liveness optimization only: it does not survive restarts and protects
// nothing across processes. Correctness always rests on the store's
// message-id uniqueness.
type Manager struct {
	mailboxes Mailboxes
	engine    *Engine

	running      map[int64]context.CancelFunc
	runningMutex sync.RWMutex
}

func NewManager(mailboxes Mailboxes, engine *Engine) *Manager {
	return &Manager{
		mailboxes: mailboxes,
		engine:    engine,
		running:   make(map[int64]context.CancelFunc),
	}
}

// Start launches a background sync for the mailbox. A second start while one
// is in flight returns an error instead of doubling the work.
func (m *Manager) Start(ctx context.Context, mailboxID int64) error {
	mb, err := m.mailboxes.GetMailbox(ctx, mailboxID)
	if err != nil {
		return fmt.Errorf("load mailbox: %w", err)
	}
	if mb == nil {
		return fmt.Errorf("mailbox %d not found", mailboxID)
	}

	m.runningMutex.Lock()
	if _, exists := m.running[mailboxID]; exists {
		m.runningMutex.Unlock()
		return fmt.Errorf("sync already running for mailbox %d", mailboxID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.running[mailboxID] = cancel
	m.runningMutex.Unlock()

	go func() {
		defer func() {
			m.runningMutex.Lock()
			delete(m.running, mailboxID)
			m.runningMutex.Unlock()
			cancel()
		}()

		result, err := m.engine.Sync(runCtx, mb)
		if err != nil {
			log.Printf("sync error for %s: %v", mb.Address, err)
			return
		}
		if result.Processed > 0 || result.Skipped > 0 {
			log.Printf("synced %s: processed=%d created=%d skipped=%d",
				mb.Address, result.Processed, result.Created, result.Skipped)
		}
	}()

	return nil
}

// IsRunning reports whether a sync is in flight for the mailbox.
func (m *Manager) IsRunning(mailboxID int64) bool {
	m.runningMutex.RLock()
	defer m.runningMutex.RUnlock()

	_, exists := m.running[mailboxID]
	return exists
}

// StopAll cancels every in-flight sync.
func (m *Manager) StopAll() {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()

	for id, cancel := range m.running {
		log.Printf("stopping sync for mailbox %d", id)
		cancel()
	}
	m.running = make(map[int64]context.CancelFunc)
}

// SyncAll kicks a sync for every registered mailbox. Mailboxes already
// syncing are left alone.
func (m *Manager) SyncAll(ctx context.Context) {
	mailboxes, err := m.mailboxes.ListMailboxes(ctx)
	if err != nil {
		log.Printf("list mailboxes: %v", err)
		return
	}

	for _, mb := range mailboxes {
		if m.IsRunning(mb.ID) {
			continue
		}
		if err := m.Start(ctx, mb.ID); err != nil {
			log.Printf("start sync for %s: %v", mb.Address, err)
		}
	}
}

// RunPeriodic syncs all mailboxes on a fixed interval until ctx is done.
func (m *Manager) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			return
		case <-ticker.C:
			m.SyncAll(ctx)
		}
	}
}
