package memory

import (
	"context"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/lock"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// Store is the persistence surface the lifecycle engine needs.
type Store interface {
	InsertMemory(ctx context.Context, m store.Memory) (store.Memory, error)
	ListMemories(ctx context.Context, personaID string) ([]store.Memory, error)
	MemoriesByTags(ctx context.Context, personaID string, tags []string, limit int) ([]store.Memory, error)
	UpdateMemoryDetails(ctx context.Context, details map[string]float64) error
	ReplaceMemories(ctx context.Context, ids []string, replacement store.Memory) (store.Memory, error)
	DeleteMemories(ctx context.Context, ids []string) (int, error)
	RecallMemory(ctx context.Context, id string, atMS int64) error
}

type Config struct {
	// ConsolidationMinCount is the collection size at which consolidation starts.
	ConsolidationMinCount int
	// MaxMemories is the pruning cap.
	MaxMemories int
	// ContextLimit bounds RelevantMemories.
	ContextLimit int
	// MaintenanceTTL and MaintenanceWait configure the persona lock.
	MaintenanceTTL  time.Duration
	MaintenanceWait time.Duration
}

// Engine runs the memory lifecycle (decay, consolidation, pruning, recall)
// over one persona's collection.
type Engine struct {
	store  Store
	locker lock.Locker
	cfg    Config
	now    func() time.Time
}

func NewEngine(s Store, locker lock.Locker, cfg Config) *Engine {
	if cfg.ConsolidationMinCount <= 0 {
		cfg.ConsolidationMinCount = 15
	}
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = 50
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 5
	}
	if cfg.MaintenanceTTL <= 0 {
		cfg.MaintenanceTTL = 600 * time.Second
	}
	if cfg.MaintenanceWait <= 0 {
		cfg.MaintenanceWait = 30 * time.Second
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Engine{store: s, locker: locker, cfg: cfg, now: time.Now}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Config() Config { return e.cfg }

func ageDays(m store.Memory, now time.Time) float64 {
	d := now.Sub(time.UnixMilli(m.MemoryAtMS)).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}
