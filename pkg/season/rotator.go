// Package season rotates the active persona: after the rotation period a
// new persona replaces the old one and the old conversations end.
package season

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/bus"
	"github.com/swparkaust/chat-with-ai/pkg/lock"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
	"github.com/swparkaust/chat-with-ai/pkg/providers"
	"github.com/swparkaust/chat-with-ai/pkg/store"
)

// ErrActivePersona is returned by Initialize when a persona is already active.
var ErrActivePersona = errors.New("season: a persona is already active")

type Store interface {
	ActivePersona(ctx context.Context) (store.Persona, error)
	CreatePersona(ctx context.Context, p store.Persona, attrs store.Attributes) (store.Persona, error)
	ActivatePersona(ctx context.Context, id string) error
	DeactivatePersona(ctx context.Context, id string, atMS int64) (int, error)
	InsertMemory(ctx context.Context, m store.Memory) (store.Memory, error)
}

type Config struct {
	// Period is how long a persona stays active.
	Period   time.Duration
	LockTTL  time.Duration
	LockWait time.Duration
}

type Rotator struct {
	provider providers.Provider
	store    Store
	locker   lock.Locker
	bus      bus.Broadcaster
	cfg      Config
	now      func() time.Time
	intn     func(n int) int
}

func NewRotator(p providers.Provider, s Store, locker lock.Locker, b bus.Broadcaster, cfg Config) *Rotator {
	if cfg.Period <= 0 {
		cfg.Period = 90 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 600 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Rotator{provider: p, store: s, locker: locker, bus: b, cfg: cfg, now: time.Now, intn: rand.IntN}
}

// Due reports whether p has been active for at least period.
func Due(p store.Persona, now time.Time, period time.Duration) bool {
	if !p.Active || p.StartedAtMS == 0 {
		return false
	}
	return !now.Before(time.UnixMilli(p.StartedAtMS).Add(period))
}

// RotateIfDue replaces the active persona when its period is over.
func (r *Rotator) RotateIfDue(ctx context.Context) (bool, error) {
	rotated := false
	err := lock.WithLock(ctx, r.locker, lock.SeasonRotationKey, r.cfg.LockTTL, r.cfg.LockWait, func(ctx context.Context) error {
		current, err := r.store.ActivePersona(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !Due(current, r.now(), r.cfg.Period) {
			return nil
		}
		if _, err := r.rotate(ctx, current, ""); err != nil {
			return err
		}
		rotated = true
		return nil
	})
	return rotated, err
}

// Rotate replaces the active persona now, whatever its age. description
// may be empty for a random persona.
func (r *Rotator) Rotate(ctx context.Context, description string) (store.Persona, error) {
	var next store.Persona
	err := lock.WithLock(ctx, r.locker, lock.SeasonRotationKey, r.cfg.LockTTL, r.cfg.LockWait, func(ctx context.Context) error {
		current, err := r.store.ActivePersona(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		next, err = r.rotate(ctx, current, description)
		return err
	})
	return next, err
}

// Initialize creates the first persona. It refuses when one is active.
func (r *Rotator) Initialize(ctx context.Context, description string) (store.Persona, error) {
	var created store.Persona
	err := lock.WithLock(ctx, r.locker, lock.SeasonRotationKey, r.cfg.LockTTL, r.cfg.LockWait, func(ctx context.Context) error {
		if _, err := r.store.ActivePersona(ctx); err == nil {
			return ErrActivePersona
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		var err error
		created, err = r.rotate(ctx, store.Persona{}, description)
		return err
	})
	return created, err
}

// rotate creates the next persona inactive, retires current (when set)
// and then activates the new one, so a failed generation leaves the old
// persona in place.
func (r *Rotator) rotate(ctx context.Context, current store.Persona, description string) (store.Persona, error) {
	if description == "" {
		description = RandomPrompt(r.intn)
	}
	now := r.now()
	draft := Generate(ctx, r.provider, description, now)
	if err := ctx.Err(); err != nil {
		return store.Persona{}, err
	}

	next, err := r.store.CreatePersona(ctx, store.Persona{
		FirstName:     draft.FirstName,
		LastName:      draft.LastName,
		StatusMessage: draft.StatusMessage,
		StartedAtMS:   now.UnixMilli(),
	}, draft.Attributes)
	if err != nil {
		return store.Persona{}, err
	}
	for _, m := range draft.Memories {
		m.PersonaID = next.ID
		if _, err := r.store.InsertMemory(ctx, m); err != nil {
			return store.Persona{}, fmt.Errorf("seed memories: %w", err)
		}
	}

	ended := 0
	if current.ID != "" {
		if ended, err = r.store.DeactivatePersona(ctx, current.ID, now.UnixMilli()); err != nil {
			return store.Persona{}, err
		}
	}
	if err := r.store.ActivatePersona(ctx, next.ID); err != nil {
		return store.Persona{}, err
	}
	next.Active = true

	logger.InfoCF("season", "Season rotated", map[string]interface{}{
		"previous_persona_id":  current.ID,
		"persona_id":           next.ID,
		"name":                 next.FullName(),
		"description":          description,
		"fallback":             draft.Fallback,
		"memories":             len(draft.Memories),
		"conversations_closed": ended,
	})
	if r.bus != nil {
		r.bus.Publish(bus.AllConversations, bus.SeasonRotatedEvent(next.ID))
	}
	return next, nil
}
