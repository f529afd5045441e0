package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/swparkaust/chat-with-ai/pkg/lock"
	"github.com/swparkaust/chat-with-ai/pkg/logger"
)

// Report summarizes one maintenance run.
type Report struct {
	Decayed      int
	Consolidated int
	Pruned       int
	Duration     time.Duration
}

// RunMaintenance applies decay, consolidation and pruning in that order
// while holding the persona's maintenance lock.
func (e *Engine) RunMaintenance(ctx context.Context, personaID string) (Report, error) {
	var report Report
	start := time.Now()
	err := lock.WithLock(ctx, e.locker, lock.MaintenanceKey(personaID), e.cfg.MaintenanceTTL, e.cfg.MaintenanceWait, func(ctx context.Context) error {
		var err error
		if report.Decayed, err = e.ApplyDecay(ctx, personaID); err != nil {
			return err
		}
		if report.Consolidated, err = e.Consolidate(ctx, personaID); err != nil {
			return err
		}
		if report.Pruned, err = e.Prune(ctx, personaID); err != nil {
			return err
		}
		return nil
	})
	report.Duration = time.Since(start)
	if err != nil {
		return report, fmt.Errorf("memory maintenance %s: %w", personaID, err)
	}
	logger.InfoCF("memory", "Maintenance complete", map[string]interface{}{
		"persona_id":   personaID,
		"decayed":      report.Decayed,
		"consolidated": report.Consolidated,
		"pruned":       report.Pruned,
		"duration_ms":  report.Duration.Milliseconds(),
	})
	return report, nil
}
