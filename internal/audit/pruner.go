package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/khanghh/kshelf/params"
	"github.com/robfig/cron/v3"
)

// ArchivePruner periodically removes archive files older than maxAgeDays.
type ArchivePruner struct {
	archiver   *Archiver
	recorder   *Recorder
	maxAgeDays int
	schedule   string
	cron       *cron.Cron
}

func (p *ArchivePruner) Enabled() bool {
	return p.maxAgeDays > 0
}

// Prune deletes archives older than the configured max age and returns how
// many files were removed.
func (p *ArchivePruner) Prune(ctx context.Context) (int, error) {
	return p.PruneOlderThan(ctx, SystemActor, p.maxAgeDays)
}

// PruneOlderThan deletes archives older than maxAgeDays on behalf of actor
// and records ARCHIVES_PRUNED when anything was removed.
func (p *ArchivePruner) PruneOlderThan(ctx context.Context, actor Actor, maxAgeDays int) (int, error) {
	deleted, err := p.archiver.CleanupOldArchives(maxAgeDays)
	if err != nil {
		return 0, err
	}
	if deleted > 0 && p.recorder != nil {
		p.recorder.Record(ctx, actor, ActionArchivesPruned, fmt.Sprintf(
			"Deleted %d archive files older than %d days", deleted, maxAgeDays,
		))
	}
	return deleted, nil
}

// Start schedules Prune on the cron schedule. It is a no-op when pruning is
// disabled.
func (p *ArchivePruner) Start() error {
	if !p.Enabled() {
		slog.Info("Audit archive pruning is disabled")
		return nil
	}
	if p.maxAgeDays > params.ArchiveMaxAgeMaxDays {
		return fmt.Errorf("%w: %d days (allowed 0-%d)", ErrInvalidArchiveMaxAge, p.maxAgeDays, params.ArchiveMaxAgeMaxDays)
	}
	_, err := p.cron.AddFunc(p.schedule, func() {
		if _, err := p.Prune(context.Background()); err != nil {
			slog.Error("Audit archive pruning failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid archive prune schedule %q: %w", p.schedule, err)
	}
	p.cron.Start()
	slog.Info("Audit archive pruner started", "schedule", p.schedule, "maxAgeDays", p.maxAgeDays)
	return nil
}

// Stop stops the schedule and waits for a running prune to finish.
func (p *ArchivePruner) Stop() {
	<-p.cron.Stop().Done()
}

func NewArchivePruner(archiver *Archiver, recorder *Recorder, maxAgeDays int, schedule string) *ArchivePruner {
	if schedule == "" {
		schedule = params.ArchivePruneDefault
	}
	return &ArchivePruner{
		archiver:   archiver,
		recorder:   recorder,
		maxAgeDays: maxAgeDays,
		schedule:   schedule,
		cron:       cron.New(cron.WithLocation(time.UTC)),
	}
}
