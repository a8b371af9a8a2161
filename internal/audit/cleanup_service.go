package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/khanghh/kshelf/model"
	"github.com/khanghh/kshelf/params"
)

type CleanupOptions struct {
	ArchiveBeforeDelete bool
	ArchiveFormat       ArchiveFormat
	CompressArchives    bool
}

// CycleResult summarises one policy-driven cleanup cycle. The breakdown only
// lists policies that deleted something; its values sum to TotalDeleted.
type CycleResult struct {
	TotalDeleted int64            `json:"deletedCount"`
	Breakdown    map[string]int64 `json:"breakdown"`
	Archives     []string         `json:"archives,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
	Duration     time.Duration    `json:"duration"`
}

// MarshalJSON renders Duration in time.Duration notation, e.g. "1.5s".
func (r CycleResult) MarshalJSON() ([]byte, error) {
	type cycleResult CycleResult
	return json.Marshal(struct {
		cycleResult
		Duration string `json:"duration"`
	}{cycleResult(r), r.Duration.String()})
}

type CleanupRequest struct {
	RetentionDays int    `json:"retentionDays"`
	ActionType    string `json:"actionType"`
	ArchiveFirst  bool   `json:"archiveFirst"`
	PreviewOnly   bool   `json:"previewOnly"`
}

// CleanupReport is the outcome of a manual cleanup. In preview mode
// DeletedCount is the number of events that would be deleted.
type CleanupReport struct {
	DeletedCount    int64            `json:"deletedCount"`
	CutoffDate      time.Time        `json:"cutoffDate"`
	Breakdown       map[string]int64 `json:"breakdown"`
	ArchiveFilePath string           `json:"archiveFilePath,omitempty"`
	ArchiveError    string           `json:"archiveError,omitempty"`
	PreviewOnly     bool             `json:"previewOnly"`
}

// CleanupService deletes expired audit events, archiving them first when
// asked to. Within one purge the archive is always written before the
// delete runs.
type CleanupService struct {
	repo     AuditEventRepository
	recorder *Recorder
	archiver *Archiver
	loader   PolicyLoader
	cache    StatsCache
	metrics  *Metrics
	opts     CleanupOptions
	now      func() time.Time
}

func (s *CleanupService) loadPolicy() RetentionPolicy {
	if s.loader == nil {
		slog.Warn("No retention policy source, using fallback policy")
		return FallbackRetentionPolicy()
	}
	raw, err := s.loader.LoadRetentionPolicy()
	if err != nil || len(raw) == 0 {
		slog.Warn("Retention policy not configured, using fallback policy", "error", err)
		return FallbackRetentionPolicy()
	}
	return normalizePolicy(raw)
}

func (s *CleanupService) archiveBatch(ctx context.Context, events []*model.AuditEvent, label string, cutoff time.Time) (string, error) {
	if s.opts.ArchiveFormat == FormatCSV {
		return s.archiver.Archive(ctx, events, label, FormatCSV, s.opts.CompressArchives)
	}
	return s.archiver.ArchiveWithMetadata(ctx, events, label, cutoff, s.opts.CompressArchives)
}

// purge deletes the events selected by filter. With archive set the batch is
// loaded, archived and then deleted by id, so the archive holds exactly the
// deleted rows. An archive failure is returned but does not stop the delete.
func (s *CleanupService) purge(ctx context.Context, repo AuditEventRepository, filter EventFilter, label string, cutoff time.Time, archive bool) (deleted int64, archivePath string, archiveErr error, err error) {
	if !archive {
		deleted, err = repo.Delete(ctx, filter)
		return deleted, "", nil, err
	}

	events, err := repo.Find(ctx, filter, true, 0, 0)
	if err != nil {
		return 0, "", nil, err
	}
	return s.purgeBatch(ctx, repo, events, label, cutoff, true)
}

// purgeBatch deletes exactly the given events by id, archiving them first
// when archive is set.
func (s *CleanupService) purgeBatch(ctx context.Context, repo AuditEventRepository, events []*model.AuditEvent, label string, cutoff time.Time, archive bool) (deleted int64, archivePath string, archiveErr error, err error) {
	if len(events) == 0 {
		return 0, "", nil, nil
	}

	if archive {
		archivePath, archiveErr = s.archiveBatch(ctx, events, label, cutoff)
	}
	if archiveErr != nil {
		slog.Error("Failed to archive audit events, deleting anyway",
			"label", label,
			"count", len(events),
			"error", archiveErr,
		)
	}

	ids := make([]uint64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	deleted, err = repo.DeleteByIDs(ctx, ids)
	return deleted, archivePath, archiveErr, err
}

func (s *CleanupService) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, params.StatsCacheKey); err != nil {
		slog.Debug("Failed to invalidate audit stats cache", "error", err)
	}
}

func breakdownOf(events []*model.AuditEvent) map[string]int64 {
	breakdown := make(map[string]int64)
	for _, e := range events {
		breakdown[e.Action]++
	}
	return breakdown
}

func formatBreakdown(breakdown map[string]int64) string {
	keys := make([]string, 0, len(breakdown))
	for key := range breakdown {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = fmt.Sprintf("%s: %d", key, breakdown[key])
	}
	return strings.Join(parts, ", ")
}

// RunCycle runs one policy-driven cleanup: it loads the policy, purges each
// policy's expired events inside one transaction and, when anything was
// deleted, records a single AUDIT_CLEANUP summary as SYSTEM.
func (s *CleanupService) RunCycle(ctx context.Context) (result *CycleResult, err error) {
	begin := time.Now()
	startedAt := s.now().UTC()
	defer func() {
		s.metrics.observeCycle(time.Since(begin), err)
	}()

	policy := s.loadPolicy()
	rules := policy.rules(startedAt)

	res := &CycleResult{
		StartedAt: startedAt,
		Breakdown: make(map[string]int64),
	}
	err = s.repo.Transaction(ctx, func(repo AuditEventRepository) error {
		for _, rule := range rules {
			if err := ctx.Err(); err != nil {
				return err
			}
			deleted, archivePath, _, err := s.purge(ctx, repo, rule.Filter, rule.Pattern, rule.Cutoff, s.opts.ArchiveBeforeDelete)
			if err != nil {
				return fmt.Errorf("purge %s: %w", rule.Pattern, err)
			}
			if archivePath != "" {
				res.Archives = append(res.Archives, archivePath)
			}
			if deleted > 0 {
				res.Breakdown[rule.Pattern] = deleted
				res.TotalDeleted += deleted
			}
		}
		return nil
	})
	res.Duration = time.Since(begin)
	if err != nil {
		return nil, err
	}

	for pattern, count := range res.Breakdown {
		s.metrics.observeDeleted(pattern, count)
	}
	if res.TotalDeleted > 0 {
		s.recorder.Record(ctx, SystemActor, ActionAuditCleanup, fmt.Sprintf(
			"Automatic cleanup deleted %d audit log entries (%s)",
			res.TotalDeleted, formatBreakdown(res.Breakdown),
		))
		s.invalidateStats(ctx)
	}
	slog.Info("Audit cleanup cycle finished",
		"deleted", res.TotalDeleted,
		"breakdown", res.Breakdown,
		"duration", res.Duration,
	)
	return res, nil
}

// PreviewOrExecute runs a manual cleanup of events older than
// req.RetentionDays, optionally restricted to actions containing
// req.ActionType. A preview only counts and never mutates storage.
func (s *CleanupService) PreviewOrExecute(ctx context.Context, actor Actor, req CleanupRequest) (*CleanupReport, error) {
	if req.RetentionDays < params.ManualRetentionMinDays || req.RetentionDays > params.ManualRetentionMaxDays {
		return nil, fmt.Errorf("%w: %d (allowed %d-%d)", ErrInvalidRetentionDays,
			req.RetentionDays, params.ManualRetentionMinDays, params.ManualRetentionMaxDays)
	}

	actionType := strings.ToUpper(strings.TrimSpace(req.ActionType))
	cutoff := s.now().UTC().AddDate(0, 0, -req.RetentionDays)
	filter := EventFilter{
		ActionContains: actionType,
		CreatedBefore:  &cutoff,
	}

	counts, err := s.repo.CountByAction(ctx, filter, 0)
	if err != nil {
		return nil, err
	}
	report := &CleanupReport{
		CutoffDate:  cutoff,
		Breakdown:   make(map[string]int64, len(counts)),
		PreviewOnly: req.PreviewOnly,
	}
	for _, c := range counts {
		report.Breakdown[c.Action] = c.Count
		report.DeletedCount += c.Count
	}
	if req.PreviewOnly || report.DeletedCount == 0 {
		return report, nil
	}

	label := actionType
	if label == "" {
		label = "ALL"
	}
	err = s.repo.Transaction(ctx, func(repo AuditEventRepository) error {
		events, err := repo.Find(ctx, filter, true, 0, 0)
		if err != nil {
			return err
		}
		deleted, archivePath, archiveErr, err := s.purgeBatch(ctx, repo, events, label, cutoff, req.ArchiveFirst)
		if err != nil {
			return err
		}
		if deleted != int64(len(events)) {
			return fmt.Errorf("%w: selected %d, deleted %d", ErrCleanupConflict, len(events), deleted)
		}
		report.Breakdown = breakdownOf(events)
		report.DeletedCount = deleted
		report.ArchiveFilePath = archivePath
		if archiveErr != nil {
			report.ArchiveError = archiveErr.Error()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Manual cleanup deleted %d audit log entries older than %s",
		report.DeletedCount, cutoff.Format(time.RFC3339))
	if actionType != "" {
		message += fmt.Sprintf(" (action filter: %s)", actionType)
	}
	s.recorder.Record(ctx, actor, ActionAuditCleanup, message)
	s.metrics.observeDeleted("MANUAL", report.DeletedCount)
	s.invalidateStats(ctx)
	return report, nil
}

func NewCleanupService(repo AuditEventRepository, recorder *Recorder, archiver *Archiver, loader PolicyLoader, cache StatsCache, metrics *Metrics, opts CleanupOptions) *CleanupService {
	if opts.ArchiveFormat == "" {
		opts.ArchiveFormat = FormatJSON
	}
	return &CleanupService{
		repo:     repo,
		recorder: recorder,
		archiver: archiver,
		loader:   loader,
		cache:    cache,
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
	}
}
