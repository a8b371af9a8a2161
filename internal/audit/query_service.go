package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/khanghh/kshelf/model"
	"github.com/khanghh/kshelf/params"
	"gorm.io/gorm"
)

// StatsCache keeps the aggregated stats between requests.
type StatsCache interface {
	Get(ctx context.Context, key string) (Stats, error)
	Set(ctx context.Context, key string, val Stats, expiresIn time.Duration) error
	Delete(ctx context.Context, key string) error
}

type SearchFilter struct {
	Search string
	Action string
	UserID string
	From   *time.Time
	To     *time.Time
}

func (f SearchFilter) eventFilter() EventFilter {
	return EventFilter{
		ActionContains: strings.TrimSpace(f.Action),
		UserID:         strings.TrimSpace(f.UserID),
		Search:         strings.TrimSpace(f.Search),
		CreatedAfter:   f.From,
		CreatedBefore:  f.To,
	}
}

type PagedResult struct {
	Items      []*model.AuditEvent `json:"items"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"pageSize"`
	TotalCount int64               `json:"totalCount"`
	TotalPages int                 `json:"totalPages"`
}

type MonthCount struct {
	Month string `json:"month"`
	Count int64  `json:"count"`
}

type Stats struct {
	TotalCount          int64         `json:"totalCount"`
	Last7Days           int64         `json:"last7Days"`
	Last30Days          int64         `json:"last30Days"`
	Oldest              *time.Time    `json:"oldest"`
	Newest              *time.Time    `json:"newest"`
	TopActions          []ActionCount `json:"topActions"`
	MonthlyDistribution []MonthCount  `json:"monthlyDistribution"`
	SizeEstimateBytes   int64         `json:"sizeEstimateBytes"`
	GeneratedAt         time.Time     `json:"generatedAt"`
}

type ExportResult struct {
	FileName    string
	ContentType string
	Data        []byte
	Count       int
}

// QueryService serves read access to the audit trail and ad-hoc exports.
type QueryService struct {
	repo     AuditEventRepository
	archiver *Archiver
	recorder *Recorder
	cache    StatsCache
	cacheTTL time.Duration
	now      func() time.Time
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = params.QueryDefaultPageSize
	}
	return page, min(pageSize, params.QueryMaxPageSize)
}

func (s *QueryService) QueryLogs(ctx context.Context, page, pageSize int) (*PagedResult, error) {
	return s.SearchLogs(ctx, SearchFilter{}, page, pageSize)
}

// SearchLogs returns one page of matching events, newest first.
func (s *QueryService) SearchLogs(ctx context.Context, filter SearchFilter, page, pageSize int) (*PagedResult, error) {
	page, pageSize = clampPage(page, pageSize)
	ef := filter.eventFilter()

	total, err := s.repo.Count(ctx, ef)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.Find(ctx, ef, false, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.AuditEvent{}
	}
	return &PagedResult{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}, nil
}

func (s *QueryService) boundaryTime(ctx context.Context, oldestFirst bool) (*time.Time, error) {
	event, err := s.repo.First(ctx, oldestFirst)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := event.CreatedAt.UTC()
	return &t, nil
}

func (s *QueryService) countSince(ctx context.Context, since time.Time) (int64, error) {
	return s.repo.Count(ctx, EventFilter{CreatedAfter: &since})
}

func (s *QueryService) monthlyDistribution(ctx context.Context, now time.Time) ([]MonthCount, error) {
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	months := make([]MonthCount, 0, params.StatsMonths)
	for i := params.StatsMonths - 1; i >= 0; i-- {
		start := current.AddDate(0, -i, 0)
		end := start.AddDate(0, 1, 0)
		count, err := s.repo.Count(ctx, EventFilter{CreatedAfter: &start, CreatedBefore: &end})
		if err != nil {
			return nil, err
		}
		months = append(months, MonthCount{Month: start.Format("2006-01"), Count: count})
	}
	return months, nil
}

func (s *QueryService) computeStats(ctx context.Context) (*Stats, error) {
	now := s.now().UTC()
	stats := &Stats{GeneratedAt: now}

	var err error
	if stats.TotalCount, err = s.repo.Count(ctx, EventFilter{}); err != nil {
		return nil, err
	}
	if stats.Last7Days, err = s.countSince(ctx, now.AddDate(0, 0, -7)); err != nil {
		return nil, err
	}
	if stats.Last30Days, err = s.countSince(ctx, now.AddDate(0, 0, -30)); err != nil {
		return nil, err
	}
	if stats.Oldest, err = s.boundaryTime(ctx, true); err != nil {
		return nil, err
	}
	if stats.Newest, err = s.boundaryTime(ctx, false); err != nil {
		return nil, err
	}
	if stats.TopActions, err = s.repo.CountByAction(ctx, EventFilter{}, params.StatsTopActions); err != nil {
		return nil, err
	}
	if stats.TopActions == nil {
		stats.TopActions = []ActionCount{}
	}
	if stats.MonthlyDistribution, err = s.monthlyDistribution(ctx, now); err != nil {
		return nil, err
	}
	if stats.SizeEstimateBytes, err = s.repo.SizeEstimate(ctx); err != nil {
		return nil, err
	}
	return stats, nil
}

// GetStats returns aggregate figures over the whole audit trail, served from
// the cache while it is fresh.
func (s *QueryService) GetStats(ctx context.Context) (*Stats, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, params.StatsCacheKey); err == nil {
			return &cached, nil
		}
	}
	stats, err := s.computeStats(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, params.StatsCacheKey, *stats, s.cacheTTL); err != nil {
			slog.Warn("Failed to cache audit stats", "error", err)
		}
	}
	return stats, nil
}

// ExportLogs serialises up to maxRecords of the most recent matching events.
// maxRecords is clamped to the export cap.
func (s *QueryService) ExportLogs(ctx context.Context, actor Actor, filter SearchFilter, format ArchiveFormat, compress bool, maxRecords int) (*ExportResult, error) {
	if maxRecords <= 0 || maxRecords > params.ExportMaxRecords {
		maxRecords = params.ExportMaxRecords
	}
	events, err := s.repo.Find(ctx, filter.eventFilter(), false, 0, maxRecords)
	if err != nil {
		return nil, err
	}
	data, err := s.archiver.Encode(events, format, compress)
	if err != nil {
		return nil, err
	}

	fileName := fmt.Sprintf("audit_export_%s.%s", s.now().UTC().Format(params.ArchiveTimeLayout), format)
	if compress {
		fileName += gzipExt
	}
	s.recorder.Record(ctx, actor, ActionAuditExported,
		fmt.Sprintf("Exported %d audit log entries as %s", len(events), fileName))

	return &ExportResult{
		FileName:    fileName,
		ContentType: format.ContentType(compress),
		Data:        data,
		Count:       len(events),
	}, nil
}

func NewQueryService(repo AuditEventRepository, archiver *Archiver, recorder *Recorder, cache StatsCache, cacheTTL time.Duration) *QueryService {
	if cacheTTL <= 0 {
		cacheTTL = params.StatsCacheTTLDefault
	}
	return &QueryService{
		repo:     repo,
		archiver: archiver,
		recorder: recorder,
		cache:    cache,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}
