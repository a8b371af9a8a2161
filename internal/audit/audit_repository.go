package audit

import (
	"context"
	"strings"
	"time"

	"github.com/khanghh/kshelf/model"
	"github.com/khanghh/kshelf/params"
	"gorm.io/gorm"
)

// likeEscape is the LIKE escape character; '!' behaves the same on MySQL and
// SQLite, unlike the backslash.
const likeEscape = "!"

// EventFilter selects audit events. Zero fields do not constrain the query.
type EventFilter struct {
	ActionContains    string     // action LIKE %x%
	ActionNotContains []string   // action NOT LIKE %x% for each entry
	UserID            string     // exact actor id
	Search            string     // free text over message, action and actor id
	CreatedAfter      *time.Time // created_at >= t
	CreatedBefore     *time.Time // created_at < t
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, likeEscape, likeEscape+likeEscape)
	s = strings.ReplaceAll(s, "%", likeEscape+"%")
	s = strings.ReplaceAll(s, "_", likeEscape+"_")
	return "%" + s + "%"
}

func (f EventFilter) apply(db *gorm.DB) *gorm.DB {
	if f.ActionContains != "" {
		db = db.Where("action LIKE ? ESCAPE '"+likeEscape+"'", escapeLike(f.ActionContains))
	}
	for _, pattern := range f.ActionNotContains {
		db = db.Where("action NOT LIKE ? ESCAPE '"+likeEscape+"'", escapeLike(pattern))
	}
	if f.UserID != "" {
		db = db.Where("user_id = ?", f.UserID)
	}
	if f.Search != "" {
		like := escapeLike(f.Search)
		db = db.Where(
			"(message LIKE ? ESCAPE '"+likeEscape+"' OR action LIKE ? ESCAPE '"+likeEscape+"' OR user_id LIKE ? ESCAPE '"+likeEscape+"')",
			like, like, like,
		)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", f.CreatedBefore.UTC())
	}
	return db
}

// ActionCount is one row of a GROUP BY action aggregation.
type ActionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count" gorm:"column:total"`
}

// AuditEventRepository is the durable event store. It exposes insert,
// filtered reads and batch deletes only; events are never updated.
type AuditEventRepository interface {
	WithTx(tx *gorm.DB) AuditEventRepository
	Transaction(ctx context.Context, fn func(repo AuditEventRepository) error) error
	Create(ctx context.Context, event *model.AuditEvent) error
	Count(ctx context.Context, filter EventFilter) (int64, error)
	Find(ctx context.Context, filter EventFilter, oldestFirst bool, offset, limit int) ([]*model.AuditEvent, error)
	CountByAction(ctx context.Context, filter EventFilter, limit int) ([]ActionCount, error)
	First(ctx context.Context, oldestFirst bool) (*model.AuditEvent, error)
	SizeEstimate(ctx context.Context) (int64, error)
	Delete(ctx context.Context, filter EventFilter) (int64, error)
	DeleteByIDs(ctx context.Context, ids []uint64) (int64, error)
}

type auditEventRepository struct {
	db *gorm.DB
}

func (r *auditEventRepository) WithTx(tx *gorm.DB) AuditEventRepository {
	return NewAuditEventRepository(tx)
}

func (r *auditEventRepository) Transaction(ctx context.Context, fn func(repo AuditEventRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(r.WithTx(tx))
	})
}

func (r *auditEventRepository) model(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&model.AuditEvent{})
}

func (r *auditEventRepository) Create(ctx context.Context, event *model.AuditEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *auditEventRepository) Count(ctx context.Context, filter EventFilter) (int64, error) {
	var count int64
	err := filter.apply(r.model(ctx)).Count(&count).Error
	return count, err
}

func (r *auditEventRepository) Find(ctx context.Context, filter EventFilter, oldestFirst bool, offset, limit int) ([]*model.AuditEvent, error) {
	order := "created_at DESC, id DESC"
	if oldestFirst {
		order = "created_at ASC, id ASC"
	}
	db := filter.apply(r.model(ctx)).Order(order)
	if offset > 0 {
		db = db.Offset(offset)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	var events []*model.AuditEvent
	err := db.Find(&events).Error
	return events, err
}

func (r *auditEventRepository) CountByAction(ctx context.Context, filter EventFilter, limit int) ([]ActionCount, error) {
	db := filter.apply(r.model(ctx)).
		Select("action, COUNT(*) AS total").
		Group("action").
		Order("total DESC, action ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	var rows []ActionCount
	err := db.Scan(&rows).Error
	return rows, err
}

func (r *auditEventRepository) First(ctx context.Context, oldestFirst bool) (*model.AuditEvent, error) {
	events, err := r.Find(ctx, EventFilter{}, oldestFirst, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return events[0], nil
}

// SizeEstimate approximates the bytes held by the audit table: the text
// columns plus a fixed per-row overhead for id and timestamp.
func (r *auditEventRepository) SizeEstimate(ctx context.Context) (int64, error) {
	var textBytes, count int64
	row := r.model(ctx).
		Select("COALESCE(SUM(LENGTH(user_id) + LENGTH(action) + LENGTH(message) + COALESCE(LENGTH(ip_address), 0)), 0), COUNT(*)").
		Row()
	if err := row.Scan(&textBytes, &count); err != nil {
		return 0, err
	}
	return textBytes + count*16, nil
}

func (r *auditEventRepository) Delete(ctx context.Context, filter EventFilter) (int64, error) {
	result := filter.apply(r.db.WithContext(ctx)).Delete(&model.AuditEvent{})
	return result.RowsAffected, result.Error
}

func (r *auditEventRepository) DeleteByIDs(ctx context.Context, ids []uint64) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += params.CleanupDeleteChunkSize {
		end := min(start+params.CleanupDeleteChunkSize, len(ids))
		result := r.db.WithContext(ctx).Where("id IN ?", ids[start:end]).Delete(&model.AuditEvent{})
		if result.Error != nil {
			return deleted, result.Error
		}
		deleted += result.RowsAffected
	}
	return deleted, nil
}

func NewAuditEventRepository(db *gorm.DB) AuditEventRepository {
	return &auditEventRepository{db: db}
}
