package audit

import (
	"context"
	"testing"
	"time"

	"github.com/khanghh/kshelf/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to ":memory:" opens its own database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, model.AutoMigrate(db))
	return db
}

func newTestRepo(t *testing.T) AuditEventRepository {
	return NewAuditEventRepository(newTestDB(t))
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func newTestRecorder(repo AuditEventRepository) *Recorder {
	r := NewRecorder(repo, newTestMetrics())
	r.now = func() time.Time { return testNow }
	return r
}

func newTestArchiver(t *testing.T) *Archiver {
	a := NewArchiver(t.TempDir(), nil, newTestMetrics())
	a.now = func() time.Time { return testNow }
	return a
}

func daysAgo(days int) time.Time {
	return testNow.AddDate(0, 0, -days)
}

func seedEvent(t *testing.T, repo AuditEventRepository, action string, createdAt time.Time) *model.AuditEvent {
	t.Helper()
	event := &model.AuditEvent{
		UserID:    "user-1",
		Action:    action,
		Message:   action + " happened",
		CreatedAt: createdAt,
	}
	require.NoError(t, repo.Create(context.Background(), event))
	return event
}

func countAll(t *testing.T, repo AuditEventRepository) int64 {
	t.Helper()
	count, err := repo.Count(context.Background(), EventFilter{})
	require.NoError(t, err)
	return count
}

type staticPolicy map[string]int

func (p staticPolicy) LoadRetentionPolicy() (map[string]int, error) {
	return p, nil
}

type memoryStatsCache struct {
	entries map[string]Stats
	deletes int
}

func newMemoryStatsCache() *memoryStatsCache {
	return &memoryStatsCache{entries: make(map[string]Stats)}
}

func (c *memoryStatsCache) Get(_ context.Context, key string) (Stats, error) {
	stats, ok := c.entries[key]
	if !ok {
		return Stats{}, gorm.ErrRecordNotFound
	}
	return stats, nil
}

func (c *memoryStatsCache) Set(_ context.Context, key string, val Stats, _ time.Duration) error {
	c.entries[key] = val
	return nil
}

func (c *memoryStatsCache) Delete(_ context.Context, key string) error {
	c.deletes++
	delete(c.entries, key)
	return nil
}

func eventWith(userID, action, message string, createdAt time.Time) *model.AuditEvent {
	return &model.AuditEvent{
		UserID:    userID,
		Action:    action,
		Message:   message,
		CreatedAt: createdAt,
	}
}
