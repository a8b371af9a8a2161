package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/khanghh/kshelf/model"
	"github.com/khanghh/kshelf/params"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCreateRepo struct {
	AuditEventRepository
	err   error
	panic bool
	calls int
}

func (r *failingCreateRepo) Create(ctx context.Context, event *model.AuditEvent) error {
	r.calls++
	if r.panic {
		panic("storage exploded")
	}
	return r.err
}

func TestRecorderNeverFailsCaller(t *testing.T) {
	tests := []struct {
		name string
		repo *failingCreateRepo
	}{
		{name: "storage error", repo: &failingCreateRepo{err: errors.New("connection refused")}},
		{name: "storage panic", repo: &failingCreateRepo{panic: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := NewRecorder(tt.repo, newTestMetrics())
			assert.NotPanics(t, func() {
				recorder.Record(context.Background(), Actor{UserID: "u1"}, ActionLoginSuccess, "logged in")
			})
			assert.Equal(t, 1, tt.repo.calls, "no retry after a failure")
			assert.Equal(t, 1.0, testutil.ToFloat64(recorder.metrics.EventsRecorded.WithLabelValues("failure")))
		})
	}
}

func TestRecorderStoresEvent(t *testing.T) {
	repo := newTestRepo(t)
	recorder := newTestRecorder(repo)

	recorder.Record(context.Background(), Actor{UserID: "42", IPAddress: "10.0.0.1"}, ActionBookDownloaded, "downloaded book 7")

	events, err := repo.Find(context.Background(), EventFilter{}, true, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.NotZero(t, e.ID)
	assert.Equal(t, "42", e.UserID)
	assert.Equal(t, ActionBookDownloaded, e.Action)
	assert.Equal(t, "downloaded book 7", e.Message)
	assert.True(t, testNow.Equal(e.CreatedAt))
	require.NotNil(t, e.IPAddress)
	assert.Equal(t, "10.0.0.1", *e.IPAddress)
}

func TestRecorderSentinelActors(t *testing.T) {
	repo := newTestRepo(t)
	recorder := newTestRecorder(repo)
	ctx := context.Background()

	recorder.Record(ctx, Actor{}, ActionBookViewed, "anonymous view")
	recorder.Record(ctx, SystemActor, ActionAuditCleanup, "cleanup")

	anonymous, err := repo.Count(ctx, EventFilter{UserID: params.AnonymousActorID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), anonymous)

	events, err := repo.Find(ctx, EventFilter{UserID: params.SystemActorID}, true, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].IPAddress)
}

func TestRecorderTruncatesFields(t *testing.T) {
	repo := newTestRepo(t)
	recorder := newTestRecorder(repo)

	message := strings.Repeat("é", params.AuditMessageMaxLength+50)
	recorder.Record(context.Background(), Actor{UserID: "u"}, ActionCommentCreated, message)

	events, err := repo.Find(context.Background(), EventFilter{}, true, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, params.AuditMessageMaxLength, utf8.RuneCountInString(events[0].Message))
	assert.True(t, utf8.ValidString(events[0].Message))
}

func TestRecorderDropsEmptyAction(t *testing.T) {
	repo := newTestRepo(t)
	recorder := newTestRecorder(repo)

	recorder.Record(context.Background(), Actor{UserID: "u"}, "  ", "no action")
	assert.Zero(t, countAll(t, repo))
}

func TestRecorderIgnoresCancelledContext(t *testing.T) {
	repo := newTestRepo(t)
	recorder := newTestRecorder(repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	recorder.Record(ctx, Actor{UserID: "u"}, ActionLogout, "request already finished")
	assert.Equal(t, int64(1), countAll(t, repo))
}
