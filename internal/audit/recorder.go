package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/khanghh/kshelf/model"
	"github.com/khanghh/kshelf/params"
)

// Recorder appends audit events. Record never fails the caller: storage
// errors are logged and dropped, at most once, without retry.
type Recorder struct {
	repo    AuditEventRepository
	metrics *Metrics
	now     func() time.Time
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Record stores one event for actor. The write is detached from ctx
// cancellation so that a request finishing early does not abort its own
// audit entry.
func (r *Recorder) Record(ctx context.Context, actor Actor, action, message string) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic: %v", p)
			r.metrics.observeRecord(err)
			slog.Error("Audit recorder panicked", "action", action, "error", err)
		}
	}()

	action = strings.TrimSpace(action)
	if action == "" {
		slog.Warn("Dropped audit event without action", "userID", actor.UserID, "message", message)
		return
	}

	event := &model.AuditEvent{
		UserID:    truncate(actor.userID(), params.AuditUserIDMaxLength),
		Action:    truncate(action, params.AuditActionMaxLength),
		Message:   truncate(message, params.AuditMessageMaxLength),
		CreatedAt: r.now().UTC(),
		IPAddress: actor.ipAddress(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), params.AuditWriteTimeout)
	defer cancel()

	err := r.repo.Create(writeCtx, event)
	r.metrics.observeRecord(err)
	if err != nil {
		slog.Error("Failed to record audit event",
			"action", event.Action,
			"userID", event.UserID,
			"error", err,
		)
	}
}

func NewRecorder(repo AuditEventRepository, metrics *Metrics) *Recorder {
	return &Recorder{
		repo:    repo,
		metrics: metrics,
		now:     time.Now,
	}
}
