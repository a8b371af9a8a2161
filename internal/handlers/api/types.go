package api

import (
	"context"

	"github.com/khanghh/kshelf/internal/audit"
)

type QueryService interface {
	QueryLogs(ctx context.Context, page, pageSize int) (*audit.PagedResult, error)
	SearchLogs(ctx context.Context, filter audit.SearchFilter, page, pageSize int) (*audit.PagedResult, error)
	GetStats(ctx context.Context) (*audit.Stats, error)
	ExportLogs(ctx context.Context, actor audit.Actor, filter audit.SearchFilter, format audit.ArchiveFormat, compress bool, maxRecords int) (*audit.ExportResult, error)
}

type CleanupService interface {
	RunCycle(ctx context.Context) (*audit.CycleResult, error)
	PreviewOrExecute(ctx context.Context, actor audit.Actor, req audit.CleanupRequest) (*audit.CleanupReport, error)
}

type ArchiveStore interface {
	Dir() string
	ListArchives() []audit.ArchiveFileInfo
	ResolveArchive(name string) (string, error)
}

type ArchivePruner interface {
	PruneOlderThan(ctx context.Context, actor audit.Actor, maxAgeDays int) (int, error)
}

type EventRecorder interface {
	Record(ctx context.Context, actor audit.Actor, action, message string)
}
