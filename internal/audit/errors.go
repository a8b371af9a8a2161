package audit

import "errors"

var (
	ErrInvalidRetentionDays = errors.New("retention days out of range")
	ErrUnsupportedFormat    = errors.New("unsupported archive format")
	ErrInvalidArchivePath   = errors.New("invalid archive path")
	ErrArchiveNotFound      = errors.New("archive not found")
	ErrInvalidArchiveMaxAge = errors.New("archive max age out of range")
	ErrCleanupConflict      = errors.New("audit events changed during cleanup")
)
