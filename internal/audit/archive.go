package audit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/khanghh/kshelf/model"
	"github.com/khanghh/kshelf/params"
)

// ArchiveUploader mirrors a written archive file to remote storage.
type ArchiveUploader interface {
	Upload(ctx context.Context, path string) error
}

// ArchiveFileInfo describes an archive on disk. ActionLabel and ArchivedAt
// are parsed from the file name and stay empty when it does not parse.
type ArchiveFileInfo struct {
	FileName    string        `json:"fileName"`
	FullPath    string        `json:"fullPath"`
	Size        int64         `json:"size"`
	CreatedAt   time.Time     `json:"createdAt"`
	Compressed  bool          `json:"compressed"`
	Format      ArchiveFormat `json:"format,omitempty"`
	ActionLabel string        `json:"actionLabel,omitempty"`
	ArchivedAt  *time.Time    `json:"archivedAt,omitempty"`
}

// Archiver writes batches of audit events to files in a single directory
// and manages those files.
type Archiver struct {
	dir      string
	uploader ArchiveUploader
	metrics  *Metrics
	now      func() time.Time
}

func (a *Archiver) Dir() string {
	return a.dir
}

// Encode serialises events without touching the archive directory.
func (a *Archiver) Encode(events []*model.AuditEvent, format ArchiveFormat, compress bool) ([]byte, error) {
	return encodePayload(toRecords(events), nil, format, compress)
}

// Archive writes events to a new archive file and returns its absolute path.
// An empty batch is a no-op and returns an empty path.
func (a *Archiver) Archive(ctx context.Context, events []*model.AuditEvent, label string, format ArchiveFormat, compress bool) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	data, err := encodePayload(toRecords(events), nil, format, compress)
	if err != nil {
		return "", err
	}
	return a.write(ctx, label, format, compress, data)
}

// ArchiveWithMetadata writes events wrapped in a JSON envelope carrying the
// cutoff date, date range and per-action statistics.
func (a *Archiver) ArchiveWithMetadata(ctx context.Context, events []*model.AuditEvent, label string, cutoff time.Time, compress bool) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	records := toRecords(events)
	envelope := buildEnvelope(records, label, cutoff, a.now())
	data, err := encodePayload(records, &envelope, FormatJSON, compress)
	if err != nil {
		return "", err
	}
	return a.write(ctx, label, FormatJSON, compress, data)
}

func (a *Archiver) write(ctx context.Context, label string, format ArchiveFormat, compress bool, data []byte) (path string, err error) {
	defer func() { a.metrics.observeArchive(err) }()

	dir, err := filepath.Abs(a.dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	tmpPath := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("write archive: %w", err)
	}

	at := a.now()
	for seq := 0; ; seq++ {
		path = filepath.Join(dir, archiveFileName(label, at, format, compress, seq))
		if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
			break
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename archive: %w", err)
	}

	slog.Info("Wrote audit archive", "path", path, "bytes", len(data))
	if a.uploader != nil {
		if err := a.uploader.Upload(ctx, path); err != nil {
			slog.Error("Failed to upload audit archive", "path", path, "error", err)
		}
	}
	return path, nil
}

// ListArchives returns the archives in the archive directory, newest first.
// Errors are logged and yield an empty list.
func (a *Archiver) ListArchives() []ArchiveFileInfo {
	dir, err := filepath.Abs(a.dir)
	if err != nil {
		slog.Error("Failed to resolve archive dir", "dir", a.dir, "error", err)
		return []ArchiveFileInfo{}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Error("Failed to list audit archives", "dir", dir, "error", err)
		}
		return []ArchiveFileInfo{}
	}

	archives := make([]ArchiveFileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isArchiveFileName(entry.Name()) {
			continue
		}
		stat, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to stat audit archive", "file", entry.Name(), "error", err)
			continue
		}
		info := ArchiveFileInfo{
			FileName:   entry.Name(),
			FullPath:   filepath.Join(dir, entry.Name()),
			Size:       stat.Size(),
			CreatedAt:  stat.ModTime().UTC(),
			Compressed: strings.HasSuffix(entry.Name(), gzipExt),
		}
		if parsed, ok := parseArchiveFileName(entry.Name()); ok {
			archivedAt := parsed.ArchivedAt
			info.Format = parsed.Format
			info.ActionLabel = parsed.Label
			info.ArchivedAt = &archivedAt
		}
		archives = append(archives, info)
	}
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].CreatedAt.After(archives[j].CreatedAt)
	})
	return archives
}

// CleanupOldArchives deletes archives not newer than now - maxAgeDays and
// returns how many were removed. A file that cannot be removed is skipped.
// maxAgeDays must be within 0..params.ArchiveMaxAgeMaxDays.
func (a *Archiver) CleanupOldArchives(maxAgeDays int) (int, error) {
	if maxAgeDays < 0 || maxAgeDays > params.ArchiveMaxAgeMaxDays {
		return 0, fmt.Errorf("%w: %d days (allowed 0-%d)", ErrInvalidArchiveMaxAge, maxAgeDays, params.ArchiveMaxAgeMaxDays)
	}
	cutoff := a.now().AddDate(0, 0, -maxAgeDays)
	deleted := 0
	for _, info := range a.ListArchives() {
		if info.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(info.FullPath); err != nil {
			slog.Error("Failed to delete audit archive", "path", info.FullPath, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		slog.Info("Pruned audit archives", "deleted", deleted, "maxAgeDays", maxAgeDays)
	}
	return deleted, nil
}

// ResolveArchive maps a client supplied file name to a path inside the
// archive directory. Names that resolve outside of it, with either slash
// style, are rejected with ErrInvalidArchivePath.
func (a *Archiver) ResolveArchive(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return "", ErrInvalidArchivePath
	}
	root, err := filepath.Abs(a.dir)
	if err != nil {
		return "", err
	}
	target, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(name)))
	if err != nil {
		return "", ErrInvalidArchivePath
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || filepath.IsAbs(rel) || strings.ContainsRune(rel, filepath.Separator) || rel == ".." {
		return "", ErrInvalidArchivePath
	}

	stat, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && stat.IsDir()) {
		return "", ErrArchiveNotFound
	}
	if err != nil {
		return "", err
	}
	return target, nil
}

func NewArchiver(dir string, uploader ArchiveUploader, metrics *Metrics) *Archiver {
	return &Archiver{
		dir:      dir,
		uploader: uploader,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}
