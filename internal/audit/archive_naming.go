package audit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/khanghh/kshelf/params"
)

type ArchiveFormat string

const (
	FormatCSV  ArchiveFormat = "csv"
	FormatJSON ArchiveFormat = "json"
)

const (
	unknownArchiveLabel = "UNKNOWN"
	gzipExt             = ".gz"
)

// ParseArchiveFormat accepts "csv" or "json" in any case; empty means json.
func ParseArchiveFormat(s string) (ArchiveFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FormatJSON):
		return FormatJSON, nil
	case string(FormatCSV):
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
	}
}

func (f ArchiveFormat) ContentType(compressed bool) string {
	if compressed {
		return "application/gzip"
	}
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// audit_archive_<label>_<yyyyMMdd_HHmmss>[_<n>].<csv|json>[.gz]
var archiveNameRegex = regexp.MustCompile(`^` + regexp.QuoteMeta(params.ArchiveFilePrefix) +
	`(.+)_(\d{8}_\d{6})(?:_(\d+))?\.(csv|json)(\.gz)?$`)

// sanitizeLabel strips characters that are not allowed in file names.
func sanitizeLabel(label string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`<>:"/\|?*`, r) {
			return -1
		}
		return r
	}, label)
	cleaned = strings.Trim(cleaned, " .")
	if cleaned == "" {
		return unknownArchiveLabel
	}
	return cleaned
}

// archiveFileName builds the file name of an archive. seq > 0 disambiguates
// two archives with the same label written in the same second.
func archiveFileName(label string, at time.Time, format ArchiveFormat, compress bool, seq int) string {
	var sb strings.Builder
	sb.WriteString(params.ArchiveFilePrefix)
	sb.WriteString(sanitizeLabel(label))
	sb.WriteByte('_')
	sb.WriteString(at.UTC().Format(params.ArchiveTimeLayout))
	if seq > 0 {
		sb.WriteByte('_')
		sb.WriteString(strconv.Itoa(seq))
	}
	sb.WriteByte('.')
	sb.WriteString(string(format))
	if compress {
		sb.WriteString(gzipExt)
	}
	return sb.String()
}

// isArchiveFileName reports whether name looks like an archive, even if its
// label or timestamp cannot be parsed back.
func isArchiveFileName(name string) bool {
	if !strings.HasPrefix(name, params.ArchiveFilePrefix) {
		return false
	}
	name = strings.TrimSuffix(name, gzipExt)
	return strings.HasSuffix(name, "."+string(FormatCSV)) || strings.HasSuffix(name, "."+string(FormatJSON))
}

type parsedArchiveName struct {
	Label      string
	ArchivedAt time.Time
	Format     ArchiveFormat
	Compressed bool
}

func parseArchiveFileName(name string) (*parsedArchiveName, bool) {
	m := archiveNameRegex.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	archivedAt, err := time.ParseInLocation(params.ArchiveTimeLayout, m[2], time.UTC)
	if err != nil {
		return nil, false
	}
	return &parsedArchiveName{
		Label:      m[1],
		ArchivedAt: archivedAt,
		Format:     ArchiveFormat(m[4]),
		Compressed: m[5] != "",
	}, true
}
