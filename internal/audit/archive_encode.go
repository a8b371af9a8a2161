package audit

import (
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/khanghh/kshelf/model"
	"github.com/khanghh/kshelf/params"
	"github.com/klauspost/compress/gzip"
	"github.com/valyala/bytebufferpool"
)

var csvHeader = []string{"Id", "UserId", "Action", "Message", "CreatedAt", "IpAddress"}

type archiveRecord struct {
	ID        uint64    `json:"id"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	IPAddress *string   `json:"ipAddress"`
}

type archiveDateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type archiveStatistics struct {
	UniqueUsers   int           `json:"uniqueUsers"`
	UniqueActions int           `json:"uniqueActions"`
	TopActions    []ActionCount `json:"topActions"`
}

type archiveEnvelope struct {
	ActionType string            `json:"actionType"`
	CutoffDate time.Time         `json:"cutoffDate"`
	ArchivedAt time.Time         `json:"archivedAt"`
	EventCount int               `json:"eventCount"`
	DateRange  archiveDateRange  `json:"dateRange"`
	Statistics archiveStatistics `json:"statistics"`
	Events     []archiveRecord   `json:"events"`
}

// toRecords copies events into UTC records ordered by CreatedAt ascending,
// leaving the caller's slice untouched.
func toRecords(events []*model.AuditEvent) []archiveRecord {
	records := make([]archiveRecord, 0, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		records = append(records, archiveRecord{
			ID:        e.ID,
			UserID:    e.UserID,
			Action:    e.Action,
			Message:   e.Message,
			CreatedAt: e.CreatedAt.UTC(),
			IPAddress: e.IPAddress,
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records
}

func buildEnvelope(records []archiveRecord, label string, cutoff, archivedAt time.Time) archiveEnvelope {
	users := make(map[string]struct{})
	actions := make(map[string]int64)
	for _, r := range records {
		users[r.UserID] = struct{}{}
		actions[r.Action]++
	}

	top := make([]ActionCount, 0, len(actions))
	for action, count := range actions {
		top = append(top, ActionCount{Action: action, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Action < top[j].Action
	})
	if len(top) > params.ArchiveTopActions {
		top = top[:params.ArchiveTopActions]
	}

	env := archiveEnvelope{
		ActionType: label,
		CutoffDate: cutoff.UTC(),
		ArchivedAt: archivedAt.UTC(),
		EventCount: len(records),
		Statistics: archiveStatistics{
			UniqueUsers:   len(users),
			UniqueActions: len(actions),
			TopActions:    top,
		},
		Events: records,
	}
	if len(records) > 0 {
		env.DateRange = archiveDateRange{
			From: records[0].CreatedAt,
			To:   records[len(records)-1].CreatedAt,
		}
	}
	return env
}

// quoteCSV always quotes the value and doubles inner quotes, so every field
// survives commas, quotes and newlines.
func quoteCSV(w io.StringWriter, value string) {
	w.WriteString(`"`)
	w.WriteString(strings.ReplaceAll(value, `"`, `""`))
	w.WriteString(`"`)
}

func writeCSVRow(buf *bytebufferpool.ByteBuffer, fields []string) {
	for i, field := range fields {
		if i > 0 {
			buf.WriteString(",")
		}
		quoteCSV(buf, field)
	}
	buf.WriteString("\r\n")
}

func encodeCSV(buf *bytebufferpool.ByteBuffer, records []archiveRecord) {
	writeCSVRow(buf, csvHeader)
	for _, r := range records {
		ip := ""
		if r.IPAddress != nil {
			ip = *r.IPAddress
		}
		writeCSVRow(buf, []string{
			strconv.FormatUint(r.ID, 10),
			r.UserID,
			r.Action,
			r.Message,
			r.CreatedAt.Format(time.RFC3339Nano),
			ip,
		})
	}
}

func encodeJSON(buf *bytebufferpool.ByteBuffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func gzipBytes(dst io.Writer, data []byte) error {
	zw := gzip.NewWriter(dst)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// encodePayload serialises the envelope when given, the records otherwise,
// optionally gzip-compressed, and returns a copy of the bytes.
func encodePayload(records []archiveRecord, envelope *archiveEnvelope, format ArchiveFormat, compress bool) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	switch {
	case envelope != nil:
		if err := encodeJSON(buf, envelope); err != nil {
			return nil, err
		}
	case format == FormatCSV:
		encodeCSV(buf, records)
	case format == FormatJSON:
		if err := encodeJSON(buf, records); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedFormat
	}

	if !compress {
		return append([]byte(nil), buf.B...), nil
	}
	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)
	if err := gzipBytes(out, buf.B); err != nil {
		return nil, err
	}
	return append([]byte(nil), out.B...), nil
}
