package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// TradeArchiveStore provides read access to closed trades for archiving.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
}

// BarArchiveStore provides read access to stored bars for archiving.
type BarArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Bar, error)
}

const (
	kindTrades = "trades"
	kindBars   = "bars"

	jsonlContentType = "application/x-ndjson"

	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// ObjectChecker reports whether an object is already stored. Reader
// implements it.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveImpl implements domain.Archiver. Records older than the cutoff are
// grouped by the month they belong to and written as one JSONL object per
// month under <prefix>/<kind>/YYYY-MM.jsonl. A month's object is rewritten
// in full on every run, so repeated runs converge on the same content. With
// a checker set, a month that ended before the cutoff and is already stored
// is left alone.
//
// Rows are never deleted from the primary store here.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	trades  TradeArchiveStore
	bars    BarArchiveStore
	audit   domain.AuditStore
	checker ObjectChecker
	prefix  string
}

// NewArchiver creates a new ArchiveImpl. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	trades TradeArchiveStore,
	bars BarArchiveStore,
	audit domain.AuditStore,
	prefix string,
) *ArchiveImpl {
	if prefix == "" {
		prefix = "archive"
	}
	return &ArchiveImpl{
		writer: writer,
		trades: trades,
		bars:   bars,
		audit:  audit,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

// SkipSealedMonths makes the archiver consult c before uploading a month
// that can no longer change.
func (a *ArchiveImpl) SkipSealedMonths(c ObjectChecker) *ArchiveImpl {
	a.checker = c
	return a
}

// ArchiveTrades uploads every trade that exited before the cutoff, keyed by
// exit month, and returns the number of records written.
func (a *ArchiveImpl) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	months := groupByMonth(trades, func(t domain.TradeRecord) time.Time { return t.ExitTime })
	n, uploaded, err := a.upload(ctx, kindTrades, months, before)
	if err != nil {
		return n, err
	}
	return n, a.logAudit(ctx, kindTrades, n, before, uploaded)
}

// ArchiveBars uploads every bar stamped before the cutoff, keyed by bar
// month, and returns the number of records written.
func (a *ArchiveImpl) ArchiveBars(ctx context.Context, before time.Time) (int64, error) {
	bars, err := a.bars.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive bars query: %w", err)
	}
	months := groupByMonth(bars, func(b domain.Bar) time.Time { return b.Timestamp })
	n, uploaded, err := a.upload(ctx, kindBars, months, before)
	if err != nil {
		return n, err
	}
	return n, a.logAudit(ctx, kindBars, n, before, uploaded)
}

// upload writes each month's object and returns the record count and the
// months actually written.
func (a *ArchiveImpl) upload(ctx context.Context, kind string, months map[string][]any, before time.Time) (int64, []string, error) {
	var (
		written  int64
		uploaded []string
	)
	for _, month := range sortedKeys(months) {
		records := months[month]
		path := archivePath(a.prefix, kind, month)

		skip, err := a.sealedAndStored(ctx, path, month, before)
		if err != nil {
			return written, uploaded, fmt.Errorf("s3blob: archive %s check %s: %w", kind, path, err)
		}
		if skip {
			continue
		}

		buf, err := marshalJSONL(records)
		if err != nil {
			return written, uploaded, fmt.Errorf("s3blob: archive %s marshal %s: %w", kind, month, err)
		}

		if len(buf) >= multipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartThreshold/2)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return written, uploaded, fmt.Errorf("s3blob: archive %s upload %s: %w", kind, path, err)
		}
		written += int64(len(records))
		uploaded = append(uploaded, month)
	}
	return written, uploaded, nil
}

// sealedAndStored reports whether month ended at or before the cutoff and
// its object already exists.
func (a *ArchiveImpl) sealedAndStored(ctx context.Context, path, month string, before time.Time) (bool, error) {
	if a.checker == nil {
		return false, nil
	}
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return false, err
	}
	if start.AddDate(0, 1, 0).After(before) {
		return false, nil
	}
	return a.checker.Exists(ctx, path)
}

func (a *ArchiveImpl) logAudit(ctx context.Context, kind string, n int64, before time.Time, months []string) error {
	if a.audit == nil || n == 0 {
		return nil
	}
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"count":  n,
		"months": months,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return nil
}

// ArchiveReader reads the archive back. ListRange serves replays of bars
// that have aged out of the primary store.
type ArchiveReader struct {
	reader domain.BlobReader
	prefix string
}

// NewArchiveReader creates an ArchiveReader over the same prefix the archiver uses.
func NewArchiveReader(reader domain.BlobReader, prefix string) *ArchiveReader {
	if prefix == "" {
		prefix = "archive"
	}
	return &ArchiveReader{reader: reader, prefix: strings.TrimSuffix(prefix, "/")}
}

// ListRange returns archived bars with from <= ts < to ordered by ts then
// symbol. An empty symbol matches every symbol. Both bounds are required.
func (r *ArchiveReader) ListRange(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, fmt.Errorf("s3blob: bar archive range: %w", domain.ErrInvalidInput)
	}

	var out []domain.Bar
	for m := monthStart(from); m.Before(to); m = m.AddDate(0, 1, 0) {
		path := archivePath(r.prefix, kindBars, m.Format("2006-01"))
		bars, err := r.readMonth(ctx, path)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, bar := range bars {
			if symbol != "" && bar.Symbol != symbol {
				continue
			}
			if bar.Timestamp.Before(from) || !bar.Timestamp.Before(to) {
				continue
			}
			out = append(out, bar)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// Objects lists the archived objects of one kind ("trades" or "bars").
func (r *ArchiveReader) Objects(ctx context.Context, kind string) ([]domain.BlobInfo, error) {
	infos, err := r.reader.List(ctx, r.prefix+"/"+kind+"/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: list %s archives: %w", kind, err)
	}
	return infos, nil
}

func (r *ArchiveReader) readMonth(ctx context.Context, path string) ([]domain.Bar, error) {
	body, err := r.reader.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	bars, err := unmarshalJSONL[domain.Bar](body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: decode %s: %w", path, err)
	}
	return bars, nil
}

// archivePath builds the object key for one month of one kind.
//
//	archive/trades/2025-01.jsonl
//	archive/bars/2025-01.jsonl
func archivePath(prefix, kind, month string) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, kind, month)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func groupByMonth[T any](records []T, stamp func(T) time.Time) map[string][]any {
	months := make(map[string][]any)
	for _, r := range records {
		key := stamp(r).UTC().Format("2006-01")
		months[key] = append(months[key], r)
	}
	return months
}

func sortedKeys(m map[string][]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func unmarshalJSONL[T any](r io.Reader) ([]T, error) {
	var out []T
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("jsonl line %d: %w", line, err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
