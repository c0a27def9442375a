package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"client-file-vault/internal/metrics"
	"client-file-vault/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	// MaxPage keeps the row offset well inside int32.
	MaxPage = 1_000_000
)

// unknownEndpoint buckets audit records without an endpoint in Stats.
const unknownEndpoint = "Unknown"

// LogPage is one page of audit records.
type LogPage struct {
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Total    int64             `json:"total"`
	Data     []store.LogRecord `json:"data"`
}

// LogService queries and prunes the audit log.
type LogService struct {
	store  store.LogStore
	logger *zap.Logger
	now    func() time.Time
}

func NewLogService(st store.LogStore, logger *zap.Logger) *LogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogService{store: st, logger: logger, now: time.Now}
}

// List returns a page of records, newest first. page below 1 is treated as 1,
// a non-positive pageSize as DefaultPageSize, and pageSize is capped at
// MaxPageSize. An empty typ matches every record.
func (s *LogService) List(ctx context.Context, page, pageSize int, typ string) (*LogPage, error) {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		return nil, validationf("page must be at most %d, got %d", MaxPage, page)
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	lt := store.LogType(typ)
	if typ != "" && !lt.Valid() {
		return nil, validationf("unknown log type %q (want Info, Error or Warning)", typ)
	}

	logs, total, err := s.store.ListLogs(ctx, store.LogFilter{
		Type:   lt,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return nil, storageErr("list logs", err)
	}
	if logs == nil {
		logs = []store.LogRecord{}
	}
	return &LogPage{Page: page, PageSize: pageSize, Total: total, Data: logs}, nil
}

func (s *LogService) GetByID(ctx context.Context, id int64) (*store.LogRecord, error) {
	rec, err := s.store.GetLog(ctx, id)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get log %d", id), err)
	}
	return rec, nil
}

// ByDateRange returns records with from <= timestamp <= to, newest first.
func (s *LogService) ByDateRange(ctx context.Context, from, to time.Time) ([]store.LogRecord, error) {
	if from.After(to) {
		return nil, validationf("from (%s) is after to (%s)", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	logs, err := s.store.ListLogsBetween(ctx, store.Normalize(from), store.Normalize(to))
	if err != nil {
		return nil, storageErr("list logs by range", err)
	}
	if logs == nil {
		logs = []store.LogRecord{}
	}
	return logs, nil
}

// Stats aggregates the whole audit log.
func (s *LogService) Stats(ctx context.Context) (*store.LogStats, error) {
	st, err := s.store.LogStats(ctx)
	if err != nil {
		return nil, storageErr("log stats", err)
	}

	// Merge the empty endpoint into the Unknown bucket, keeping first-seen order.
	merged := make([]store.EndpointCount, 0, len(st.ByEndpoint))
	unknownAt := -1
	for _, ec := range st.ByEndpoint {
		if ec.Endpoint == "" {
			ec.Endpoint = unknownEndpoint
		}
		if ec.Endpoint == unknownEndpoint {
			if unknownAt >= 0 {
				merged[unknownAt].Count += ec.Count
				continue
			}
			unknownAt = len(merged)
		}
		merged = append(merged, ec)
	}
	st.ByEndpoint = merged
	return st, nil
}

// PurgeOlderThan deletes records older than days and returns how many were
// removed.
func (s *LogService) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, validationf("days must not be negative, got %d", days)
	}
	cutoff := store.Normalize(s.now().AddDate(0, 0, -days))
	n, err := s.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, storageErr("purge logs", err)
	}
	metrics.LogsPurged.Add(float64(n))
	s.logger.Info("audit logs purged", zap.Int("days", days), zap.Time("cutoff", cutoff), zap.Int64("deleted", n))
	return n, nil
}
