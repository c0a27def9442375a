// Package sqlite implements store.Store on an embedded SQLite database via
// gorm. It is the default for single-node deployments and backs the service
// and handler tests.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"client-file-vault/internal/store"
)

// Store is a gorm-backed store.Store.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates the
// schema. Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_busy_timeout=5000&_foreign_keys=on"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        store.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: handle: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&store.Client{}, &store.FileRecord{}, &store.LogRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("sqlite: %s: %w", what, err)
}

// ---- clients ----

func (s *Store) CreateClient(ctx context.Context, c *store.Client) error {
	err := s.db.WithContext(ctx).Create(c).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("client %s: %w", c.CI, store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("sqlite: insert client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, ci string) (*store.Client, error) {
	db := s.db.WithContext(ctx)

	var c store.Client
	if err := db.Where("ci = ?", ci).First(&c).Error; err != nil {
		return nil, notFound(err, "client "+ci)
	}

	var n int64
	if err := db.Model(&store.FileRecord{}).Where("client_ci = ?", ci).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("sqlite: count files: %w", err)
	}
	c.FileCount = int(n)
	c.RegisteredAt = store.Normalize(c.RegisteredAt)
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]store.Client, error) {
	db := s.db.WithContext(ctx)

	clients := make([]store.Client, 0)
	if err := db.Order("registered_at DESC, ci ASC").Find(&clients).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list clients: %w", err)
	}

	var counts []struct {
		ClientCI string
		N        int
	}
	if err := db.Model(&store.FileRecord{}).
		Select("client_ci, COUNT(*) AS n").
		Group("client_ci").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("sqlite: count files: %w", err)
	}
	byCI := make(map[string]int, len(counts))
	for _, c := range counts {
		byCI[c.ClientCI] = c.N
	}

	for i := range clients {
		clients[i].FileCount = byCI[clients[i].CI]
		clients[i].RegisteredAt = store.Normalize(clients[i].RegisteredAt)
	}
	return clients, nil
}

func (s *Store) ClientExists(ctx context.Context, ci string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&store.Client{}).Where("ci = ?", ci).Count(&n).Error; err != nil {
		return false, fmt.Errorf("sqlite: client exists: %w", err)
	}
	return n > 0, nil
}

// DeleteClient removes the client's file records and the client in one transaction.
func (s *Store) DeleteClient(ctx context.Context, ci string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("client_ci = ?", ci).Delete(&store.FileRecord{}).Error; err != nil {
			return fmt.Errorf("sqlite: delete client files: %w", err)
		}
		res := tx.Where("ci = ?", ci).Delete(&store.Client{})
		if res.Error != nil {
			return fmt.Errorf("sqlite: delete client: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("client %s: %w", ci, store.ErrNotFound)
		}
		return nil
	})
}

// ---- files ----

func (s *Store) CreateFile(ctx context.Context, f *store.FileRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&store.Client{}).Where("ci = ?", f.ClientCI).Count(&n).Error; err != nil {
			return fmt.Errorf("sqlite: check client: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("client %s: %w", f.ClientCI, store.ErrNotFound)
		}
		if err := tx.Create(f).Error; err != nil {
			return fmt.Errorf("sqlite: insert file: %w", err)
		}
		return nil
	})
}

func (s *Store) GetFile(ctx context.Context, id int64) (*store.FileRecord, error) {
	var f store.FileRecord
	if err := s.db.WithContext(ctx).First(&f, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("file %d", id))
	}
	f.UploadedAt = store.Normalize(f.UploadedAt)
	return &f, nil
}

func (s *Store) ListFilesByClient(ctx context.Context, ci string) ([]store.FileRecord, error) {
	files := make([]store.FileRecord, 0)
	err := s.db.WithContext(ctx).
		Where("client_ci = ?", ci).
		Order("uploaded_at DESC, id DESC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: list files: %w", err)
	}
	for i := range files {
		files[i].UploadedAt = store.Normalize(files[i].UploadedAt)
	}
	return files, nil
}

func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&store.FileRecord{}, id)
	if res.Error != nil {
		return fmt.Errorf("sqlite: delete file: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("file %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// ---- logs ----

func normalizeLogs(logs []store.LogRecord) {
	for i := range logs {
		logs[i].Timestamp = store.Normalize(logs[i].Timestamp)
	}
}

func (s *Store) CreateLog(ctx context.Context, l *store.LogRecord) error {
	l.Clean()
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("sqlite: insert log: %w", err)
	}
	return nil
}

func (s *Store) GetLog(ctx context.Context, id int64) (*store.LogRecord, error) {
	var l store.LogRecord
	if err := s.db.WithContext(ctx).First(&l, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("log %d", id))
	}
	l.Timestamp = store.Normalize(l.Timestamp)
	return &l, nil
}

func (s *Store) ListLogs(ctx context.Context, f store.LogFilter) ([]store.LogRecord, int64, error) {
	filtered := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&store.LogRecord{})
		if f.Type != "" {
			q = q.Where("type = ?", string(f.Type))
		}
		return q
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("sqlite: count logs: %w", err)
	}

	logs := make([]store.LogRecord, 0)
	if err := filtered().
		Order("logged_at DESC, id DESC").
		Limit(f.Limit).
		Offset(f.Offset).
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("sqlite: list logs: %w", err)
	}
	normalizeLogs(logs)
	return logs, total, nil
}

func (s *Store) ListLogsBetween(ctx context.Context, from, to time.Time) ([]store.LogRecord, error) {
	logs := make([]store.LogRecord, 0)
	err := s.db.WithContext(ctx).
		Where("logged_at >= ? AND logged_at <= ?", from.UTC(), to.UTC()).
		Order("logged_at DESC, id DESC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs by range: %w", err)
	}
	normalizeLogs(logs)
	return logs, nil
}

func (s *Store) LogStats(ctx context.Context) (*store.LogStats, error) {
	db := s.db.WithContext(ctx)
	stats := &store.LogStats{ByEndpoint: make([]store.EndpointCount, 0)}

	var byType []struct {
		Type string
		N    int64
	}
	if err := db.Model(&store.LogRecord{}).Select("type, COUNT(*) AS n").Group("type").Scan(&byType).Error; err != nil {
		return nil, fmt.Errorf("sqlite: log totals: %w", err)
	}
	for _, row := range byType {
		stats.Total += row.N
		switch store.LogType(row.Type) {
		case store.LogInfo:
			stats.Info = row.N
		case store.LogError:
			stats.Errors = row.N
		case store.LogWarning:
			stats.Warnings = row.N
		}
	}

	if stats.Total > 0 {
		var last store.LogRecord
		if err := db.Order("logged_at DESC, id DESC").Limit(1).Find(&last).Error; err != nil {
			return nil, fmt.Errorf("sqlite: last log: %w", err)
		}
		ts := store.Normalize(last.Timestamp)
		stats.LastLogAt = &ts
	}

	if err := db.Model(&store.LogRecord{}).
		Select("endpoint, COUNT(*) AS count").
		Group("endpoint").
		Order("count DESC, endpoint ASC").
		Scan(&stats.ByEndpoint).Error; err != nil {
		return nil, fmt.Errorf("sqlite: log endpoints: %w", err)
	}
	return stats, nil
}

func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("logged_at < ?", cutoff.UTC()).Delete(&store.LogRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("sqlite: purge logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
