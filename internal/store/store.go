// Package store defines the persistent records of the vault and the
// gateway interfaces the services use to reach them.
//
// Two implementations live in sub-packages: postgres (database/sql over pgx,
// schema managed by golang-migrate) and sqlite (gorm, for single-node
// deployments and tests).
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist. CreateFile also
	// returns it when the owning client is missing.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a client with the same CI already exists.
	ErrDuplicate = errors.New("record already exists")
)

// LogType classifies an audit record.
type LogType string

const (
	LogInfo    LogType = "Info"
	LogError   LogType = "Error"
	LogWarning LogType = "Warning"
)

// Valid reports whether t is one of the known log types.
func (t LogType) Valid() bool {
	switch t {
	case LogInfo, LogError, LogWarning:
		return true
	}
	return false
}

// Client is a registered client. FileCount is computed on read.
type Client struct {
	CI           string    `gorm:"column:ci;primaryKey;size:20" json:"ci"`
	Name         string    `gorm:"size:200;not null" json:"name"`
	Address      string    `gorm:"size:300;not null;default:''" json:"address"`
	Phone        string    `gorm:"size:20;not null;default:''" json:"phone"`
	Photo1       *string   `gorm:"size:500" json:"photo1"`
	Photo2       *string   `gorm:"size:500" json:"photo2"`
	Photo3       *string   `gorm:"size:500" json:"photo3"`
	RegisteredAt time.Time `gorm:"not null;index" json:"registered_at"`
	FileCount    int       `gorm:"-" json:"file_count"`
}

func (Client) TableName() string { return "clients" }

// Photos returns the non-empty photo keys in slot order.
func (c *Client) Photos() []string {
	var out []string
	for _, p := range []*string{c.Photo1, c.Photo2, c.Photo3} {
		if p != nil && *p != "" {
			out = append(out, *p)
		}
	}
	return out
}

// FileRecord describes one stored file owned by a client.
type FileRecord struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientCI    string    `gorm:"column:client_ci;size:20;not null;index" json:"client_ci"`
	FileName    string    `gorm:"not null" json:"file_name"`
	StoragePath string    `gorm:"not null" json:"storage_path"`
	FileType    string    `gorm:"size:20;not null;default:''" json:"file_type"`
	SizeBytes   int64     `gorm:"not null" json:"size_bytes"`
	UploadedAt  time.Time `gorm:"not null;index" json:"uploaded_at"`
}

func (FileRecord) TableName() string { return "file_records" }

// LogRecord is one audited request/response pair.
type LogRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp    time.Time `gorm:"column:logged_at;not null;index" json:"timestamp"`
	Type         LogType   `gorm:"size:10;not null;index" json:"type"`
	Endpoint     string    `gorm:"size:500;not null;default:''" json:"endpoint"`
	Method       string    `gorm:"size:10;not null;default:''" json:"method"`
	CallerIP     string    `gorm:"column:caller_ip;size:64;not null;default:''" json:"caller_ip"`
	RequestBody  string    `gorm:"type:text" json:"request_body"`
	ResponseBody string    `gorm:"type:text" json:"response_body"`
	Detail       string    `gorm:"type:text" json:"detail"`
	StatusCode   int       `gorm:"not null" json:"status_code"`
}

func (LogRecord) TableName() string { return "log_records" }

// CleanText replaces invalid UTF-8 and NUL bytes with U+FFFD. Postgres text
// columns reject both.
func CleanText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

// Clean applies CleanText to every text field of the record.
func (l *LogRecord) Clean() {
	for _, f := range []*string{&l.Endpoint, &l.Method, &l.CallerIP, &l.RequestBody, &l.ResponseBody, &l.Detail} {
		*f = CleanText(*f)
	}
}

// LogFilter selects a page of audit records, newest first.
type LogFilter struct {
	Type   LogType // empty matches every type
	Limit  int
	Offset int
}

// EndpointCount is one bucket of the per-endpoint statistics.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

// LogStats aggregates the audit log.
type LogStats struct {
	Total      int64           `json:"total"`
	Info       int64           `json:"info"`
	Errors     int64           `json:"errors"`
	Warnings   int64           `json:"warnings"`
	LastLogAt  *time.Time      `json:"last_log_at"`
	ByEndpoint []EndpointCount `json:"by_endpoint"`
}

// ClientStore persists clients.
type ClientStore interface {
	CreateClient(ctx context.Context, c *Client) error
	// GetClient returns the client with FileCount populated.
	GetClient(ctx context.Context, ci string) (*Client, error)
	// ListClients returns every client, newest registration first.
	ListClients(ctx context.Context) ([]Client, error)
	ClientExists(ctx context.Context, ci string) (bool, error)
	// DeleteClient removes the client and every FileRecord it owns.
	DeleteClient(ctx context.Context, ci string) error
}

// FileStore persists file metadata.
type FileStore interface {
	CreateFile(ctx context.Context, f *FileRecord) error
	GetFile(ctx context.Context, id int64) (*FileRecord, error)
	// ListFilesByClient returns the client's files, newest upload first.
	ListFilesByClient(ctx context.Context, ci string) ([]FileRecord, error)
	DeleteFile(ctx context.Context, id int64) error
}

// LogStore persists audit records. Ordering is always newest first with ties
// broken by id.
type LogStore interface {
	CreateLog(ctx context.Context, l *LogRecord) error
	GetLog(ctx context.Context, id int64) (*LogRecord, error)
	// ListLogs returns one page and the total number of records matching the filter.
	ListLogs(ctx context.Context, f LogFilter) ([]LogRecord, int64, error)
	// ListLogsBetween returns records with from <= timestamp <= to.
	ListLogsBetween(ctx context.Context, from, to time.Time) ([]LogRecord, error)
	LogStats(ctx context.Context) (*LogStats, error)
	// DeleteLogsBefore removes records with timestamp strictly before cutoff.
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full storage gateway.
type Store interface {
	ClientStore
	FileStore
	LogStore
	Ping(ctx context.Context) error
	Close() error
}

// Now returns the current time in the precision every implementation can
// round-trip: UTC, truncated to microseconds.
func Now() time.Time {
	return Normalize(time.Now())
}

// Normalize converts t to UTC with microsecond precision.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
