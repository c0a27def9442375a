// Package postgres implements store.Store on PostgreSQL through database/sql
// and the pgx stdlib driver. The schema is owned by internal/db migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"client-file-vault/internal/store"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens a connection pool for databaseURL and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres: DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// ---- clients ----

const clientColumns = `c.ci, c.name, c.address, c.phone, c.photo1, c.photo2, c.photo3, c.registered_at,
	(SELECT COUNT(*) FROM file_records f WHERE f.client_ci = c.ci)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*store.Client, error) {
	var (
		c                      store.Client
		photo1, photo2, photo3 sql.NullString
	)
	if err := row.Scan(&c.CI, &c.Name, &c.Address, &c.Phone, &photo1, &photo2, &photo3, &c.RegisteredAt, &c.FileCount); err != nil {
		return nil, err
	}
	c.Photo1 = nullableString(photo1)
	c.Photo2 = nullableString(photo2)
	c.Photo3 = nullableString(photo3)
	c.RegisteredAt = store.Normalize(c.RegisteredAt)
	return &c, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func (s *Store) CreateClient(ctx context.Context, c *store.Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (ci, name, address, phone, photo1, photo2, photo3, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.CI, c.Name, c.Address, c.Phone, c.Photo1, c.Photo2, c.Photo3, c.RegisteredAt)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return fmt.Errorf("client %s: %w", c.CI, store.ErrDuplicate)
		}
		return fmt.Errorf("postgres: insert client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, ci string) (*store.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients c WHERE c.ci = $1`, ci)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", ci, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get client: %w", err)
	}
	return c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]store.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients c ORDER BY c.registered_at DESC, c.ci ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list clients: %w", err)
	}
	defer rows.Close()

	out := make([]store.Client, 0)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan client: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) ClientExists(ctx context.Context, ci string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM clients WHERE ci = $1)`, ci).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: client exists: %w", err)
	}
	return exists, nil
}

// DeleteClient relies on ON DELETE CASCADE for file_records.
func (s *Store) DeleteClient(ctx context.Context, ci string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE ci = $1`, ci)
	if err != nil {
		return fmt.Errorf("postgres: delete client: %w", err)
	}
	return expectAffected(res, fmt.Sprintf("client %s", ci))
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}

// ---- files ----

const fileColumns = `id, client_ci, file_name, storage_path, file_type, size_bytes, uploaded_at`

func scanFile(row rowScanner) (*store.FileRecord, error) {
	var f store.FileRecord
	if err := row.Scan(&f.ID, &f.ClientCI, &f.FileName, &f.StoragePath, &f.FileType, &f.SizeBytes, &f.UploadedAt); err != nil {
		return nil, err
	}
	f.UploadedAt = store.Normalize(f.UploadedAt)
	return &f, nil
}

func (s *Store) CreateFile(ctx context.Context, f *store.FileRecord) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO file_records (client_ci, file_name, storage_path, file_type, size_bytes, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, f.ClientCI, f.FileName, f.StoragePath, f.FileType, f.SizeBytes, f.UploadedAt).Scan(&f.ID)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return fmt.Errorf("client %s: %w", f.ClientCI, store.ErrNotFound)
		}
		return fmt.Errorf("postgres: insert file: %w", err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id int64) (*store.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM file_records WHERE id = $1`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get file: %w", err)
	}
	return f, nil
}

func (s *Store) ListFilesByClient(ctx context.Context, ci string) ([]store.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM file_records
		WHERE client_ci = $1
		ORDER BY uploaded_at DESC, id DESC
	`, ci)
	if err != nil {
		return nil, fmt.Errorf("postgres: list files: %w", err)
	}
	defer rows.Close()

	out := make([]store.FileRecord, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan file: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete file: %w", err)
	}
	return expectAffected(res, fmt.Sprintf("file %d", id))
}

// ---- logs ----

const logColumns = `id, logged_at, type, endpoint, method, caller_ip, request_body, response_body, detail, status_code`

func scanLog(row rowScanner) (*store.LogRecord, error) {
	var l store.LogRecord
	if err := row.Scan(&l.ID, &l.Timestamp, &l.Type, &l.Endpoint, &l.Method, &l.CallerIP,
		&l.RequestBody, &l.ResponseBody, &l.Detail, &l.StatusCode); err != nil {
		return nil, err
	}
	l.Timestamp = store.Normalize(l.Timestamp)
	return &l, nil
}

func collectLogs(rows *sql.Rows) ([]store.LogRecord, error) {
	defer rows.Close()
	out := make([]store.LogRecord, 0)
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan log: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *Store) CreateLog(ctx context.Context, l *store.LogRecord) error {
	l.Clean()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO log_records (logged_at, type, endpoint, method, caller_ip, request_body, response_body, detail, status_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, l.Timestamp, string(l.Type), l.Endpoint, l.Method, l.CallerIP, l.RequestBody, l.ResponseBody, l.Detail, l.StatusCode).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("postgres: insert log: %w", err)
	}
	return nil
}

func (s *Store) GetLog(ctx context.Context, id int64) (*store.LogRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM log_records WHERE id = $1`, id)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("log %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get log: %w", err)
	}
	return l, nil
}

func (s *Store) ListLogs(ctx context.Context, f store.LogFilter) ([]store.LogRecord, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM log_records WHERE ($1 = '' OR type = $1)
	`, string(f.Type)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+` FROM log_records
		WHERE ($1 = '' OR type = $1)
		ORDER BY logged_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, string(f.Type), f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list logs: %w", err)
	}
	logs, err := collectLogs(rows)
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func (s *Store) ListLogsBetween(ctx context.Context, from, to time.Time) ([]store.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+` FROM log_records
		WHERE logged_at >= $1 AND logged_at <= $2
		ORDER BY logged_at DESC, id DESC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list logs by range: %w", err)
	}
	return collectLogs(rows)
}

func (s *Store) LogStats(ctx context.Context) (*store.LogStats, error) {
	var (
		stats store.LogStats
		last  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE type = 'Info'),
		       COUNT(*) FILTER (WHERE type = 'Error'),
		       COUNT(*) FILTER (WHERE type = 'Warning'),
		       MAX(logged_at)
		FROM log_records
	`).Scan(&stats.Total, &stats.Info, &stats.Errors, &stats.Warnings, &last)
	if err != nil {
		return nil, fmt.Errorf("postgres: log totals: %w", err)
	}
	if last.Valid {
		t := store.Normalize(last.Time)
		stats.LastLogAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, COUNT(*) AS n FROM log_records
		GROUP BY endpoint
		ORDER BY n DESC, endpoint ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: log endpoints: %w", err)
	}
	defer rows.Close()

	stats.ByEndpoint = make([]store.EndpointCount, 0)
	for rows.Next() {
		var ec store.EndpointCount
		if err := rows.Scan(&ec.Endpoint, &ec.Count); err != nil {
			return nil, fmt.Errorf("postgres: scan endpoint count: %w", err)
		}
		stats.ByEndpoint = append(stats.ByEndpoint, ec)
	}
	return &stats, rows.Err()
}

func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_records WHERE logged_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge logs: %w", err)
	}
	return res.RowsAffected()
}
