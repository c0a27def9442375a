// Package storetest is a conformance suite shared by the store
// implementations.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"client-file-vault/internal/store"
)

// Factory returns an empty store. The suite closes nothing; the factory owns cleanup.
type Factory func(t *testing.T) store.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("DuplicateClient", func(t *testing.T) { testDuplicateClient(t, newStore(t)) })
	t.Run("Files", func(t *testing.T) { testFiles(t, newStore(t)) })
	t.Run("FileRequiresClient", func(t *testing.T) { testFileRequiresClient(t, newStore(t)) })
	t.Run("DeleteClientCascades", func(t *testing.T) { testDeleteClientCascades(t, newStore(t)) })
	t.Run("LogPagination", func(t *testing.T) { testLogPagination(t, newStore(t)) })
	t.Run("LogRange", func(t *testing.T) { testLogRange(t, newStore(t)) })
	t.Run("LogStats", func(t *testing.T) { testLogStats(t, newStore(t)) })
	t.Run("LogPurge", func(t *testing.T) { testLogPurge(t, newStore(t)) })
	t.Run("LogControlBytes", func(t *testing.T) { testLogControlBytes(t, newStore(t)) })
}

var base = time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

func ptr(s string) *string { return &s }

// NewClient returns a valid client registered at the given offset from a fixed base time.
func NewClient(ci string, offset time.Duration) *store.Client {
	return &store.Client{
		CI:           ci,
		Name:         "Client " + ci,
		Address:      "Av. Siempre Viva 742",
		Phone:        "555-0100",
		RegisteredAt: base.Add(offset),
	}
}

func testClients(t *testing.T, s store.Store) {
	ctx := context.Background()

	c := NewClient("1001", 0)
	c.Photo1 = ptr("Photos/1001/photo1_20250314092653.jpg")
	require.NoError(t, s.CreateClient(ctx, c))
	require.NoError(t, s.CreateClient(ctx, NewClient("1002", time.Hour)))

	got, err := s.GetClient(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "Client 1001", got.Name)
	assert.Equal(t, 0, got.FileCount)
	require.NotNil(t, got.Photo1)
	assert.Equal(t, *c.Photo1, *got.Photo1)
	assert.Nil(t, got.Photo2)
	assert.True(t, c.RegisteredAt.Equal(got.RegisteredAt), "registered_at %v != %v", got.RegisteredAt, c.RegisteredAt)

	ok, err := s.ClientExists(ctx, "1002")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClientExists(ctx, "9999")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetClient(ctx, "9999")
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1002", list[0].CI, "newest registration first")
	assert.Equal(t, "1001", list[1].CI)
}

func testDuplicateClient(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateClient(ctx, NewClient("2001", 0)))

	dup := NewClient("2001", time.Minute)
	dup.Name = "Someone Else"
	err := s.CreateClient(ctx, dup)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.GetClient(ctx, "2001")
	require.NoError(t, err)
	assert.Equal(t, "Client 2001", got.Name, "first registration must be unaffected")
}

func newFile(ci, name string, offset time.Duration) *store.FileRecord {
	return &store.FileRecord{
		ClientCI:    ci,
		FileName:    name,
		StoragePath: fmt.Sprintf("Files/%s/20250314092653_%s", ci, name),
		FileType:    ".pdf",
		SizeBytes:   1536,
		UploadedAt:  base.Add(offset),
	}
}

func testFiles(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateClient(ctx, NewClient("3001", 0)))

	a := newFile("3001", "a.pdf", time.Minute)
	b := newFile("3001", "b.pdf", 2*time.Minute)
	require.NoError(t, s.CreateFile(ctx, a))
	require.NoError(t, s.CreateFile(ctx, b))
	assert.NotZero(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)

	got, err := s.GetFile(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", got.FileName)
	assert.Equal(t, int64(1536), got.SizeBytes)
	assert.Equal(t, a.StoragePath, got.StoragePath)

	files, err := s.ListFilesByClient(ctx, "3001")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, b.ID, files[0].ID, "newest upload first")

	c, err := s.GetClient(ctx, "3001")
	require.NoError(t, err)
	assert.Equal(t, 2, c.FileCount)

	require.NoError(t, s.DeleteFile(ctx, a.ID))
	_, err = s.GetFile(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteFile(ctx, a.ID), store.ErrNotFound)

	empty, err := s.ListFilesByClient(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testFileRequiresClient(t *testing.T, s store.Store) {
	err := s.CreateFile(context.Background(), newFile("ghost", "x.pdf", 0))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteClientCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateClient(ctx, NewClient("4001", 0)))
	f := newFile("4001", "a.pdf", 0)
	require.NoError(t, s.CreateFile(ctx, f))

	require.NoError(t, s.DeleteClient(ctx, "4001"))

	_, err := s.GetClient(ctx, "4001")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.DeleteClient(ctx, "4001"), store.ErrNotFound)
}

// NewLog returns an Info record at the given offset from the fixed base time.
func NewLog(offset time.Duration, typ store.LogType, endpoint string) *store.LogRecord {
	status := 200
	if typ == store.LogError {
		status = 500
	}
	return &store.LogRecord{
		Timestamp:  base.Add(offset),
		Type:       typ,
		Endpoint:   endpoint,
		Method:     "GET",
		CallerIP:   "10.0.0.1",
		Detail:     "request completed",
		StatusCode: status,
	}
}

func testLogPagination(t *testing.T, s store.Store) {
	ctx := context.Background()

	// 25 records, one second apart; record i has rank 25-i (newest first).
	for i := 0; i < 25; i++ {
		typ := store.LogInfo
		if i%5 == 0 {
			typ = store.LogError
		}
		require.NoError(t, s.CreateLog(ctx, NewLog(time.Duration(i)*time.Second, typ, "/clients")))
	}

	page, total, err := s.ListLogs(ctx, store.LogFilter{Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)
	require.Len(t, page, 10)
	// Ranks 11..20 are offsets 14s down to 5s.
	assert.True(t, base.Add(14*time.Second).Equal(page[0].Timestamp))
	assert.True(t, base.Add(5*time.Second).Equal(page[9].Timestamp))
	for i := 1; i < len(page); i++ {
		assert.True(t, !page[i].Timestamp.After(page[i-1].Timestamp))
	}

	errs, total, err := s.ListLogs(ctx, store.LogFilter{Type: store.LogError, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, errs, 5)
	for _, l := range errs {
		assert.Equal(t, store.LogError, l.Type)
	}

	got, err := s.GetLog(ctx, page[0].ID)
	require.NoError(t, err)
	assert.Equal(t, page[0].ID, got.ID)

	_, err = s.GetLog(ctx, 1<<40)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testLogRange(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateLog(ctx, NewLog(time.Duration(i)*time.Hour, store.LogInfo, "/logs")))
	}

	got, err := s.ListLogsBetween(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3, "both ends inclusive")
	assert.True(t, base.Add(3*time.Hour).Equal(got[0].Timestamp))
	assert.True(t, base.Add(time.Hour).Equal(got[2].Timestamp))
}

func testLogStats(t *testing.T, s store.Store) {
	ctx := context.Background()

	empty, err := s.LogStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Nil(t, empty.LastLogAt)

	require.NoError(t, s.CreateLog(ctx, NewLog(0, store.LogInfo, "/clients")))
	require.NoError(t, s.CreateLog(ctx, NewLog(time.Second, store.LogInfo, "/clients")))
	require.NoError(t, s.CreateLog(ctx, NewLog(2*time.Second, store.LogError, "/files/1/download")))
	require.NoError(t, s.CreateLog(ctx, NewLog(3*time.Second, store.LogWarning, "")))

	stats, err := s.LogStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.Info)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), stats.Warnings)
	require.NotNil(t, stats.LastLogAt)
	assert.True(t, base.Add(3*time.Second).Equal(*stats.LastLogAt))

	require.NotEmpty(t, stats.ByEndpoint)
	assert.Equal(t, store.EndpointCount{Endpoint: "/clients", Count: 2}, stats.ByEndpoint[0])
	assert.Len(t, stats.ByEndpoint, 3)
}

func testLogPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.CreateLog(ctx, NewLog(time.Duration(i)*24*time.Hour, store.LogInfo, "/x")))
	}

	// Strictly before: the record exactly at the cutoff survives.
	n, err := s.DeleteLogsBefore(ctx, base.Add(2*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.DeleteLogsBefore(ctx, base.Add(2*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, total, err := s.ListLogs(ctx, store.LogFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func testLogControlBytes(t *testing.T, s store.Store) {
	ctx := context.Background()

	l := NewLog(0, store.LogInfo, "/clients")
	l.RequestBody = "raw\x00body"
	l.ResponseBody = "bad \xff utf8"
	l.Detail = "\x00"
	require.NoError(t, s.CreateLog(ctx, l))

	got, err := s.GetLog(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "raw\uFFFDbody", got.RequestBody)
	assert.Equal(t, "bad \uFFFD utf8", got.ResponseBody)
	assert.Equal(t, "\uFFFD", got.Detail)
}
