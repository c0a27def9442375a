package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"client-file-vault/internal/metrics"
	"client-file-vault/internal/store"
)

// FileCache keeps recently fetched file metadata in memory. A nil *FileCache
// is valid and caches nothing.
type FileCache struct {
	lru *expirable.LRU[int64, store.FileRecord]
}

// NewFileCache returns a cache holding up to size records for ttl each, or
// nil when size is not positive.
func NewFileCache(size int, ttl time.Duration) *FileCache {
	if size <= 0 {
		return nil
	}
	return &FileCache{lru: expirable.NewLRU[int64, store.FileRecord](size, nil, ttl)}
}

func (c *FileCache) Get(id int64) (store.FileRecord, bool) {
	if c == nil {
		return store.FileRecord{}, false
	}
	rec, ok := c.lru.Get(id)
	if ok {
		metrics.FileCacheRequests.WithLabelValues("hit").Inc()
	} else {
		metrics.FileCacheRequests.WithLabelValues("miss").Inc()
	}
	return rec, ok
}

func (c *FileCache) Add(rec store.FileRecord) {
	if c != nil {
		c.lru.Add(rec.ID, rec)
	}
}

func (c *FileCache) Remove(id int64) {
	if c != nil {
		c.lru.Remove(id)
	}
}

// Len is the number of live entries.
func (c *FileCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
