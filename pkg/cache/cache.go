package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/stratafs/strata-server/pkg/object"
)

const (
	filesDir = "files"
	tmpDir   = "tmp"

	evictBatch = 64
)

// Cache is the content-addressed, size-bounded extraction cache. It
// owns its directory, the SQLite index and the synchronization around
// both; it is injected into the resolver rather than accessed as
// ambient global state.
//
// Per-fingerprint mutual exclusion comes from a singleflight group:
// concurrent requests for the same fingerprint wait for the first
// extraction instead of duplicating it, and all waiters observe the
// same result or the same error. Index bookkeeping (insert, touch,
// evict) is additionally guarded by a narrower mutex so size
// accounting stays consistent. Reads of committed entries take no lock.
type Cache struct {
	dir      string
	guard    *SizeGuard
	maxTotal int64
	idx      *Index

	group singleflight.Group
	mu    sync.Mutex // index bookkeeping and eviction

	hits        atomic.Int64
	misses      atomic.Int64
	extractions atomic.Int64
	evictions   atomic.Int64
}

// Entry is the result of a cache operation: a readable file on disk
// plus whether it is a committed cache entry or a scratch file the
// caller must discard after serving.
type Entry struct {
	Fingerprint string
	Path        string
	Size        int64
	Cached      bool // committed under the cache root and indexed
	Hit         bool // satisfied without running the compute function

	claimed atomic.Bool // scratch entries have exactly one owner
}

// claim marks a scratch entry as owned. Exactly one caller wins; the
// rest must not touch the file, since the owner's Discard unlinks it.
func (e *Entry) claim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

// Stats is a snapshot of cache counters for the stats endpoint.
type Stats struct {
	Entries     int64 `json:"entries"`
	TotalBytes  int64 `json:"totalBytes"`
	MaxBytes    int64 `json:"maxBytes"`
	MaxFileSize int64 `json:"maxFileSize"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Extractions int64 `json:"extractions"`
	Evictions   int64 `json:"evictions"`
}

// New creates a cache rooted at dir. maxFileBytes is the per-entry
// ceiling enforced by the size guard; maxTotalBytes bounds the
// combined size of committed entries.
func New(dir string, maxFileBytes, maxTotalBytes int64) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if maxTotalBytes < maxFileBytes {
		log.Warnf("cache total ceiling %d below per-file ceiling %d, raising to match", maxTotalBytes, maxFileBytes)
		maxTotalBytes = maxFileBytes
	}

	for _, sub := range []string{filesDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	// Leftover staging files from a previous run are never referenced
	// by the index and can be swept immediately.
	if stale, err := filepath.Glob(filepath.Join(dir, tmpDir, "*")); err == nil {
		for _, p := range stale {
			os.Remove(p)
		}
	}

	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, err
	}

	return &Cache{
		dir:      dir,
		guard:    NewSizeGuard(maxFileBytes),
		maxTotal: maxTotalBytes,
		idx:      idx,
	}, nil
}

// Guard returns the per-entry size guard.
func (c *Cache) Guard() *SizeGuard {
	return c.guard
}

// GetOrCompute returns the cached payload for fp, or runs compute to
// produce it. stamp is the current source modification signature; a
// committed entry whose stored stamp differs is stale and recomputed.
// sizeHint, when non-negative, lets oversized extractions skip the
// cache entirely.
//
// At most one compute runs per distinct fingerprint at any time;
// concurrent callers for the same fingerprint share the first caller's
// outcome. A compute failure is propagated to every waiter and leaves
// no entry behind. When the shared outcome is a scratch file rather
// than a committed entry, only one waiter may serve it; the others
// extract private copies.
func (c *Cache) GetOrCompute(ctx context.Context, fp, stamp string, sizeHint int64,
	compute func(w io.Writer) error) (*Entry, error) {

	if e := c.lookup(fp, stamp); e != nil {
		c.hits.Add(1)
		return e, nil
	}
	c.misses.Add(1)

	// Known-oversized objects bypass the cache and its per-fingerprint
	// serialization; each request gets a private scratch file.
	if !c.guard.PermitsCaching(sizeHint) {
		return c.computeScratch(fp, compute)
	}

	v, err, _ := c.group.Do(fp, func() (interface{}, error) {
		// Another request may have committed the entry while this one
		// waited on the flight.
		if e := c.lookup(fp, stamp); e != nil {
			return e, nil
		}
		return c.computeAndCommit(fp, stamp, compute)
	})
	if err != nil {
		return nil, err
	}

	e := v.(*Entry)
	if !e.Cached && !e.claim() {
		// The flight produced a scratch file (realized size over the
		// ceiling, or commit failure) and another waiter owns it. A
		// scratch path cannot be shared: the owner unlinks it on
		// Discard, so every other waiter extracts a private copy.
		return c.computeScratch(fp, compute)
	}
	return e, nil
}

// Lookup returns the committed entry for fp if present and fresh,
// without computing anything.
func (c *Cache) Lookup(fp, stamp string) *Entry {
	if e := c.lookup(fp, stamp); e != nil {
		c.hits.Add(1)
		return e
	}
	return nil
}

// Discard removes a scratch entry after it has been served. Committed
// entries are left alone.
func (c *Cache) Discard(e *Entry) {
	if e == nil || e.Cached {
		return
	}
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		log.Debugf("failed to remove scratch file %s: %v", e.Path, err)
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	total, err := c.idx.TotalSize()
	if err != nil {
		log.Warnf("failed to read cache total size: %v", err)
	}
	count, err := c.idx.Count()
	if err != nil {
		log.Warnf("failed to read cache entry count: %v", err)
	}
	c.mu.Unlock()

	return Stats{
		Entries:     count,
		TotalBytes:  total,
		MaxBytes:    c.maxTotal,
		MaxFileSize: c.guard.Max(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Extractions: c.extractions.Load(),
		Evictions:   c.evictions.Load(),
	}
}

// Close closes the cache index.
func (c *Cache) Close() error {
	return c.idx.Close()
}

func (c *Cache) lookup(fp, stamp string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.idx.Get(fp)
	if err != nil {
		log.Warnf("cache index lookup failed for %s: %v", fp, err)
		return nil
	}
	if rec == nil {
		return nil
	}

	path := filepath.Join(c.dir, rec.Location)

	if stamp != "" && rec.Stamp != stamp {
		log.Debugf("cache entry %s stale (source changed), recomputing", fp)
		c.dropLocked(rec)
		return nil
	}

	if _, err := os.Stat(path); err != nil {
		// Index references a missing file: treat as a miss per
		// object.ErrCacheCorruption and recompute.
		log.Warnf("%v: %s references missing %s", object.ErrCacheCorruption, fp, rec.Location)
		c.dropLocked(rec)
		return nil
	}

	if err := c.idx.Touch(fp, time.Now().UnixNano()); err != nil {
		log.Debugf("failed to touch cache entry %s: %v", fp, err)
	}

	return &Entry{
		Fingerprint: fp,
		Path:        path,
		Size:        rec.Size,
		Cached:      true,
		Hit:         true,
	}
}

func (c *Cache) computeAndCommit(fp, stamp string, compute func(w io.Writer) error) (*Entry, error) {
	c.extractions.Add(1)

	tmp, err := os.CreateTemp(filepath.Join(c.dir, tmpDir), "extract-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", object.ErrCacheWriteFailed, err)
	}
	tmpPath := tmp.Name()

	cw := &countingWriter{w: tmp}
	if err := compute(cw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %v", object.ErrCacheWriteFailed, err)
	}

	size := cw.n

	// The realized size may exceed the ceiling even when the hint did
	// not; the result is still served, just never persisted.
	if !c.guard.PermitsCaching(size) {
		log.Debugf("object %s (%d bytes) exceeds cache ceiling, serving uncached", fp, size)
		return &Entry{Fingerprint: fp, Path: tmpPath, Size: size}, nil
	}

	location := filepath.Join(filesDir, shard(fp), fp)
	final := filepath.Join(c.dir, location)

	if err := c.commit(fp, stamp, tmpPath, location, size); err != nil {
		// Commit failure must leave no partial entry visible. The
		// extracted bytes are still good, so serve them uncached.
		log.Warnf("%v for %s: %v", object.ErrCacheWriteFailed, fp, err)
		return &Entry{Fingerprint: fp, Path: tmpPath, Size: size}, nil
	}

	return &Entry{Fingerprint: fp, Path: final, Size: size, Cached: true}, nil
}

func (c *Cache) commit(fp, stamp, tmpPath, location string, size int64) error {
	final := filepath.Join(c.dir, location)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return err
	}

	now := time.Now().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.idx.Put(&Record{
		Fingerprint: fp,
		Size:        size,
		Stamp:       stamp,
		Location:    location,
		CreatedAt:   now,
		LastAccess:  now,
	}); err != nil {
		os.Remove(final)
		return err
	}

	c.evictLocked(fp)
	return nil
}

func (c *Cache) computeScratch(fp string, compute func(w io.Writer) error) (*Entry, error) {
	c.extractions.Add(1)

	tmp, err := os.CreateTemp(filepath.Join(c.dir, tmpDir), "stream-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", object.ErrCacheWriteFailed, err)
	}
	tmpPath := tmp.Name()

	cw := &countingWriter{w: tmp}
	if err := compute(cw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %v", object.ErrCacheWriteFailed, err)
	}

	return &Entry{Fingerprint: fp, Path: tmpPath, Size: cw.n}, nil
}

// evictLocked removes least-recently-used entries until the total is
// back under the ceiling. The entry named by keep (the one just
// committed) is skipped so callers never receive an already-evicted
// path. Caller holds c.mu.
func (c *Cache) evictLocked(keep string) {
	total, err := c.idx.TotalSize()
	if err != nil {
		log.Warnf("eviction skipped, cannot read cache size: %v", err)
		return
	}

	for total > c.maxTotal {
		recs, err := c.idx.OldestFirst(evictBatch)
		if err != nil {
			log.Warnf("eviction aborted, index scan failed: %v", err)
			return
		}
		if len(recs) == 0 {
			return
		}

		evicted := false
		for _, rec := range recs {
			if total <= c.maxTotal {
				return
			}
			if rec.Fingerprint == keep {
				continue
			}
			c.dropLocked(rec)
			c.evictions.Add(1)
			total -= rec.Size
			evicted = true
			log.Debugf("evicted cache entry %s (%d bytes)", rec.Fingerprint, rec.Size)
		}
		if !evicted {
			return
		}
	}
}

// dropLocked removes a record and its file. Caller holds c.mu. A
// reader that already opened the file keeps its handle; the unlink
// only prevents new opens.
func (c *Cache) dropLocked(rec *Record) {
	if err := c.idx.Delete(rec.Fingerprint); err != nil {
		log.Warnf("failed to delete index row %s: %v", rec.Fingerprint, err)
	}
	if err := os.Remove(filepath.Join(c.dir, rec.Location)); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove cache file %s: %v", rec.Location, err)
	}
}

func shard(fp string) string {
	if len(fp) < 2 {
		return "00"
	}
	return fp[:2]
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
