// Package cache stores downloaded attachment bytes on disk under a
// configurable byte budget. Entries are evicted least-recently-accessed
// first; an entry pinned by a live reader is never evicted.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	path       string
	size       int64
	lastAccess time.Time
	refs       int
}

// Cache is a disk-backed attachment cache with an in-memory index.
type Cache struct {
	dir      string
	maxBytes int64

	mu    sync.Mutex
	index map[string]*entry
	total int64
}

// New creates a cache rooted at dir, bounded by maxBytes. Existing files in
// dir are adopted into the index so a restart keeps its cache.
func New(dir string, maxBytes int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		index:    make(map[string]*entry),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan cache dir: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		c.index[de.Name()] = &entry{
			path:       filepath.Join(dir, de.Name()),
			size:       info.Size(),
			lastAccess: info.ModTime(),
		}
		c.total += info.Size()
	}
	return c, nil
}

// safeName maps an attachment GUID to a filesystem-safe cache key.
func safeName(guid string) string {
	r := strings.NewReplacer("/", "_", "\\", "_")
	return r.Replace(guid)
}

// Put streams r into the cache under guid and returns the cache path.
// Eviction runs afterwards if the byte budget is exceeded.
func (c *Cache) Put(guid string, r io.Reader) (string, error) {
	name := safeName(guid)
	path := filepath.Join(c.dir, name)

	tmp, err := os.CreateTemp(c.dir, name+".part*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit attachment: %w", err)
	}

	c.mu.Lock()
	if old, ok := c.index[name]; ok {
		c.total -= old.size
	}
	c.index[name] = &entry{path: path, size: n, lastAccess: time.Now()}
	c.total += n
	c.mu.Unlock()

	c.evict()
	return path, nil
}

// Open returns a reader over the cached bytes, or os.ErrNotExist when the
// entry is absent. The entry is pinned until Unpin is called.
func (c *Cache) Open(guid string) (io.ReadCloser, error) {
	name := safeName(guid)

	c.mu.Lock()
	e, ok := c.index[name]
	if !ok {
		c.mu.Unlock()
		return nil, os.ErrNotExist
	}
	e.lastAccess = time.Now()
	e.refs++
	c.mu.Unlock()

	f, err := os.Open(e.path)
	if err != nil {
		c.Unpin(guid)
		return nil, err
	}
	return &pinnedFile{File: f, cache: c, guid: guid}, nil
}

type pinnedFile struct {
	*os.File
	cache *Cache
	guid  string
	once  sync.Once
}

func (p *pinnedFile) Close() error {
	err := p.File.Close()
	p.once.Do(func() { p.cache.Unpin(p.guid) })
	return err
}

// Pin marks an entry as in use, excluding it from eviction.
func (c *Cache) Pin(guid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[safeName(guid)]
	if !ok {
		return false
	}
	e.refs++
	e.lastAccess = time.Now()
	return true
}

// Unpin releases a pin taken by Pin or Open.
func (c *Cache) Unpin(guid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[safeName(guid)]; ok && e.refs > 0 {
		e.refs--
	}
}

// Contains reports whether guid is cached.
func (c *Cache) Contains(guid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[safeName(guid)]
	return ok
}

// TotalBytes returns the current cache usage.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Remove deletes an entry regardless of budget, unless it is pinned.
func (c *Cache) Remove(guid string) error {
	name := safeName(guid)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[name]
	if !ok {
		return nil
	}
	if e.refs > 0 {
		return fmt.Errorf("attachment %s is pinned", guid)
	}
	delete(c.index, name)
	c.total -= e.size
	return os.Remove(e.path)
}

// evict removes least-recently-accessed unpinned entries until usage fits
// the byte budget.
func (c *Cache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total <= c.maxBytes {
		return
	}

	type candidate struct {
		name string
		e    *entry
	}
	var victims []candidate
	for name, e := range c.index {
		if e.refs == 0 {
			victims = append(victims, candidate{name, e})
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].e.lastAccess.Before(victims[j].e.lastAccess)
	})

	for _, v := range victims {
		if c.total <= c.maxBytes {
			break
		}
		if err := os.Remove(v.e.path); err != nil && !os.IsNotExist(err) {
			continue
		}
		delete(c.index, v.name)
		c.total -= v.e.size
	}
}
