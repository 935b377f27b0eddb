package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Cache 按数据源地址缓存已读取的原始记录，本地文件变化时自动失效
type Cache struct {
	entries *lru.Cache[string, []RawRecord]
	logger  *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	watched map[string]bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCache 创建缓存。watch 为 true 时监听本地文件所在目录。
func NewCache(size int, watch bool, logger *zap.Logger) (*Cache, error) {
	if size <= 0 {
		size = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := lru.New[string, []RawRecord](size)
	if err != nil {
		return nil, fmt.Errorf("create dataset cache: %w", err)
	}
	c := &Cache{
		entries: entries,
		logger:  logger,
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}
	if watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create dataset watcher: %w", err)
		}
		c.watcher = w
		c.wg.Add(1)
		go c.watchLoop()
	}
	return c, nil
}

// Wrap 返回带缓存的数据源
func (c *Cache) Wrap(src Source) Source {
	return &cachedSource{cache: c, src: src}
}

// Len 当前缓存条目数
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Invalidate 删除指定地址的缓存
func (c *Cache) Invalidate(location string) {
	c.entries.Remove(cacheKey(location))
}

// Close 停止文件监听
func (c *Cache) Close() error {
	if c.watcher == nil {
		return nil
	}
	close(c.done)
	err := c.watcher.Close()
	c.wg.Wait()
	return err
}

func (c *Cache) fetch(ctx context.Context, src Source) ([]RawRecord, error) {
	key := cacheKey(src.Location())
	if records, ok := c.entries.Get(key); ok {
		c.logger.Debug("dataset cache hit", zap.String("location", key))
		return append([]RawRecord(nil), records...), nil
	}

	records, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, records)
	if !isRemote(key) {
		c.watch(key)
	}
	c.logger.Debug("dataset cached", zap.String("location", key), zap.Int("records", len(records)))
	return append([]RawRecord(nil), records...), nil
}

func (c *Cache) watch(path string) {
	if c.watcher == nil {
		return
	}
	dir := filepath.Dir(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watched[dir] {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		c.logger.Warn("dataset watch failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	c.watched[dir] = true
}

func (c *Cache) watchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				key := cacheKey(event.Name)
				if c.entries.Remove(key) {
					c.logger.Info("dataset changed, cache evicted", zap.String("location", key))
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("dataset watcher error", zap.Error(err))
		}
	}
}

func cacheKey(location string) string {
	if isRemote(location) {
		return location
	}
	if abs, err := filepath.Abs(location); err == nil {
		return abs
	}
	return filepath.Clean(location)
}

type cachedSource struct {
	cache *Cache
	src   Source
}

func (s *cachedSource) Fetch(ctx context.Context) ([]RawRecord, error) {
	return s.cache.fetch(ctx, s.src)
}

func (s *cachedSource) Location() string {
	return s.src.Location()
}
