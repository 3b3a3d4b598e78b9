package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

type catalogEntry struct {
	images     []image
	loadedAt   time.Time
	generation int64
}

// imageCatalog lists the images of a directory. Listings are cached per
// directory until the TTL passes, Invalidate is called, or the shared
// generation moves on. The archive is fetched once per process before the
// first listing and again on Refresh.
type imageCatalog struct {
	mu          sync.Mutex
	entries     map[string]catalogEntry
	fetched     bool
	ttl         time.Duration
	archiveDir  string
	fetcher     archiveFetcher
	generations generationSource
	group       singleflight.Group
	now         func() time.Time
}

func newImageCatalog(fetcher archiveFetcher, archiveDir string, ttl time.Duration, generations generationSource) *imageCatalog {
	return &imageCatalog{
		entries:     make(map[string]catalogEntry),
		ttl:         ttl,
		archiveDir:  archiveDir,
		fetcher:     fetcher,
		generations: generations,
		now:         time.Now,
	}
}

func (c *imageCatalog) List(ctx context.Context, dir string) ([]image, error) {
	gen := c.currentGeneration(ctx)
	c.mu.Lock()
	entry, ok := c.entries[dir]
	c.mu.Unlock()
	if ok && c.fresh(entry, gen) {
		return entry.images, nil
	}

	// Shared work outlives any single caller's request.
	v, err, _ := c.group.Do("list:"+dir, func() (interface{}, error) {
		return c.load(context.WithoutCancel(ctx), dir, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.([]image), nil
}

// Lookup resolves name to a catalog image of dir.
func (c *imageCatalog) Lookup(ctx context.Context, dir, name string) (image, bool, error) {
	images, err := c.List(ctx, dir)
	if err != nil {
		return image{}, false, err
	}
	i := sort.Search(len(images), func(i int) bool { return images[i].Name >= name })
	if i < len(images) && images[i].Name == name {
		return images[i], true, nil
	}
	return image{}, false, nil
}

func (c *imageCatalog) Invalidate(dir string) {
	c.mu.Lock()
	delete(c.entries, dir)
	c.mu.Unlock()
}

// Refresh downloads the archive again and rescans dir.
func (c *imageCatalog) Refresh(ctx context.Context, dir string) ([]image, error) {
	if err := c.fetch(ctx); err != nil {
		return nil, err
	}
	c.Invalidate(dir)
	return c.List(ctx, dir)
}

func (c *imageCatalog) fresh(entry catalogEntry, gen int64) bool {
	if entry.generation != gen {
		return false
	}
	return c.ttl <= 0 || c.now().Sub(entry.loadedAt) < c.ttl
}

func (c *imageCatalog) currentGeneration(ctx context.Context) int64 {
	if c.generations == nil {
		return 0
	}
	gen, err := c.generations.Generation(ctx)
	if err != nil {
		logger.Warn("failed to read catalog generation", "error", err)
		return 0
	}
	return gen
}

func (c *imageCatalog) load(ctx context.Context, dir string, gen int64) ([]image, error) {
	c.mu.Lock()
	fetched := c.fetched
	c.mu.Unlock()
	if !fetched {
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
	}

	images, err := scanImages(dir)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[dir] = catalogEntry{images: images, loadedAt: c.now(), generation: gen}
	c.mu.Unlock()
	logger.Info("image catalog loaded", "dir", dir, "images", len(images), "generation", gen)
	return images, nil
}

func (c *imageCatalog) fetch(ctx context.Context) error {
	if c.fetcher == nil {
		c.mu.Lock()
		c.fetched = true
		c.mu.Unlock()
		return nil
	}
	_, err, _ := c.group.Do("fetch:"+c.archiveDir, func() (interface{}, error) {
		return nil, c.fetcher.FetchAndExtract(context.WithoutCancel(ctx), c.archiveDir)
	})
	if err != nil {
		return fmt.Errorf("fetch archive into %s: %w", c.archiveDir, err)
	}
	c.mu.Lock()
	c.fetched = true
	c.mu.Unlock()
	return nil
}

// scanImages lists dir non-recursively, keeping files with a catalog
// extension, sorted by name.
func scanImages(dir string) ([]image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", dir, err)
	}
	images := make([]image, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		images = append(images, image{
			Name: entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
			Ext:  strings.ToLower(filepath.Ext(entry.Name())),
		})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images, nil
}

// redisGeneration reads the catalog generation bumped by refresh tasks.
type redisGeneration struct {
	rdb RedisClient
}

func (g redisGeneration) Generation(ctx context.Context) (int64, error) {
	raw, err := g.rdb.Get(ctx, catalogGenerationKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}
