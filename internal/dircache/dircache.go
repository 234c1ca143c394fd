// Package dircache caches remote folder listings and coalesces
// concurrent fetches of the same folder into a single upstream request.
package dircache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/synthlace/gofile-dav/internal/gofile"
	"github.com/synthlace/gofile-dav/internal/metrics"
)

// defaultFanout bounds concurrent upstream fetches during a subtree
// walk.
const defaultFanout = 4

// Fetcher retrieves a remote entry by id. *gofile.Client implements it.
type Fetcher interface {
	GetContents(ctx context.Context, id string) (gofile.Contents, error)
}

// Cache is a demand-filled folder cache. Entries never expire on their
// own; mutating operations invalidate the folders they touch, so a
// cached listing reflects at least every local change. It is safe for
// concurrent use.
type Cache struct {
	fetcher Fetcher
	log     *zap.Logger
	fanout  int

	flight singleflight.Group

	mu      sync.Mutex
	folders map[string]*gofile.Folder
	// aliases maps a folder's short code (and any id form a caller has
	// used) to the canonical UUID key, so both id forms hit the same
	// entry.
	aliases map[string]string
	// gens counts invalidations per key. A fetch records the generation
	// when it starts and stores its result only while the generation is
	// unchanged, so a listing fetched before a mutation never overwrites
	// that mutation's invalidation.
	gens  map[string]uint64
	epoch uint64
}

// Option customizes a Cache.
type Option func(*Cache)

// WithLogger sets the cache's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithFanout sets the concurrent fetch limit used by PopulateSubtree.
func WithFanout(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.fanout = n
		}
	}
}

// New creates a Cache backed by fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		log:     zap.NewNop(),
		fanout:  defaultFanout,
		folders: make(map[string]*gofile.Folder),
		aliases: make(map[string]string),
		gens:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the folder with the given id (UUID or short code),
// fetching it when absent. Concurrent resolves of the same folder share
// one upstream request; each waiter still honors its own context.
func (c *Cache) Resolve(ctx context.Context, id string) (*gofile.Folder, error) {
	key, folder, ok := c.lookup(gofile.CanonicalID(id))
	if ok {
		metrics.RecordCacheLookup("hit")
		return folder, nil
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		// A waiter may have filled the entry between the miss and the
		// flight start.
		if _, folder, ok := c.lookup(key); ok {
			return folder, nil
		}
		gen, epoch := c.generation(key)
		metrics.RecordCacheLookup("miss")
		contents, err := c.fetcher.GetContents(ctx, id)
		if err != nil {
			return nil, err
		}
		if contents.Folder == nil {
			return nil, fmt.Errorf("dircache: %s is a file, not a folder", id)
		}
		c.store(key, gen, epoch, contents.Folder)
		return contents.Folder, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			metrics.RecordCacheLookup("coalesced")
		}
		return res.Val.(*gofile.Folder), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup resolves key through the alias table and returns the resolved
// key with the cached entry, if any.
func (c *Cache) lookup(key string) (string, *gofile.Folder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target, ok := c.aliases[key]; ok {
		key = target
	}
	folder, ok := c.folders[key]
	return key, folder, ok
}

func (c *Cache) generation(key string) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target, ok := c.aliases[key]; ok {
		key = target
	}
	return c.gens[key], c.epoch
}

// store caches folder unless the key was invalidated after the fetch
// that produced it began.
func (c *Cache) store(requestKey string, gen, epoch uint64, folder *gofile.Folder) {
	key := gofile.CanonicalID(folder.ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[requestKey] != gen || c.epoch != epoch {
		return
	}
	c.folders[key] = folder
	if folder.Code != "" && folder.Code != key {
		c.aliases[folder.Code] = key
	}
	if requestKey != key {
		c.aliases[requestKey] = key
	}
	metrics.SetCacheEntries(len(c.folders))
}

// Invalidate drops the cached listing for id, if any. The next Resolve
// fetches fresh data: a fetch already in flight is cut loose so new
// callers do not attach to a listing that predates the mutation, and
// its eventual result is not stored.
func (c *Cache) Invalidate(id string) {
	key := gofile.CanonicalID(id)
	c.mu.Lock()
	if target, ok := c.aliases[key]; ok {
		key = target
	}
	delete(c.folders, key)
	c.gens[key]++
	metrics.SetCacheEntries(len(c.folders))
	c.mu.Unlock()
	c.flight.Forget(key)
}

// InvalidateAll empties the cache. Fetches already in flight may still
// deliver their listing to the callers that joined them earlier, but
// the result is not cached.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.folders = make(map[string]*gofile.Folder)
	c.aliases = make(map[string]string)
	c.gens = make(map[string]uint64)
	c.epoch++
	metrics.SetCacheEntries(0)
}

// PopulateSubtree warms the cache with every folder below id, to the
// given depth (0 means just the folder itself). The walk proceeds level
// by level; within a level, fetches run with a bounded fan-out. Used to
// prime the tree at startup.
func (c *Cache) PopulateSubtree(ctx context.Context, id string, depth int) error {
	frontier := []string{id}
	for level := 0; len(frontier) > 0 && level <= depth; level++ {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.fanout)

		var mu sync.Mutex
		var next []string
		for _, folderID := range frontier {
			g.Go(func() error {
				folder, err := c.Resolve(gctx, folderID)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for _, child := range folder.Children {
					if child.Folder != nil {
						next = append(next, child.Folder.ID)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		frontier = next
	}
	return nil
}
