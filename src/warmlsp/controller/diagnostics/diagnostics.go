// Package diagnostics caches the diagnostics a language server publishes for each document.
package diagnostics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/warmlsp/src/warmlsp/internal/clock"
	"github.com/uber/warmlsp/src/warmlsp/mapper"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// Options configures a Cache.
type Options struct {
	Clock  clock.Clock
	Logger *zap.SugaredLogger
	Scope  tally.Scope
	// SettleDelay is how long after a sync a publish without a version is trusted.
	SettleDelay time.Duration
}

type entry struct {
	diagnostics []json.RawMessage
	published   bool
	pubVersion  *int32
	pubAt       time.Time

	expected int32
	syncedAt time.Time
	accepted bool

	// changed is closed and replaced whenever the entry changes.
	changed chan struct{}
}

// fresh reports whether diagnostics describe the expected version.
func (e *entry) fresh() bool {
	if e.accepted {
		return true
	}
	return e.published && e.pubVersion != nil && *e.pubVersion == e.expected
}

func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Cache holds the latest diagnostics per document and the version they describe.
type Cache struct {
	clock  clock.Clock
	logger *zap.SugaredLogger
	settle time.Duration

	hits   tally.Counter
	misses tally.Counter

	mu      sync.Mutex
	entries map[protocol.DocumentURI]*entry
}

// New creates an empty Cache.
func New(opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	return &Cache{
		clock:   opts.Clock,
		logger:  opts.Logger,
		settle:  opts.SettleDelay,
		hits:    opts.Scope.Counter("cache_hits"),
		misses:  opts.Scope.Counter("cache_misses"),
		entries: make(map[protocol.DocumentURI]*entry),
	}
}

func (c *Cache) entry(uri protocol.DocumentURI) *entry {
	e, ok := c.entries[uri]
	if !ok {
		e = &entry{changed: make(chan struct{})}
		c.entries[uri] = e
	}
	return e
}

// Invalidate records that the server is about to receive version of uri. Cached diagnostics become stale
// unless a publish for exactly that version already arrived.
func (c *Cache) Invalidate(uri protocol.DocumentURI, version int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(uri)
	e.expected = version
	e.syncedAt = c.clock.Now()
	e.accepted = false
	e.notify()
}

// Publish stores diagnostics pushed by the server.
func (c *Cache) Publish(params mapper.PublishDiagnosticsParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(params.URI)
	e.diagnostics = params.Diagnostics
	if e.diagnostics == nil {
		e.diagnostics = []json.RawMessage{}
	}
	e.published = true
	e.pubVersion = params.Version
	e.pubAt = c.clock.Now()
	e.accepted = false
	e.notify()
}

// Store caches diagnostics known to describe version, such as the answer to a pull request.
func (c *Cache) Store(uri protocol.DocumentURI, version int32, diagnostics []json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(uri)
	if e.expected != version {
		return
	}
	if diagnostics == nil {
		diagnostics = []json.RawMessage{}
	}
	e.diagnostics = diagnostics
	e.published = true
	e.accepted = true
	e.notify()
}

// Get returns the cached diagnostics for uri and whether they describe the current version.
func (c *Cache) Get(uri protocol.DocumentURI) ([]json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[uri]
	if !ok {
		return nil, false
	}
	return e.diagnostics, e.fresh()
}

// Wait returns diagnostics for the current version of uri, blocking for at most timeout.
// When nothing acceptable arrives in time it returns the best known diagnostics and false.
func (c *Cache) Wait(ctx context.Context, uri protocol.DocumentURI, timeout time.Duration) ([]json.RawMessage, bool, error) {
	deadline := c.clock.After(timeout)
	first := true

	for {
		c.mu.Lock()
		e := c.entry(uri)
		if e.fresh() {
			diagnostics := e.diagnostics
			c.mu.Unlock()
			if first {
				c.hits.Inc(1)
			}
			return diagnostics, true, nil
		}
		if first {
			c.misses.Inc(1)
			first = false
		}

		// A publish without a version says nothing about which content it describes.
		// It is trusted once it arrived after the sync and the settle delay has passed.
		var settled <-chan time.Time
		if e.published && e.pubVersion == nil && !e.pubAt.Before(e.syncedAt) {
			wait := e.syncedAt.Add(c.settle).Sub(c.clock.Now())
			if wait <= 0 {
				e.accepted = true
				diagnostics := e.diagnostics
				c.mu.Unlock()
				return diagnostics, true, nil
			}
			settled = c.clock.After(wait)
		}
		changed := e.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-settled:
		case <-deadline:
			diagnostics, _ := c.Get(uri)
			c.logger.Debugw("no diagnostics for current version", "uri", uri, "timeout", timeout)
			return diagnostics, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Remove forgets uri.
func (c *Cache) Remove(uri protocol.DocumentURI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[uri]; ok {
		e.notify()
		delete(c.entries, uri)
	}
}
