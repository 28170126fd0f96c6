// Package registry fetches capability metadata from the cloud registry,
// validates it against the wire schema, and serves repeats from an LRU
// cache. Concurrent fetches of one FQCN collapse into a single request.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"

	"github.com/Casys-AI/pmlrun/internal/capability"
	"github.com/Casys-AI/pmlrun/internal/errdefs"
	"github.com/Casys-AI/pmlrun/internal/toolid"
)

// DefaultCacheCapacity bounds the metadata cache when Options does not.
const DefaultCacheCapacity = 100

// maxBodySize caps how much of a registry response is read.
const maxBodySize = 4 << 20

// Result is one answer from Fetch.
type Result struct {
	Metadata  *capability.Metadata
	FromCache bool
	FetchedAt time.Time
}

type cacheEntry struct {
	metadata  *capability.Metadata
	fetchedAt time.Time

	mu           sync.Mutex
	lastAccessed time.Time
}

func (e *cacheEntry) touch(now time.Time) {
	e.mu.Lock()
	e.lastAccessed = now
	e.mu.Unlock()
}

// Options configures a Client.
type Options struct {
	// BaseURL is the cloud registry root, e.g. "https://cloud.casys.ai".
	BaseURL string
	// OrgPrefix canonicalizes short identifiers; empty uses the default.
	OrgPrefix string
	// Timeout bounds one metadata request. Zero means 10 seconds.
	Timeout time.Duration
	// CacheCapacity bounds the LRU. Zero means DefaultCacheCapacity.
	CacheCapacity int
	Logger        *slog.Logger
}

// Client fetches capability metadata.
type Client struct {
	baseURL   string
	orgPrefix string
	timeout   time.Duration
	client    *http.Client
	logger    *slog.Logger

	cache  *lru.Cache[string, *cacheEntry]
	group  singleflight.Group
	schema *jsonschema.Schema

	fetches   atomic.Int64
	cacheHits atomic.Int64
}

// NewClient builds a Client. The embedded metadata schema is compiled once
// here; a compile failure is a programming error and panics.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	capacity := opts.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, *cacheEntry](capacity)
	if err != nil {
		panic(fmt.Sprintf("registry: bad cache capacity %d: %v", capacity, err))
	}

	return &Client{
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		orgPrefix: opts.OrgPrefix,
		timeout:   timeout,
		client:    &http.Client{},
		logger:    logger.With(slog.String("component", "registry")),
		cache:     cache,
		schema:    compileMetadataSchema(),
	}
}

func compileMetadataSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(metadataSchema))
	if err != nil {
		panic(fmt.Sprintf("registry: embedded schema is not JSON: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("metadata.json", doc); err != nil {
		panic(fmt.Sprintf("registry: cannot add schema resource: %v", err))
	}
	schema, err := compiler.Compile("metadata.json")
	if err != nil {
		panic(fmt.Sprintf("registry: cannot compile schema: %v", err))
	}
	return schema
}

// Fetch resolves nameOrFQCN to a canonical FQCN and returns its metadata,
// from cache when present. Concurrent misses for the same FQCN share one
// HTTP request; only the initiating call reports FromCache=false.
func (c *Client) Fetch(ctx context.Context, nameOrFQCN string) (*Result, error) {
	fqcn := toolid.CanonicalFQCN(nameOrFQCN, c.orgPrefix)
	if fqcn == "" {
		return nil, errdefs.New(errdefs.KindMetadataFetchFailed,
			"empty capability name").WithTool(nameOrFQCN)
	}

	if entry, ok := c.cache.Get(fqcn); ok {
		c.cacheHits.Add(1)
		entry.touch(time.Now())
		return &Result{Metadata: entry.metadata, FromCache: true, FetchedAt: entry.fetchedAt}, nil
	}

	fetched := false
	v, err, _ := c.group.Do(fqcn, func() (any, error) {
		// A racing fetch may have populated the cache between the miss
		// and the singleflight slot.
		if entry, ok := c.cache.Get(fqcn); ok {
			return entry, nil
		}
		entry, err := c.fetchRemote(ctx, fqcn)
		if err != nil {
			return nil, err
		}
		fetched = true
		c.cache.Add(fqcn, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	entry := v.(*cacheEntry)
	entry.touch(time.Now())
	return &Result{Metadata: entry.metadata, FromCache: !fetched, FetchedAt: entry.fetchedAt}, nil
}

func (c *Client) fetchRemote(ctx context.Context, fqcn string) (*cacheEntry, error) {
	c.fetches.Add(1)

	url := c.baseURL + "/mcp/" + fqcn
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMetadataFetchFailed,
			"cannot build registry request", err).WithTool(fqcn)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMetadataFetchFailed,
			fmt.Sprintf("registry request for %s failed", fqcn), err).WithTool(fqcn)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMetadataFetchFailed,
			fmt.Sprintf("reading registry response for %s failed", fqcn), err).WithTool(fqcn)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errdefs.Newf(errdefs.KindMetadataFetchFailed,
			"capability %s not found", fqcn).WithTool(fqcn).With("reason", "not-found")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errdefs.Newf(errdefs.KindMetadataFetchFailed,
			"registry returned %d for %s", resp.StatusCode, fqcn).
			WithTool(fqcn).With("status", resp.StatusCode)
	}

	metadata, err := c.parse(fqcn, body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched capability metadata",
		"fqcn", fqcn, "tools", len(metadata.Tools), "deps", len(metadata.Deps))
	return &cacheEntry{metadata: metadata, fetchedAt: time.Now(), lastAccessed: time.Now()}, nil
}

func (c *Client) parse(fqcn string, body []byte) (*capability.Metadata, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMetadataParseError,
			fmt.Sprintf("registry response for %s is not JSON", fqcn), err).WithTool(fqcn)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, errdefs.Wrap(errdefs.KindMetadataParseError,
			fmt.Sprintf("registry response for %s violates the metadata schema", fqcn), err).
			WithTool(fqcn).With("detail", err.Error())
	}

	var metadata capability.Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, errdefs.Wrap(errdefs.KindMetadataParseError,
			fmt.Sprintf("cannot decode metadata for %s", fqcn), err).WithTool(fqcn)
	}
	return &metadata, nil
}

// FetchCount returns how many HTTP requests the client has issued.
func (c *Client) FetchCount() int64 {
	return c.fetches.Load()
}

// CacheHitCount returns how many Fetch calls were served from the cache.
func (c *Client) CacheHitCount() int64 {
	return c.cacheHits.Load()
}

// CacheLen returns the number of cached entries.
func (c *Client) CacheLen() int {
	return c.cache.Len()
}

// Evict drops fqcn from the cache.
func (c *Client) Evict(nameOrFQCN string) {
	c.cache.Remove(toolid.CanonicalFQCN(nameOrFQCN, c.orgPrefix))
}
