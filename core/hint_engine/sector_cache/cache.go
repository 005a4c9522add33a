// Package sectorcache keeps the bidirectional page handle <-> device sector
// mapping used by the hint workers.
//
// Both directions live behind one cache-wide lock, so a reader can never see
// a forward entry without its backward mirror. Misses are resolved through an
// extent resolver outside the lock; concurrent misses for the same page are
// collapsed into a single filesystem query.
package sectorcache

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	extentresolver "github.com/sushant-115/nvmehint/core/hint_engine/extent_resolver"
	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrPageNotResident  = errors.New("page is not resident in a file-backed frame")
	ErrUnalignedExtent  = errors.New("physical extent is not sector aligned")
	ErrInvalidPolicy    = errors.New("unknown extent policy")
	ErrInvalidSectorLen = errors.New("sector size must be a non-zero power of two")
)

// ExtentPolicy decides how many extents of a page are hinted.
type ExtentPolicy string

const (
	// ExtentPolicyFirst records only the first extent and hints the whole
	// page size starting at its sector.
	ExtentPolicyFirst ExtentPolicy = "first"
	// ExtentPolicyAll records every extent covering the page; one device
	// command is issued per extent.
	ExtentPolicyAll ExtentPolicy = "all"
)

// Validate rejects policies other than first and all.
func (p ExtentPolicy) Validate() error {
	switch p {
	case ExtentPolicyFirst, ExtentPolicyAll:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidPolicy, string(p))
}

// Mapping is the resolved placement of one page.
type Mapping struct {
	Sector hinttypes.Sector
	Ranges []hinttypes.SectorRange
}

// Metrics receives cache events. A nil Metrics disables reporting.
type Metrics interface {
	ObserveLookup(hit bool)
	ObserveResolve(d time.Duration, err error)
}

// Options configures a MappingCache.
type Options struct {
	SectorSize uint64
	Policy     ExtentPolicy
	Logger     *zap.Logger
	Metrics    Metrics
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries  int
	Hits     uint64
	Misses   uint64
	Queries  uint64
	Failures uint64
}

// MappingCache is safe for concurrent use.
type MappingCache struct {
	resolver   extentresolver.PathResolver
	locator    hinttypes.PageLocator
	sectorSize uint64
	policy     ExtentPolicy
	logger     *zap.Logger
	metrics    Metrics

	mu       sync.RWMutex
	forward  map[hinttypes.PageHandle]Mapping
	backward map[hinttypes.Sector]hinttypes.PageHandle

	flights singleflight.Group

	hits     atomic.Uint64
	misses   atomic.Uint64
	queries  atomic.Uint64
	failures atomic.Uint64
}

// New creates an empty cache. locator may be nil when callers only use
// ResolveAt and ResolveUncached.
func New(resolver extentresolver.PathResolver, locator hinttypes.PageLocator, opts Options) (*MappingCache, error) {
	if resolver == nil {
		return nil, fmt.Errorf("sector cache requires an extent resolver")
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = hinttypes.DefaultSectorSize
	}
	if opts.SectorSize&(opts.SectorSize-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSectorLen, opts.SectorSize)
	}
	if opts.Policy == "" {
		opts.Policy = ExtentPolicyFirst
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MappingCache{
		resolver:   resolver,
		locator:    locator,
		sectorSize: opts.SectorSize,
		policy:     opts.Policy,
		logger:     logger.Named("sector_cache"),
		metrics:    opts.Metrics,
		forward:    make(map[hinttypes.PageHandle]Mapping),
		backward:   make(map[hinttypes.Sector]hinttypes.PageHandle),
	}, nil
}

// SectorSize is the logical block size sectors are counted in.
func (c *MappingCache) SectorSize() uint64   { return c.sectorSize }
// Policy is the extent policy the cache resolves with.
func (c *MappingCache) Policy() ExtentPolicy { return c.policy }

// Resolve returns the sector of page, resolving and caching it on a miss.
// Any failure yields UnknownSector and leaves both maps untouched.
func (c *MappingCache) Resolve(page hinttypes.PageHandle) hinttypes.Sector {
	if m, ok := c.Lookup(page); ok {
		c.observeLookup(true)
		return m.Sector
	}
	if c.locator == nil {
		return hinttypes.UnknownSector
	}
	loc, ok := c.locator.Locate(page)
	if !ok {
		c.observeLookup(false)
		c.logger.Debug("Page not resident, sector unknown", zap.Uint64("page", uint64(page)))
		return hinttypes.UnknownSector
	}
	m, ok := c.ResolveAt(page, loc)
	if !ok {
		return hinttypes.UnknownSector
	}
	return m.Sector
}

// ResolveAt is Resolve with the page location supplied by the caller, as
// captured when the hint was submitted.
func (c *MappingCache) ResolveAt(page hinttypes.PageHandle, loc hinttypes.PageLocation) (Mapping, bool) {
	if m, ok := c.Lookup(page); ok {
		c.observeLookup(true)
		return m, true
	}
	c.observeLookup(false)

	v, err, _ := c.flights.Do(strconv.FormatUint(uint64(page), 10), func() (interface{}, error) {
		// A flight that finished just before this one started already
		// populated the entry.
		if m, ok := c.Lookup(page); ok {
			return m, nil
		}
		m, err := c.query(loc)
		if err != nil {
			return Mapping{}, err
		}
		c.insert(page, loc, m)
		return m, nil
	})
	if err != nil {
		c.logger.Debug("Sector resolution failed",
			zap.Uint64("page", uint64(page)),
			zap.String("path", loc.Path),
			zap.Int64("offset", loc.Offset),
			zap.Error(err))
		return Mapping{}, false
	}
	return v.(Mapping), true
}

// ResolveUncached resolves loc without touching the maps. It serves pages
// that are already leaving the buffer pool.
func (c *MappingCache) ResolveUncached(loc hinttypes.PageLocation) (Mapping, bool) {
	m, err := c.query(loc)
	if err != nil {
		c.logger.Debug("Uncached sector resolution failed", zap.String("path", loc.Path), zap.Error(err))
		return Mapping{}, false
	}
	return m, true
}

// Lookup is a pure cache read.
func (c *MappingCache) Lookup(page hinttypes.PageHandle) (Mapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.forward[page]
	return m, ok
}

// LookupBySector is a pure cache read; it never resolves.
func (c *MappingCache) LookupBySector(sector hinttypes.Sector) (hinttypes.PageHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	page, ok := c.backward[sector]
	return page, ok
}

// Invalidate drops the mapping of page. Absent pages are a no-op.
func (c *MappingCache) Invalidate(page hinttypes.PageHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlinkPageLocked(page)
}

// ClearAll empties both directions.
func (c *MappingCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forward = make(map[hinttypes.PageHandle]Mapping)
	c.backward = make(map[hinttypes.Sector]hinttypes.PageHandle)
}

// Len is the number of cached pages.
func (c *MappingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.forward)
}

// Stats returns the current entry count and lookup counters.
func (c *MappingCache) Stats() Stats {
	return Stats{
		Entries:  c.Len(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Queries:  c.queries.Load(),
		Failures: c.failures.Load(),
	}
}

// insert links page and m.Sector in both directions. A stale sector of the
// page and a stale owner of the sector are unlinked in the same step.
// Nothing is linked unless the locator still places page at loc; owners
// retire a page before invalidating it, so the check under c.mu cannot let
// a retired handle back in.
func (c *MappingCache) insert(page hinttypes.PageHandle, loc hinttypes.PageLocation, m Mapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locator != nil {
		if cur, ok := c.locator.Locate(page); !ok || cur != loc {
			c.logger.Debug("Page retired during resolution, not caching",
				zap.Uint64("page", uint64(page)),
				zap.Uint64("sector", uint64(m.Sector)))
			return
		}
	}
	c.unlinkPageLocked(page)
	if owner, ok := c.backward[m.Sector]; ok {
		delete(c.forward, owner)
	}
	c.forward[page] = m
	c.backward[m.Sector] = page
}

// unlinkPageLocked must be called with c.mu held for writing.
func (c *MappingCache) unlinkPageLocked(page hinttypes.PageHandle) {
	m, ok := c.forward[page]
	if !ok {
		return
	}
	delete(c.forward, page)
	if owner, ok := c.backward[m.Sector]; ok && owner == page {
		delete(c.backward, m.Sector)
	}
}

// query runs exactly one extent lookup over the page window.
func (c *MappingCache) query(loc hinttypes.PageLocation) (Mapping, error) {
	if !loc.Valid() {
		return Mapping{}, ErrPageNotResident
	}
	maxExtents := 1
	if c.policy == ExtentPolicyAll {
		maxExtents = extentresolver.MaxExtents
	}

	start := time.Now()
	c.queries.Add(1)
	offset, size := uint64(loc.Offset), uint64(loc.Size)
	extents, err := c.resolver.ResolvePath(loc.Path, offset, size, maxExtents)
	if err == nil {
		var m Mapping
		m, err = c.toMapping(extents, offset, size)
		if err == nil {
			c.observeResolve(time.Since(start), nil)
			return m, nil
		}
	}
	c.failures.Add(1)
	c.observeResolve(time.Since(start), err)
	return Mapping{}, err
}

func (c *MappingCache) toMapping(extents []extentresolver.Extent, offset, size uint64) (Mapping, error) {
	var ranges []hinttypes.SectorRange
	for _, ext := range extents {
		clipped, ok := ext.Clip(offset, size)
		if !ok {
			continue
		}
		if clipped.Physical%c.sectorSize != 0 {
			return Mapping{}, fmt.Errorf("%w: physical offset %d", ErrUnalignedExtent, clipped.Physical)
		}
		ranges = append(ranges, hinttypes.SectorRange{
			Start: hinttypes.Sector(clipped.Physical / c.sectorSize),
			Bytes: clipped.Length,
		})
		if c.policy == ExtentPolicyFirst {
			break
		}
	}
	if len(ranges) == 0 {
		return Mapping{}, extentresolver.ErrNotMapped
	}
	if c.policy == ExtentPolicyFirst {
		ranges[0].Bytes = size
	}
	return Mapping{Sector: ranges[0].Start, Ranges: ranges}, nil
}

func (c *MappingCache) observeLookup(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.metrics != nil {
		c.metrics.ObserveLookup(hit)
	}
}

func (c *MappingCache) observeResolve(d time.Duration, err error) {
	if c.metrics != nil {
		c.metrics.ObserveResolve(d, err)
	}
}
