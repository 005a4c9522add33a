package sectorcache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	extentresolver "github.com/sushant-115/nvmehint/core/hint_engine/extent_resolver"
	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPageSize = 16 * 1024

// --- Test Helpers ---

// fakeResolver maps (path, offset) to a fixed extent list and counts queries.
type fakeResolver struct {
	mu      sync.Mutex
	extents map[string][]extentresolver.Extent
	calls   atomic.Int64
	delay   time.Duration
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{extents: make(map[string][]extentresolver.Extent)}
}

func (r *fakeResolver) set(path string, extents ...extentresolver.Extent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extents[path] = extents
}

func (r *fakeResolver) ResolvePath(path string, offset, length uint64, maxExtents int) ([]extentresolver.Extent, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	extents, ok := r.extents[path]
	if !ok {
		return nil, extentresolver.ErrNotMapped
	}
	if len(extents) > maxExtents {
		extents = extents[:maxExtents]
	}
	return extents, nil
}

type fakeLocator map[hinttypes.PageHandle]hinttypes.PageLocation

func (l fakeLocator) Locate(page hinttypes.PageHandle) (hinttypes.PageLocation, bool) {
	loc, ok := l[page]
	return loc, ok
}

func pageAt(path string, pageNo int64) hinttypes.PageLocation {
	return hinttypes.PageLocation{Path: path, Offset: pageNo * testPageSize, Size: testPageSize}
}

func newTestCache(t *testing.T, r *fakeResolver, l fakeLocator, policy ExtentPolicy) *MappingCache {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	c, err := New(r, l, Options{SectorSize: 512, Policy: policy, Logger: logger})
	require.NoError(t, err)
	return c
}

// --- Test Cases ---

// TestResolve_PhysicalOffsetToSector covers the canonical scenario: a page
// backed at physical byte 8192 on a 512-byte-sector device is sector 16.
func TestResolve_PhysicalOffsetToSector(t *testing.T) {
	r := newFakeResolver()
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 8192, Length: testPageSize})
	pageA := hinttypes.PageHandle(1)
	c := newTestCache(t, r, fakeLocator{pageA: pageAt("/data/a.ibd", 0)}, ExtentPolicyFirst)

	require.Equal(t, hinttypes.Sector(16), c.Resolve(pageA))
	owner, ok := c.LookupBySector(16)
	require.True(t, ok)
	require.Equal(t, pageA, owner)
}

// TestResolve_PageInsideLargerExtent checks that a page in the middle of an
// extent maps to its own sector, not the extent's first sector.
func TestResolve_PageInsideLargerExtent(t *testing.T) {
	r := newFakeResolver()
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 1 << 20, Length: 1 << 20})
	page := hinttypes.PageHandle(7)
	c := newTestCache(t, r, fakeLocator{page: pageAt("/data/a.ibd", 3)}, ExtentPolicyFirst)

	want := hinttypes.Sector((1<<20 + 3*testPageSize) / 512)
	require.Equal(t, want, c.Resolve(page))

	m, ok := c.Lookup(page)
	require.True(t, ok)
	require.Equal(t, []hinttypes.SectorRange{{Start: want, Bytes: testPageSize}}, m.Ranges)
}

// TestResolve_CachedUntilInvalidated verifies lookup_by_sector(resolve(p)) == p
// holds across repeated resolves, and that invalidate forces a fresh query.
func TestResolve_CachedUntilInvalidated(t *testing.T) {
	r := newFakeResolver()
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 8192, Length: testPageSize})
	page := hinttypes.PageHandle(1)
	c := newTestCache(t, r, fakeLocator{page: pageAt("/data/a.ibd", 0)}, ExtentPolicyFirst)

	for i := 0; i < 5; i++ {
		sector := c.Resolve(page)
		owner, ok := c.LookupBySector(sector)
		require.True(t, ok)
		require.Equal(t, page, owner)
	}
	require.Equal(t, int64(1), r.calls.Load(), "repeat resolves must be served from the cache")

	c.Invalidate(page)
	_, ok := c.LookupBySector(16)
	require.False(t, ok)
	_, ok = c.Lookup(page)
	require.False(t, ok)

	require.Equal(t, hinttypes.Sector(16), c.Resolve(page))
	require.Equal(t, int64(2), r.calls.Load(), "resolve after invalidate must query the filesystem again")

	stats := c.Stats()
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, uint64(2), stats.Queries)
	require.Equal(t, uint64(4), stats.Hits)
}

// TestResolve_FailureLeavesNoEntry covers the failed-resolution scenario.
func TestResolve_FailureLeavesNoEntry(t *testing.T) {
	r := newFakeResolver()
	pageB := hinttypes.PageHandle(2)
	c := newTestCache(t, r, fakeLocator{pageB: pageAt("/data/b.ibd", 0)}, ExtentPolicyFirst)

	require.Equal(t, hinttypes.UnknownSector, c.Resolve(pageB))
	require.Zero(t, c.Len())
	_, ok := c.Lookup(pageB)
	require.False(t, ok)
	require.Equal(t, uint64(1), c.Stats().Failures)
}

func TestResolve_NotResident(t *testing.T) {
	r := newFakeResolver()
	c := newTestCache(t, r, fakeLocator{}, ExtentPolicyFirst)

	require.Equal(t, hinttypes.UnknownSector, c.Resolve(hinttypes.PageHandle(99)))
	require.Zero(t, r.calls.Load())
}

func TestResolve_UnalignedExtentFails(t *testing.T) {
	r := newFakeResolver()
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 8193, Length: testPageSize})
	page := hinttypes.PageHandle(1)
	c := newTestCache(t, r, fakeLocator{page: pageAt("/data/a.ibd", 0)}, ExtentPolicyFirst)

	require.Equal(t, hinttypes.UnknownSector, c.Resolve(page))
	require.Zero(t, c.Len())
}

// TestResolve_ConcurrentMissesQueryOnce fires many goroutines at the same
// never-seen page; exactly one extent query may run and every goroutine must
// observe the same mapping.
func TestResolve_ConcurrentMissesQueryOnce(t *testing.T) {
	r := newFakeResolver()
	r.delay = 20 * time.Millisecond
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 64 * 1024, Length: testPageSize})
	page := hinttypes.PageHandle(5)
	c := newTestCache(t, r, fakeLocator{page: pageAt("/data/a.ibd", 0)}, ExtentPolicyFirst)

	const goroutines = 32
	var wg sync.WaitGroup
	results := make([]hinttypes.Sector, goroutines)
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = c.Resolve(page)
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int64(1), r.calls.Load())
	for _, s := range results {
		require.Equal(t, hinttypes.Sector(128), s)
	}
	owner, ok := c.LookupBySector(128)
	require.True(t, ok)
	require.Equal(t, page, owner)
}

// TestMappingsStayMirrored hammers resolve/invalidate on distinct pages and
// then checks that forward and backward maps mirror each other exactly.
func TestMappingsStayMirrored(t *testing.T) {
	r := newFakeResolver()
	locator := fakeLocator{}
	for i := 1; i <= 64; i++ {
		path := "/data/space.ibd"
		locator[hinttypes.PageHandle(i)] = pageAt(path, int64(i))
	}
	r.set("/data/space.ibd", extentresolver.Extent{Logical: 0, Physical: 1 << 30, Length: 1 << 30})
	c := newTestCache(t, r, locator, ExtentPolicyFirst)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 64; i++ {
				page := hinttypes.PageHandle(i)
				c.Resolve(page)
				if (i+w)%3 == 0 {
					c.Invalidate(page)
				}
			}
		}(w)
	}
	wg.Wait()

	c.mu.RLock()
	defer c.mu.RUnlock()
	require.Equal(t, len(c.forward), len(c.backward))
	for page, m := range c.forward {
		require.Equal(t, page, c.backward[m.Sector])
	}
}

// TestInsert_ReplacesStaleOwner simulates a page re-fetched under a new
// handle: the old handle must not keep pointing at the reused sector.
func TestInsert_ReplacesStaleOwner(t *testing.T) {
	r := newFakeResolver()
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 8192, Length: testPageSize})
	oldHandle, newHandle := hinttypes.PageHandle(1), hinttypes.PageHandle(2)
	loc := pageAt("/data/a.ibd", 0)
	c := newTestCache(t, r, fakeLocator{oldHandle: loc, newHandle: loc}, ExtentPolicyFirst)

	require.Equal(t, hinttypes.Sector(16), c.Resolve(oldHandle))
	require.Equal(t, hinttypes.Sector(16), c.Resolve(newHandle))

	_, ok := c.Lookup(oldHandle)
	require.False(t, ok)
	owner, ok := c.LookupBySector(16)
	require.True(t, ok)
	require.Equal(t, newHandle, owner)
	require.Equal(t, 1, c.Len())
}

// TestResolveAt_RetiredPageIsNotCached resolves a page whose handle stopped
// being located, or now locates elsewhere, while the request was queued.
func TestResolveAt_RetiredPageIsNotCached(t *testing.T) {
	r := newFakeResolver()
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 8192, Length: 1 << 20})
	page := hinttypes.PageHandle(4)
	loc := pageAt("/data/a.ibd", 0)
	locator := fakeLocator{}
	c := newTestCache(t, r, locator, ExtentPolicyFirst)

	m, ok := c.ResolveAt(page, loc)
	require.True(t, ok, "the mapping is still returned for the hint")
	require.Equal(t, hinttypes.Sector(16), m.Sector)
	require.Zero(t, c.Len())
	_, ok = c.LookupBySector(16)
	require.False(t, ok)

	locator[page] = pageAt("/data/a.ibd", 1)
	_, ok = c.ResolveAt(page, loc)
	require.True(t, ok)
	require.Zero(t, c.Len(), "handle now names another page")

	m, ok = c.ResolveAt(page, locator[page])
	require.True(t, ok)
	require.Equal(t, hinttypes.Sector(48), m.Sector)
	owner, ok := c.LookupBySector(48)
	require.True(t, ok)
	require.Equal(t, page, owner)
}

func TestResolve_AllExtentsPolicy(t *testing.T) {
	r := newFakeResolver()
	// The page at [16K, 32K) straddles two discontiguous extents.
	r.set("/data/a.ibd",
		extentresolver.Extent{Logical: 0, Physical: 1 << 20, Length: 24 * 1024},
		extentresolver.Extent{Logical: 24 * 1024, Physical: 4 << 20, Length: 1 << 20},
	)
	page := hinttypes.PageHandle(3)
	c := newTestCache(t, r, fakeLocator{page: pageAt("/data/a.ibd", 1)}, ExtentPolicyAll)

	m, ok := c.ResolveAt(page, pageAt("/data/a.ibd", 1))
	require.True(t, ok)
	require.Equal(t, []hinttypes.SectorRange{
		{Start: hinttypes.Sector((1<<20 + 16*1024) / 512), Bytes: 8 * 1024},
		{Start: hinttypes.Sector((4 << 20) / 512), Bytes: 8 * 1024},
	}, m.Ranges)
	require.Equal(t, m.Ranges[0].Start, m.Sector)
}

func TestResolveUncached_DoesNotInsert(t *testing.T) {
	r := newFakeResolver()
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 8192, Length: testPageSize})
	c := newTestCache(t, r, nil, ExtentPolicyFirst)

	m, ok := c.ResolveUncached(pageAt("/data/a.ibd", 0))
	require.True(t, ok)
	require.Equal(t, hinttypes.Sector(16), m.Sector)
	require.Zero(t, c.Len())
}

func TestClearAll(t *testing.T) {
	r := newFakeResolver()
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 0, Length: 1 << 20})
	locator := fakeLocator{1: pageAt("/data/a.ibd", 0), 2: pageAt("/data/a.ibd", 1)}
	c := newTestCache(t, r, locator, ExtentPolicyFirst)

	c.Resolve(1)
	c.Resolve(2)
	require.Equal(t, 2, c.Len())

	c.ClearAll()
	require.Zero(t, c.Len())
	_, ok := c.LookupBySector(0)
	require.False(t, ok)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, Options{})
	require.Error(t, err)

	_, err = New(newFakeResolver(), nil, Options{SectorSize: 520})
	require.ErrorIs(t, err, ErrInvalidSectorLen)

	_, err = New(newFakeResolver(), nil, Options{Policy: "some"})
	require.ErrorIs(t, err, ErrInvalidPolicy)

	c, err := New(newFakeResolver(), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, uint64(512), c.SectorSize())
	require.Equal(t, ExtentPolicyFirst, c.Policy())
}

type recordingMetrics struct {
	hits, misses, resolves, failures atomic.Int64
}

func (m *recordingMetrics) ObserveLookup(hit bool) {
	if hit {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
	}
}

func (m *recordingMetrics) ObserveResolve(_ time.Duration, err error) {
	m.resolves.Add(1)
	if err != nil {
		m.failures.Add(1)
	}
}

func TestMetricsObserved(t *testing.T) {
	r := newFakeResolver()
	r.set("/data/a.ibd", extentresolver.Extent{Logical: 0, Physical: 8192, Length: testPageSize})
	m := &recordingMetrics{}
	c, err := New(r, fakeLocator{1: pageAt("/data/a.ibd", 0), 2: pageAt("/data/b.ibd", 0)},
		Options{Metrics: m})
	require.NoError(t, err)

	c.Resolve(1)
	c.Resolve(1)
	c.Resolve(2)

	require.Equal(t, int64(1), m.hits.Load())
	require.Equal(t, int64(2), m.misses.Load())
	require.Equal(t, int64(2), m.resolves.Load())
	require.Equal(t, int64(1), m.failures.Load())
}
