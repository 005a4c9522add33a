package memtable

import (
	"container/list" // For LRU
	"fmt"
	"sync"

	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
	flushmanager "github.com/sushant-115/nvmehint/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/nvmehint/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// HintSink receives page lifecycle transitions. Calls are made while the
// buffer pool lock is held and must not block.
type HintSink interface {
	NotifyClean(page hinttypes.PageHandle)
	NotifyDirty(page hinttypes.PageHandle)
	NotifyEvicted(page hinttypes.PageHandle)
	InvalidateMapping(page hinttypes.PageHandle)
}

type nopSink struct{}

func (nopSink) NotifyClean(hinttypes.PageHandle)       {}
func (nopSink) NotifyDirty(hinttypes.PageHandle)       {}
func (nopSink) NotifyEvicted(hinttypes.PageHandle)     {}
func (nopSink) InvalidateMapping(hinttypes.PageHandle) {}

// BufferPoolManager manages in-memory pages (frames) and interacts with the DiskManager.
// It implements a simple LRU (Least Recently Used) eviction policy and reports
// every frame state change to its HintSink.
type BufferPoolManager struct {
	diskManager *flushmanager.DiskManager
	poolSize    int
	pages       []*pagemanager.Page        // Page frames
	generations []uint32                   // residency counter per frame
	pageTable   map[pagemanager.PageID]int // PageID to frame index
	lruList     *list.List                 // front is most recently used; stores frame indices
	mu          sync.Mutex
	pageSize    int
	sink        HintSink
	logger      *zap.Logger

	// resident is guarded by its own lock so Locate never waits on mu; the
	// sink calls back into Locate while mu is held.
	resMu    sync.RWMutex
	resident map[hinttypes.PageHandle]hinttypes.PageLocation
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(poolSize int, diskManager *flushmanager.DiskManager, logger *zap.Logger) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, fmt.Errorf("buffer pool requires a disk manager")
	}
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer pool size must be positive, got %d", poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    poolSize,
		pages:       make([]*pagemanager.Page, poolSize),
		generations: make([]uint32, poolSize),
		pageTable:   make(map[pagemanager.PageID]int),
		lruList:     list.New(),
		pageSize:    diskManager.GetPageSize(),
		sink:        nopSink{},
		logger:      logger.Named("buffer_pool"),
		resident:    make(map[hinttypes.PageHandle]hinttypes.PageLocation),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(bpm.pageSize)
	}
	bpm.logger.Info("BufferPoolManager initialized", zap.Int("poolSize", poolSize), zap.Int("pageSize", bpm.pageSize))
	return bpm, nil
}

// SetHintSink installs the receiver of lifecycle transitions. nil restores
// the no-op sink.
func (bpm *BufferPoolManager) SetHintSink(sink HintSink) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if sink == nil {
		sink = nopSink{}
	}
	bpm.sink = sink
}

// Locate implements hinttypes.PageLocator.
func (bpm *BufferPoolManager) Locate(page hinttypes.PageHandle) (hinttypes.PageLocation, bool) {
	bpm.resMu.RLock()
	defer bpm.resMu.RUnlock()
	loc, ok := bpm.resident[page]
	return loc, ok
}

func (bpm *BufferPoolManager) GetPageSize() int { return bpm.pageSize }

func (bpm *BufferPoolManager) PoolSize() int { return bpm.poolSize }

// ResidentPages is the number of frames currently holding a page.
func (bpm *BufferPoolManager) ResidentPages() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return len(bpm.pageTable)
}

// HandleOf returns the residency handle of a page in the pool.
func (bpm *BufferPoolManager) HandleOf(pageID pagemanager.PageID) (hinttypes.PageHandle, bool) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return hinttypes.InvalidPageHandle, false
	}
	return bpm.pages[frameIdx].Handle(), true
}

// FetchPage retrieves a page from the buffer pool. If not present, it fetches from disk.
// It pins the page and moves it to the front of the LRU list. A page read
// from disk is reported clean.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameIdx]
		page.Pin()
		bpm.touchLocked(page)
		return page, nil
	}

	loc, ok := bpm.diskManager.PageLocation(pageID)
	if !ok {
		return nil, fmt.Errorf("%w: page %s is not on disk", flushmanager.ErrPageNotFound, pageID)
	}

	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		bpm.logger.Warn("No frame available for page", zap.Stringer("page", pageID), zap.Error(err))
		return nil, err
	}
	if err := bpm.retireFrameLocked(frameIdx); err != nil {
		return nil, err
	}

	page := bpm.pages[frameIdx]
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		page.Reset()
		return nil, fmt.Errorf("failed to read page %s from disk: %w", pageID, err)
	}

	handle := bpm.admitLocked(frameIdx, pageID, loc)
	bpm.logger.Debug("Page loaded", zap.Stringer("page", pageID), zap.Int("frame", frameIdx))
	bpm.sink.NotifyClean(handle)
	return page, nil
}

// NewPage allocates a new page in space and places it, pinned and dirty, in
// the pool.
func (bpm *BufferPoolManager) NewPage(space pagemanager.SpaceID) (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		return nil, pagemanager.InvalidPageID, err
	}
	if err := bpm.retireFrameLocked(frameIdx); err != nil {
		return nil, pagemanager.InvalidPageID, err
	}

	pageID, err := bpm.diskManager.AllocatePage(space)
	if err != nil {
		return nil, pagemanager.InvalidPageID, fmt.Errorf("failed to allocate page in space %d: %w", space, err)
	}
	loc, _ := bpm.diskManager.PageLocation(pageID)

	handle := bpm.admitLocked(frameIdx, pageID, loc)
	page := bpm.pages[frameIdx]
	page.SetDirty(true)
	bpm.logger.Debug("New page allocated", zap.Stringer("page", pageID), zap.Int("frame", frameIdx))
	bpm.sink.NotifyDirty(handle)
	return page, pageID, nil
}

// UnpinPage decrements the pin count for a page. If isDirty is true, it
// marks the page dirty; only the clean to dirty transition is reported.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %s not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if page.GetPinCount() == 0 {
		return fmt.Errorf("cannot unpin page %s with pin count 0", pageID)
	}
	page.Unpin()

	if isDirty && !page.IsDirty() {
		page.SetDirty(true)
		bpm.sink.NotifyDirty(page.Handle())
	}
	return nil
}

// FlushPage writes a dirty page to disk and reports it clean.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %s not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	if err := bpm.flushFrameLocked(frameIdx); err != nil {
		return err
	}
	return bpm.diskManager.Sync()
}

// FlushAllPages flushes all dirty pages in the buffer pool to disk.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	flushed := 0
	for frameIdx, page := range bpm.pages {
		if !page.GetPageID().Valid() || !page.IsDirty() {
			continue
		}
		if err := bpm.flushFrameLocked(frameIdx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		flushed++
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	bpm.logger.Debug("Flushed dirty pages", zap.Int("count", flushed))
	return firstErr
}

// EvictPage writes back and removes an unpinned page from the pool.
func (bpm *BufferPoolManager) EvictPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %s not found to evict", flushmanager.ErrPageNotFound, pageID)
	}
	if bpm.pages[frameIdx].GetPinCount() > 0 {
		return fmt.Errorf("%w: page %s", flushmanager.ErrPagePinned, pageID)
	}
	return bpm.retireFrameLocked(frameIdx)
}

// EvictAll retires every unpinned frame. It is used at shutdown.
func (bpm *BufferPoolManager) EvictAll() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	for frameIdx, page := range bpm.pages {
		if !page.GetPageID().Valid() || page.GetPinCount() > 0 {
			continue
		}
		if err := bpm.retireFrameLocked(frameIdx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// getVictimFrameInternal finds an unpinned page to evict.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) getVictimFrameInternal() (int, error) {
	for i, page := range bpm.pages {
		if !page.GetPageID().Valid() {
			return i, nil
		}
	}
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		if bpm.pages[frameIdx].GetPinCount() == 0 {
			return frameIdx, nil
		}
	}
	return -1, flushmanager.ErrBufferPoolFull
}

func (bpm *BufferPoolManager) touchLocked(page *pagemanager.Page) {
	if page.GetLruElement() != nil {
		bpm.lruList.MoveToFront(page.GetLruElement())
	}
}

// admitLocked binds pageID to an empty frame under a fresh handle.
func (bpm *BufferPoolManager) admitLocked(frameIdx int, pageID pagemanager.PageID, loc hinttypes.PageLocation) hinttypes.PageHandle {
	bpm.generations[frameIdx]++
	if bpm.generations[frameIdx] == 0 {
		bpm.generations[frameIdx] = 1
	}
	handle := pagemanager.MakeHandle(frameIdx, bpm.generations[frameIdx])

	page := bpm.pages[frameIdx]
	page.SetPageID(pageID)
	page.SetHandle(handle)
	page.SetPinCount(1)
	page.SetDirty(false)
	page.SetLruElement(bpm.lruList.PushFront(frameIdx))
	bpm.pageTable[pageID] = frameIdx

	bpm.resMu.Lock()
	bpm.resident[handle] = loc
	bpm.resMu.Unlock()
	return handle
}

func (bpm *BufferPoolManager) flushFrameLocked(frameIdx int) error {
	page := bpm.pages[frameIdx]
	if !page.IsDirty() {
		return nil
	}
	if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
		bpm.logger.Error("Failed to flush page", zap.Stringer("page", page.GetPageID()), zap.Error(err))
		return fmt.Errorf("failed to flush page %s: %w", page.GetPageID(), err)
	}
	page.SetDirty(false)
	bpm.sink.NotifyClean(page.Handle())
	return nil
}

// retireFrameLocked writes back a dirty frame, reports the eviction while
// the page can still be located, forgets the residency and then drops the
// sector mapping. A hint still in flight for the handle finds it gone and
// cannot cache it again. An empty frame is a no-op.
func (bpm *BufferPoolManager) retireFrameLocked(frameIdx int) error {
	page := bpm.pages[frameIdx]
	pageID := page.GetPageID()
	if !pageID.Valid() {
		return nil
	}
	if page.IsDirty() {
		if err := bpm.diskManager.WritePage(pageID, page.GetData()); err != nil {
			return fmt.Errorf("failed to flush dirty victim page %s: %w", pageID, err)
		}
		page.SetDirty(false)
	}

	handle := page.Handle()
	bpm.sink.NotifyEvicted(handle)

	bpm.resMu.Lock()
	delete(bpm.resident, handle)
	bpm.resMu.Unlock()
	bpm.sink.InvalidateMapping(handle)

	delete(bpm.pageTable, pageID)
	if page.GetLruElement() != nil {
		bpm.lruList.Remove(page.GetLruElement())
	}
	page.Reset()
	bpm.logger.Debug("Page evicted", zap.Stringer("page", pageID), zap.Int("frame", frameIdx))
	return nil
}
