package pagemanager

import (
	"container/list" // For LRU
	"fmt"
	"sync"
	"time"

	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
)

// SpaceID names one data file managed by the disk manager.
type SpaceID uint32

// PageNo is the index of a page inside its space. Page 0 holds the space
// header.
type PageNo uint32

// HeaderPageNo holds the space header and is never buffered.
const HeaderPageNo PageNo = 0

// PageID represents a unique identifier for a page on disk.
type PageID struct {
	Space  SpaceID
	PageNo PageNo
}

// InvalidPageID marks an empty frame.
var InvalidPageID = PageID{Space: 0, PageNo: HeaderPageNo}

func (id PageID) Valid() bool { return id.PageNo != HeaderPageNo }

func (id PageID) String() string { return fmt.Sprintf("%d:%d", id.Space, id.PageNo) }

// MakeHandle packs a frame index and its residency generation into a hint
// handle. Generations start at 1, so a valid handle is never zero.
func MakeHandle(frame int, generation uint32) hinttypes.PageHandle {
	return hinttypes.PageHandle(uint64(generation)<<32 | uint64(uint32(frame)))
}

// HandleFrame is the frame index encoded in h.
func HandleFrame(h hinttypes.PageHandle) int { return int(uint32(h)) }

// HandleGeneration is the frame residency counter encoded in h.
func HandleGeneration(h hinttypes.PageHandle) uint32 { return uint32(uint64(h) >> 32) }

// Page represents an in-memory copy of a disk page.
type Page struct {
	id       PageID
	handle   hinttypes.PageHandle
	data     []byte
	pinCount uint32
	isDirty  bool
	// For LRU
	lruElement *list.Element

	// latch protects the in-memory contents of this page.
	latch     sync.RWMutex
	updatedAt time.Time
}

// NewPage creates an empty frame of the given size.
func NewPage(size int) *Page {
	return &Page{
		id:   InvalidPageID,
		data: make([]byte, size),
	}
}

// Reset returns the frame to the unused state and zeroes its data.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.handle = hinttypes.InvalidPageHandle
	p.pinCount = 0
	p.isDirty = false
	p.lruElement = nil
	clear(p.data)
}

func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }
func (p *Page) GetData() []byte                  { return p.data }
func (p *Page) SetData(newData []byte)           { copy(p.data, newData) }
func (p *Page) GetPageID() PageID                { return p.id }
func (p *Page) SetPageID(id PageID)              { p.id = id }
func (p *Page) Handle() hinttypes.PageHandle     { return p.handle }
func (p *Page) SetHandle(h hinttypes.PageHandle) { p.handle = h }
func (p *Page) IsDirty() bool                    { return p.isDirty }
func (p *Page) SetDirty(dirty bool)              { p.isDirty = dirty }
func (p *Page) Pin()                             { p.pinCount++ }
func (p *Page) GetPinCount() uint32              { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32)      { p.pinCount = pinCount }
func (p *Page) UpdatedAt(t time.Time)            { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time          { return p.updatedAt }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

func (p *Page) TryLock() bool { return p.latch.TryLock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }
