package flushmanager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
	pagemanager "github.com/sushant-115/nvmehint/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const (
	SpaceMagic   uint32 = 0x4E564D48 // "NVMH"
	SpaceVersion uint32 = 1

	spaceHeaderSize = 16
	// MinPageSize keeps every page a whole number of device sectors.
	MinPageSize = hinttypes.DefaultSectorSize
)

// spaceHeader is stored at the start of page 0 of every space file.
type spaceHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	_        uint32
}

type spaceFile struct {
	path     string
	file     *os.File
	numPages uint32
}

// DiskManager reads and writes fixed-size pages of one or more space files.
// Page N of a space lives at byte offset N*pageSize.
type DiskManager struct {
	pageSize int
	logger   *zap.Logger

	mu     sync.Mutex
	spaces map[pagemanager.SpaceID]*spaceFile
	byPath map[string]pagemanager.SpaceID
	nextID pagemanager.SpaceID
	closed bool
}

// NewDiskManager creates a disk manager with no open spaces.
func NewDiskManager(pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if pageSize < MinPageSize || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d must be a power of two of at least %d bytes", pageSize, MinPageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskManager{
		pageSize: pageSize,
		logger:   logger.Named("disk_manager"),
		spaces:   make(map[pagemanager.SpaceID]*spaceFile),
		byPath:   make(map[string]pagemanager.SpaceID),
		nextID:   1,
	}, nil
}

func (dm *DiskManager) GetPageSize() int { return dm.pageSize }

// OpenSpace opens path as a space file, creating and formatting it when it
// does not exist. Opening an already open path returns its existing id.
func (dm *DiskManager) OpenSpace(path string) (pagemanager.SpaceID, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("%w: resolving %s: %v", ErrIO, path, err)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return 0, ErrDiskManagerClosed
	}
	if id, ok := dm.byPath[abs]; ok {
		return id, nil
	}

	file, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: opening space %s: %v", ErrIO, abs, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, abs, err)
	}

	sf := &spaceFile{path: abs, file: file}
	if fi.Size() == 0 {
		if err := dm.formatSpace(sf); err != nil {
			file.Close()
			return 0, err
		}
	} else {
		if err := dm.checkHeader(sf); err != nil {
			file.Close()
			return 0, err
		}
		sf.numPages = uint32(fi.Size() / int64(dm.pageSize))
	}

	id := dm.nextID
	dm.nextID++
	dm.spaces[id] = sf
	dm.byPath[abs] = id
	dm.logger.Info("Space opened",
		zap.Uint32("space", uint32(id)),
		zap.String("path", abs),
		zap.Uint32("pages", sf.numPages))
	return id, nil
}

func (dm *DiskManager) formatSpace(sf *spaceFile) error {
	buf := new(bytes.Buffer)
	header := spaceHeader{Magic: SpaceMagic, Version: SpaceVersion, PageSize: uint32(dm.pageSize)}
	if err := binary.Write(buf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: space header: %v", ErrSerialization, err)
	}
	page := make([]byte, dm.pageSize)
	copy(page, buf.Bytes())
	if _, err := sf.file.WriteAt(page, 0); err != nil {
		return fmt.Errorf("%w: writing space header: %v", ErrIO, err)
	}
	if err := sf.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing space header: %v", ErrIO, err)
	}
	sf.numPages = 1
	return nil
}

func (dm *DiskManager) checkHeader(sf *spaceFile) error {
	data := make([]byte, spaceHeaderSize)
	if _, err := sf.file.ReadAt(data, 0); err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: %s is too short", ErrInvalidSpaceFile, sf.path)
		}
		return fmt.Errorf("%w: reading space header: %v", ErrIO, err)
	}
	var header spaceHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: space header: %v", ErrDeserialization, err)
	}
	if header.Magic != SpaceMagic {
		return fmt.Errorf("%w: %s has magic 0x%x", ErrInvalidSpaceFile, sf.path, header.Magic)
	}
	if header.PageSize != uint32(dm.pageSize) {
		return fmt.Errorf("%w: %s uses %d, configured %d", ErrPageSizeMismatch, sf.path, header.PageSize, dm.pageSize)
	}
	return nil
}

func (dm *DiskManager) spaceLocked(id pagemanager.SpaceID) (*spaceFile, error) {
	if dm.closed {
		return nil, ErrDiskManagerClosed
	}
	sf, ok := dm.spaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSpaceNotFound, id)
	}
	return sf, nil
}

func (dm *DiskManager) pageLocked(id pagemanager.PageID) (*spaceFile, int64, error) {
	sf, err := dm.spaceLocked(id.Space)
	if err != nil {
		return nil, 0, err
	}
	if !id.Valid() || uint32(id.PageNo) >= sf.numPages {
		return nil, 0, fmt.Errorf("%w: page %s of %d", ErrPageOutOfRange, id, sf.numPages)
	}
	return sf, int64(id.PageNo) * int64(dm.pageSize), nil
}

// SpacePath returns the absolute path of an open space.
func (dm *DiskManager) SpacePath(id pagemanager.SpaceID) (string, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	sf, ok := dm.spaces[id]
	if !ok {
		return "", false
	}
	return sf.path, true
}

// PageLocation is the file byte range backing a page.
func (dm *DiskManager) PageLocation(id pagemanager.PageID) (hinttypes.PageLocation, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	sf, offset, err := dm.pageLocked(id)
	if err != nil {
		return hinttypes.PageLocation{}, false
	}
	return hinttypes.PageLocation{Path: sf.path, Offset: offset, Size: int64(dm.pageSize)}, true
}

// NumPages is the current length of space in pages, header included.
func (dm *DiskManager) NumPages(space pagemanager.SpaceID) (uint32, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	sf, err := dm.spaceLocked(space)
	if err != nil {
		return 0, err
	}
	return sf.numPages, nil
}

// AllocatePage extends the space by one zeroed page. The page is written
// rather than left as a hole so it has a physical extent from the start.
func (dm *DiskManager) AllocatePage(space pagemanager.SpaceID) (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	sf, err := dm.spaceLocked(space)
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	pageNo := pagemanager.PageNo(sf.numPages)
	offset := int64(pageNo) * int64(dm.pageSize)
	if _, err := sf.file.WriteAt(make([]byte, dm.pageSize), offset); err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: extending %s: %v", ErrIO, sf.path, err)
	}
	sf.numPages++
	return pagemanager.PageID{Space: space, PageNo: pageNo}, nil
}

// ReadPage reads a page's data from disk into the provided pageData buffer.
func (dm *DiskManager) ReadPage(id pagemanager.PageID, pageData []byte) error {
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: buffer size %d != page size %d", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	sf, offset, err := dm.pageLocked(id)
	if err != nil {
		return err
	}
	n, err := sf.file.ReadAt(pageData, offset)
	if err != nil && !(err == io.EOF && n == len(pageData)) {
		return fmt.Errorf("%w: reading page %s: %v", ErrIO, id, err)
	}
	return nil
}

// WritePage writes pageData to the page's slot. Durability needs Sync.
func (dm *DiskManager) WritePage(id pagemanager.PageID, pageData []byte) error {
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: buffer size %d != page size %d", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	sf, offset, err := dm.pageLocked(id)
	if err != nil {
		return err
	}
	if _, err := sf.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %s: %v", ErrIO, id, err)
	}
	return nil
}

// Sync flushes every open space to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return ErrDiskManagerClosed
	}
	for id, sf := range dm.spaces {
		if err := sf.file.Sync(); err != nil {
			return fmt.Errorf("%w: syncing space %d: %v", ErrIO, id, err)
		}
	}
	return nil
}

// Close syncs and closes all spaces. Further calls are no-ops.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.closed {
		return nil
	}
	dm.closed = true
	var firstErr error
	for id, sf := range dm.spaces {
		if err := sf.file.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: syncing space %d: %v", ErrIO, id, err)
		}
		if err := sf.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: closing space %d: %v", ErrIO, id, err)
		}
	}
	dm.logger.Info("Disk manager closed", zap.Int("spaces", len(dm.spaces)))
	return firstErr
}
