package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound      = errors.New("page not found in buffer pool")
	ErrBufferPoolFull    = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned        = errors.New("page is pinned and cannot be evicted")
	ErrIO                = errors.New("i/o error")
	ErrSerialization     = errors.New("error during serialization")
	ErrDeserialization   = errors.New("error during deserialization")
	ErrInvalidPageData   = errors.New("invalid page data")
	ErrSpaceNotFound     = errors.New("space not open in disk manager")
	ErrInvalidSpaceFile  = errors.New("file is not a space file")
	ErrPageSizeMismatch  = errors.New("space page size does not match disk manager page size")
	ErrPageOutOfRange    = errors.New("page number beyond end of space")
	ErrDiskManagerClosed = errors.New("disk manager is closed")
)
