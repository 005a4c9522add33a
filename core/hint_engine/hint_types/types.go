// Package hinttypes holds the identifiers shared by the buffer pool and the
// NVMe lifecycle hint engine.
package hinttypes

import (
	"fmt"
	"math"
)

// DefaultSectorSize is the logical block size of the NVMe namespace.
const DefaultSectorSize = 512

// PageHandle identifies one residency of a page in a buffer-pool frame.
// The hint engine never dereferences it; it is only compared and hashed.
// The buffer pool must invalidate a handle's mapping before it can be
// handed out again.
type PageHandle uint64

// InvalidPageHandle is never assigned to a resident page.
const InvalidPageHandle PageHandle = 0

// Sector is a device logical block address.
type Sector uint64

// UnknownSector marks a page whose sector is not resolved or could not be.
const UnknownSector Sector = math.MaxUint64

// Known reports whether s is a resolved sector.
func (s Sector) Known() bool { return s != UnknownSector }

// SectorRange is a run of device blocks backing (part of) a page.
type SectorRange struct {
	Start Sector
	Bytes uint64
}

// Lifecycle is the buffer state carried in the DSM context attribute.
type Lifecycle uint32

const (
	LifecycleClean Lifecycle = iota + 1
	LifecycleDirty
	LifecycleEvicted
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleClean:
		return "clean"
	case LifecycleDirty:
		return "dirty"
	case LifecycleEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("lifecycle(%d)", uint32(l))
	}
}

// ParseLifecycle maps "clean", "dirty" or "evicted" to its Lifecycle.
func ParseLifecycle(s string) (Lifecycle, error) {
	switch s {
	case "clean":
		return LifecycleClean, nil
	case "dirty":
		return LifecycleDirty, nil
	case "evicted":
		return LifecycleEvicted, nil
	}
	return 0, fmt.Errorf("unknown lifecycle state %q", s)
}

// PageLocation is where a resident page lives in its backing file.
type PageLocation struct {
	Path   string
	Offset int64 // page_no * physical page size
	Size   int64 // physical page size in bytes
}

// Valid reports whether l names a non-empty window of a file.
func (l PageLocation) Valid() bool {
	return l.Path != "" && l.Offset >= 0 && l.Size > 0
}

// PageLocator answers "which file and byte range backs this page handle".
// Implementations must not block on I/O; it is called on the notify path.
// A retired page must stop being located before its mapping is invalidated.
type PageLocator interface {
	Locate(page PageHandle) (PageLocation, bool)
}
