// Package extentresolver maps a logical byte range of a file onto the
// physical extents that back it on the block device.
//
// A resolver performs exactly one filesystem query per call. It does not
// retry, cache or merge results across calls; the sector cache layered above
// it owns those concerns.
package extentresolver

import (
	"errors"
	"fmt"
	"os"
)

// MaxExtents bounds the number of extents returned by a single query.
const MaxExtents = 16

var (
	// ErrResolutionFailed is the single outcome every failure folds into.
	ErrResolutionFailed = errors.New("extent resolution failed")

	ErrNotMapped    = fmt.Errorf("%w: range has no usable physical mapping", ErrResolutionFailed)
	ErrUnsupported  = fmt.Errorf("%w: extent mapping not supported", ErrResolutionFailed)
	ErrInvalidRange = fmt.Errorf("%w: invalid byte range", ErrResolutionFailed)
)

// Extent is one contiguous run of physical storage backing a file.
type Extent struct {
	Logical  uint64 // byte offset in the file
	Physical uint64 // byte offset on the device
	Length   uint64
	Flags    uint32
}

func (e Extent) End() uint64 { return e.Logical + e.Length }

// Clip returns the part of e that overlaps [offset, offset+length), with
// Physical adjusted to the first overlapping byte.
func (e Extent) Clip(offset, length uint64) (Extent, bool) {
	start := max(e.Logical, offset)
	end := min(e.End(), offset+length)
	if start >= end {
		return Extent{}, false
	}
	return Extent{
		Logical:  start,
		Physical: e.Physical + (start - e.Logical),
		Length:   end - start,
		Flags:    e.Flags,
	}, true
}

// Resolver queries the extents backing [offset, offset+length) of an open
// file. At most maxExtents are returned.
type Resolver interface {
	Resolve(f *os.File, offset, length uint64, maxExtents int) ([]Extent, error)
}

// PathResolver is the form the sector cache consumes: it owns the
// short-lived file handle for the duration of one query.
type PathResolver interface {
	ResolvePath(path string, offset, length uint64, maxExtents int) ([]Extent, error)
}

// ResolvePath opens path read-only, runs one query through r and closes the
// file on every exit path.
func ResolvePath(r Resolver, path string, offset, length uint64, maxExtents int) ([]Extent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrResolutionFailed, path, err)
	}
	defer f.Close()
	return r.Resolve(f, offset, length, maxExtents)
}

func clampExtents(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxExtents {
		return MaxExtents
	}
	return n
}
