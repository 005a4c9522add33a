//go:build !linux

package extentresolver

import "os"

// FiemapResolver is only functional on Linux.
type FiemapResolver struct{}

func NewFiemapResolver() *FiemapResolver { return &FiemapResolver{} }

func (r *FiemapResolver) Resolve(f *os.File, offset, length uint64, maxExtents int) ([]Extent, error) {
	return nil, ErrUnsupported
}

func (r *FiemapResolver) ResolvePath(path string, offset, length uint64, maxExtents int) ([]Extent, error) {
	return nil, ErrUnsupported
}
