// Package nvmedevice issues Dataset Management lifecycle hints to an NVMe
// namespace.
package nvmedevice

import (
	"errors"
	"fmt"
	"math"

	hinttypes "github.com/sushant-115/nvmehint/core/hint_engine/hint_types"
)

// DSM attribute bits (command dword 11).
const (
	DSMAttrIntegralRead  uint32 = 1 << 0
	DSMAttrIntegralWrite uint32 = 1 << 1
	DSMAttrDeallocate    uint32 = 1 << 2
	// DSMAttrBufferHint marks the range attribute as a host buffer
	// lifecycle state. Vendor extension, overridable through config.
	DSMAttrBufferHint uint32 = 1 << 3
)

const (
	DefaultDevicePath  = "/dev/nvme0n1"
	DefaultNamespaceID = 1

	opcodeDatasetManagement = 0x09
	dsmRangeSize            = 16
)

var (
	ErrDeviceClosed  = errors.New("nvme device handle is closed")
	ErrCommandFailed = errors.New("nvme dataset management command failed")
	ErrUnsupported   = errors.New("nvme passthrough not supported on this platform")
	ErrEmptyRange    = errors.New("hint range covers no bytes")
	ErrRangeTooLarge = errors.New("hint range exceeds one dsm range")
)

// Command is one single-range lifecycle hint.
type Command struct {
	SLBA        uint64 // starting logical block
	NLB         uint32 // block count minus one
	ContextAttr uint32 // lifecycle flag
}

// Device is a single-owner handle to the namespace.
type Device interface {
	SendHint(cmd Command) error
	Close() error
}

// Opener produces a fresh Device for each hint worker.
type Opener interface {
	Open() (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func() (Device, error)

func (f OpenerFunc) Open() (Device, error) { return f() }

// CommandFor converts one sector range into a hint command. The block count
// uses the zero-based convention of the DSM range: ceil(bytes/sector) - 1.
func CommandFor(r hinttypes.SectorRange, sectorSize uint64, flag hinttypes.Lifecycle) (Command, error) {
	if r.Bytes == 0 {
		return Command{}, ErrEmptyRange
	}
	if sectorSize == 0 {
		sectorSize = hinttypes.DefaultSectorSize
	}
	blocks := (r.Bytes + sectorSize - 1) / sectorSize
	if blocks-1 > math.MaxUint32 {
		return Command{}, fmt.Errorf("%w: %d blocks", ErrRangeTooLarge, blocks)
	}
	return Command{
		SLBA:        uint64(r.Start),
		NLB:         uint32(blocks - 1),
		ContextAttr: uint32(flag),
	}, nil
}

// CommandsFor builds one command per range.
func CommandsFor(ranges []hinttypes.SectorRange, sectorSize uint64, flag hinttypes.Lifecycle) ([]Command, error) {
	cmds := make([]Command, 0, len(ranges))
	for _, r := range ranges {
		cmd, err := CommandFor(r, sectorSize, flag)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// PassthroughOpener opens the namespace block device for NVMe I/O
// passthrough.
type PassthroughOpener struct {
	Path        string
	NamespaceID uint32
	Attributes  uint32
}

// NewPassthroughOpener fills zero arguments with the default device,
// namespace and attribute bits.
func NewPassthroughOpener(path string, nsid, attrs uint32) *PassthroughOpener {
	if path == "" {
		path = DefaultDevicePath
	}
	if nsid == 0 {
		nsid = DefaultNamespaceID
	}
	if attrs == 0 {
		attrs = DSMAttrBufferHint
	}
	return &PassthroughOpener{Path: path, NamespaceID: nsid, Attributes: attrs}
}
