//go:build linux

package nvmedevice

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// _IOWR('N', 0x43, struct nvme_passthru_cmd)
const nvmeIoctlIoCmd = 0xC0484E43

// nvmePassthruCmd mirrors struct nvme_passthru_cmd from linux/nvme_ioctl.h.
type nvmePassthruCmd struct {
	Opcode      uint8
	Flags       uint8
	Rsvd1       uint16
	NSID        uint32
	Cdw2        uint32
	Cdw3        uint32
	Metadata    uint64
	Addr        uint64
	MetadataLen uint32
	DataLen     uint32
	Cdw10       uint32
	Cdw11       uint32
	Cdw12       uint32
	Cdw13       uint32
	Cdw14       uint32
	Cdw15       uint32
	TimeoutMs   uint32
	Result      uint32
}

// dsmRange is one Dataset Management range descriptor.
type dsmRange struct {
	ContextAttr uint32
	NLB         uint32
	SLBA        uint64
}

type passthroughDevice struct {
	fd    int
	path  string
	nsid  uint32
	attrs uint32
}

func (o *PassthroughOpener) Open() (Device, error) {
	fd, err := unix.Open(o.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open nvme device %s: %w", o.Path, err)
	}
	return &passthroughDevice{fd: fd, path: o.Path, nsid: o.NamespaceID, attrs: o.Attributes}, nil
}

// buildDSM lays out a single-range Dataset Management command. timeout_ms is
// zero: hints never time out.
func buildDSM(cmd Command, nsid, attrs uint32, rng *dsmRange) nvmePassthruCmd {
	*rng = dsmRange{ContextAttr: cmd.ContextAttr, NLB: cmd.NLB, SLBA: cmd.SLBA}
	return nvmePassthruCmd{
		Opcode:  opcodeDatasetManagement,
		NSID:    nsid,
		Addr:    uint64(uintptr(unsafe.Pointer(rng))),
		DataLen: dsmRangeSize,
		Cdw10:   0, // number of ranges, zero-based
		Cdw11:   attrs,
	}
}

func (d *passthroughDevice) SendHint(cmd Command) error {
	if d.fd < 0 {
		return ErrDeviceClosed
	}
	rng := new(dsmRange)
	pt := buildDSM(cmd, d.nsid, d.attrs, rng)
	status, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), nvmeIoctlIoCmd, uintptr(unsafe.Pointer(&pt)))
	runtime.KeepAlive(rng)
	if errno != 0 {
		return fmt.Errorf("%w: %s slba=%d: %v", ErrCommandFailed, d.path, cmd.SLBA, errno)
	}
	if status != 0 {
		return fmt.Errorf("%w: %s slba=%d: nvme status 0x%x", ErrCommandFailed, d.path, cmd.SLBA, status)
	}
	return nil
}

func (d *passthroughDevice) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
