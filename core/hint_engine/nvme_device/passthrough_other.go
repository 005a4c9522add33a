//go:build !linux

package nvmedevice

func (o *PassthroughOpener) Open() (Device, error) {
	return nil, ErrUnsupported
}
