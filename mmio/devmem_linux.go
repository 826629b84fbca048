//go:build linux

package mmio

import (
	"fmt"
	"os"
	"runtime"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// pageSize is read once; mmap offsets must be page-aligned.
var pageSize = uintptr(unix.Getpagesize())

// DevMemMapper maps physical address ranges via /dev/mem. It is the
// userspace stand-in for the privileged physical-to-virtual mapping a real
// kernel-mode driver performs directly.
type DevMemMapper struct{}

// NewDevMemMapper returns a Mapper backed by /dev/mem.
func NewDevMemMapper() *DevMemMapper {
	return &DevMemMapper{}
}

// Map implements Mapper.
func (m *DevMemMapper) Map(phys uint64, length uintptr, kind CacheKind) (Mapping, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		glog.V(2).Infof("mmio: open /dev/mem failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}

	base := uintptr(phys)
	aligned := base &^ (pageSize - 1)
	pageOffset := base - aligned
	mapLen := int(pageOffset) + int(length)

	data, err := unix.Mmap(int(f.Fd()), int64(aligned), mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		glog.V(2).Infof("mmio: mmap phys=0x%x len=%d failed: %v", phys, length, err)
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}

	return &devMemMapping{
		f:          f,
		data:       data,
		pageOffset: pageOffset,
		length:     length,
	}, nil
}

type devMemMapping struct {
	f          *os.File
	data       []byte
	pageOffset uintptr
	length     uintptr
}

func (d *devMemMapping) window(offset uintptr, size uintptr) []byte {
	start := d.pageOffset + offset
	w := d.data[start : start+size]
	// Defeat any compiler reordering of accesses to d.data relative to
	// the slice we just took: the caller treats this as the acquire/
	// release fence boundary described in the MmioMapper contract.
	runtime.KeepAlive(d.data)
	return w
}

func (d *devMemMapping) Read8(offset uintptr) (uint8, error) {
	return d.window(offset, 1)[0], nil
}

func (d *devMemMapping) Read16(offset uintptr) (uint16, error) {
	w := d.window(offset, 2)
	return uint16(w[0]) | uint16(w[1])<<8, nil
}

func (d *devMemMapping) Read32(offset uintptr) (uint32, error) {
	w := d.window(offset, 4)
	return uint32(w[0]) | uint32(w[1])<<8 | uint32(w[2])<<16 | uint32(w[3])<<24, nil
}

func (d *devMemMapping) Read64(offset uintptr) (uint64, error) {
	lo, err := d.Read32(offset)
	if err != nil {
		return 0, err
	}
	hi, err := d.Read32(offset + 4)
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func (d *devMemMapping) Write8(offset uintptr, v uint8) error {
	d.window(offset, 1)[0] = v
	return nil
}

func (d *devMemMapping) Write16(offset uintptr, v uint16) error {
	w := d.window(offset, 2)
	w[0] = byte(v)
	w[1] = byte(v >> 8)
	return nil
}

func (d *devMemMapping) Write32(offset uintptr, v uint32) error {
	w := d.window(offset, 4)
	w[0] = byte(v)
	w[1] = byte(v >> 8)
	w[2] = byte(v >> 16)
	w[3] = byte(v >> 24)
	return nil
}

func (d *devMemMapping) Write64(offset uintptr, v uint64) error {
	if err := d.Write32(offset, uint32(v)); err != nil {
		return err
	}
	return d.Write32(offset+4, uint32(v>>32))
}

func (d *devMemMapping) ReadBytes(offset uintptr, p []byte) error {
	w := d.window(offset, uintptr(len(p)))
	for i := range p {
		p[i] = w[i]
	}
	return nil
}

func (d *devMemMapping) WriteBytes(offset uintptr, p []byte) error {
	w := d.window(offset, uintptr(len(p)))
	for i := range p {
		w[i] = p[i]
	}
	return nil
}

func (d *devMemMapping) Close() error {
	err := unix.Munmap(d.data)
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	return err
}
