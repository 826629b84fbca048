package mmio

import "fmt"

// FakeMapper is an in-memory register file used in place of real hardware.
// The interface discovery tests in package tpm2 are driven against one of
// these instead of a physical register window.
type FakeMapper struct {
	// Regs backs every mapping Map returns; offset o of a Mapping obtained
	// from Map(phys, ...) addresses Regs[phys+o]. Callers size it to cover
	// every offset the test exercises.
	Regs []byte

	// MapFailures, if non-zero, causes the next N calls to Map to fail
	// with ErrMapFailed and decrements by one each time.
	MapFailures int
}

// NewFakeMapper returns a FakeMapper with n bytes of backing register space.
func NewFakeMapper(n int) *FakeMapper {
	return &FakeMapper{Regs: make([]byte, n)}
}

func (f *FakeMapper) Map(phys uint64, length uintptr, kind CacheKind) (Mapping, error) {
	if f.MapFailures > 0 {
		f.MapFailures--
		return nil, ErrMapFailed
	}
	if int(phys)+int(length) > len(f.Regs) {
		return nil, fmt.Errorf("%w: range [0x%x, 0x%x) exceeds backing store of %d bytes", ErrMapFailed, phys, uint64(phys)+uint64(length), len(f.Regs))
	}
	return &fakeMapping{f: f, base: uintptr(phys), length: length}, nil
}

type fakeMapping struct {
	f      *FakeMapper
	base   uintptr
	length uintptr
}

func (m *fakeMapping) at(offset uintptr) uintptr { return m.base + offset }

func (m *fakeMapping) Read8(offset uintptr) (uint8, error) {
	return m.f.Regs[m.at(offset)], nil
}

func (m *fakeMapping) Read16(offset uintptr) (uint16, error) {
	i := m.at(offset)
	return uint16(m.f.Regs[i]) | uint16(m.f.Regs[i+1])<<8, nil
}

func (m *fakeMapping) Read32(offset uintptr) (uint32, error) {
	i := m.at(offset)
	b := m.f.Regs[i : i+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (m *fakeMapping) Read64(offset uintptr) (uint64, error) {
	lo, _ := m.Read32(offset)
	hi, _ := m.Read32(offset + 4)
	return uint64(lo) | uint64(hi)<<32, nil
}

func (m *fakeMapping) Write8(offset uintptr, v uint8) error {
	m.f.Regs[m.at(offset)] = v
	return nil
}

func (m *fakeMapping) Write16(offset uintptr, v uint16) error {
	i := m.at(offset)
	m.f.Regs[i] = byte(v)
	m.f.Regs[i+1] = byte(v >> 8)
	return nil
}

func (m *fakeMapping) Write32(offset uintptr, v uint32) error {
	i := m.at(offset)
	m.f.Regs[i] = byte(v)
	m.f.Regs[i+1] = byte(v >> 8)
	m.f.Regs[i+2] = byte(v >> 16)
	m.f.Regs[i+3] = byte(v >> 24)
	return nil
}

func (m *fakeMapping) Write64(offset uintptr, v uint64) error {
	m.Write32(offset, uint32(v))
	m.Write32(offset+4, uint32(v>>32))
	return nil
}

func (m *fakeMapping) ReadBytes(offset uintptr, p []byte) error {
	i := m.at(offset)
	copy(p, m.f.Regs[i:i+uintptr(len(p))])
	return nil
}

func (m *fakeMapping) WriteBytes(offset uintptr, p []byte) error {
	i := m.at(offset)
	copy(m.f.Regs[i:i+uintptr(len(p))], p)
	return nil
}

func (m *fakeMapping) Close() error { return nil }
