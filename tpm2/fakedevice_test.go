package tpm2

import (
	"github.com/tpmcore/tpm2mmio/mmio"
)

// fakeCRBDevice is a minimal CRB register-file simulator: it reacts to
// CtrlRequest and CtrlStart writes the way a real chip would, synchronously,
// so the transport's poll loops see the bit they're waiting on already
// satisfied on their very first read.
type fakeCRBDevice struct {
	regs    []byte
	handler func(cmd []byte) []byte
	failMap bool
}

func newFakeCRBDevice(handler func(cmd []byte) []byte) *fakeCRBDevice {
	return &fakeCRBDevice{regs: make([]byte, mmioWindowLength), handler: handler}
}

func (d *fakeCRBDevice) Map(phys uint64, length uintptr, kind mmio.CacheKind) (mmio.Mapping, error) {
	if d.failMap {
		return nil, mmio.ErrMapFailed
	}
	return &fakeCRBMapping{d: d}, nil
}

type fakeCRBMapping struct{ d *fakeCRBDevice }

func readLE32(b []byte, off uintptr) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func writeLE32(b []byte, off uintptr, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func (m *fakeCRBMapping) Read8(offset uintptr) (uint8, error) { return m.d.regs[offset], nil }

func (m *fakeCRBMapping) Read16(offset uintptr) (uint16, error) {
	return uint16(m.d.regs[offset]) | uint16(m.d.regs[offset+1])<<8, nil
}

func (m *fakeCRBMapping) Read32(offset uintptr) (uint32, error) { return readLE32(m.d.regs, offset), nil }

func (m *fakeCRBMapping) Read64(offset uintptr) (uint64, error) {
	lo := readLE32(m.d.regs, offset)
	hi := readLE32(m.d.regs, offset+4)
	return uint64(lo) | uint64(hi)<<32, nil
}

func (m *fakeCRBMapping) Write8(offset uintptr, v uint8) error {
	m.d.regs[offset] = v
	return nil
}

func (m *fakeCRBMapping) Write16(offset uintptr, v uint16) error {
	m.d.regs[offset] = byte(v)
	m.d.regs[offset+1] = byte(v >> 8)
	return nil
}

func (m *fakeCRBMapping) Write32(offset uintptr, v uint32) error {
	switch offset {
	case crbCtrlRequest:
		if v&crbCtrlRequestGoIdle != 0 {
			writeLE32(m.d.regs, crbCtrlStatus, crbCtrlStatusTpmIdle)
		}
		if v&crbCtrlRequestCmdRdy != 0 {
			writeLE32(m.d.regs, crbCtrlStatus, 0)
		}
		return nil
	case crbCtrlStart:
		if v&crbCtrlStartStart != 0 {
			cmdSize := readLE32(m.d.regs, crbCtrlCommandSize)
			cmd := make([]byte, cmdSize)
			copy(cmd, m.d.regs[crbDataBuffer:crbDataBuffer+uintptr(cmdSize)])
			resp := m.d.handler(cmd)
			copy(m.d.regs[crbDataBuffer:], resp)
			writeLE32(m.d.regs, crbCtrlStart, 0)
		}
		return nil
	default:
		writeLE32(m.d.regs, offset, v)
		return nil
	}
}

func (m *fakeCRBMapping) Write64(offset uintptr, v uint64) error {
	m.Write32(offset, uint32(v))
	m.Write32(offset+4, uint32(v>>32))
	return nil
}

func (m *fakeCRBMapping) ReadBytes(offset uintptr, p []byte) error {
	copy(p, m.d.regs[offset:offset+uintptr(len(p))])
	return nil
}

func (m *fakeCRBMapping) WriteBytes(offset uintptr, p []byte) error {
	copy(m.d.regs[offset:offset+uintptr(len(p))], p)
	return nil
}

func (m *fakeCRBMapping) Close() error { return nil }

// fakeTisDevice simulates the TIS/FIFO byte protocol: writes into DataFifo
// accumulate into an inbound command buffer, and STS_GO triggers the
// handler synchronously, queuing its response for readFIFO to drain.
type fakeTisDevice struct {
	regs    []byte
	handler func(cmd []byte) []byte
	inbound []byte
	pending []byte
	burst   uint16
	failMap bool
}

func newFakeTisDevice(handler func(cmd []byte) []byte) *fakeTisDevice {
	d := &fakeTisDevice{regs: make([]byte, mmioWindowLength), handler: handler, burst: 64}
	writeLE16(d.regs, tisBurstCountLo, d.burst)
	return d
}

func writeLE16(b []byte, off uintptr, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

func (d *fakeTisDevice) Map(phys uint64, length uintptr, kind mmio.CacheKind) (mmio.Mapping, error) {
	if d.failMap {
		return nil, mmio.ErrMapFailed
	}
	return &fakeTisMapping{d: d}, nil
}

type fakeTisMapping struct{ d *fakeTisDevice }

func (m *fakeTisMapping) Read8(offset uintptr) (uint8, error) { return m.d.regs[offset], nil }

func (m *fakeTisMapping) Read16(offset uintptr) (uint16, error) {
	return uint16(m.d.regs[offset]) | uint16(m.d.regs[offset+1])<<8, nil
}

func (m *fakeTisMapping) Read32(offset uintptr) (uint32, error) { return readLE32(m.d.regs, offset), nil }

func (m *fakeTisMapping) Read64(offset uintptr) (uint64, error) {
	lo := readLE32(m.d.regs, offset)
	hi := readLE32(m.d.regs, offset+4)
	return uint64(lo) | uint64(hi)<<32, nil
}

func (m *fakeTisMapping) Write8(offset uintptr, v uint8) error {
	switch offset {
	case tisAccess:
		if v&tisAccessRequestUse != 0 {
			m.d.regs[tisAccess] = tisAccessActiveLocality | tisAccessValid
		}
	case tisStatus:
		if v&tisStatusCommandReady != 0 {
			m.d.regs[tisStatus] = tisStatusCommandReady | tisStatusExpect
			m.d.inbound = nil
		}
		if v&tisStatusGo != 0 {
			resp := m.d.handler(m.d.inbound)
			m.d.pending = resp
			m.d.regs[tisStatus] = tisStatusValid | tisStatusDataAvail
		}
	default:
		m.d.regs[offset] = v
	}
	return nil
}

func (m *fakeTisMapping) Write16(offset uintptr, v uint16) error {
	m.d.regs[offset] = byte(v)
	m.d.regs[offset+1] = byte(v >> 8)
	return nil
}

func (m *fakeTisMapping) Write32(offset uintptr, v uint32) error {
	writeLE32(m.d.regs, offset, v)
	return nil
}

func (m *fakeTisMapping) Write64(offset uintptr, v uint64) error {
	m.Write32(offset, uint32(v))
	m.Write32(offset+4, uint32(v>>32))
	return nil
}

func (m *fakeTisMapping) ReadBytes(offset uintptr, p []byte) error {
	if offset == tisDataFifo {
		n := copy(p, m.d.pending)
		m.d.pending = m.d.pending[n:]
		if len(m.d.pending) == 0 {
			m.d.regs[tisStatus] = tisStatusValid
		}
		return nil
	}
	copy(p, m.d.regs[offset:offset+uintptr(len(p))])
	return nil
}

func (m *fakeTisMapping) WriteBytes(offset uintptr, p []byte) error {
	if offset == tisDataFifo {
		m.d.inbound = append(m.d.inbound, p...)
		return nil
	}
	copy(m.d.regs[offset:offset+uintptr(len(p))], p)
	return nil
}

func (m *fakeTisMapping) Close() error { return nil }
