package tpm2

import (
	"time"

	"github.com/golang/glog"

	"github.com/tpmcore/tpm2mmio/mmio"
)

// tisPollInterval is how long the state machine sleeps between status polls.
const tisPollInterval = 30 * time.Microsecond

// tisLocality0 is the only locality this package drives.
const tisLocality0 = 0

// TisTransport drives the legacy TIS/FIFO byte protocol: request the
// locality, wait for command-ready, write the command a burst at a time,
// signal go, wait for the response header, then read the remainder a burst
// at a time, returning to STS_READY on every exit path.
type TisTransport struct {
	Mapper      mmio.Mapper
	BaseAddress uint64
	Timer       Timer

	// TimeoutB bounds locality negotiation and the STS_READY prepare wait,
	// TimeoutD bounds burst-count polls, and TimeoutMax bounds the command
	// execution wait, which must be long enough to cover multi-minute key
	// generation.
	TimeoutB   time.Duration
	TimeoutD   time.Duration
	TimeoutMax time.Duration
}

// NewTisTransport returns a TisTransport with TIS-profile default
// per-phase timeouts.
func NewTisTransport(mapper mmio.Mapper, baseAddress uint64, timer Timer) *TisTransport {
	return &TisTransport{
		Mapper:      mapper,
		BaseAddress: baseAddress,
		Timer:       timer,
		TimeoutB:    2 * time.Second,
		TimeoutD:    2 * time.Second,
		TimeoutMax:  90 * time.Second,
	}
}

func (t *TisTransport) waitStatusBits(m mmio.Mapping, mask uint8, want bool, timeout time.Duration) error {
	start := t.Timer.Now()
	for {
		v, err := m.Read8(tisStatus)
		if err != nil {
			return err
		}
		if want && v&mask == mask {
			return nil
		}
		if !want && v&mask == 0 {
			return nil
		}
		if t.Timer.Since(start) > timeout {
			return newErr("waitStatusBits", KindDeviceBusy, nil)
		}
		t.Timer.Sleep(tisPollInterval)
	}
}

// burstCount reads the 16-bit burst count register, which is not 2-byte
// aligned in the TIS register map: it is decoded as two separate 1-byte
// reads combined little-endian rather than a single 16-bit access.
func (t *TisTransport) burstCount(m mmio.Mapping) (uint16, error) {
	lo, err := m.Read8(tisBurstCountLo)
	if err != nil {
		return 0, err
	}
	hi, err := m.Read8(tisBurstCountHi)
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

// ready returns the locality to STS_READY. Every exit path of Command runs
// this via defer, mirroring the original's goto Exit cleanup label.
func (t *TisTransport) ready(m mmio.Mapping) {
	if err := m.Write8(tisStatus, tisStatusCommandReady); err != nil {
		glog.V(2).Infof("tpm2: tis ready write failed: %v", err)
	}
}

// Command submits cmd over the TIS/FIFO protocol and returns the TPM's raw
// response bytes.
func (t *TisTransport) Command(cmd []byte) ([]byte, error) {
	m, err := t.Mapper.Map(t.BaseAddress, mmioWindowLength, mmio.Uncached)
	if err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	defer m.Close()
	defer t.ready(m)

	if err := m.Write8(tisAccess, tisAccessRequestUse); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	if err := t.waitAccessActive(m); err != nil {
		return nil, newErr("Command", KindDeviceBusy, err)
	}

	if err := m.Write8(tisStatus, tisStatusCommandReady); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	if err := t.waitStatusBits(m, tisStatusCommandReady, true, t.TimeoutB); err != nil {
		return nil, newErr("Command", KindDeviceBusy, err)
	}

	if err := t.writeFIFO(m, cmd); err != nil {
		return nil, err
	}

	if err := m.Write8(tisStatus, tisStatusGo); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}

	if err := t.waitDataAvailable(m); err != nil {
		return nil, err
	}

	resp, err := t.readFIFO(m)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (t *TisTransport) waitAccessActive(m mmio.Mapping) error {
	start := t.Timer.Now()
	for {
		v, err := m.Read8(tisAccess)
		if err != nil {
			return err
		}
		if v&tisAccessActiveLocality != 0 {
			return nil
		}
		if t.Timer.Since(start) > t.TimeoutB {
			return newErr("waitAccessActive", KindDeviceBusy, nil)
		}
		t.Timer.Sleep(tisPollInterval)
	}
}

// writeFIFO writes cmd into DataFifo, respecting the burst-count gate
// between each chunk and stopping when STS_EXPECT clears before every byte
// has been written.
func (t *TisTransport) writeFIFO(m mmio.Mapping, cmd []byte) error {
	off := 0
	for off < len(cmd) {
		burst, err := t.burstCount(m)
		if err != nil {
			return newErr("writeFIFO", KindMapFailed, err)
		}
		if burst == 0 {
			if err := t.waitBurstNonZero(m); err != nil {
				return newErr("writeFIFO", KindDeviceBusy, err)
			}
			continue
		}
		n := int(burst)
		if off+n > len(cmd) {
			n = len(cmd) - off
		}
		if err := m.WriteBytes(tisDataFifo, cmd[off:off+n]); err != nil {
			return newErr("writeFIFO", KindMapFailed, err)
		}
		off += n

		status, err := m.Read8(tisStatus)
		if err != nil {
			return newErr("writeFIFO", KindMapFailed, err)
		}
		if off < len(cmd) && status&tisStatusExpect == 0 {
			return newErr("writeFIFO", KindDeviceBusy, nil)
		}
	}
	return nil
}

func (t *TisTransport) waitBurstNonZero(m mmio.Mapping) error {
	start := t.Timer.Now()
	for {
		burst, err := t.burstCount(m)
		if err != nil {
			return err
		}
		if burst != 0 {
			return nil
		}
		if t.Timer.Since(start) > t.TimeoutD {
			return newErr("waitBurstNonZero", KindDeviceBusy, nil)
		}
		t.Timer.Sleep(tisPollInterval)
	}
}

// waitDataAvailable waits for STS_VALID|STS_DATA_AVAIL, cancelling the
// command via STS_CANCEL and reporting device-busy if the timeout elapses
// first.
func (t *TisTransport) waitDataAvailable(m mmio.Mapping) error {
	start := t.Timer.Now()
	want := uint8(tisStatusValid | tisStatusDataAvail)
	for {
		v, err := m.Read8(tisStatus)
		if err != nil {
			return newErr("waitDataAvailable", KindMapFailed, err)
		}
		if v&want == want {
			return nil
		}
		if t.Timer.Since(start) > t.TimeoutMax {
			return t.cancelAndFail(m, want)
		}
		t.Timer.Sleep(tisPollInterval)
	}
}

// cancelAndFail requests the TPM abort the in-flight command after a
// waitDataAvailable timeout, then gives it one more TimeoutB window to
// respond before surfacing DeviceBusy. STS_CANCEL lives in the status
// register's 32-bit view, so the write must be a 4-byte access; a 1-byte
// write of the same bit position would miss it.
func (t *TisTransport) cancelAndFail(m mmio.Mapping, want uint8) error {
	if err := m.Write32(tisStatus, tisStatusCancel); err != nil {
		glog.V(2).Infof("tpm2: tis cancel write failed: %v", err)
		return newErr("waitDataAvailable", KindDeviceBusy, nil)
	}
	retryStart := t.Timer.Now()
	for {
		v, err := m.Read8(tisStatus)
		if err != nil {
			return newErr("waitDataAvailable", KindMapFailed, err)
		}
		if v&want == want {
			return nil
		}
		if t.Timer.Since(retryStart) > t.TimeoutB {
			return newErr("waitDataAvailable", KindDeviceBusy, nil)
		}
		t.Timer.Sleep(tisPollInterval)
	}
}

// readFIFO drains the response header first to learn its declared size,
// then reads the remainder, respecting the burst-count gate throughout.
func (t *TisTransport) readFIFO(m mmio.Mapping) ([]byte, error) {
	header := make([]byte, 10)
	if err := t.readFIFOBytes(m, header); err != nil {
		return nil, newErr("readFIFO", KindMapFailed, err)
	}
	paramSize := beUint32(header[2:6])
	if paramSize < 10 || int(paramSize) > mmioWindowLength {
		return nil, newErr("readFIFO", KindDeviceBusy, nil)
	}

	rest := make([]byte, int(paramSize)-len(header))
	if len(rest) > 0 {
		if err := t.readFIFOBytes(m, rest); err != nil {
			return nil, newErr("readFIFO", KindMapFailed, err)
		}
	}

	full := make([]byte, 0, int(paramSize))
	full = append(full, header...)
	full = append(full, rest...)
	return full, nil
}

func (t *TisTransport) readFIFOBytes(m mmio.Mapping, dst []byte) error {
	off := 0
	for off < len(dst) {
		burst, err := t.burstCount(m)
		if err != nil {
			return err
		}
		if burst == 0 {
			if err := t.waitBurstNonZero(m); err != nil {
				return err
			}
			continue
		}
		n := int(burst)
		if off+n > len(dst) {
			n = len(dst) - off
		}
		if err := m.ReadBytes(tisDataFifo, dst[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}
