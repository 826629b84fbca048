package tpm2

import (
	"time"

	"github.com/golang/glog"

	"github.com/tpmcore/tpm2mmio/mmio"
)

// crbRetryMax bounds how many times the S1 step reissues the cmdReady
// request and re-polls CtrlStatus before giving up, replacing the
// original's goto-based retry loop with a bounded for-loop.
const crbRetryMax = 3

// crbPollInterval is how long the state machine sleeps between register
// polls while waiting for a status bit.
const crbPollInterval = 30 * time.Microsecond

// CrbTransport drives the Command/Response Buffer protocol: idle -> ready
// -> load command -> start -> drain response -> idle, on every exit path,
// via defer.
type CrbTransport struct {
	Mapper      mmio.Mapper
	BaseAddress uint64
	Timer       Timer

	// IdleBypass is the BIOS-reported CapCRBIdleBypass byte from discovery.
	// 0 means the chip requires the S0 enforce-idle step before every
	// command; any other value means S0 may be skipped.
	IdleBypass uint8

	// TimeoutB bounds the cancel-ack wait in cancelAndFail, TimeoutC bounds
	// the idle/ready polls in S0/S1, and TimeoutMax bounds the S3 command
	// execution wait, which must be long enough to cover multi-minute key
	// generation.
	TimeoutB   time.Duration
	TimeoutC   time.Duration
	TimeoutMax time.Duration
}

// NewCrbTransport returns a CrbTransport with PTP-profile default
// per-phase timeouts.
func NewCrbTransport(mapper mmio.Mapper, baseAddress uint64, timer Timer, idleBypass uint8) *CrbTransport {
	return &CrbTransport{
		Mapper:      mapper,
		BaseAddress: baseAddress,
		Timer:       timer,
		IdleBypass:  idleBypass,
		TimeoutB:    2 * time.Second,
		TimeoutC:    200 * time.Millisecond,
		TimeoutMax:  90 * time.Second,
	}
}

// waitBits32 polls offset until all bits in mask are set (want=true) or all
// are clear (want=false), or timeout elapses.
func (c *CrbTransport) waitBits32(m mmio.Mapping, offset uintptr, mask uint32, want bool, timeout time.Duration) error {
	start := c.Timer.Now()
	for {
		v, err := m.Read32(offset)
		if err != nil {
			return err
		}
		if want && v&mask == mask {
			return nil
		}
		if !want && v&mask == 0 {
			return nil
		}
		if c.Timer.Since(start) > timeout {
			return newErr("waitBits32", KindDeviceBusy, nil)
		}
		c.Timer.Sleep(crbPollInterval)
	}
}

// goIdle drives the locality back to CRB_IDLE via CtrlRequest, regardless
// of the state the transport was in when called. Every exit path of
// Command runs this through defer, mirroring the original's goto
// GoIdle_Exit cleanup label.
func (c *CrbTransport) goIdle(m mmio.Mapping) {
	if err := m.Write32(crbCtrlRequest, crbCtrlRequestGoIdle); err != nil {
		glog.V(2).Infof("tpm2: crb goIdle write failed: %v", err)
		return
	}
	if err := c.waitBits32(m, crbCtrlStatus, crbCtrlStatusTpmIdle, true, c.TimeoutC); err != nil {
		glog.V(2).Infof("tpm2: crb goIdle wait failed: %v", err)
	}
}

// Command submits cmd over the CRB protocol and returns the TPM's raw
// response bytes. It implements the S0-S5 sequence: enforce idle, request
// ready, load the command into DataBuffer plus the address/size registers,
// start and poll CtrlStart, drain and validate the response header, then
// go idle on every exit path.
func (c *CrbTransport) Command(cmd []byte) ([]byte, error) {
	m, err := c.Mapper.Map(c.BaseAddress, mmioWindowLength, mmio.Uncached)
	if err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	defer m.Close()
	defer c.goIdle(m)

	// S0: enforce idle before requesting ready, in case a previous
	// caller left the locality in an unexpected state. Only chips that
	// report CapCRBIdleBypass == 0 require this; others may skip it.
	if c.IdleBypass == 0 {
		status, err := m.Read32(crbCtrlStatus)
		if err != nil {
			return nil, newErr("Command", KindMapFailed, err)
		}
		if status&crbCtrlStatusTpmIdle == 0 {
			c.goIdle(m)
		}
	}

	// S1: request ready and wait for the idle bit to clear.
	var lastErr error
	ready := false
	for attempt := 0; attempt < crbRetryMax; attempt++ {
		if err := m.Write32(crbCtrlRequest, crbCtrlRequestCmdRdy); err != nil {
			return nil, newErr("Command", KindMapFailed, err)
		}
		if err := c.waitBits32(m, crbCtrlStatus, crbCtrlStatusTpmIdle, false, c.TimeoutC); err != nil {
			lastErr = err
			continue
		}
		ready = true
		break
	}
	if !ready {
		return nil, newErr("Command", KindDeviceBusy, lastErr)
	}

	// S2: load the command into DataBuffer and publish its address/size.
	if err := m.WriteBytes(crbDataBuffer, cmd); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	if err := m.Write64(crbCtrlCommandAddrLowHigh(), c.BaseAddress+crbDataBuffer); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	if err := m.Write32(crbCtrlCommandSize, uint32(len(cmd))); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	if err := m.Write32(crbCtrlResponseAddr, uint32(c.BaseAddress+crbDataBuffer)); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	if err := m.Write32(crbCtrlResponseSize, mmioWindowLength-crbDataBuffer); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}

	// S3: start the command and poll CtrlStart until the TPM clears it.
	if err := m.Write32(crbCtrlStart, crbCtrlStartStart); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	if err := c.waitBits32(m, crbCtrlStart, crbCtrlStartStart, false, c.TimeoutMax); err != nil {
		return nil, c.cancelAndFail(m, err)
	}

	// S4: drain and validate the response header before trusting its
	// declared size.
	header := make([]byte, 10)
	if err := m.ReadBytes(crbDataBuffer, header); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}
	paramSize := beUint32(header[2:6])
	if paramSize < 10 || int(paramSize) > mmioWindowLength-crbDataBuffer {
		return nil, newErr("Command", KindDeviceBusy, nil)
	}
	full := make([]byte, paramSize)
	if err := m.ReadBytes(crbDataBuffer, full); err != nil {
		return nil, newErr("Command", KindMapFailed, err)
	}

	// S5: go idle runs via defer above on every path, including this
	// success path.
	return full, nil
}

// cancelAndFail runs the CRB abort sequence after a CtrlStart timeout:
// request cancel, wait for the TPM to observe it, then clear the request.
// It always returns a DeviceBusy error derived from waitErr, the timeout
// that triggered the abort.
func (c *CrbTransport) cancelAndFail(m mmio.Mapping, waitErr error) error {
	if err := m.Write32(crbCtrlCancel, crbCtrlCancelCancel); err != nil {
		glog.V(2).Infof("tpm2: crb cancel write failed: %v", err)
		return newErr("Command", KindDeviceBusy, waitErr)
	}
	if err := c.waitBits32(m, crbCtrlStart, crbCtrlStartStart, false, c.TimeoutB); err != nil {
		glog.V(2).Infof("tpm2: crb cancel wait failed: %v", err)
	}
	if err := m.Write32(crbCtrlCancel, 0); err != nil {
		glog.V(2).Infof("tpm2: crb cancel clear failed: %v", err)
	}
	return newErr("Command", KindDeviceBusy, waitErr)
}

// crbCtrlCommandAddrLowHigh is a helper name for the 8-byte window spanning
// CommandAddrLow/CommandAddrHigh, which this package always writes as one
// 64-bit value.
func crbCtrlCommandAddrLowHigh() uintptr { return crbCtrlCommandAddrL }

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
