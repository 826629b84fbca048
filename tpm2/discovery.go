package tpm2

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/tpmcore/tpm2mmio/mmio"
)

// intelPCHFallbackBase is the Intel PCH's hardcoded locality-0 TPM MMIO
// base address, used when the ACPI TPM2 table is unavailable or the
// platform is otherwise known to place the chip there.
const intelPCHFallbackBase = 0xFED40000

// CPUVendor reports the host CPU vendor string, used to decide whether the
// hardcoded Intel PCH fallback address is even worth trying.
type CPUVendor interface {
	VendorID() string
}

// DiscoveryResult is what InterfaceDiscovery.Locate returns: the physical
// base address of locality 0, the interface protocol found there, and, for
// CRB, whether the chip requires the S0 enforce-idle step before every
// command. IdleBypass is only meaningful when Interface == InterfaceCRB;
// 0 means idle must be enforced, any other value means it may be skipped.
type DiscoveryResult struct {
	BaseAddress uint64
	Interface   Interface
	IdleBypass  uint8
}

// InterfaceDiscovery finds a TPM's locality-0 MMIO base address and
// classifies which register protocol it speaks, in two phases: Locate
// determines the base address (ACPI table first, Intel PCH fallback
// second), and Classify maps that address and inspects InterfaceId to tell
// CRB apart from FIFO/PTP and legacy TIS.
type InterfaceDiscovery struct {
	Firmware mmio.FirmwareTableReader
	Mapper   mmio.Mapper
	CPU      CPUVendor
}

// NewInterfaceDiscovery wires together the firmware table reader, mapper,
// and CPU vendor probe used to locate and classify a TPM.
func NewInterfaceDiscovery(fw mmio.FirmwareTableReader, mapper mmio.Mapper, cpu CPUVendor) *InterfaceDiscovery {
	return &InterfaceDiscovery{Firmware: fw, Mapper: mapper, CPU: cpu}
}

// Locate returns the physical base address of the locality-0 TPM MMIO
// window, preferring the ACPI TPM2 table's AddressOfControlArea field and
// falling back to the Intel PCH's fixed address when no ACPI table is
// present and the host CPU is GenuineIntel.
func (d *InterfaceDiscovery) Locate() (uint64, error) {
	table, err := d.Firmware.GetFirmwareTable("ACPI", "TPM2")
	if err == nil {
		addr, err := mmio.AddressOfControlArea(table)
		if err == nil && addr != 0 {
			glog.V(2).Infof("tpm2: located TPM via ACPI TPM2 table at 0x%x", addr)
			return addr, nil
		}
		glog.V(2).Infof("tpm2: ACPI TPM2 table present but unusable: %v", err)
	} else {
		glog.V(2).Infof("tpm2: no ACPI TPM2 table: %v", err)
	}

	if d.CPU == nil || d.CPU.VendorID() != "GenuineIntel" {
		return 0, newErr("Locate", KindDiscoveryFailed, err)
	}
	glog.V(2).Infof("tpm2: falling back to Intel PCH fixed address 0x%x", intelPCHFallbackBase)
	return intelPCHFallbackBase, nil
}

// Classify maps baseAddress, reads the InterfaceId and InterfaceCapability
// registers, and gates each interface kind on the type, version, and
// capability bits the chip actually advertises, rather than on the
// InterfaceType nibble alone. A first byte of 0xFF at base (the classic
// "nothing answered the bus" pattern) is reported as InterfaceNone before
// either register is read.
func (d *InterfaceDiscovery) Classify(baseAddress uint64) (DiscoveryResult, error) {
	m, err := d.Mapper.Map(baseAddress, mmioWindowLength, mmio.Uncached)
	if err != nil {
		return DiscoveryResult{}, newErr("Classify", KindMapFailed, err)
	}
	defer m.Close()

	probe, err := m.Read8(0)
	if err != nil {
		return DiscoveryResult{}, newErr("Classify", KindMapFailed, err)
	}
	if probe == 0xFF {
		return DiscoveryResult{Interface: InterfaceNone}, newErr("Classify", KindDeviceNotConnected, nil)
	}

	interfaceID, err := m.Read32(crbInterfaceId)
	if err != nil {
		return DiscoveryResult{}, newErr("Classify", KindMapFailed, err)
	}
	// Before the interface is known, this offset is InterfaceCapability
	// rather than CRB's CtrlRequest; the two protocols alias the same
	// physical register.
	capability, err := m.Read32(tisIntfCapability)
	if err != nil {
		return DiscoveryResult{}, newErr("Classify", KindMapFailed, err)
	}

	ifType := interfaceID & interfaceIdInterfaceTypeMask
	ifVersion := (interfaceID >> interfaceIdVersionShift) & interfaceIdVersionMask

	switch {
	case ifType == interfaceIdTypeCRB && ifVersion == interfaceIdVersionCRB && interfaceID&interfaceIdCapCRB != 0:
		idleBypass := uint8((interfaceID >> interfaceIdCapCRBIdleBypassShift) & interfaceIdCapCRBIdleBypassMask)
		if idleBypass == 0xFF {
			return DiscoveryResult{}, newErr("Classify", KindDiscoveryFailed, fmt.Errorf("BIOS did not report a PTP idle-bypass state"))
		}
		return DiscoveryResult{Interface: InterfaceCRB, IdleBypass: idleBypass}, nil

	case ifType == interfaceIdTypeCRBOrFIFO20 && ifVersion == interfaceIdVersionFIFO &&
		interfaceID&interfaceIdCapFIFO != 0 && capability&interfaceCapabilityVersionMask == interfaceCapabilityVersionPTP:
		return DiscoveryResult{Interface: InterfaceFIFO}, nil

	case ifType == interfaceIdTypeFIFOTIS13:
		return DiscoveryResult{Interface: InterfaceTIS}, nil

	default:
		return DiscoveryResult{}, newErr("Classify", KindDiscoveryFailed, nil)
	}
}

// DiscoverDirect locates and classifies the TPM in one call.
func (d *InterfaceDiscovery) DiscoverDirect() (DiscoveryResult, error) {
	base, err := d.Locate()
	if err != nil {
		return DiscoveryResult{}, err
	}
	result, err := d.Classify(base)
	if err != nil {
		return DiscoveryResult{}, err
	}
	result.BaseAddress = base
	return result, nil
}
