package tpm2

import (
	"encoding/binary"
	"testing"

	"github.com/tpmcore/tpm2mmio/mmio"
)

type fakeFirmwareTableReader struct {
	tables map[string][]byte
}

func (f *fakeFirmwareTableReader) GetFirmwareTable(provider, signature string) ([]byte, error) {
	if provider != "ACPI" {
		return nil, mmio.ErrTableNotFound
	}
	table, ok := f.tables[signature]
	if !ok {
		return nil, mmio.ErrTableNotFound
	}
	return table, nil
}

func makeTPM2ACPITable(addr uint64) []byte {
	table := make([]byte, 48)
	copy(table[0:4], "TPM2")
	binary.LittleEndian.PutUint64(table[40:48], addr)
	return table
}

type fakeCPUVendor string

func (v fakeCPUVendor) VendorID() string { return string(v) }

func TestDiscoveryLocatePrefersACPITable(t *testing.T) {
	fw := &fakeFirmwareTableReader{tables: map[string][]byte{"TPM2": makeTPM2ACPITable(0xAABBCCDD)}}
	d := NewInterfaceDiscovery(fw, mmio.NewFakeMapper(1), fakeCPUVendor("GenuineIntel"))

	addr, err := d.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if addr != 0xAABBCCDD {
		t.Errorf("got 0x%x, want 0xAABBCCDD", addr)
	}
}

func TestDiscoveryLocateFallsBackToIntelPCH(t *testing.T) {
	fw := &fakeFirmwareTableReader{tables: map[string][]byte{}}
	d := NewInterfaceDiscovery(fw, mmio.NewFakeMapper(1), fakeCPUVendor("GenuineIntel"))

	addr, err := d.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if addr != intelPCHFallbackBase {
		t.Errorf("got 0x%x, want 0x%x", addr, intelPCHFallbackBase)
	}
}

func TestDiscoveryLocateFailsOnNonIntelWithoutACPITable(t *testing.T) {
	fw := &fakeFirmwareTableReader{tables: map[string][]byte{}}
	d := NewInterfaceDiscovery(fw, mmio.NewFakeMapper(1), fakeCPUVendor("AuthenticAMD"))

	if _, err := d.Locate(); err == nil {
		t.Fatal("expected discovery failure on non-Intel host without an ACPI table")
	} else if !Is(err, KindDiscoveryFailed) {
		t.Errorf("expected KindDiscoveryFailed, got %v", err)
	}
}

func TestDiscoveryClassifyCRB(t *testing.T) {
	mapper := mmio.NewFakeMapper(mmioWindowLength)
	m, _ := mapper.Map(0, mmioWindowLength, mmio.Uncached)
	m.Write32(crbInterfaceId, interfaceIdTypeCRB|(interfaceIdVersionCRB<<interfaceIdVersionShift)|interfaceIdCapCRB)
	m.Close()

	d := NewInterfaceDiscovery(nil, mapper, nil)
	result, err := d.Classify(0)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.Interface != InterfaceCRB {
		t.Errorf("got %v, want CRB", result.Interface)
	}
	if result.IdleBypass != 0 {
		t.Errorf("got IdleBypass %d, want 0", result.IdleBypass)
	}
}

func TestDiscoveryClassifyCRBFailsWhenBIOSNotPTPAware(t *testing.T) {
	mapper := mmio.NewFakeMapper(mmioWindowLength)
	m, _ := mapper.Map(0, mmioWindowLength, mmio.Uncached)
	idleBypass := uint32(0xFF) << interfaceIdCapCRBIdleBypassShift
	m.Write32(crbInterfaceId, interfaceIdTypeCRB|(interfaceIdVersionCRB<<interfaceIdVersionShift)|interfaceIdCapCRB|idleBypass)
	m.Close()

	d := NewInterfaceDiscovery(nil, mapper, nil)
	_, err := d.Classify(0)
	if !Is(err, KindDiscoveryFailed) {
		t.Errorf("expected KindDiscoveryFailed, got %v", err)
	}
}

func TestDiscoveryClassifyFIFO(t *testing.T) {
	mapper := mmio.NewFakeMapper(mmioWindowLength)
	m, _ := mapper.Map(0, mmioWindowLength, mmio.Uncached)
	m.Write32(crbInterfaceId, interfaceIdTypeCRBOrFIFO20|(interfaceIdVersionFIFO<<interfaceIdVersionShift)|interfaceIdCapFIFO)
	m.Write32(tisIntfCapability, interfaceCapabilityVersionPTP)
	m.Close()

	d := NewInterfaceDiscovery(nil, mapper, nil)
	result, err := d.Classify(0)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.Interface != InterfaceFIFO {
		t.Errorf("got %v, want FIFO", result.Interface)
	}
}

func TestDiscoveryClassifyTIS(t *testing.T) {
	mapper := mmio.NewFakeMapper(mmioWindowLength)
	m, _ := mapper.Map(0, mmioWindowLength, mmio.Uncached)
	m.Write32(crbInterfaceId, interfaceIdTypeFIFOTIS13)
	m.Close()

	d := NewInterfaceDiscovery(nil, mapper, nil)
	result, err := d.Classify(0)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.Interface != InterfaceTIS {
		t.Errorf("got %v, want TIS", result.Interface)
	}
}

func TestDiscoveryClassifyNoDevice(t *testing.T) {
	mapper := mmio.NewFakeMapper(mmioWindowLength)
	m, _ := mapper.Map(0, mmioWindowLength, mmio.Uncached)
	m.Write8(0, 0xFF)
	m.Close()

	d := NewInterfaceDiscovery(nil, mapper, nil)
	_, err := d.Classify(0)
	if !Is(err, KindDeviceNotConnected) {
		t.Errorf("expected KindDeviceNotConnected, got %v", err)
	}
}

func TestDiscoveryClassifyMapFailure(t *testing.T) {
	mapper := mmio.NewFakeMapper(4) // too small to map the full window
	d := NewInterfaceDiscovery(nil, mapper, nil)
	_, err := d.Classify(0)
	if !Is(err, KindMapFailed) {
		t.Errorf("expected KindMapFailed, got %v", err)
	}
}
