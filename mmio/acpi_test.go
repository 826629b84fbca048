package mmio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func makeTPM2Table(t *testing.T, addr uint64) []byte {
	t.Helper()
	table := make([]byte, addressOfControlAreaOffset+8)
	copy(table[0:4], "TPM2")
	binary.LittleEndian.PutUint64(table[addressOfControlAreaOffset:], addr)
	return table
}

func TestSysfsACPIReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	table := makeTPM2Table(t, 0xFED40000)
	if err := os.WriteFile(filepath.Join(dir, "TPM2"), table, 0o644); err != nil {
		t.Fatal(err)
	}

	r := &SysfsACPIReader{Root: dir}
	got, err := r.GetFirmwareTable("ACPI", "TPM2")
	if err != nil {
		t.Fatalf("GetFirmwareTable: %v", err)
	}
	addr, err := AddressOfControlArea(got)
	if err != nil {
		t.Fatalf("AddressOfControlArea: %v", err)
	}
	if addr != 0xFED40000 {
		t.Errorf("got base 0x%x, want 0xFED40000", addr)
	}
}

func TestSysfsACPIReaderMissingTable(t *testing.T) {
	r := &SysfsACPIReader{Root: t.TempDir()}
	if _, err := r.GetFirmwareTable("ACPI", "TPM2"); err == nil {
		t.Fatal("expected error for missing table")
	}
}

func TestAddressOfControlAreaTruncated(t *testing.T) {
	if _, err := AddressOfControlArea([]byte{0, 1, 2}); err == nil {
		t.Fatal("expected error for truncated table")
	}
}
