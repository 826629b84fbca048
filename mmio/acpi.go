package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// ErrTableNotFound is returned when the requested firmware table does not
// exist on this platform.
var ErrTableNotFound = errors.New("mmio: firmware table not found")

// addressOfControlAreaOffset is the byte offset of the ACPI TPM2 table's
// AddressOfControlArea field: a 36-byte ACPI table header, a 4-byte Flags
// field, then the 8-byte control area address.
const addressOfControlAreaOffset = 40

// FirmwareTableReader abstracts the platform callable
// get_firmware_table("ACPI", "TPM2") that interface discovery calls to find
// a TPM's locality-0 base address. A production implementation reads the
// kernel-exposed copy of the table; tests substitute an in-memory table.
type FirmwareTableReader interface {
	GetFirmwareTable(provider, signature string) ([]byte, error)
}

// SysfsACPIReader reads ACPI tables exposed by Linux under
// /sys/firmware/acpi/tables, the portable analogue of a Windows driver's
// AuxKlibGetSystemFirmwareTable call.
type SysfsACPIReader struct {
	// Root overrides the sysfs mount point; tests set this to a temp
	// directory. Production callers leave it empty.
	Root string
}

func (r *SysfsACPIReader) root() string {
	if r.Root != "" {
		return r.Root
	}
	return "/sys/firmware/acpi/tables"
}

// GetFirmwareTable implements FirmwareTableReader.
func (r *SysfsACPIReader) GetFirmwareTable(provider, signature string) ([]byte, error) {
	if provider != "ACPI" {
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrTableNotFound, provider)
	}
	path := r.root() + "/" + signature
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableNotFound, err)
	}
	return data, nil
}

// AddressOfControlArea extracts the TPM2 ACPI table's AddressOfControlArea
// field from raw table bytes.
func AddressOfControlArea(table []byte) (uint64, error) {
	if len(table) < addressOfControlAreaOffset+8 {
		return 0, fmt.Errorf("%w: TPM2 table truncated (%d bytes)", ErrTableNotFound, len(table))
	}
	return binary.LittleEndian.Uint64(table[addressOfControlAreaOffset : addressOfControlAreaOffset+8]), nil
}
