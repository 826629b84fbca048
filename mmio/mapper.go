// Package mmio provides the MmioMapper capability: a scoped mapping of a
// physical address range for volatile, non-reordered register access.
//
// The privileged half of this — turning a physical address into pages this
// process may touch at all — is exactly the part a kernel-mode driver would
// supply itself (MmMapIoSpace on Windows, a PCI BAR mapping on Linux). This
// package plays that role for a userspace build via /dev/mem, which is the
// closest portable stand-in available to a Go program.
package mmio

import "errors"

// ErrMapFailed is returned when the platform refuses to map a physical range.
var ErrMapFailed = errors.New("mmio: failed to map physical address range")

// CacheKind selects the caching behavior requested for a mapping. Register
// windows must always be mapped Uncached; the type exists so callers state
// their intent rather than relying on a hidden default.
type CacheKind int

const (
	// Uncached disables caching on the mapped range. This is the only
	// CacheKind a TPM register window may use.
	Uncached CacheKind = iota
)

// Mapping is a live mapping of a physical address range, offering volatile
// reads and writes at byte offsets within the mapped length. Every method
// operates directly on the mapped memory; none of them buffer or coalesce
// accesses, so the order callers issue them in is the order the device sees
// them in.
type Mapping interface {
	Read8(offset uintptr) (uint8, error)
	Read16(offset uintptr) (uint16, error)
	Read32(offset uintptr) (uint32, error)
	Read64(offset uintptr) (uint64, error)

	Write8(offset uintptr, v uint8) error
	Write16(offset uintptr, v uint16) error
	Write32(offset uintptr, v uint32) error
	Write64(offset uintptr, v uint64) error

	// ReadBytes copies len(p) bytes starting at offset, one byte at a time,
	// matching how hardware register windows are read on real platforms.
	ReadBytes(offset uintptr, p []byte) error
	// WriteBytes copies p into the mapping starting at offset, one byte at
	// a time.
	WriteBytes(offset uintptr, p []byte) error

	// Close releases the mapping. A Mapping must not be used after Close.
	Close() error
}

// Mapper is the MmioMapper capability: it turns a physical address range
// into a scoped Mapping. Implementations must never return a partially
// valid Mapping — either the whole range is live, or an error is returned
// and the Mapping is nil.
type Mapper interface {
	// Map acquires a mapping of [phys, phys+length) with the given
	// caching behavior. The caller must call Close on the returned
	// Mapping on every exit path, including error paths taken after a
	// partial read.
	Map(phys uint64, length uintptr, kind CacheKind) (Mapping, error)
}
