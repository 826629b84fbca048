//go:build !linux

package mmio

// DevMemMapper is unavailable outside Linux: there is no portable
// equivalent of /dev/mem to stand in for the privileged mapping primitive a
// real kernel-mode driver would supply. Map always fails with ErrMapFailed.
type DevMemMapper struct{}

// NewDevMemMapper returns a Mapper that always fails to map.
func NewDevMemMapper() *DevMemMapper {
	return &DevMemMapper{}
}

// Map implements Mapper.
func (m *DevMemMapper) Map(phys uint64, length uintptr, kind CacheKind) (Mapping, error) {
	return nil, ErrMapFailed
}
