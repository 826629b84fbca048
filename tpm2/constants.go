package tpm2

// Interface identifies which register protocol a discovered TPM speaks.
type Interface int

const (
	// InterfaceNone means no TPM was found at the mapped address.
	InterfaceNone Interface = iota
	// InterfaceCRB is the Command/Response Buffer protocol used by most
	// modern discrete and firmware TPMs.
	InterfaceCRB
	// InterfaceFIFO is the FIFO/PTP register protocol, layout-compatible
	// with the legacy TIS interface but negotiated via InterfaceId.
	InterfaceFIFO
	// InterfaceTIS is the legacy TPM Interface Specification protocol,
	// used when InterfaceId reports the FIFO/TIS 1.3 interface type.
	InterfaceTIS
)

func (i Interface) String() string {
	switch i {
	case InterfaceCRB:
		return "CRB"
	case InterfaceFIFO:
		return "FIFO"
	case InterfaceTIS:
		return "TIS"
	default:
		return "none"
	}
}

// Locality-0 MMIO window size. Every register this package touches lives
// within the first 0x5000 bytes of the mapped region; the remainder of the
// 64KiB locality window is unused by ReadPublic.
const mmioWindowLength = 0x5000

// CRB register offsets, locality 0, relative to the mapped base address.
const (
	crbLocalityState    = 0x00
	crbLocalityStatus   = 0x0C
	crbCtrlStatus       = 0x10
	crbCtrlRequest      = 0x14
	crbCtrlCancel       = 0x18
	crbCtrlStart        = 0x1C
	crbInterfaceId      = 0x30
	crbCtrlCommandSize  = 0x38
	crbCtrlCommandAddrL = 0x3C
	crbCtrlCommandAddrH = 0x40
	crbCtrlResponseSize = 0x44
	crbCtrlResponseAddr = 0x48
	crbDataBuffer       = 0x80
)

// CRB CtrlStatus bits.
const (
	crbCtrlStatusTpmIdle = 1 << 1
)

// CRB CtrlRequest bits, written to request a locality state transition.
const (
	crbCtrlRequestGoIdle  = 1 << 1
	crbCtrlRequestCmdRdy  = 1 << 0
)

// CRB CtrlStart bits.
const (
	crbCtrlStartStart = 1 << 0
)

// CRB CtrlCancel bits. Writing cancel requests the TPM abort an in-flight
// command; the requester clears it again once the abort is observed.
const (
	crbCtrlCancelCancel = 1 << 0
)

// TIS/FIFO register offsets, locality 0.
const (
	tisAccess          = 0x00
	tisIntEnable       = 0x08
	tisIntVector       = 0x0C
	tisIntStatus       = 0x10
	tisIntfCapability  = 0x14
	tisStatus          = 0x18
	tisBurstCountLo    = 0x19
	tisBurstCountHi    = 0x1A
	tisDataFifo        = 0x24
	tisInterfaceId     = 0x30
)

// TIS Access register bits.
const (
	tisAccessValid           = 1 << 7
	tisAccessActiveLocality  = 1 << 5
	tisAccessRequestUse      = 1 << 1
	tisAccessTpmEstablishment = 1 << 0
)

// TIS Status register bits. tisStatusCancel only exists in the register's
// 32-bit view: it aliases the top byte of the same word tisStatus reads as
// a single byte, so canceling requires a 4-byte access rather than the
// 1-byte accesses every other status check uses.
const (
	tisStatusValid         = 1 << 7
	tisStatusCommandReady  = 1 << 6
	tisStatusGo            = 1 << 5
	tisStatusDataAvail     = 1 << 4
	tisStatusExpect        = 1 << 3
	tisStatusResponseRetry = 1 << 1
	tisStatusCancel        = 1 << 24
)

// InterfaceId register bits (offset 0x30), shared layout between CRB and
// FIFO/TIS.
const (
	interfaceIdInterfaceTypeMask = 0xF
	interfaceIdTypeFIFOTIS13     = 0x0
	interfaceIdTypeCRBOrFIFO20   = 0x1
	interfaceIdTypeCRB           = 0x2

	interfaceIdVersionShift = 4
	interfaceIdVersionMask  = 0xF
	interfaceIdVersionFIFO  = 0x0
	interfaceIdVersionCRB   = 0x1

	interfaceIdCapCRB  = 1 << 9
	interfaceIdCapFIFO = 1 << 10

	// CapCRBIdleBypass occupies the byte at bits [23:16]: a full byte so
	// its "BIOS not PTP-aware" sentinel (0xFF) can be detected directly.
	interfaceIdCapCRBIdleBypassShift = 16
	interfaceIdCapCRBIdleBypassMask  = 0xFF
)

// InterfaceCapability register bits (read at offset 0x14 before the
// interface is known to be CRB, where that offset is CtrlRequest instead).
const (
	interfaceCapabilityVersionMask = 0x7
	interfaceCapabilityVersionPTP  = 0x3
)

// TPM2 command/response framing constants. Only the subset ReadPublic needs.
const (
	tpmStNoSessions = 0x8001
	tpmStRspCommand = 0x00C4

	tpmCCReadPublic = 0x00000173

	tpmRCSuccess  = 0x000
	tpmRCSequence = 0x103
)

// TPM_ALG_ID values needed to decode TPMT_PUBLIC, pinned against the
// TCG algorithm registry.
const (
	algRSA       = 0x0001
	algHMAC       = 0x0005
	algAES        = 0x0006
	algMGF1       = 0x0007
	algKeyedHash  = 0x0008
	algXOR        = 0x000A
	algSHA256     = 0x000B
	algNull       = 0x0010
	algSM4        = 0x0013
	algRSASSA     = 0x0014
	algRSAES      = 0x0015
	algRSAPSS     = 0x0016
	algOAEP       = 0x0017
	algECDSA      = 0x0018
	algECDH       = 0x0019
	algECDAA      = 0x001A
	algECSchnorr  = 0x001C
	algKDF1SP80056A = 0x0020
	algKDF2         = 0x0021
	algKDF1SP800108 = 0x0022
	algECC          = 0x0023
	algSymCipher    = 0x0025
)

// ECC named curve identifiers, as referenced by TPMS_ECC_PARMS.curveID.
const (
	eccCurveNone    = 0x0000
	eccCurveNistP256 = 0x0003
	eccCurveNistP384 = 0x0004
	eccCurveNistP521 = 0x0005
)

// Bounds on TPM2B_* fields this codec decodes, matching the TPM2 spec's
// MAX_RSA_KEY_BYTES / MAX_ECC_KEY_BYTES / MAX_SYM_KEY_BYTES and the 68-byte
// name digest ceiling (4-byte alg id + SHA-512 digest).
const (
	maxNameBytes   = 68
	maxPublicBytes = 512

	// Per-variant Unique maxima: KEYEDHASH/SYMCIPHER are bounded by
	// TPMU_HA (a digest), RSA by MAX_RSA_KEY_BYTES, ECC's x/y coordinates
	// each by MAX_ECC_KEY_BYTES.
	maxKeyedHashUniqueBytes = 64
	maxRSAUniqueBytes       = 512
	maxECCUniqueBytes       = 128

	maxSymKeyBits = 256
)
