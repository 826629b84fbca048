package tpm2

import (
	"fmt"

	"github.com/tpmcore/tpm2mmio/tpmutil"
)

// SymDefObject is TPMT_SYM_DEF_OBJECT: a symmetric algorithm selector,
// followed by key size and mode fields that are only present when the
// algorithm is not TPM_ALG_NULL.
type SymDefObject struct {
	Algorithm uint16
	KeyBits   uint16
	Mode      uint16
}

func decodeSymDefObject(r *tpmutil.Reader) (SymDefObject, error) {
	alg, err := r.ReadUint16()
	if err != nil {
		return SymDefObject{}, err
	}
	s := SymDefObject{Algorithm: alg}
	if alg == algNull {
		return s, nil
	}
	if s.KeyBits, err = r.ReadUint16(); err != nil {
		return SymDefObject{}, err
	}
	if s.Mode, err = r.ReadUint16(); err != nil {
		return SymDefObject{}, err
	}
	return s, nil
}

// KeyedHashScheme is TPMT_KEYEDHASH_SCHEME.
type KeyedHashScheme struct {
	Scheme  uint16
	HashAlg uint16
	KDF     uint16
}

func decodeKeyedHashScheme(r *tpmutil.Reader) (KeyedHashScheme, error) {
	scheme, err := r.ReadUint16()
	if err != nil {
		return KeyedHashScheme{}, err
	}
	s := KeyedHashScheme{Scheme: scheme}
	switch scheme {
	case algNull:
		// TPMS_NULL_SCHEME_KEYEDHASH carries no fields.
	case algHMAC:
		if s.HashAlg, err = r.ReadUint16(); err != nil {
			return KeyedHashScheme{}, err
		}
	case algXOR:
		if s.HashAlg, err = r.ReadUint16(); err != nil {
			return KeyedHashScheme{}, err
		}
		if s.KDF, err = r.ReadUint16(); err != nil {
			return KeyedHashScheme{}, err
		}
	default:
		return KeyedHashScheme{}, fmt.Errorf("tpm2: unrecognized keyedhash scheme 0x%04x", scheme)
	}
	return s, nil
}

// RSAScheme is TPMT_RSA_SCHEME.
type RSAScheme struct {
	Scheme  uint16
	HashAlg uint16
}

func decodeRSAScheme(r *tpmutil.Reader) (RSAScheme, error) {
	scheme, err := r.ReadUint16()
	if err != nil {
		return RSAScheme{}, err
	}
	s := RSAScheme{Scheme: scheme}
	switch scheme {
	case algNull, algRSAES:
		// Both carry no further fields.
	case algRSASSA, algRSAPSS, algOAEP:
		if s.HashAlg, err = r.ReadUint16(); err != nil {
			return RSAScheme{}, err
		}
	default:
		return RSAScheme{}, fmt.Errorf("tpm2: unrecognized rsa scheme 0x%04x", scheme)
	}
	return s, nil
}

// ECCScheme is TPMT_ECC_SCHEME. ECDAA additionally carries a count field
// alongside its hash algorithm.
type ECCScheme struct {
	Scheme  uint16
	HashAlg uint16
	Count   uint16
}

func decodeECCScheme(r *tpmutil.Reader) (ECCScheme, error) {
	scheme, err := r.ReadUint16()
	if err != nil {
		return ECCScheme{}, err
	}
	s := ECCScheme{Scheme: scheme}
	switch scheme {
	case algNull:
	case algECDAA:
		if s.HashAlg, err = r.ReadUint16(); err != nil {
			return ECCScheme{}, err
		}
		if s.Count, err = r.ReadUint16(); err != nil {
			return ECCScheme{}, err
		}
	case algECDSA, algECSchnorr, algECDH:
		if s.HashAlg, err = r.ReadUint16(); err != nil {
			return ECCScheme{}, err
		}
	default:
		return ECCScheme{}, fmt.Errorf("tpm2: unrecognized ecc scheme 0x%04x", scheme)
	}
	return s, nil
}

// KDFScheme is TPMT_KDF_SCHEME.
type KDFScheme struct {
	Scheme  uint16
	HashAlg uint16
}

func decodeKDFScheme(r *tpmutil.Reader) (KDFScheme, error) {
	scheme, err := r.ReadUint16()
	if err != nil {
		return KDFScheme{}, err
	}
	s := KDFScheme{Scheme: scheme}
	switch scheme {
	case algNull:
	case algKDF1SP80056A, algKDF2, algKDF1SP800108:
		if s.HashAlg, err = r.ReadUint16(); err != nil {
			return KDFScheme{}, err
		}
	default:
		return KDFScheme{}, fmt.Errorf("tpm2: unrecognized kdf scheme 0x%04x", scheme)
	}
	return s, nil
}

// KeyedHashParms is TPMS_KEYEDHASH_PARMS.
type KeyedHashParms struct {
	Scheme KeyedHashScheme
}

// SymCipherParms is TPMS_SYMCIPHER_PARMS.
type SymCipherParms struct {
	Sym SymDefObject
}

// RSAParms is TPMS_RSA_PARMS. Exponent is decoded from a 32-bit wire field
// but truncated to 16 bits on the way in: the cursor advances the full 4
// bytes, but only the field's low-order 16 bits (the last 2 bytes of the
// big-endian field) are kept. This mirrors a decode defect present in the system this
// package's wire codec was modeled on and is preserved deliberately rather
// than silently corrected, since a correction here would desynchronize
// from a deployed decoder's notion of "Exponent" without ever being able
// to detect the mismatch from the wire alone.
type RSAParms struct {
	Symmetric SymDefObject
	Scheme    RSAScheme
	KeyBits   uint16
	Exponent  uint16
}

// ECCParms is TPMS_ECC_PARMS.
type ECCParms struct {
	Symmetric SymDefObject
	Scheme    ECCScheme
	CurveID   uint16
	KDF       KDFScheme
}

// PublicParms is TPMU_PUBLIC_PARMS: exactly one of these fields is
// populated, selected by TPMTPublic.Type. Decoding branches explicitly per
// type rather than reflecting over a single fat struct, since the layout
// of the bytes that follow depends entirely on that selector.
type PublicParms struct {
	KeyedHash *KeyedHashParms
	SymCipher *SymCipherParms
	RSA       *RSAParms
	ECC       *ECCParms
}

// ECCPoint is TPMS_ECC_POINT.
type ECCPoint struct {
	X []byte
	Y []byte
}

// PublicID is TPMU_PUBLIC_ID: exactly one of these fields is populated,
// selected by the same type selector as PublicParms.
type PublicID struct {
	KeyedHash []byte
	SymCipher []byte
	RSA       []byte
	ECC       *ECCPoint
}

// TPMTPublic is TPMT_PUBLIC: a public-area object description with a
// type-dependent parameters block and a type-dependent unique-value block.
type TPMTPublic struct {
	Type             uint16
	NameAlg          uint16
	ObjectAttributes uint32
	AuthPolicy       []byte
	Parameters       PublicParms
	Unique           PublicID
}

const maxAuthPolicyBytes = 64

// readSizedOrBusy reads a TPM2B_* field, surfacing any overflow of max (or
// any underlying short-buffer read) as KindDeviceBusy: a malformed or
// truncated response the caller should treat as "retry or abort," not a
// bug in this decoder.
func readSizedOrBusy(r *tpmutil.Reader, max int) ([]byte, error) {
	b, err := r.ReadSized(max)
	if err != nil {
		return nil, newErr("decodeTPMTPublic", KindDeviceBusy, err)
	}
	return b, nil
}

// decodeTPMTPublic decodes a TPMT_PUBLIC from r, branching on Type to pick
// the Parameters and Unique layouts. Each branch is written out
// explicitly instead of driven by a generic union decoder, because the
// Unique field's shape (a single sized blob for KEYEDHASH/SYMCIPHER/RSA,
// a pair of sized blobs for ECC) cannot be expressed as one struct shape.
func decodeTPMTPublic(r *tpmutil.Reader) (TPMTPublic, error) {
	var pub TPMTPublic
	var err error

	if pub.Type, err = r.ReadUint16(); err != nil {
		return TPMTPublic{}, err
	}
	if pub.NameAlg, err = r.ReadUint16(); err != nil {
		return TPMTPublic{}, err
	}
	if pub.ObjectAttributes, err = r.ReadUint32(); err != nil {
		return TPMTPublic{}, err
	}
	if pub.AuthPolicy, err = readSizedOrBusy(r, maxAuthPolicyBytes); err != nil {
		return TPMTPublic{}, err
	}

	switch pub.Type {
	case algKeyedHash:
		scheme, err := decodeKeyedHashScheme(r)
		if err != nil {
			return TPMTPublic{}, err
		}
		pub.Parameters.KeyedHash = &KeyedHashParms{Scheme: scheme}
		unique, err := readSizedOrBusy(r, maxKeyedHashUniqueBytes)
		if err != nil {
			return TPMTPublic{}, err
		}
		pub.Unique.KeyedHash = unique

	case algSymCipher:
		sym, err := decodeSymDefObject(r)
		if err != nil {
			return TPMTPublic{}, err
		}
		pub.Parameters.SymCipher = &SymCipherParms{Sym: sym}
		unique, err := readSizedOrBusy(r, maxKeyedHashUniqueBytes)
		if err != nil {
			return TPMTPublic{}, err
		}
		pub.Unique.SymCipher = unique

	case algRSA:
		sym, err := decodeSymDefObject(r)
		if err != nil {
			return TPMTPublic{}, err
		}
		scheme, err := decodeRSAScheme(r)
		if err != nil {
			return TPMTPublic{}, err
		}
		keyBits, err := r.ReadUint16()
		if err != nil {
			return TPMTPublic{}, err
		}
		exponent, err := decodeRSAExponent(r)
		if err != nil {
			return TPMTPublic{}, err
		}
		pub.Parameters.RSA = &RSAParms{Symmetric: sym, Scheme: scheme, KeyBits: keyBits, Exponent: exponent}
		unique, err := readSizedOrBusy(r, maxRSAUniqueBytes)
		if err != nil {
			return TPMTPublic{}, err
		}
		pub.Unique.RSA = unique

	case algECC:
		sym, err := decodeSymDefObject(r)
		if err != nil {
			return TPMTPublic{}, err
		}
		scheme, err := decodeECCScheme(r)
		if err != nil {
			return TPMTPublic{}, err
		}
		curveID, err := r.ReadUint16()
		if err != nil {
			return TPMTPublic{}, err
		}
		kdf, err := decodeKDFScheme(r)
		if err != nil {
			return TPMTPublic{}, err
		}
		pub.Parameters.ECC = &ECCParms{Symmetric: sym, Scheme: scheme, CurveID: curveID, KDF: kdf}
		x, err := readSizedOrBusy(r, maxECCUniqueBytes)
		if err != nil {
			return TPMTPublic{}, err
		}
		y, err := readSizedOrBusy(r, maxECCUniqueBytes)
		if err != nil {
			return TPMTPublic{}, err
		}
		pub.Unique.ECC = &ECCPoint{X: x, Y: y}

	default:
		return TPMTPublic{}, newErr("decodeTPMTPublic", KindUnsupported, fmt.Errorf("unrecognized public type 0x%04x", pub.Type))
	}

	return pub, nil
}

// decodeRSAExponent reads the on-wire 32-bit exponent field but keeps only
// its low-order 16 bits, advancing the cursor the full 4 bytes. See the
// RSAParms doc comment for why this truncation is intentional.
func decodeRSAExponent(r *tpmutil.Reader) (uint16, error) {
	full, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return uint16(full), nil
}

// ReadPublicCommand is TPM2_ReadPublic's command parameters: the single
// object handle to query.
type ReadPublicCommand struct {
	ObjectHandle uint32
}

// EncodeReadPublic builds a complete TPM2_ReadPublic command frame: a
// sessionless (TPM_ST_NO_SESSIONS) header followed by the object handle.
func EncodeReadPublic(cmd ReadPublicCommand) []byte {
	w := tpmutil.NewWriter()
	w.WriteUint16(tpmStNoSessions)
	w.WriteUint32(0) // paramSize placeholder, patched below.
	w.WriteUint32(tpmCCReadPublic)
	w.WriteUint32(cmd.ObjectHandle)

	buf := w.Bytes()
	total := uint32(len(buf))
	buf[2] = byte(total >> 24)
	buf[3] = byte(total >> 16)
	buf[4] = byte(total >> 8)
	buf[5] = byte(total)
	return buf
}

// ReadPublicResponse is TPM2_ReadPublic's response parameters.
type ReadPublicResponse struct {
	OutPublic      TPMTPublic
	Name           []byte
	QualifiedName  []byte
}

// DecodeReadPublic parses a complete TPM2_ReadPublic response frame,
// validating the header tag/size before decoding the public area and the
// two TPM2B_NAME fields that follow it.
func DecodeReadPublic(resp []byte) (ReadPublicResponse, error) {
	r := tpmutil.NewReader(resp)

	tag, err := r.ReadUint16()
	if err != nil {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, err)
	}
	paramSize, err := r.ReadUint32()
	if err != nil {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, err)
	}
	responseCode, err := r.ReadUint32()
	if err != nil {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, err)
	}

	if int(paramSize) != len(resp) {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, fmt.Errorf("paramSize %d does not match response length %d", paramSize, len(resp)))
	}
	if tag == tpmStRspCommand {
		// TPM_ST_RSP_COMMAND is the legacy TPM 1.2 response tag; a chip
		// replying with it does not speak the TPM2 command set this
		// package implements.
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindUnsupported, fmt.Errorf("legacy response tag 0x%04x", tag))
	}
	if tag != tpmStNoSessions {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindUnsupported, fmt.Errorf("unexpected response tag 0x%04x", tag))
	}
	if responseCode == tpmRCSequence {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindInvalidParameter, fmt.Errorf("TPM_RC_SEQUENCE"))
	}
	if responseCode != tpmRCSuccess {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, fmt.Errorf("TPM_RC 0x%03x", responseCode))
	}

	outPublicSize, err := r.ReadUint16()
	if err != nil {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, err)
	}
	if int(outPublicSize) > r.Remaining() || int(outPublicSize) > maxPublicBytes {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, fmt.Errorf("outPublic size %d exceeds bounds", outPublicSize))
	}
	publicBytes, err := r.ReadBytes(int(outPublicSize))
	if err != nil {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, err)
	}
	outPublic, err := decodeTPMTPublic(tpmutil.NewReader(publicBytes))
	if err != nil {
		return ReadPublicResponse{}, err
	}

	name, err := r.ReadSized(maxNameBytes)
	if err != nil {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, err)
	}
	qualifiedName, err := r.ReadSized(maxNameBytes)
	if err != nil {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, err)
	}

	want := 10 + 2 + len(publicBytes) + 2 + len(name) + 2 + len(qualifiedName)
	if want != len(resp) {
		return ReadPublicResponse{}, newErr("DecodeReadPublic", KindDeviceBusy, fmt.Errorf("response length %d does not match header-declared fields (want %d)", len(resp), want))
	}

	return ReadPublicResponse{OutPublic: outPublic, Name: name, QualifiedName: qualifiedName}, nil
}
