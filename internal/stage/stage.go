// Package stage implements boot-stage identification and chip-info/
// secure-boot queries, valid only in ROM or SPL.
package stage

import (
	"encoding/binary"
	"fmt"

	"amlboot/internal/amlerr"
	"amlboot/internal/frame"
	"amlboot/internal/ioiface"
)

// Stage is a tagged boot stage with a fixed wire code, monotone within a
// session: ROM -> SPL -> TPL.
type Stage uint8

const (
	ROM Stage = 0
	SPL Stage = 8
	TPL Stage = 16
)

// String returns the Amlogic-facing display name for the stage.
func (s Stage) String() string {
	switch s {
	case ROM:
		return "BootROM"
	case SPL:
		return "BL2"
	case TPL:
		return "U-Boot"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// adnlProtocolID and legacyProtocolID are the values seen at byte 0 of the
// "identify" reply payload (relative to the 4-byte OKAY prefix): 0x05 marks
// the ADNL protocol, 0x03 the legacy "Optimus" protocol.
const (
	adnlProtocolID   = 0x05
	legacyProtocolID = 0x03
)

// SocFamily enumerates the SoC families reported in chipinfo page 1.
type SocFamily uint8

const (
	A1  SocFamily = 0x2c
	C1  SocFamily = 0x30
	SC2 SocFamily = 0x32
	C2  SocFamily = 0x33
	T5  SocFamily = 0x34
	T5D SocFamily = 0x35
	T7  SocFamily = 0x36
	S4  SocFamily = 0x37
)

func (f SocFamily) String() string {
	switch f {
	case A1:
		return "A1"
	case C1:
		return "C1"
	case SC2:
		return "SC2"
	case C2:
		return "C2"
	case T5:
		return "T5"
	case T5D:
		return "T5D"
	case T7:
		return "T7"
	case S4:
		return "S4"
	default:
		return fmt.Sprintf("SocFamily(0x%x)", uint8(f))
	}
}

// secureBootMask maps SoC family to its FEAT secure-boot bit. Families not
// present here have unspecified secure-boot detection
// and must fail loudly rather than guess.
var secureBootMask = map[SocFamily]uint32{
	A1: 0x01,
	C1: 0x01,
	C2: 0x01,
	T5: 0x10,
	T5D: 0x10,
}

// IdentifyResult is the parsed reply to "getvar:identify".
type IdentifyResult struct {
	Stage      Stage
	ProtocolID uint8
}

// IsLegacyProtocol reports whether the identify reply marked this device as
// speaking the legacy "Optimus" protocol rather than ADNL.
func (r IdentifyResult) IsLegacyProtocol() bool {
	return r.ProtocolID == legacyProtocolID
}

// Identify sends "getvar:identify" and classifies the device's current
// boot stage and protocol flavor. The reply payload's byte 0 (relative to
// the prefix) must be the ADNL or legacy protocol id; byte 3 encodes the
// stage.
func Identify(t ioiface.BulkTransport) (IdentifyResult, error) {
	msg, err := frame.SendCmdString(t, "getvar:identify", frame.ReplyOkay)
	if err != nil {
		return IdentifyResult{}, err
	}
	if len(msg) < 8 {
		return IdentifyResult{}, amlerr.New(amlerr.Protocol, "identify", "reply payload too short")
	}

	protocolID := msg[4]
	if protocolID != adnlProtocolID && protocolID != legacyProtocolID {
		return IdentifyResult{}, amlerr.New(amlerr.Protocol, "identify",
			"unexpected protocol id in identify reply", fmt.Sprintf("0x%02x", protocolID))
	}

	return IdentifyResult{
		Stage:      Stage(msg[7]),
		ProtocolID: protocolID,
	}, nil
}

// ChipInfo queries chipinfo page (0-7) and returns nbytes starting at
// offset within the 64-byte page payload. It first re-confirms the device
// is in ROM or SPL; any other stage is a programmer error, since chipinfo
// is only ever valid there.
func ChipInfo(t ioiface.BulkTransport, page, offset, nbytes int) ([]byte, error) {
	id, err := Identify(t)
	if err != nil {
		return nil, err
	}
	if id.Stage != ROM && id.Stage != SPL {
		return nil, amlerr.New(amlerr.Programmer, "chipinfo",
			fmt.Sprintf("chipinfo-%d can't be queried from stage %s", page, id.Stage))
	}
	if page < 0 || page > 7 {
		return nil, amlerr.New(amlerr.Programmer, "chipinfo", fmt.Sprintf("page index %d out of range [0,7]", page))
	}

	msg, err := frame.SendCmdString(t, fmt.Sprintf("getvar:getchipinfo-%d", page), frame.ReplyOkay)
	if err != nil {
		return nil, err
	}
	payload := msg[4:]

	if offset > 0 && offset+nbytes >= len(payload) {
		return nil, amlerr.New(amlerr.Programmer, "chipinfo", "out of bound access into chipinfo page")
	}
	if offset+nbytes > len(payload) {
		return nil, amlerr.New(amlerr.Programmer, "chipinfo", "out of bound access into chipinfo page")
	}

	return payload[offset : offset+nbytes], nil
}

// Feat reads the 32-bit feature word from chipinfo page 1, offset 0x24.
func Feat(t ioiface.BulkTransport) (uint32, error) {
	b, err := ChipInfo(t, 1, 0x24, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Family reads the SoC family id from chipinfo page 1, offset 0x04.
func Family(t ioiface.BulkTransport) (SocFamily, error) {
	b, err := ChipInfo(t, 1, 0x04, 4)
	if err != nil {
		return 0, err
	}
	return SocFamily(binary.LittleEndian.Uint32(b)), nil
}

// SecureBootEnabled reports whether the device's FEAT word has its
// family-specific secure-boot bit set. Valid only in ROM; querying it from
// any other stage is a programmer error, as is a family absent from the
// secure-boot mask table.
func SecureBootEnabled(t ioiface.BulkTransport) (bool, error) {
	id, err := Identify(t)
	if err != nil {
		return false, err
	}
	if id.Stage != ROM {
		return false, amlerr.New(amlerr.Programmer, "secureboot", fmt.Sprintf("unsuitable stage %s for secureboot query", id.Stage))
	}

	feat, err := Feat(t)
	if err != nil {
		return false, err
	}
	family, err := Family(t)
	if err != nil {
		return false, err
	}

	mask, ok := secureBootMask[family]
	if !ok {
		return false, amlerr.New(amlerr.Programmer, "secureboot",
			fmt.Sprintf("no secure-boot mask known for SoC family %s", family))
	}

	return feat&mask != 0, nil
}
