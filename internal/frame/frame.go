// Package frame implements the ASCII command /
// four-letter reply framing scheme, the addsum checksum, and the 32-byte
// CBW control block word used during the SPL stage.
package frame

import (
	"encoding/binary"

	"amlboot/internal/amlerr"
	"amlboot/internal/ioiface"
)

// Reply prefixes. OKAY and DATA are success indications (contextual); INFO
// means "busy, retry"; FAIL is a protocol error.
const (
	ReplyOkay = "OKAY"
	ReplyFail = "FAIL"
	ReplyInfo = "INFO"
	ReplyData = "DATA"
)

// prefix returns the first 4 bytes of msg as a string, or "" if msg is
// shorter than 4 bytes.
func prefix(msg []byte) string {
	if len(msg) < 4 {
		return ""
	}
	return string(msg[:4])
}

// SendCmd writes cmd on the bulk-OUT endpoint and reads up to
// ioiface.BulkReadLen bytes from bulk-IN. It fails if the reply is shorter
// than 4 bytes or its prefix differs from expected; on success it returns
// the raw reply buffer so callers can parse the payload that follows the
// prefix.
func SendCmd(t ioiface.BulkTransport, cmd []byte, expected string) ([]byte, error) {
	if _, err := t.BulkWrite(cmd, ioiface.BulkTimeout); err != nil {
		return nil, err
	}

	msg, err := t.BulkRead(ioiface.BulkReadLen, ioiface.BulkTimeout)
	if err != nil {
		return nil, err
	}

	if len(msg) < 4 {
		return nil, amlerr.New(amlerr.Protocol, "send_cmd", "reply too short to contain a prefix")
	}

	got := prefix(msg)
	if got != expected {
		return nil, amlerr.New(amlerr.Protocol, "send_cmd",
			"unexpected reply prefix", "want:"+expected+" got:"+got+" cmd:"+string(cmd))
	}

	return msg, nil
}

// SendCmdString is SendCmd for a textual ASCII command.
func SendCmdString(t ioiface.BulkTransport, cmd string, expected string) ([]byte, error) {
	return SendCmd(t, []byte(cmd), expected)
}

// Raw writes cmd and returns whatever reply comes back verbatim, without
// checking its prefix. Used where the reply prefix is not known ahead of
// time (partition mwrite polling can answer OKAY or DATAOUTx:y).
func Raw(t ioiface.BulkTransport, cmd []byte) ([]byte, error) {
	if _, err := t.BulkWrite(cmd, ioiface.BulkTimeout); err != nil {
		return nil, err
	}
	return t.BulkRead(ioiface.BulkReadLen, ioiface.BulkTimeout)
}

// RawString is Raw for a textual ASCII command.
func RawString(t ioiface.BulkTransport, cmd string) ([]byte, error) {
	return Raw(t, []byte(cmd))
}

// Addsum computes the addsum checksum over buf: the sum, modulo 2^32, of
// every little-endian u32 word in buf padded conceptually to a 4-byte
// boundary. A trailing fragment shorter than 4 bytes is read with
// zero-padding to the right (3 bytes mask to 0x00FFFFFF, 2 bytes read as a
// u16, 1 byte read as the byte itself).
func Addsum(buf []byte) uint32 {
	var sum uint32
	for i := 0; i < len(buf); i += 4 {
		remain := len(buf) - i
		var word uint32
		switch {
		case remain >= 4:
			word = binary.LittleEndian.Uint32(buf[i : i+4])
		case remain == 3:
			var tmp [4]byte
			copy(tmp[:3], buf[i:i+3])
			word = binary.LittleEndian.Uint32(tmp[:]) & 0x00FFFFFF
		case remain == 2:
			word = uint32(binary.LittleEndian.Uint16(buf[i : i+2]))
		case remain == 1:
			word = uint32(buf[i])
		}
		sum += word
	}
	return sum
}

// AddsumBytes renders an addsum value as its 4-byte little-endian wire
// encoding, as sent after a checksum-bearing frame.
func AddsumBytes(sum uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, sum)
	return b
}

// CBW is the 32-byte Control Block Word the device sends during SPL to
// pull fragments of the next-stage image.
type CBW struct {
	Seq          uint32
	Size         uint32
	Offset       uint32
	NeedChecksum bool
	End          bool
}

// ParseCBW parses a CBW reply (the full SendCmd reply buffer, including its
// 4-byte prefix) into its fields. It requires the "AMLC" magic at bytes
// 4-7; any other value is a protocol error.
func ParseCBW(msg []byte) (CBW, error) {
	if len(msg) < 22 {
		return CBW{}, amlerr.New(amlerr.Protocol, "parse_cbw", "CBW reply too short")
	}
	if string(msg[4:8]) != "AMLC" {
		return CBW{}, amlerr.New(amlerr.Protocol, "parse_cbw", "missing AMLC magic")
	}

	c := CBW{
		Seq:          binary.LittleEndian.Uint32(msg[8:12]),
		Size:         binary.LittleEndian.Uint32(msg[12:16]),
		Offset:       binary.LittleEndian.Uint32(msg[16:20]),
		NeedChecksum: msg[20] == 0,
		End:          msg[21] != 0,
	}
	return c, nil
}

// BuildCBW renders a CBW back to its 32-byte wire form behind the given
// 4-byte reply prefix (used by tests to exercise the parse/build round
// trip).
func BuildCBW(prefixStr string, c CBW) []byte {
	buf := make([]byte, 32)
	copy(buf[0:4], prefixStr)
	copy(buf[4:8], "AMLC")
	binary.LittleEndian.PutUint32(buf[8:12], c.Seq)
	binary.LittleEndian.PutUint32(buf[12:16], c.Size)
	binary.LittleEndian.PutUint32(buf[16:20], c.Offset)
	if !c.NeedChecksum {
		buf[20] = 1
	}
	if c.End {
		buf[21] = 1
	}
	return buf
}
