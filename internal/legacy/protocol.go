// Package legacy implements the vendor control-transfer protocol spoken by
// VID:PID 1b8e:c003 devices: memory read/write/modify, large-memory block
// transfer, device identification, the TPL command/status channel,
// media read/write, the bulk command channel, and the AMLC/AMLS boot-image
// transfer sequence.
package legacy

import (
	"encoding/binary"

	"amlboot/internal/amlerr"
	"amlboot/internal/frame"
	"amlboot/internal/ioiface"
)

// Vendor request codes.
const (
	reqWriteMem    = 0x01
	reqReadMem     = 0x02
	reqModifyMem   = 0x04
	reqRunInAddr   = 0x05
	reqWrLargeMem  = 0x11
	reqRdLargeMem  = 0x12
	reqIdentify    = 0x20
	reqTplCmd      = 0x30
	reqTplStat     = 0x31
	reqWriteMedia  = 0x32
	reqReadMedia   = 0x33
	reqBulkCmd     = 0x34
	reqPassword    = 0x35
	reqNop         = 0x36
	reqGetAMLC     = 0x50
	reqWriteAMLC   = 0x60
)

// Modify-memory opcodes selected via wValue.
const (
	modifyOpWrite       = 0
	modifyOpAnd         = 1
	modifyOpOr          = 2
	modifyOpNand        = 3
	modifyOpBlend       = 4
	modifyOpCopy        = 5
	modifyOpCopyMaskAnd = 6
	modifyOpMemcpy      = 7
)

const flagKeepPowerOn = 0x10

// maxLargeBlockCount bounds blockCount in a single WR/RD_LARGE_MEM control
// transfer; larger transfers are split across several super-transfers.
const maxLargeBlockCount = 65535

// AMLC/AMLS framing constants.
const (
	amlsBlockLength       = 0x200
	amlcMaxBlockLength    = 0x4000
	amlcMaxTransferLength = 65536
)

// writeMediaChecksumAlgAddsum selects the checksum scheme a media write uses;
// this driver always requests addsum.
const writeMediaChecksumAlgAddsum = 0x00ef

// Session wraps a Transport with the legacy protocol's vendor requests.
type Session struct {
	t ioiface.Transport
}

// New wraps t as a legacy protocol session.
func New(t ioiface.Transport) *Session {
	return &Session{t: t}
}

// WriteSimpleMemory writes up to 64 bytes to device memory at address.
func (s *Session) WriteSimpleMemory(address uint32, data []byte) error {
	if len(data) > 64 {
		return amlerr.New(amlerr.Programmer, "write_simple_memory", "maximum size of 64 bytes")
	}
	return s.t.ControlOut(reqWriteMem, uint16(address>>16), uint16(address&0xffff), data)
}

// WriteMemory writes data of any length to device memory in 64-byte
// chunks.
func (s *Session) WriteMemory(address uint32, data []byte) error {
	for offset := 0; offset < len(data); offset += 64 {
		end := offset + 64
		if end > len(data) {
			end = len(data)
		}
		if err := s.WriteSimpleMemory(address+uint32(offset), data[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

// ReadSimpleMemory reads up to 64 bytes from device memory at address.
func (s *Session) ReadSimpleMemory(address uint32, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if length > 64 {
		return nil, amlerr.New(amlerr.Programmer, "read_simple_memory", "maximum size of 64 bytes")
	}
	return s.t.ControlIn(reqReadMem, uint16(address>>16), uint16(address&0xffff), length)
}

// ReadMemory reads data of any length from device memory, concatenating
// successive 64-byte reads.
func (s *Session) ReadMemory(address uint32, length int) ([]byte, error) {
	var out []byte
	offset := 0
	for length > 0 {
		chunk := 64
		if length < 64 {
			chunk = length
		}
		b, err := s.ReadSimpleMemory(address+uint32(offset), chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		offset += chunk
		length -= chunk
	}
	return out, nil
}

// modifyMemory issues MODIFY_MEM with the given opcode and 16-byte
// (address1, data, mask, address2) payload.
func (s *Session) modifyMemory(opcode uint16, address1, data, mask, address2 uint32) error {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], address1)
	binary.LittleEndian.PutUint32(buf[4:8], data)
	binary.LittleEndian.PutUint32(buf[8:12], mask)
	binary.LittleEndian.PutUint32(buf[12:16], address2)
	return s.t.ControlOut(reqModifyMem, opcode, 0, buf)
}

// ReadReg reads a 32-bit little-endian register value.
func (s *Session) ReadReg(address uint32) (uint32, error) {
	b, err := s.ReadSimpleMemory(address, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteReg writes a 32-bit register value.
func (s *Session) WriteReg(address, value uint32) error {
	return s.modifyMemory(modifyOpWrite, address, value, 0, 0)
}

// MaskRegAND applies address &= mask on the device.
func (s *Session) MaskRegAND(address, mask uint32) error {
	return s.modifyMemory(modifyOpAnd, address, 0, mask, 0)
}

// MaskRegOR applies address |= mask on the device.
func (s *Session) MaskRegOR(address, mask uint32) error {
	return s.modifyMemory(modifyOpOr, address, 0, mask, 0)
}

// WriteRegBits applies address = (address &^ mask) | (value & mask).
func (s *Session) WriteRegBits(address, mask, value uint32) error {
	return s.modifyMemory(modifyOpBlend, address, value, mask, 0)
}

// MaskRegNAND applies address = ^(address & mask) on the device.
func (s *Session) MaskRegNAND(address, mask uint32) error {
	return s.modifyMemory(modifyOpNand, address, 0, mask, 0)
}

// CopyReg reads the 32-bit value at src and writes it to dst.
func (s *Session) CopyReg(dst, src uint32) error {
	return s.modifyMemory(modifyOpCopy, dst, 0, 0, src)
}

// CopyRegMaskAND reads the value at src, ANDs it with mask, and writes the
// result to dst.
func (s *Session) CopyRegMaskAND(dst, src, mask uint32) error {
	return s.modifyMemory(modifyOpCopyMaskAnd, dst, 0, mask, src)
}

// Memcpy copies n bytes from src to dst, one word at a time.
func (s *Session) Memcpy(dst, src, n uint32) error {
	return s.modifyMemory(modifyOpMemcpy, src, n, 0, dst)
}

// Run jumps device execution to address.
func (s *Session) Run(address uint32, keepPower bool) error {
	data := address
	if keepPower {
		data |= flagKeepPowerOn
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, data)
	return s.t.ControlOut(reqRunInAddr, uint16(address>>16), uint16(address&0xffff), buf)
}

// Identify returns the 8-byte protocol identifier string.
func (s *Session) Identify() (string, error) {
	b, err := s.t.ControlIn(reqIdentify, 0, 0, 8)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TplCommand sends a NUL-terminated U-Boot command string via TPL_CMD.
func (s *Session) TplCommand(subcode uint16, command string) error {
	terminated := command + "\x00"
	if len(terminated) >= 128 {
		return amlerr.New(amlerr.Programmer, "tpl_command", "command must be shorter than 127 characters")
	}
	return s.t.ControlOut(reqTplCmd, 0, subcode, []byte(terminated))
}

// TplStat reads the 64-byte TPL status buffer.
func (s *Session) TplStat() ([]byte, error) {
	return s.t.ControlIn(reqTplStat, 0, 0, 0x40)
}

// SendPassword sends an authentication token.
func (s *Session) SendPassword(password []byte) error {
	return s.t.ControlOut(reqPassword, 0, 0, password)
}

// Nop issues a no-op control transfer, used for liveness probing.
func (s *Session) Nop() error {
	return s.t.ControlOut(reqNop, 0, 0, nil)
}

// BulkCmd sends a textual U-Boot command over BULKCMD, optionally reading
// back the 512-byte bulk status buffer.
func (s *Session) BulkCmd(command string, readStatus bool) ([]byte, error) {
	terminated := command + "\x00"
	if len(terminated) >= 128 {
		return nil, amlerr.New(amlerr.Programmer, "bulk_cmd", "command must be shorter than 127 characters")
	}
	if err := s.t.ControlOut(reqBulkCmd, 0, 2, []byte(terminated)); err != nil {
		return nil, err
	}
	if !readStatus {
		return nil, nil
	}
	return s.BulkCmdStat()
}

// BulkCmdStat reads the 512-byte BULKCMD status buffer off bulk-IN.
func (s *Session) BulkCmdStat() ([]byte, error) {
	return s.t.BulkRead(512, ioiface.BulkTimeout)
}

// ReadMedia reads size bytes of device storage via READ_MEDIA. wValue
// carries size and wIndex the block count (size divided into 4096-byte
// blocks, rounded up); the payload data then flows on bulk-IN.
func (s *Session) ReadMedia(size int) ([]byte, error) {
	const blockLength = 0x1000
	blocks := (size + blockLength - 1) / blockLength

	if _, err := s.t.ControlIn(reqReadMedia, uint16(size), uint16(blocks), 16); err != nil {
		return nil, err
	}
	return s.t.BulkRead(size, ioiface.BulkTimeout)
}

// WriteMedia writes data to device storage via WRITE_MEDIA, with an addsum
// checksum computed over the full payload.
func (s *Session) WriteMedia(data []byte, ackLen uint32, seq, retryTimes uint32) (bool, error) {
	sum := frame.Addsum(data)

	ctrl := make([]byte, 0x20)
	binary.LittleEndian.PutUint32(ctrl[0:4], retryTimes)
	binary.LittleEndian.PutUint32(ctrl[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint32(ctrl[8:12], seq)
	binary.LittleEndian.PutUint32(ctrl[12:16], sum)
	binary.LittleEndian.PutUint16(ctrl[16:18], writeMediaChecksumAlgAddsum)
	binary.LittleEndian.PutUint16(ctrl[18:20], uint16(ackLen))

	if err := s.t.ControlOut(reqWriteMedia, 1, 0xffff, ctrl); err != nil {
		return false, err
	}
	n, err := s.t.BulkWrite(data, ioiface.BulkTimeout)
	if err != nil {
		return false, err
	}
	return n == len(data), nil
}
