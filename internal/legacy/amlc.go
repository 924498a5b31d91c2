package legacy

import (
	"encoding/binary"
	"time"

	"amlboot/internal/amlerr"
	"amlboot/internal/frame"
	"amlboot/internal/ioiface"
)

// GetAMLC issues GET_AMLC and returns the (length, offset) the device is
// requesting next, acking the request on bulk-OUT once parsed. A length of
// zero marks that no
// further data is requested, mirroring ADNL's CBW end flag.
func (s *Session) GetAMLC() (length, offset uint32, err error) {
	if err := s.t.ControlOut(reqGetAMLC, amlsBlockLength, 0, nil); err != nil {
		return 0, 0, err
	}

	data, err := s.t.BulkRead(amlsBlockLength, 100*time.Millisecond)
	if err != nil {
		return 0, 0, err
	}
	if len(data) < 16 || string(data[0:4]) != "AMLC" {
		return 0, 0, amlerr.New(amlerr.Protocol, "get_amlc", "missing AMLC magic")
	}
	length = binary.LittleEndian.Uint32(data[8:12])
	offset = binary.LittleEndian.Uint32(data[12:16])

	ack := make([]byte, 16)
	copy(ack[0:4], frame.ReplyOkay)
	if _, err := s.t.BulkWrite(ack, ioiface.BulkTimeout); err != nil {
		return 0, 0, err
	}
	return length, offset, nil
}

// writeAMLCData writes one WRITE_AMLC sub-transfer: the control header
// carries the block offset (in amlsBlockLength units) and writeLength-1,
// then the payload streams on bulk-OUT in amlcMaxBlockLength chunks, and a
// 16-byte ack is read back off bulk-IN.
func (s *Session) writeAMLCData(offset uint32, data []byte) error {
	writeLength := len(data)
	if err := s.t.ControlOut(reqWriteAMLC, uint16(offset/amlsBlockLength), uint16(writeLength-1), nil); err != nil {
		return err
	}

	for sent := 0; sent < len(data); {
		end := sent + amlcMaxBlockLength
		if end > len(data) {
			end = len(data)
		}
		if _, err := s.t.BulkWrite(data[sent:end], ioiface.BulkTimeout); err != nil {
			return err
		}
		sent = end
	}

	ack, err := s.t.BulkRead(16, ioiface.BulkTimeout)
	if err != nil {
		return err
	}
	if len(ack) < 4 || string(ack[0:4]) != frame.ReplyOkay {
		return amlerr.New(amlerr.Protocol, "write_amlc", "invalid AMLC data write ack")
	}
	return nil
}

// WriteAMLCData streams data as a sequence of WRITE_AMLC sub-transfers
// bounded by amlcMaxTransferLength, then synthesizes and writes the AMLS
// terminator block at amlcOffset: "AMLS" | seq | 0,0,0 | addsum(data) over
// the full payload | 0 | data[16:512].
func (s *Session) WriteAMLCData(seq uint8, amlcOffset uint32, data []byte) error {
	for offset := 0; offset < len(data); {
		end := offset + amlcMaxTransferLength
		if end > len(data) {
			end = len(data)
		}
		if err := s.writeAMLCData(uint32(offset), data[offset:end]); err != nil {
			return err
		}
		offset = end
	}

	checksum := frame.Addsum(data)

	amls := make([]byte, 16)
	copy(amls[0:4], "AMLS")
	amls[4] = seq
	binary.LittleEndian.PutUint32(amls[8:12], checksum)

	tail := amlsTail(data)
	amls = append(amls, tail...)

	return s.writeAMLCData(amlcOffset, amls)
}

// amlsTail returns data[16:512], zero-padding if data is shorter than that
// (any tail shorter than 4 bytes in
// the source's struct-unpack is treated here as a plain zero-padded copy,
// since the AMLS tail is opaque payload, not a checksummed word).
func amlsTail(data []byte) []byte {
	const (
		start = 16
		end   = 512
	)
	if len(data) <= start {
		return make([]byte, end-start)
	}
	tail := make([]byte, end-start)
	copy(tail, data[start:])
	return tail
}
