package legacy

import (
	"encoding/binary"
	"time"

	"amlboot/internal/amlerr"
	"amlboot/internal/ioiface"
)

// WriteLargeMemory writes data to device memory in blockLength-sized
// chunks, splitting the transfer across as many WR_LARGE_MEM
// super-transfers as maxLargeBlockCount requires. If appendZeros is false,
// len(data) must be a multiple of blockLength.
func (s *Session) WriteLargeMemory(address uint32, data []byte, blockLength int, appendZeros bool) error {
	data, err := padToBlock(data, blockLength, appendZeros)
	if err != nil {
		return err
	}

	blockCount := (len(data) + blockLength - 1) / blockLength
	transferCount := (blockCount + maxLargeBlockCount - 1) / maxLargeBlockCount

	offset := 0
	for i := 0; i < transferCount; i++ {
		writeLength := maxLargeBlockCount * blockLength
		if offset+writeLength > len(data) {
			writeLength = len(data) - offset
		}
		if err := s.writeLargeMemoryOnce(address+uint32(offset), data[offset:offset+writeLength], blockLength); err != nil {
			return err
		}
		offset += writeLength
	}
	return nil
}

func (s *Session) writeLargeMemoryOnce(address uint32, data []byte, blockLength int) error {
	blockCount := (len(data) + blockLength - 1) / blockLength

	ctrl := make([]byte, 16)
	binary.LittleEndian.PutUint32(ctrl[0:4], address)
	binary.LittleEndian.PutUint32(ctrl[4:8], uint32(len(data)))
	if err := s.t.ControlOut(reqWrLargeMem, uint16(blockLength), uint16(blockCount), ctrl); err != nil {
		return err
	}

	for offset := 0; offset < len(data); offset += blockLength {
		end := offset + blockLength
		if end > len(data) {
			end = len(data)
		}
		if _, err := s.t.BulkWrite(data[offset:end], ioiface.BulkTimeout); err != nil {
			return err
		}
	}
	return nil
}

// ReadLargeMemory reads length bytes of device memory in blockLength-sized
// chunks, splitting across as many RD_LARGE_MEM super-transfers as
// maxLargeBlockCount requires.
func (s *Session) ReadLargeMemory(address uint32, length int, blockLength int, appendZeros bool) ([]byte, error) {
	if appendZeros {
		length += length % blockLength
	} else if length%blockLength != 0 {
		return nil, amlerr.New(amlerr.Programmer, "read_large_memory", "length must be a multiple of block length")
	}

	blockCount := (length + blockLength - 1) / blockLength
	transferCount := (blockCount + maxLargeBlockCount - 1) / maxLargeBlockCount

	var out []byte
	offset := 0
	for i := 0; i < transferCount; i++ {
		readLength := maxLargeBlockCount * blockLength
		if offset+readLength > length {
			readLength = length - offset
		}
		b, err := s.readLargeMemoryOnce(address+uint32(offset), readLength, blockLength)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
		offset += readLength
	}
	return out, nil
}

func (s *Session) readLargeMemoryOnce(address uint32, length int, blockLength int) ([]byte, error) {
	blockCount := (length + blockLength - 1) / blockLength

	ctrl := make([]byte, 16)
	binary.LittleEndian.PutUint32(ctrl[0:4], address)
	binary.LittleEndian.PutUint32(ctrl[4:8], uint32(length))
	if err := s.t.ControlOut(reqRdLargeMem, uint16(blockLength), uint16(blockCount), ctrl); err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	for i := 0; i < blockCount; i++ {
		b, err := s.t.BulkRead(blockLength, 100*time.Millisecond)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// padToBlock zero-pads data up to a multiple of blockLength when
// appendZeros is set; otherwise it requires the length already divides
// evenly, matching the "misaligned length" failure the protocol
// describes.
func padToBlock(data []byte, blockLength int, appendZeros bool) ([]byte, error) {
	remainder := len(data) % blockLength
	if remainder == 0 {
		return data, nil
	}
	if !appendZeros {
		return nil, amlerr.New(amlerr.Programmer, "large_memory", "data length is not a multiple of block length")
	}
	pad := blockLength - remainder
	return append(append([]byte{}, data...), make([]byte, pad)...), nil
}
