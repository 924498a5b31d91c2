package legacy

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amlboot/internal/container"
)

// fakeTransport scripts both control and bulk replies for exercising the
// legacy vendor protocol without real USB hardware.
type fakeTransport struct {
	bulkReplies [][]byte
	bulkNext    int
	bulkWrites  [][]byte

	controlWrites []controlWrite
}

type controlWrite struct {
	bRequest uint8
	wValue   uint16
	wIndex   uint16
	data     []byte
}

func (f *fakeTransport) BulkWrite(data []byte, _ time.Duration) (int, error) {
	f.bulkWrites = append(f.bulkWrites, append([]byte{}, data...))
	return len(data), nil
}

func (f *fakeTransport) BulkRead(length int, _ time.Duration) ([]byte, error) {
	msg := f.bulkReplies[f.bulkNext]
	f.bulkNext++
	if len(msg) > length {
		msg = msg[:length]
	}
	return msg, nil
}

func (f *fakeTransport) ControlOut(bRequest uint8, wValue, wIndex uint16, data []byte) error {
	f.controlWrites = append(f.controlWrites, controlWrite{bRequest, wValue, wIndex, append([]byte{}, data...)})
	return nil
}

func (f *fakeTransport) ControlIn(bRequest uint8, wValue, wIndex uint16, length int) ([]byte, error) {
	f.controlWrites = append(f.controlWrites, controlWrite{bRequest, wValue, wIndex, nil})
	return make([]byte, length), nil
}
func (f *fakeTransport) Location() (int, int, int) { return 0, 0, 0 }
func (f *fakeTransport) Reacquire(int) error        { return nil }
func (f *fakeTransport) Close() error               { return nil }

type memItem struct {
	mainType, subType string
	data              []byte
	offset            int64
}

func (it *memItem) MainType() string        { return it.mainType }
func (it *memItem) SubType() string         { return it.subType }
func (it *memItem) Size() int64             { return int64(len(it.data)) }
func (it *memItem) Seek(offset int64) error { it.offset = offset; return nil }
func (it *memItem) Read(n int) ([]byte, error) {
	b := it.data[it.offset : it.offset+int64(n)]
	it.offset += int64(n)
	return b, nil
}

type memContainer struct{ items map[string]*memItem }

func newMemContainer() *memContainer { return &memContainer{items: make(map[string]*memItem)} }
func (c *memContainer) put(mainType, subType string, data []byte) {
	c.items[mainType+"/"+subType] = &memItem{mainType: mainType, subType: subType, data: data}
}
func (c *memContainer) Items() []container.Item {
	out := make([]container.Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	return out
}
func (c *memContainer) ItemGet(mainType, subType string) (container.Item, error) {
	it, ok := c.items[mainType+"/"+subType]
	if !ok {
		return nil, container.NotFound(mainType, subType)
	}
	return it, nil
}

func TestWriteSimpleMemory_SizeLimit(t *testing.T) {
	s := New(&fakeTransport{})
	err := s.WriteSimpleMemory(0x1000, make([]byte, 65))
	require.Error(t, err)
}

func TestWriteMemory_ChunksInto64ByteWrites(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft)
	data := make([]byte, 130)
	require.NoError(t, s.WriteMemory(0x1000, data))
	// 130 bytes -> 64 + 64 + 2
	require.Len(t, ft.controlWrites, 3)
	assert.Len(t, ft.controlWrites[0].data, 64)
	assert.Len(t, ft.controlWrites[1].data, 64)
	assert.Len(t, ft.controlWrites[2].data, 2)
}

func TestReadReg(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft)
	v, err := s.ReadReg(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)
}

func TestModifyMemoryWrappers_EncodePayload(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft)

	require.NoError(t, s.MaskRegNAND(0x1000, 0xff))
	require.NoError(t, s.CopyReg(0x2000, 0x3000))
	require.NoError(t, s.CopyRegMaskAND(0x2000, 0x3000, 0xff))
	require.NoError(t, s.Memcpy(0x2000, 0x3000, 16))
	require.Len(t, ft.controlWrites, 4)

	nand := ft.controlWrites[0]
	assert.Equal(t, uint16(modifyOpNand), nand.wValue)
	assert.Equal(t, uint32(0x1000), binary.LittleEndian.Uint32(nand.data[0:4]))
	assert.Equal(t, uint32(0xff), binary.LittleEndian.Uint32(nand.data[8:12]))

	copyReg := ft.controlWrites[1]
	assert.Equal(t, uint16(modifyOpCopy), copyReg.wValue)
	assert.Equal(t, uint32(0x2000), binary.LittleEndian.Uint32(copyReg.data[0:4]))
	assert.Equal(t, uint32(0x3000), binary.LittleEndian.Uint32(copyReg.data[12:16]))

	copyMask := ft.controlWrites[2]
	assert.Equal(t, uint16(modifyOpCopyMaskAnd), copyMask.wValue)
	assert.Equal(t, uint32(0x2000), binary.LittleEndian.Uint32(copyMask.data[0:4]))
	assert.Equal(t, uint32(0xff), binary.LittleEndian.Uint32(copyMask.data[8:12]))
	assert.Equal(t, uint32(0x3000), binary.LittleEndian.Uint32(copyMask.data[12:16]))

	memcpy := ft.controlWrites[3]
	assert.Equal(t, uint16(modifyOpMemcpy), memcpy.wValue)
	assert.Equal(t, uint32(0x3000), binary.LittleEndian.Uint32(memcpy.data[0:4]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(memcpy.data[4:8]))
	assert.Equal(t, uint32(0x2000), binary.LittleEndian.Uint32(memcpy.data[12:16]))
}

func TestGetAMLC_TerminationSignal(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft)

	amlc := make([]byte, 16)
	copy(amlc[0:4], "AMLC")
	binary.LittleEndian.PutUint32(amlc[8:12], 0)
	binary.LittleEndian.PutUint32(amlc[12:16], 0)
	ft.bulkReplies = [][]byte{amlc}

	length, offset, err := s.GetAMLC()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), length)
	assert.Equal(t, uint32(0), offset)
}

func TestRunBootChain_StopsOnZeroLength(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft)

	amlcEnd := make([]byte, 16)
	copy(amlcEnd[0:4], "AMLC")
	ft.bulkReplies = [][]byte{amlcEnd}

	item := &memItem{mainType: "USB", subType: "DDR", data: []byte{1, 2, 3, 4}}
	err := RunBootChain(s, item)
	require.NoError(t, err)
	// the GET_AMLC ack write is the only bulk write issued
	require.Len(t, ft.bulkWrites, 1)
}

func TestWriteAMLCData_AckValidation(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft)
	okayAck := append([]byte("OKAY"), make([]byte, 12)...)
	// one ack for the data chunk sub-transfer, one for the AMLS tail
	ft.bulkReplies = [][]byte{okayAck, okayAck}

	err := s.WriteAMLCData(0, 0, []byte{1, 2, 3, 4})
	require.NoError(t, err)
}

func TestWriteAMLCData_BadAck(t *testing.T) {
	ft := &fakeTransport{}
	s := New(ft)
	ft.bulkReplies = [][]byte{append([]byte("FAIL"), make([]byte, 12)...)}

	err := s.WriteAMLCData(0, 0, []byte{1, 2, 3, 4})
	require.Error(t, err)
}

func TestAmlsTail_ShortDataZeroPads(t *testing.T) {
	tail := amlsTail([]byte{1, 2, 3})
	require.Len(t, tail, 496)
	for _, b := range tail {
		assert.Equal(t, byte(0), b)
	}
}

func TestBurnPartitionViaBulkCmd_HappyPath(t *testing.T) {
	images := newMemContainer()
	images.put("PARTITION", "boot", make([]byte, 16))
	images.put("VERIFY", "boot", []byte("sha1sum deadbeef"))

	ft := &fakeTransport{bulkReplies: [][]byte{
		[]byte("OKAY"), // mwrite BULKCMD status
		[]byte("OKAY"), // mwrite completion poll
		[]byte("OKAY"), // verify completion poll
	}}
	s := New(ft)

	item, err := images.ItemGet("PARTITION", "boot")
	require.NoError(t, err)
	err = burnPartition(s, images, item)
	require.NoError(t, err)
}
