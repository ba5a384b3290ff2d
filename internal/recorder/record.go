package recorder

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"tradecore/internal/errors"
	"tradecore/internal/schema"
)

// Frame layout, little endian:
//
//	0  magic "TCJ1"   4  frame version   6  header size   8  event type
//	10 schema version 12 payload length  16 seq           24 ts event
//	32 ts recv        40 trace
//
// followed by the payload and a CRC32C over header and payload.
const (
	frameVersion       uint16 = 1
	recordHeaderSize          = 48
	recordChecksumSize        = 4
)

var (
	frameMagic = [4]byte{'T', 'C', 'J', '1'}
	crcTable   = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic         = errors.New("journal invalid magic")
	ErrUnsupportedFrame     = errors.New("journal unsupported frame version")
	ErrInvalidHeaderSize    = errors.New("journal invalid header size")
	ErrChecksumMismatch     = errors.New("journal checksum mismatch")
	ErrPayloadTooLarge      = errors.New("journal payload too large")
	ErrNonMonotonicSequence = errors.New("journal sequence not increasing")
)

const maxPayloadLen = uint64(^uint32(0))

func encodeHeader(dst []byte, h schema.EventHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], frameMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], frameVersion)
	binary.LittleEndian.PutUint16(dst[6:8], recordHeaderSize)
	binary.LittleEndian.PutUint16(dst[8:10], uint16(h.Type))
	binary.LittleEndian.PutUint16(dst[10:12], h.Version)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[16:24], h.Seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(h.TsEvent))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(h.TsRecv))
	binary.LittleEndian.PutUint64(dst[40:48], h.Trace)
}

func decodeHeader(src []byte) (schema.EventHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidHeaderSize
	}
	if !bytes.Equal(src[0:4], frameMagic[:]) {
		return schema.EventHeader{}, 0, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint16(src[4:6]); v != frameVersion {
		return schema.EventHeader{}, 0, ErrUnsupportedFrame
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidHeaderSize
	}
	h := schema.EventHeader{
		Type:    schema.EventType(binary.LittleEndian.Uint16(src[8:10])),
		Version: binary.LittleEndian.Uint16(src[10:12]),
		Seq:     binary.LittleEndian.Uint64(src[16:24]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[24:32])),
		TsRecv:  int64(binary.LittleEndian.Uint64(src[32:40])),
		Trace:   binary.LittleEndian.Uint64(src[40:48]),
	}
	return h, binary.LittleEndian.Uint32(src[12:16]), nil
}

func checksum(header, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

// Entry is one decoded journal record. Payload is owned by the entry.
type Entry struct {
	Header  schema.EventHeader
	Payload []byte
}
