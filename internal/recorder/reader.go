package recorder

import (
	"bufio"
	"encoding/binary"
	"io"

	"tradecore/internal/errors"
)

// ErrTornRecord means the stream ended inside a record, as after a crash mid-write.
var ErrTornRecord = errors.New("journal torn record")

// ReaderOptions controls record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader decodes journal records sequentially.
type Reader struct {
	r         *bufio.Reader
	opts      ReaderOptions
	headerBuf []byte
}

// NewReader wraps an io.Reader with journal decoding.
func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		opts:      opts,
		headerBuf: make([]byte, recordHeaderSize),
	}
}

// Next returns the next record, io.EOF at a clean end of stream and ErrTornRecord
// when the stream stops part way through a record.
func (r *Reader) Next() (Entry, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return Entry{}, io.EOF
		}
		return Entry{}, torn(err)
	}

	header, payloadLen, err := decodeHeader(r.headerBuf)
	if err != nil {
		return Entry{}, err
	}
	if r.opts.MaxPayloadSize > 0 && payloadLen > uint32(r.opts.MaxPayloadSize) {
		return Entry{}, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Entry{}, torn(err)
	}
	var sum [recordChecksumSize]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return Entry{}, torn(err)
	}
	if !r.opts.DisableChecksum && checksum(r.headerBuf, payload) != binary.LittleEndian.Uint32(sum[:]) {
		return Entry{}, ErrChecksumMismatch
	}
	return Entry{Header: header, Payload: payload}, nil
}

func torn(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTornRecord
	}
	return err
}
