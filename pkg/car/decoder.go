package car

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

const (
	// DefaultMaxSectionSize bounds a single section (CID + payload).
	DefaultMaxSectionSize = 8 << 20
	// DefaultMaxHeaderSize bounds the header body.
	DefaultMaxHeaderSize = 32 << 20
	defaultBufferSize    = 64 << 10
	// minBufferSize keeps any CID peekable in one call.
	minBufferSize = 512
)

// Frame is one length-prefixed section of an archive. Offsets count bytes from
// the start of the stream handed to the decoder.
type Frame struct {
	CID cid.Cid
	// Offset is the position of the section's length prefix.
	Offset int64
	// Length covers the length prefix, the CID and the payload, so
	// Offset+Length is the position of the next frame.
	Length int64
	// DataOffset and DataLength locate the payload that follows the CID.
	DataOffset int64
	DataLength int64
	// Data holds the payload when Options.RetainData is set.
	Data []byte
}

// Options tune a Decoder. Zero values select the defaults.
type Options struct {
	MaxSectionSize int64
	MaxHeaderSize  int64
	BufferSize     int
	RetainData     bool
}

// Decoder reads frames from an archive stream one at a time. Only the bytes of
// the current section are held in memory; payloads are skipped unless
// RetainData is set.
type Decoder struct {
	r      *bufio.Reader
	opts   Options
	pos    int64
	header *Header
	err    error
}

// NewDecoder returns a Decoder reading from r. The header is read on the first
// call to Header or Next.
func NewDecoder(r io.Reader, opts Options) *Decoder {
	if opts.MaxSectionSize <= 0 {
		opts.MaxSectionSize = DefaultMaxSectionSize
	}
	if opts.MaxHeaderSize <= 0 {
		opts.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.BufferSize < minBufferSize {
		opts.BufferSize = minBufferSize
	}
	return &Decoder{r: bufio.NewReaderSize(r, opts.BufferSize), opts: opts}
}

// Offset is the number of bytes consumed so far.
func (d *Decoder) Offset() int64 { return d.pos }

// Header reads and validates the archive header if it has not been read yet.
func (d *Decoder) Header() (Header, error) {
	if d.header != nil {
		return *d.header, nil
	}
	if d.err != nil {
		return Header{}, d.err
	}
	hdr, err := d.readHeader()
	if err != nil {
		d.err = err
		return Header{}, err
	}
	d.header = &hdr
	return hdr, nil
}

func (d *Decoder) readHeader() (Header, error) {
	size, err := varint.ReadUvarint(d.r)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return Header{}, fmt.Errorf("%w: stream ended before header", ErrInvalidHeader)
		case errors.Is(err, varint.ErrOverflow), errors.Is(err, varint.ErrNotMinimal):
			return Header{}, fmt.Errorf("%w: length prefix: %v", ErrInvalidHeader, err)
		default:
			return Header{}, &ReadError{Offset: d.pos, Err: err}
		}
	}
	if size == 0 || size > uint64(d.opts.MaxHeaderSize) {
		return Header{}, fmt.Errorf("%w: header length %d", ErrInvalidHeader, size)
	}
	d.pos += int64(varint.UvarintSize(size))
	body := make([]byte, size)
	n, err := io.ReadFull(d.r, body)
	d.pos += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: header declares %d bytes, got %d", ErrInvalidHeader, size, n)
		}
		return Header{}, &ReadError{Offset: d.pos, Err: err}
	}
	return parseHeader(body)
}

// Next returns the next frame. It returns io.EOF once the stream ends cleanly
// on a frame boundary. Any other error is sticky.
func (d *Decoder) Next() (Frame, error) {
	if _, err := d.Header(); err != nil {
		return Frame{}, err
	}
	if d.err != nil {
		return Frame{}, d.err
	}
	f, err := d.next()
	if err != nil {
		d.err = err
		return Frame{}, err
	}
	return f, nil
}

func (d *Decoder) next() (Frame, error) {
	start := d.pos
	sectionLen, err := varint.ReadUvarint(d.r)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return Frame{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Frame{}, fmt.Errorf("%w: length prefix at %d", ErrTruncatedFrame, start)
		case errors.Is(err, varint.ErrOverflow), errors.Is(err, varint.ErrNotMinimal):
			return Frame{}, fmt.Errorf("%w: length prefix at %d: %v", ErrInvalidFrame, start, err)
		default:
			return Frame{}, &ReadError{Offset: start, Err: err}
		}
	}
	prefixLen := int64(varint.UvarintSize(sectionLen))
	if sectionLen == 0 {
		return Frame{}, fmt.Errorf("%w: empty section at %d", ErrInvalidFrame, start)
	}
	if sectionLen > uint64(d.opts.MaxSectionSize) {
		return Frame{}, fmt.Errorf("%w: section at %d declares %d bytes, limit %d", ErrInvalidFrame, start, sectionLen, d.opts.MaxSectionSize)
	}
	d.pos += prefixLen
	length := int64(sectionLen)

	peekLen := length
	if peekLen > int64(d.r.Size()) {
		peekLen = int64(d.r.Size())
	}
	head, err := d.r.Peek(int(peekLen))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: section at %d declares %d bytes, %d remain", ErrTruncatedFrame, start, length, len(head))
		}
		return Frame{}, &ReadError{Offset: d.pos, Err: err}
	}
	cidLen, c, err := cid.CidFromBytes(head)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: cid at %d: %v", ErrInvalidFrame, d.pos, err)
	}

	f := Frame{
		CID:        c,
		Offset:     start,
		Length:     prefixLen + length,
		DataOffset: d.pos + int64(cidLen),
		DataLength: length - int64(cidLen),
	}
	if d.opts.RetainData {
		if err := d.skip(int64(cidLen), start, length); err != nil {
			return Frame{}, err
		}
		f.Data = make([]byte, f.DataLength)
		n, err := io.ReadFull(d.r, f.Data)
		d.pos += int64(n)
		if err != nil {
			return Frame{}, d.sectionErr(err, start, length)
		}
		return f, nil
	}
	if err := d.skip(length, start, length); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (d *Decoder) skip(n, start, length int64) error {
	discarded, err := d.r.Discard(int(n))
	d.pos += int64(discarded)
	if err != nil {
		return d.sectionErr(err, start, length)
	}
	return nil
}

func (d *Decoder) sectionErr(err error, start, length int64) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: section at %d declares %d bytes, stream ended at %d", ErrTruncatedFrame, start, length, d.pos)
	}
	return &ReadError{Offset: d.pos, Err: err}
}
