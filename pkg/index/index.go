// Package index produces block indexes of archives held in a blob.Store. An
// index can start at any frame boundary of the object: the stream is then
// prefixed with a synthetic header and every reported offset is shifted back
// into object coordinates.
//
// Records report the whole frame (length prefix, CID and payload) by default,
// so the end of one record is the next resume offset. Clients that expect
// [payload offset, payload length] pairs, as block-level CAR indexers
// commonly emit, must ask for ExtentData (extent=data on /index).
package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/car"
	"github.com/jacktea/carblob/pkg/xerrors"
)

// Extent selects which byte span a record reports for a block.
type Extent int

const (
	// ExtentFrame covers the length prefix, CID and payload. Offset+Length of
	// one record is the offset of the next, and a valid resume point.
	ExtentFrame Extent = iota
	// ExtentData covers only the block payload.
	ExtentData
)

// ParseExtent maps "frame" (or "") and "data" to an Extent.
func ParseExtent(s string) (Extent, error) {
	switch s {
	case "", "frame":
		return ExtentFrame, nil
	case "data":
		return ExtentData, nil
	default:
		return 0, xerrors.E(xerrors.KindInvalid, "index.ParseExtent", s)
	}
}

func (e Extent) String() string {
	if e == ExtentData {
		return "data"
	}
	return "frame"
}

// Options tune a producer.
type Options struct {
	// ValidateResume rejects a resume offset whose first frame does not
	// decode or does not fit in the object, with car.ErrMisaligned.
	ValidateResume bool
	Extent         Extent
	MaxSectionSize int64
	BufferSize     int
}

// Record locates one block in the object.
type Record struct {
	CID    cid.Cid
	Offset int64
	Length int64
}

// Multihash returns the identifier bytes carried on the wire.
func (r Record) Multihash() []byte { return r.CID.Hash() }

// Iterator pulls records from an open object. It is not safe for concurrent
// use. Close must be called to release the object body.
type Iterator struct {
	key        string
	start      int64
	correction int64
	opts       Options
	obj        *blob.Object
	dec        *car.Decoder
	count      int64
	next       int64
	err        error
}

// Open starts an index of key at offset. The offset must be 0 or a frame
// boundary previously reported by a frame-extent index of the same object.
func Open(ctx context.Context, store blob.Store, key string, offset int64, opts Options) (*Iterator, error) {
	return open(ctx, store, key, offset, opts, false)
}

func open(ctx context.Context, store blob.Store, key string, offset int64, opts Options, retain bool) (*Iterator, error) {
	if offset < 0 {
		return nil, xerrors.E(xerrors.KindInvalid, "index.Open", fmt.Sprintf("%s: offset %d", key, offset))
	}
	obj, err := store.Get(ctx, key, blob.GetOptions{Offset: offset})
	if err != nil {
		return nil, err
	}
	var (
		src        io.Reader = &contextReader{ctx: ctx, r: obj.Body}
		correction int64
	)
	if offset != 0 {
		hdr, err := car.SynthesizeHeader()
		if err != nil {
			obj.Close()
			return nil, xerrors.Wrap(xerrors.KindInternal, "index.Open", key, err)
		}
		src = io.MultiReader(bytes.NewReader(hdr.Bytes), src)
		correction = offset - hdr.Len()
	}
	dec := car.NewDecoder(src, car.Options{
		MaxSectionSize: opts.MaxSectionSize,
		BufferSize:     opts.BufferSize,
		RetainData:     retain,
	})
	return &Iterator{
		key:        key,
		start:      offset,
		correction: correction,
		opts:       opts,
		obj:        obj,
		dec:        dec,
		next:       offset,
	}, nil
}

// Next returns the next record, or io.EOF once the archive ends on a frame
// boundary. Errors are sticky; records already returned stay valid.
func (it *Iterator) Next() (Record, error) {
	f, err := it.nextFrame()
	if err != nil {
		return Record{}, err
	}
	return it.record(f), nil
}

func (it *Iterator) nextFrame() (car.Frame, error) {
	if it.err != nil {
		return car.Frame{}, it.err
	}
	f, err := it.dec.Next()
	if err != nil {
		if err != io.EOF {
			err = it.wrap(err)
		}
		it.err = err
		return car.Frame{}, err
	}
	it.count++
	it.next = f.Offset + f.Length + it.correction
	return f, nil
}

func (it *Iterator) record(f car.Frame) Record {
	if it.opts.Extent == ExtentData {
		return Record{CID: f.CID, Offset: f.DataOffset + it.correction, Length: f.DataLength}
	}
	return Record{CID: f.CID, Offset: f.Offset + it.correction, Length: f.Length}
}

func (it *Iterator) wrap(err error) error {
	var rerr *car.ReadError
	if errors.As(err, &rerr) {
		var xe *xerrors.Error
		if errors.As(rerr.Err, &xe) {
			return err
		}
		return xerrors.Wrap(xerrors.KindIO, "index.Next", it.key, err)
	}
	if it.count == 0 && it.start != 0 && it.opts.ValidateResume &&
		(errors.Is(err, car.ErrInvalidFrame) || errors.Is(err, car.ErrTruncatedFrame)) {
		err = fmt.Errorf("%w: offset %d: %v", car.ErrMisaligned, it.start, err)
	}
	return xerrors.Wrap(xerrors.KindCorrupt, "index.Next", it.key, err)
}

// Correction is added to decoder offsets to obtain object offsets. It is
// the resume offset minus the synthetic header length, or 0.
func (it *Iterator) Correction() int64 { return it.correction }

// Count is the number of records returned so far.
func (it *Iterator) Count() int64 { return it.count }

// Position is the object offset just past the last frame returned, which is
// where a later index can resume.
func (it *Iterator) Position() int64 { return it.next }

// Size is the size of the whole object.
func (it *Iterator) Size() int64 { return it.obj.Size }

// Close releases the object body. Unread bytes are discarded.
func (it *Iterator) Close() error { return it.obj.Close() }

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
