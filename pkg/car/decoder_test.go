package car_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/jacktea/carblob/pkg/car"
	"github.com/jacktea/carblob/pkg/car/cartest"
)

func decodeAll(t *testing.T, d *car.Decoder) ([]car.Frame, error) {
	t.Helper()
	var frames []car.Frame
	for {
		f, err := d.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func extentsOf(frames []car.Frame) []cartest.Extent {
	out := make([]cartest.Extent, 0, len(frames))
	for _, f := range frames {
		out = append(out, cartest.Extent{
			CID:        f.CID,
			Offset:     f.Offset,
			Length:     f.Length,
			DataOffset: f.DataOffset,
			DataLength: f.DataLength,
		})
	}
	return out
}

var cidComparer = cmp.Comparer(func(a, b cid.Cid) bool { return a.Equals(b) })

func TestDecoderFramesMatchArchive(t *testing.T) {
	blocks := cartest.Blocks(t, 5)
	archive := cartest.Build(t, []cid.Cid{blocks[0].CID}, blocks...)

	d := car.NewDecoder(bytes.NewReader(archive.Bytes), car.Options{})
	hdr, err := d.Header()
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if hdr.Version != 1 || len(hdr.Roots) != 1 || !hdr.Roots[0].Equals(blocks[0].CID) {
		t.Fatalf("unexpected header %+v", hdr)
	}
	frames, err := decodeAll(t, d)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(archive.Extents, extentsOf(frames), cidComparer); diff != "" {
		t.Fatalf("extents mismatch (-want +got):\n%s", diff)
	}
	for i := 0; i+1 < len(frames); i++ {
		if frames[i].Offset+frames[i].Length != frames[i+1].Offset {
			t.Fatalf("frame %d not contiguous with %d", i, i+1)
		}
	}
	last := frames[len(frames)-1]
	if last.Offset+last.Length != int64(len(archive.Bytes)) {
		t.Fatalf("last frame ends at %d, archive is %d bytes", last.Offset+last.Length, len(archive.Bytes))
	}
	if d.Offset() != int64(len(archive.Bytes)) {
		t.Fatalf("expected decoder offset %d, got %d", len(archive.Bytes), d.Offset())
	}
}

func TestDecoderRetainData(t *testing.T) {
	blocks := cartest.Blocks(t, 3)
	blocks = append(blocks, cartest.NewBlockV0(t, []byte("dag-pb-ish payload")))
	archive := cartest.Build(t, nil, blocks...)

	d := car.NewDecoder(bytes.NewReader(archive.Bytes), car.Options{RetainData: true})
	frames, err := decodeAll(t, d)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != len(blocks) {
		t.Fatalf("expected %d frames, got %d", len(blocks), len(frames))
	}
	for i, f := range frames {
		if !bytes.Equal(f.Data, blocks[i].Data) {
			t.Fatalf("frame %d payload mismatch", i)
		}
		if !bytes.Equal(archive.Bytes[f.DataOffset:f.DataOffset+f.DataLength], blocks[i].Data) {
			t.Fatalf("frame %d data extent does not locate payload", i)
		}
	}
	if frames[3].CID.Version() != 0 {
		t.Fatalf("expected CIDv0 for last frame, got v%d", frames[3].CID.Version())
	}
}

func TestDecoderSmallBufferLargeBlock(t *testing.T) {
	big := cartest.NewBlock(t, bytes.Repeat([]byte("x"), 200<<10))
	small := cartest.NewBlock(t, []byte("tail"))
	archive := cartest.Build(t, nil, big, small)

	d := car.NewDecoder(iotest.OneByteReader(bytes.NewReader(archive.Bytes)), car.Options{BufferSize: 1})
	frames, err := decodeAll(t, d)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(archive.Extents, extentsOf(frames), cidComparer); diff != "" {
		t.Fatalf("extents mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoderTruncatedFrame(t *testing.T) {
	blocks := cartest.Blocks(t, 4)
	archive := cartest.Build(t, nil, blocks...)
	cut := archive.Bytes[:len(archive.Bytes)-3]

	d := car.NewDecoder(bytes.NewReader(cut), car.Options{})
	frames, err := decodeAll(t, d)
	if !errors.Is(err, car.ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
	if diff := cmp.Diff(archive.Extents[:3], extentsOf(frames), cidComparer); diff != "" {
		t.Fatalf("frames before truncation mismatch (-want +got):\n%s", diff)
	}
	if _, err := d.Next(); !errors.Is(err, car.ErrTruncatedFrame) {
		t.Fatalf("expected sticky error, got %v", err)
	}
}

func TestDecoderTruncatedInsideCID(t *testing.T) {
	block := cartest.NewBlock(t, []byte("payload"))
	archive := cartest.Build(t, nil, block)
	cut := archive.Bytes[:archive.Extents[0].Offset+4]

	_, err := decodeAll(t, car.NewDecoder(bytes.NewReader(cut), car.Options{}))
	if !errors.Is(err, car.ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestDecoderTruncatedRetainData(t *testing.T) {
	blocks := cartest.Blocks(t, 2)
	archive := cartest.Build(t, nil, blocks...)
	cut := archive.Bytes[:len(archive.Bytes)-1]

	frames, err := decodeAll(t, car.NewDecoder(bytes.NewReader(cut), car.Options{RetainData: true}))
	if !errors.Is(err, car.ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame before truncation, got %d", len(frames))
	}
}

func TestDecoderInvalidHeader(t *testing.T) {
	v2, err := car.EncodeHeader(car.Header{Version: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	notMap := append(varint.ToUvarint(1), 0x01)
	testcases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "garbage", data: []byte{0x05, 0xff, 0xff, 0xff, 0xff, 0xff}},
		{name: "short body", data: []byte{0x40, 0xa2}},
		{name: "zero length", data: []byte{0x00}},
		{name: "not a map", data: notMap},
		{name: "version 2", data: v2},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			d := car.NewDecoder(bytes.NewReader(tc.data), car.Options{})
			if _, err := d.Next(); !errors.Is(err, car.ErrInvalidHeader) {
				t.Fatalf("expected ErrInvalidHeader, got %v", err)
			}
		})
	}
}

func TestDecoderHeaderLimit(t *testing.T) {
	archive := cartest.Build(t, nil, cartest.Blocks(t, 1)...)
	d := car.NewDecoder(bytes.NewReader(archive.Bytes), car.Options{MaxHeaderSize: 4})
	if _, err := d.Next(); !errors.Is(err, car.ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestDecoderInvalidFrames(t *testing.T) {
	hdr, err := car.SynthesizeHeader()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	block := cartest.NewBlock(t, bytes.Repeat([]byte("a"), 64))
	testcases := []struct {
		name string
		body []byte
		opts car.Options
	}{
		{name: "empty section", body: []byte{0x00}},
		{name: "non-minimal prefix", body: []byte{0x81, 0x00}},
		{name: "bad cid", body: append(varint.ToUvarint(4), 0xff, 0xff, 0xff, 0xff)},
		{name: "over limit", body: cartest.Section(block.CID, block.Data), opts: car.Options{MaxSectionSize: 16}},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			stream := append(append([]byte(nil), hdr.Bytes...), tc.body...)
			d := car.NewDecoder(bytes.NewReader(stream), tc.opts)
			if _, err := d.Next(); !errors.Is(err, car.ErrInvalidFrame) {
				t.Fatalf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

func TestDecoderReadError(t *testing.T) {
	archive := cartest.Build(t, nil, cartest.Blocks(t, 3)...)
	boom := errors.New("connection reset")
	r := io.MultiReader(bytes.NewReader(archive.Bytes[:archive.Extents[1].Offset+2]), iotest.ErrReader(boom))

	d := car.NewDecoder(r, car.Options{})
	frames, err := decodeAll(t, d)
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	var re *car.ReadError
	if !errors.As(err, &re) {
		t.Fatalf("expected *car.ReadError, got %T", err)
	}
	if errors.Is(err, car.ErrTruncatedFrame) {
		t.Fatalf("read failure must not look like truncation")
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame before failure, got %d", len(frames))
	}
}

func TestDecoderEmptyArchive(t *testing.T) {
	hdr, err := car.SynthesizeHeader()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	d := car.NewDecoder(bytes.NewReader(hdr.Bytes), car.Options{})
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if d.Offset() != hdr.Len() {
		t.Fatalf("expected offset %d, got %d", hdr.Len(), d.Offset())
	}
}
