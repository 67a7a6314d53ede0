package car_test

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/jacktea/carblob/pkg/car"
	"github.com/jacktea/carblob/pkg/car/cartest"
)

func TestSynthesizeHeaderEncoding(t *testing.T) {
	hdr, err := car.SynthesizeHeader()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	// varint(17) {"roots": [], "version": 1}
	want := []byte{0x11, 0xa2, 0x65, 'r', 'o', 'o', 't', 's', 0x80, 0x67, 'v', 'e', 'r', 's', 'i', 'o', 'n', 0x01}
	if !bytes.Equal(hdr.Bytes, want) {
		t.Fatalf("unexpected header bytes %x", hdr.Bytes)
	}
	if hdr.Len() != int64(len(hdr.Bytes)) {
		t.Fatalf("Len %d does not match %d encoded bytes", hdr.Len(), len(hdr.Bytes))
	}
	again, err := car.SynthesizeHeader()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !bytes.Equal(hdr.Bytes, again.Bytes) {
		t.Fatalf("synthesized header is not deterministic")
	}
}

func TestSynthesizedHeaderDecodes(t *testing.T) {
	hdr, err := car.SynthesizeHeader()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	d := car.NewDecoder(bytes.NewReader(hdr.Bytes), car.Options{})
	got, err := d.Header()
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if got.Version != car.Version || len(got.Roots) != 0 {
		t.Fatalf("unexpected header %+v", got)
	}
}

func TestEncodeHeaderRoundTripRoots(t *testing.T) {
	blocks := cartest.Blocks(t, 2)
	roots := []cid.Cid{blocks[0].CID, blocks[1].CID}
	enc, err := car.EncodeHeader(car.Header{Roots: roots, Version: car.Version})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := car.NewDecoder(bytes.NewReader(enc), car.Options{}).Header()
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if len(got.Roots) != 2 || !got.Roots[0].Equals(roots[0]) || !got.Roots[1].Equals(roots[1]) {
		t.Fatalf("roots mismatch: %v", got.Roots)
	}
}
