// Package cartest builds archives for tests.
package cartest

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/car"
)

// Block is a CID and its payload.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// Extent is where a block landed in a built archive.
type Extent struct {
	CID        cid.Cid
	Offset     int64
	Length     int64
	DataOffset int64
	DataLength int64
}

// Archive is an encoded archive plus the position of every block in it.
type Archive struct {
	Bytes     []byte
	HeaderLen int64
	Extents   []Extent
}

// NewBlock returns a raw CIDv1 block over data.
func NewBlock(t testing.TB, data []byte) Block {
	t.Helper()
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash: %v", err)
	}
	return Block{CID: cid.NewCidV1(cid.Raw, sum), Data: data}
}

// NewBlockV0 returns a CIDv0 block over data.
func NewBlockV0(t testing.TB, data []byte) Block {
	t.Helper()
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash: %v", err)
	}
	return Block{CID: cid.NewCidV0(sum), Data: data}
}

// Blocks returns n blocks of varying sizes with distinct content.
func Blocks(t testing.TB, n int) []Block {
	t.Helper()
	out := make([]Block, 0, n)
	for i := 0; i < n; i++ {
		data := bytes.Repeat([]byte(fmt.Sprintf("block-%03d;", i)), 1+i*7)
		out = append(out, NewBlock(t, data))
	}
	return out
}

// Section encodes one length-prefixed section.
func Section(c cid.Cid, data []byte) []byte {
	body := append(c.Bytes(), data...)
	return append(varint.ToUvarint(uint64(len(body))), body...)
}

// Build encodes a version 1 archive with the given roots and blocks.
func Build(t testing.TB, roots []cid.Cid, blocks ...Block) Archive {
	t.Helper()
	hdr, err := car.EncodeHeader(car.Header{Roots: roots, Version: car.Version})
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	buf := bytes.NewBuffer(hdr)
	a := Archive{HeaderLen: int64(len(hdr))}
	for _, b := range blocks {
		sec := Section(b.CID, b.Data)
		offset := int64(buf.Len())
		prefix := int64(len(sec)) - int64(b.CID.ByteLen()) - int64(len(b.Data))
		a.Extents = append(a.Extents, Extent{
			CID:        b.CID,
			Offset:     offset,
			Length:     int64(len(sec)),
			DataOffset: offset + prefix + int64(b.CID.ByteLen()),
			DataLength: int64(len(b.Data)),
		})
		buf.Write(sec)
	}
	a.Bytes = buf.Bytes()
	return a
}

// NewStore returns a PathStore under t.TempDir holding objects.
func NewStore(t testing.TB, objects map[string][]byte) *blob.PathStore {
	t.Helper()
	store, err := blob.NewPathStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for key, data := range objects {
		if err := store.Put(context.Background(), key, bytes.NewReader(data), int64(len(data))); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	return store
}
