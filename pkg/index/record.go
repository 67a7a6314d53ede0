package index

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
)

// Encode writes r as one DAG-JSON line: [multihash-bytes, [offset, length]].
func Encode(w io.Writer, r Record) error {
	node, err := qp.BuildList(basicnode.Prototype.Any, 2, func(la datamodel.ListAssembler) {
		qp.ListEntry(la, qp.Bytes(r.Multihash()))
		qp.ListEntry(la, qp.List(2, func(la datamodel.ListAssembler) {
			qp.ListEntry(la, qp.Int(r.Offset))
			qp.ListEntry(la, qp.Int(r.Length))
		}))
	})
	if err != nil {
		return fmt.Errorf("index: build record: %w", err)
	}
	if err := dagjson.Encode(node, w); err != nil {
		return err
	}
	_, err = w.Write([]byte{'\n'})
	return err
}

// Decode parses one record line as written by Encode. The returned CID is a
// raw-codec CIDv1 over the multihash; the original codec is not on the wire.
func Decode(line []byte) (Record, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagjson.Decode(nb, bytes.NewReader(bytes.TrimSpace(line))); err != nil {
		return Record{}, fmt.Errorf("index: decode record: %w", err)
	}
	n := nb.Build()
	if n.Kind() != datamodel.Kind_List || n.Length() != 2 {
		return Record{}, fmt.Errorf("index: record is not a pair")
	}
	mhNode, err := n.LookupByIndex(0)
	if err != nil {
		return Record{}, err
	}
	mh, err := mhNode.AsBytes()
	if err != nil {
		return Record{}, fmt.Errorf("index: record identifier: %w", err)
	}
	if _, err := multihash.Cast(mh); err != nil {
		return Record{}, fmt.Errorf("index: record identifier: %w", err)
	}
	span, err := n.LookupByIndex(1)
	if err != nil {
		return Record{}, err
	}
	if span.Kind() != datamodel.Kind_List || span.Length() != 2 {
		return Record{}, fmt.Errorf("index: record span is not a pair")
	}
	var vals [2]int64
	for i := range vals {
		v, err := span.LookupByIndex(int64(i))
		if err != nil {
			return Record{}, err
		}
		if vals[i], err = v.AsInt(); err != nil {
			return Record{}, fmt.Errorf("index: record span: %w", err)
		}
	}
	return Record{CID: cid.NewCidV1(cid.Raw, mh), Offset: vals[0], Length: vals[1]}, nil
}

// Flusher is implemented by writers that can push buffered records to the
// client, such as http.ResponseWriter.
type Flusher interface {
	Flush()
}

// Copy drains it into w, one line per record, and returns the number of
// records written. When w is a Flusher it is flushed after every record.
func Copy(ctx context.Context, w io.Writer, it *Iterator) (int64, error) {
	bw := bufio.NewWriter(w)
	flusher, _ := w.(Flusher)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, err := it.Next()
		if err == io.EOF {
			return n, bw.Flush()
		}
		if err != nil {
			if ferr := bw.Flush(); ferr != nil {
				return n, ferr
			}
			return n, err
		}
		if err := Encode(bw, rec); err != nil {
			return n, err
		}
		n++
		if flusher != nil {
			if err := bw.Flush(); err != nil {
				return n, err
			}
			flusher.Flush()
		}
	}
}
