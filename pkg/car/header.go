package car

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-varint"
)

// Version is the only archive version the decoder accepts.
const Version = 1

// Header is the decoded archive header.
type Header struct {
	Roots   []cid.Cid
	Version uint64
}

// EncodedHeader is a header exactly as it appears at the start of an archive,
// length prefix included.
type EncodedHeader struct {
	Bytes []byte
}

// Len is the number of bytes the header occupies in the stream.
func (h EncodedHeader) Len() int64 { return int64(len(h.Bytes)) }

// SynthesizeHeader encodes a version 1 header with an empty root list. It is
// prepended to a stream that starts mid-archive so the decoder sees a valid
// archive start. Callers must use Len of the returned value for offset
// arithmetic.
func SynthesizeHeader() (EncodedHeader, error) {
	b, err := EncodeHeader(Header{Version: Version})
	if err != nil {
		return EncodedHeader{}, err
	}
	return EncodedHeader{Bytes: b}, nil
}

// EncodeHeader returns the length-prefixed DAG-CBOR encoding of h.
func EncodeHeader(h Header) ([]byte, error) {
	node, err := qp.BuildMap(basicnode.Prototype.Any, 2, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "roots", qp.List(int64(len(h.Roots)), func(la datamodel.ListAssembler) {
			for _, root := range h.Roots {
				qp.ListEntry(la, qp.Link(cidlink.Link{Cid: root}))
			}
		}))
		qp.MapEntry(ma, "version", qp.Int(int64(h.Version)))
	})
	if err != nil {
		return nil, fmt.Errorf("car: build header: %w", err)
	}
	var body bytes.Buffer
	if err := dagcbor.Encode(node, &body); err != nil {
		return nil, fmt.Errorf("car: encode header: %w", err)
	}
	out := make([]byte, 0, varint.UvarintSize(uint64(body.Len()))+body.Len())
	out = append(out, varint.ToUvarint(uint64(body.Len()))...)
	return append(out, body.Bytes()...), nil
}

// parseHeader decodes the DAG-CBOR header body (without its length prefix).
func parseHeader(body []byte) (Header, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(body)); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	node := nb.Build()
	if node.Kind() != datamodel.Kind_Map {
		return Header{}, fmt.Errorf("%w: expected map, got %s", ErrInvalidHeader, node.Kind())
	}
	versionNode, err := node.LookupByString("version")
	if err != nil {
		return Header{}, fmt.Errorf("%w: missing version", ErrInvalidHeader)
	}
	version, err := versionNode.AsInt()
	if err != nil {
		return Header{}, fmt.Errorf("%w: version: %v", ErrInvalidHeader, err)
	}
	if version != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, version)
	}
	hdr := Header{Version: uint64(version)}
	rootsNode, err := node.LookupByString("roots")
	if err != nil {
		// A header without roots still frames correctly.
		return hdr, nil
	}
	if rootsNode.Kind() != datamodel.Kind_List {
		return Header{}, fmt.Errorf("%w: roots must be a list", ErrInvalidHeader)
	}
	it := rootsNode.ListIterator()
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return Header{}, fmt.Errorf("%w: roots: %v", ErrInvalidHeader, err)
		}
		lnk, err := v.AsLink()
		if err != nil {
			return Header{}, fmt.Errorf("%w: root is not a link", ErrInvalidHeader)
		}
		cl, ok := lnk.(cidlink.Link)
		if !ok {
			return Header{}, fmt.Errorf("%w: root is not a cid", ErrInvalidHeader)
		}
		hdr.Roots = append(hdr.Roots, cl.Cid)
	}
	return hdr, nil
}
