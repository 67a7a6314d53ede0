// Package digest computes self-describing whole-object digests.
package digest

import (
	"bytes"
	"context"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "sha2-256"

const copyBufferSize = 32 << 10

// Digest is a finished hash together with the multihash code that produced it.
type Digest struct {
	Code uint64
	Sum  []byte
}

// Multihash returns the code-prefixed digest bytes.
func (d Digest) Multihash() (multihash.Multihash, error) {
	return multihash.Encode(d.Sum, d.Code)
}

// FromMultihash splits an encoded multihash back into a Digest.
func FromMultihash(mh []byte) (Digest, error) {
	dec, err := multihash.Decode(mh)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: %w", err)
	}
	return Digest{Code: dec.Code, Sum: dec.Digest}, nil
}

// String renders the digest as a hex multihash.
func (d Digest) String() string {
	mh, err := d.Multihash()
	if err != nil {
		return fmt.Sprintf("invalid digest: %v", err)
	}
	return mh.HexString()
}

// Algorithm returns the multihash name of the digest's hash function.
func (d Digest) Algorithm() string {
	if name, ok := multihash.Codes[d.Code]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", d.Code)
}

// ParseAlgorithm resolves a multihash function name such as "sha2-256".
func ParseAlgorithm(name string) (uint64, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultAlgorithm
	}
	code, ok := multihash.Names[name]
	if !ok {
		return 0, fmt.Errorf("digest: unknown algorithm %q", name)
	}
	if code == multihash.IDENTITY {
		return 0, fmt.Errorf("digest: identity hash cannot digest whole objects")
	}
	if _, err := multihash.GetHasher(code); err != nil {
		return 0, fmt.Errorf("digest: algorithm %q: %w", name, err)
	}
	return code, nil
}

// Accumulator folds a byte stream into a Digest. It is an io.Writer; feeding
// it in chunks of any size yields the same result as a single write.
type Accumulator struct {
	code uint64
	h    hash.Hash
	n    int64
	done bool
}

// NewAccumulator returns an Accumulator for the given multihash code.
func NewAccumulator(code uint64) (*Accumulator, error) {
	if code == multihash.IDENTITY {
		return nil, fmt.Errorf("digest: identity hash cannot digest whole objects")
	}
	h, err := multihash.GetHasher(code)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return &Accumulator{code: code, h: h}, nil
}

// Write adds p to the running hash.
func (a *Accumulator) Write(p []byte) (int, error) {
	if a.done {
		return 0, fmt.Errorf("digest: write after Sum")
	}
	n, err := a.h.Write(p)
	a.n += int64(n)
	return n, err
}

// Len is the number of bytes accumulated so far.
func (a *Accumulator) Len() int64 { return a.n }

// Sum finishes the accumulator. Further writes fail.
func (a *Accumulator) Sum() Digest {
	a.done = true
	return Digest{Code: a.code, Sum: a.h.Sum(nil)}
}

// FromReader drains r into a new Accumulator. A read failure is returned as is
// and no digest is produced. The context is checked between reads.
func FromReader(ctx context.Context, r io.Reader, code uint64) (Digest, int64, error) {
	acc, err := NewAccumulator(code)
	if err != nil {
		return Digest{}, 0, err
	}
	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(acc, &contextReader{ctx: ctx, r: r}, buf)
	if err != nil {
		return Digest{}, n, err
	}
	return acc.Sum(), n, nil
}

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

// Encode writes the digest's multihash bytes as a DAG-JSON bytes node.
func Encode(w io.Writer, d Digest) error {
	mh, err := d.Multihash()
	if err != nil {
		return err
	}
	return dagjson.Encode(basicnode.NewBytes(mh), w)
}

// Marshal is Encode into a byte slice.
func Marshal(d Digest) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
