package index

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/car"
	"github.com/jacktea/carblob/pkg/xerrors"
)

// Block is a single decoded block with its frame position in the object.
type Block struct {
	CID    cid.Cid
	Offset int64
	Length int64
	Data   []byte
}

// ReadBlock decodes the frame that starts at offset and returns its payload.
func ReadBlock(ctx context.Context, store blob.Store, key string, offset int64, opts Options) (Block, error) {
	it, err := open(ctx, store, key, offset, opts, true)
	if err != nil {
		return Block{}, err
	}
	defer it.Close()
	f, err := it.nextFrame()
	if err == io.EOF {
		return Block{}, xerrors.Wrap(xerrors.KindRange, "index.ReadBlock", key,
			fmt.Errorf("%w: no frame at offset %d", car.ErrMisaligned, offset))
	}
	if err != nil {
		return Block{}, err
	}
	return Block{CID: f.CID, Offset: f.Offset + it.correction, Length: f.Length, Data: f.Data}, nil
}
