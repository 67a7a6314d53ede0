package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacktea/carblob/pkg/blob"
	"github.com/jacktea/carblob/pkg/xerrors"
)

// Range is a single HTTP byte range. End is inclusive and -1 when open.
// Suffix > 0 selects the last Suffix bytes instead.
type Range struct {
	Start  int64
	End    int64
	Suffix int64
}

// ParseRange parses a Range header value. An empty header yields a nil Range.
// Multiple ranges are rejected.
func ParseRange(header string) (*Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	invalid := func(reason string) error {
		return xerrors.E(xerrors.KindInvalid, "service.ParseRange", fmt.Sprintf("%q: %s", header, reason))
	}
	if !strings.HasPrefix(header, "bytes=") {
		return nil, invalid("unsupported range unit")
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	if spec == "" || strings.Contains(spec, ",") {
		return nil, invalid("invalid range")
	}
	if strings.HasPrefix(spec, "-") {
		n, err := strconv.ParseInt(strings.TrimPrefix(spec, "-"), 10, 64)
		if err != nil || n <= 0 {
			return nil, invalid("invalid suffix range")
		}
		return &Range{Suffix: n, End: -1}, nil
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, invalid("invalid range spec")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return nil, invalid("invalid range start")
	}
	end := int64(-1)
	if last = strings.TrimSpace(last); last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < 0 {
			return nil, invalid("invalid range end")
		}
		if start > end {
			return nil, invalid("start greater than end")
		}
	}
	return &Range{Start: start, End: end}, nil
}

// IsSuffix reports whether the range needs the object size to resolve.
func (r *Range) IsSuffix() bool { return r.Suffix > 0 }

// Options maps a first-last range to {offset: first, length: last-first+1}
// and an open range to a read from first to the end.
func (r *Range) Options() blob.GetOptions {
	if r.End < 0 {
		return blob.GetOptions{Offset: r.Start}
	}
	return blob.GetOptions{Offset: r.Start, Length: r.End - r.Start + 1}
}

// Resolve maps the range against an object of the given size.
func (r *Range) Resolve(size int64) (blob.GetOptions, error) {
	if !r.IsSuffix() {
		return r.Options(), nil
	}
	if size == 0 {
		return blob.GetOptions{}, xerrors.E(xerrors.KindRange, "service.Range", "empty object")
	}
	n := r.Suffix
	if n > size {
		n = size
	}
	return blob.GetOptions{Offset: size - n, Length: n}, nil
}

func (r *Range) String() string {
	switch {
	case r.IsSuffix():
		return fmt.Sprintf("bytes=-%d", r.Suffix)
	case r.End < 0:
		return fmt.Sprintf("bytes=%d-", r.Start)
	default:
		return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
	}
}
