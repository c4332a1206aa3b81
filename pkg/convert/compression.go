package convert

import (
	"bytes"
	"errors"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	fastxz "github.com/therootcompany/xz"

	"github.com/wuxler/ruartifact/pkg/util/xio"
)

// Compression names reported by Detect.
const (
	CompressionNone  = "none"
	CompressionGzip  = "gzip"
	CompressionZstd  = "zstd"
	CompressionXz    = "xz"
	CompressionBzip2 = "bz2"
)

type compressionFormat struct {
	name  string
	magic []byte
	open  func(r io.Reader, o Options) (io.ReadCloser, error)
}

var compressionFormats = []compressionFormat{
	{
		name:  CompressionGzip,
		magic: []byte{0x1f, 0x8b},
		open: func(r io.Reader, o Options) (io.ReadCloser, error) {
			if o.Multithread {
				return pgzip.NewReader(r)
			}
			return gzip.NewReader(r)
		},
	},
	{
		// https://github.com/facebook/zstd/blob/dev/doc/zstd_compression_format.md
		name:  CompressionZstd,
		magic: []byte{0x28, 0xb5, 0x2f, 0xfd},
		open: func(r io.Reader, _ Options) (io.ReadCloser, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return xio.WrapReader(zr, func() error {
				zr.Close()
				return nil
			}), nil
		},
	},
	{
		// section 2.1.1.1 of https://tukaani.org/xz/xz-file-format.txt
		name:  CompressionXz,
		magic: []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00},
		open: func(r io.Reader, _ Options) (io.ReadCloser, error) {
			xr, err := fastxz.NewReader(r, 0)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(xr), nil
		},
	},
	{
		name:  CompressionBzip2,
		magic: []byte("BZh"),
		open: func(r io.Reader, _ Options) (io.ReadCloser, error) {
			return bzip2.NewReader(r, nil)
		},
	},
}

// Decompress detects the compression of r by its magic bytes and returns the
// decompressed stream with the name of the detected compression. Streams
// without known magic are returned as they are.
func Decompress(r io.Reader, opts ...Option) (io.ReadCloser, string, error) {
	o := makeOptions(opts...)
	rr := xio.NewRewindReader(r)
	if rr == nil {
		return nil, "", errors.New("nil reader")
	}
	for _, format := range compressionFormats {
		head, err := xio.ReadAtMost(rr, len(format.magic))
		rr.Rewind()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, "", err
		}
		if bytes.Equal(head, format.magic) {
			rc, err := format.open(rr.Reader(), o)
			if err != nil {
				return nil, format.name, wrapf(err, "open %s stream", format.name)
			}
			return rc, format.name, nil
		}
	}
	return io.NopCloser(rr.Reader()), CompressionNone, nil
}
