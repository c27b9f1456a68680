package lazyarr

import (
	"fmt"
	"io"
	"io/ioutil"

	"github.com/klauspost/compress/gzip"
	"github.com/qri-io/dataset/compression"
)

// chunk codec identifiers
const (
	CompressionNone = ""
	CompressionGzip = "gz"
	CompressionZstd = "zst"
)

// CompressionMeta defines the compression settings applied to every chunk
// of an array
type CompressionMeta struct {
	ID     string `json:"id"`
	Clevel int    `json:"clevel,omitempty"`
}

// DefaultCompression is applied to arrays created without explicit settings
func DefaultCompression() CompressionMeta {
	return CompressionMeta{ID: CompressionGzip, Clevel: gzip.DefaultCompression}
}

func (m CompressionMeta) Decompressor(r io.ReadCloser) (io.ReadCloser, error) {
	switch m.ID {
	case CompressionNone, "none":
		return r, nil
	case CompressionGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return gr, nil
	default:
		return compression.Decompressor(m.ID, r)
	}
}

func (m CompressionMeta) Compressor(w io.Writer) (io.WriteCloser, error) {
	switch m.ID {
	case CompressionNone, "none":
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		level := m.Clevel
		if level == 0 {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)
	default:
		return compression.Compressor(m.ID, w)
	}
}

// decodeChunk reads one compressed chunk into a float64 working buffer of
// n elements
func (m CompressionMeta) decodeChunk(r io.ReadCloser, dt Dtype, n int) ([]float64, error) {
	dr, err := m.Decompressor(r)
	if err != nil {
		r.Close()
		return nil, err
	}
	data, err := ioutil.ReadAll(dr)
	dr.Close()
	if dr != r {
		r.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk: %w", err)
	}
	return decodeValues(dt, data, n)
}

// encodeChunk writes a float64 working buffer as a compressed chunk
func (m CompressionMeta) encodeChunk(w io.Writer, dt Dtype, vals []float64) error {
	cw, err := m.Compressor(w)
	if err != nil {
		return err
	}
	if _, err := cw.Write(encodeValues(dt, vals)); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
