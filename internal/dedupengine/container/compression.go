package container

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/golang/snappy"
	"github.com/juju/errors"
	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4/v4"

	"github.com/dedupv1/dedupengine/internal/dedupengine/errkind"
)

// Codec compresses and decompresses chunk payloads before they are packed
// into a container item (spec.md section 4.4's container.compression key).
type Codec interface {
	Name() string
	Compress(plain []byte) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
}

// NewCodec resolves a container.compression config value to a Codec.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return noneCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "deflate":
		return deflateCodec{}, nil
	case "bz2":
		return bz2Codec{}, nil
	default:
		return nil, errkind.Newf(errkind.Configuration, "unknown container.compression %q", name)
	}
}

type noneCodec struct{}

func (noneCodec) Name() string                            { return "none" }
func (noneCodec) Compress(p []byte) ([]byte, error)        { return p, nil }
func (noneCodec) Decompress(c []byte) ([]byte, error)      { return c, nil }

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(p []byte) ([]byte, error) {
	return snappy.Encode(nil, p), nil
}

func (snappyCodec) Decompress(c []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, c)
	if err != nil {
		return nil, errkind.New(errkind.Integrity, errors.Annotate(err, "snappy decompress"))
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotate(err, "lz4 compress"))
	}
	if err := w.Close(); err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotate(err, "lz4 compress close"))
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(c []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(c))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errkind.New(errkind.Integrity, errors.Annotate(err, "lz4 decompress"))
	}
	return out, nil
}

// deflateCodec uses klauspost/compress's flate implementation rather than
// the standard library's: same format, faster implementation, already a
// pack-grounded dependency.
type deflateCodec struct{}

func (deflateCodec) Name() string { return "deflate" }

func (deflateCodec) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotate(err, "deflate compress"))
	}
	if _, err := w.Write(p); err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotate(err, "deflate compress"))
	}
	if err := w.Close(); err != nil {
		return nil, errkind.New(errkind.TransientIO, errors.Annotate(err, "deflate compress close"))
	}
	return buf.Bytes(), nil
}

func (deflateCodec) Decompress(c []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(c))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errkind.New(errkind.Integrity, errors.Annotate(err, "deflate decompress"))
	}
	return out, nil
}

// bz2Codec only decodes: stdlib compress/bzip2 has no encoder, and no
// bz2-capable encoder exists anywhere in the dependency pack either.
// Compress returns a contract-violation error rather than silently
// falling back to another format; operators must not configure
// container.compression=bz2 for new writes, only for reading containers
// produced elsewhere.
type bz2Codec struct{}

func (bz2Codec) Name() string { return "bz2" }

func (bz2Codec) Compress([]byte) ([]byte, error) {
	return nil, errkind.Newf(errkind.ContractViolation, "bz2 container compression supports decode only")
}

func (bz2Codec) Decompress(c []byte) ([]byte, error) {
	out, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(c)))
	if err != nil {
		return nil, errkind.New(errkind.Integrity, errors.Annotate(err, "bz2 decompress"))
	}
	return out, nil
}
