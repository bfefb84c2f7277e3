package collective

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how AllToAllV payloads travel on the wire.
type Compression uint8

const (
	// CompressionNone sends payloads as is.
	CompressionNone Compression = iota
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4
	// CompressionZstd uses Zstd (better ratio, more CPU).
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression accepts "", "none", "lz4" and "zstd".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", s)
}

// Frame layout: [kind byte][body]. kind is the Compression actually applied,
// which is CompressionNone when the codec could not shrink the block.

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func compressFrame(c Compression, data []byte) ([]byte, error) {
	var body []byte
	kind := c
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		body = buf[:n]
	case CompressionZstd:
		enc := getZstdEncoder()
		body = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}

	if kind == CompressionNone || len(body) == 0 || len(body) >= len(data) {
		kind, body = CompressionNone, data
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out, nil
}

// decompressFrame restores a frame whose uncompressed length must be size.
func decompressFrame(frame []byte, size int64) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative frame size %d", ErrProtocol, size)
	}
	body := frame[1:]
	var out []byte
	switch Compression(frame[0]) {
	case CompressionNone:
		out = make([]byte, len(body))
		copy(out, body)
	case CompressionLZ4:
		out = make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrProtocol, err)
		}
		out = out[:n]
	case CompressionZstd:
		dec := getZstdDecoder()
		var err error
		out, err = dec.DecodeAll(body, make([]byte, 0, size))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrProtocol, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown frame kind %d", ErrProtocol, frame[0])
	}
	if int64(len(out)) != size {
		return nil, fmt.Errorf("%w: payload is %d bytes, announced %d", ErrProtocol, len(out), size)
	}
	return out, nil
}
