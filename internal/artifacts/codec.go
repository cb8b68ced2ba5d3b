package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	encodingZstd = "zstd"
	// compressMinBytes keeps small documents such as the feed snapshot plain.
	compressMinBytes = 4 << 10
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("artifacts: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("artifacts: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeDocument validates payload and compresses it when that pays off. The
// returned encoding is empty for plain JSON.
func encodeDocument(payload json.RawMessage) ([]byte, string, error) {
	payload = bytes.TrimSpace(payload)
	if !json.Valid(payload) {
		return nil, "", fmt.Errorf("payload is not valid json")
	}
	if len(payload) < compressMinBytes {
		return payload, "", nil
	}
	compressed := zstdEncoder.EncodeAll(payload, nil)
	if len(compressed) >= len(payload) {
		return payload, "", nil
	}
	return compressed, encodingZstd, nil
}

func decodeDocument(body []byte, encoding string) (json.RawMessage, error) {
	switch encoding {
	case "", "identity":
	case encodingZstd:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, fmt.Errorf("object is not valid json")
	}
	return json.RawMessage(body), nil
}
