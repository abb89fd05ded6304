// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the payload size above which chunk data is
// stored zstd-compressed. Typical events (text deltas, tool calls) are
// well below it; large tool results and file diffs are not.
const CompressThreshold = 8 * 1024

// Values of the chunks.encoding column.
const (
	encodingRaw  = 0
	encodingZstd = 1
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: creating zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: creating zstd decoder: " + err.Error())
	}
}

// encodePayload returns the bytes to store and their encoding. Data
// that does not shrink is stored raw.
func encodePayload(data []byte) ([]byte, int) {
	if len(data) <= CompressThreshold {
		return data, encodingRaw
	}
	compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) >= len(data) {
		return data, encodingRaw
	}
	return compressed, encodingZstd
}

func decodePayload(stored []byte, encoding int) ([]byte, error) {
	switch encoding {
	case encodingRaw:
		return stored, nil
	case encodingZstd:
		decoded, err := zstdDecoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("store: decompressing chunk: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("store: unknown chunk encoding %d", encoding)
	}
}
