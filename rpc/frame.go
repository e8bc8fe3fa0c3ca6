// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tessera-foundation/tessera/lib/codec"
)

// Compression names accepted in the hello handshake.
const (
	CompressionNone = ""
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// compressionTag is the one-byte prefix on binary frames identifying
// the payload compression. Protocol constants.
type compressionTag byte

const (
	tagNone compressionTag = 0
	tagLZ4  compressionTag = 1
	tagZstd compressionTag = 2
)

// ValidCompression reports whether name is a known compression
// algorithm name.
func ValidCompression(name string) bool {
	switch name {
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return true
	}
	return false
}

// zstd's streamless API is safe for concurrent use; one encoder and
// decoder pair serves the whole process.
var (
	zstdEncoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1))
)

// FrameFormat is a session's negotiated encoding: JSON until hello,
// then whatever hello agreed on.
type FrameFormat struct {
	// Binary selects CBOR framing; false selects JSON.
	Binary bool

	// Compression applies to binary frames only ("", "lz4", "zstd").
	Compression string
}

// EncodeFrame serializes one Response (or pushed event) for the wire.
// JSON frames are plain UTF-8 text. Binary frames are the one-byte
// compression tag followed by (optionally compressed) CBOR.
func EncodeFrame(format FrameFormat, v any) ([]byte, error) {
	if !format.Binary {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("rpc: encoding JSON frame: %w", err)
		}
		return data, nil
	}

	payload, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encoding CBOR frame: %w", err)
	}

	switch format.Compression {
	case CompressionNone:
		return append([]byte{byte(tagNone)}, payload...), nil
	case CompressionLZ4:
		buf := make([]byte, 1+lz4.CompressBlockBound(len(payload)))
		buf[0] = byte(tagLZ4)
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(payload, buf[1:])
		if err != nil || n == 0 || n >= len(payload) {
			// Incompressible payload; send it raw.
			return append([]byte{byte(tagNone)}, payload...), nil
		}
		return buf[:1+n], nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(payload, []byte{byte(tagZstd)}), nil
	default:
		return nil, fmt.Errorf("rpc: unknown compression %q", format.Compression)
	}
}

// DecodeFrame deserializes one inbound frame into v. Binary frames
// carry their compression tag, so decoding does not depend on the
// negotiated setting; a client may send uncompressed frames on a
// compressed connection.
func DecodeFrame(format FrameFormat, data []byte, v any) error {
	if !format.Binary {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("rpc: decoding JSON frame: %w", err)
		}
		return nil
	}

	if len(data) == 0 {
		return fmt.Errorf("rpc: empty binary frame")
	}
	payload := data[1:]
	switch compressionTag(data[0]) {
	case tagNone:
	case tagLZ4:
		// LZ4 block decompression needs the decompressed size bound;
		// transaction batches are capped well below this. The scratch
		// block is pooled, and codec.Unmarshal copies everything it
		// decodes, so recycling after the unmarshal is safe.
		buf := lz4Buffers.Get().(*[]byte)
		defer lz4Buffers.Put(buf)
		n, err := lz4.UncompressBlock(payload, *buf)
		if err != nil {
			return fmt.Errorf("rpc: lz4 decompression: %w", err)
		}
		payload = (*buf)[:n]
	case tagZstd:
		decoded, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("rpc: zstd decompression: %w", err)
		}
		payload = decoded
	default:
		return fmt.Errorf("rpc: unknown compression tag %d", data[0])
	}

	if err := codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("rpc: decoding CBOR frame: %w", err)
	}
	return nil
}

// maxDecompressedFrame bounds a decompressed inbound frame. 16 MB is
// far above any legitimate request and keeps a malicious lz4 block
// from exhausting memory.
const maxDecompressedFrame = 16 << 20

// lz4Buffers recycles decompression scratch space between frames.
var lz4Buffers = sync.Pool{
	New: func() any {
		buf := make([]byte, maxDecompressedFrame)
		return &buf
	},
}
