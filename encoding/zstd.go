package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func sharedEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return encoder, encoderErr
}

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// Compress returns data compressed as a single zstd frame.
func Compress(data []byte) ([]byte, error) {
	enc, err := sharedEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// MarshalCompressed msgpack-encodes v and compresses the result.
func MarshalCompressed(v interface{}) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(raw)
}

// UnmarshalCompressed reverses MarshalCompressed.
func UnmarshalCompressed(data []byte, v interface{}) error {
	raw, err := Decompress(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
