// Package encoding holds the binary codecs used for local state: msgpack for
// records and watermark snapshots, zstd for compressing them at rest.
//
// Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data. Strings stay strings when decoding into
// interface{} so decoded records compare equal to the ones that were stored.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
