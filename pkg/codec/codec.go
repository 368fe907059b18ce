// Package codec provides the value encodings a feed can store blocks
// under: raw binary, UTF-8 text, and newline-delimited JSON.
package codec

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Codec encodes application values to the bytes a feed stores as a block,
// and decodes them back. A feed treats codec identity as part of its
// configuration: Get either decodes through the active codec or returns
// the raw block bytes, depending on whether one was configured.
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Named resolves one of the built-in codec names ("binary", "utf-8",
// "json") to its Codec implementation. An unrecognized name returns an
// error; callers may also supply their own Codec value directly instead
// of going through a name.
func Named(name string) (Codec, error) {
	switch name {
	case "binary", "":
		return Binary{}, nil
	case "utf-8":
		return UTF8{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("codec: unrecognized codec name %q", name)
	}
}

// Binary passes bytes through unchanged. Encode requires a []byte value;
// Decode always returns a []byte.
type Binary struct{}

func (Binary) Encode(value any) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("codec: binary encode requires []byte, got %T", value)
	}
	return b, nil
}

func (Binary) Decode(data []byte) (any, error) {
	return data, nil
}

// UTF8 treats blocks as UTF-8 text. Encode requires a string value; Decode
// always returns a string.
type UTF8 struct{}

func (UTF8) Encode(value any) ([]byte, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("codec: utf-8 encode requires string, got %T", value)
	}
	return []byte(s), nil
}

func (UTF8) Decode(data []byte) (any, error) {
	return string(data), nil
}

// JSON encodes each value as one line of JSON terminated by a newline, and
// tolerates that trailing newline on decode, so that the raw data stream
// remains line-parseable (newline-delimited JSON) as required by the
// external storage-boundary contract.
type JSON struct{}

func (JSON) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to marshal json value: %w", err)
	}
	return append(data, '\n'), nil
}

func (JSON) Decode(data []byte) (any, error) {
	data = bytes.TrimRight(data, "\n")
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("codec: failed to unmarshal json value: %w", err)
	}
	return value, nil
}
