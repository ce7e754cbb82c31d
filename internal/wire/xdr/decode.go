package xdr

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ============================================================================
// Decoding Helpers - Wire Format → Go Types
// ============================================================================

// maxStringLen bounds a decoded string's declared length. Nothing the
// protocol carries in a string field (medium names, oids, tags, error
// messages) legitimately approaches this; a longer length prefix is a
// corrupt or hostile frame.
const maxStringLen = 1 << 20

// DecodeString decodes a [length:uint32][bytes][padding] string,
// consuming the 0-3 padding bytes that align the next field to a
// 4-byte boundary (RFC 4506 section 4.11).
func DecodeString(reader io.Reader) (string, error) {
	var length uint32
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	if length > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds maximum %d", length, maxStringLen)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return "", fmt.Errorf("read string data: %w", err)
	}

	// Padding is at most 3 bytes; a tiny stack buffer beats io.CopyN.
	padding := (4 - (length % 4)) % 4
	if padding > 0 {
		var padBuf [3]byte
		if _, err := io.ReadFull(reader, padBuf[:padding]); err != nil {
			return "", fmt.Errorf("skip padding: %w", err)
		}
	}
	return string(data), nil
}

// DecodeUint32 decodes a big-endian 32-bit unsigned integer
// (RFC 4506 section 4.2).
func DecodeUint32(reader io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(reader, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint32: %w", err)
	}
	return v, nil
}

// DecodeUint64 decodes a big-endian 64-bit unsigned integer
// (RFC 4506 section 4.5).
func DecodeUint64(reader io.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(reader, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return v, nil
}

// DecodeInt32 decodes a big-endian 32-bit signed integer
// (RFC 4506 section 4.1).
func DecodeInt32(reader io.Reader) (int32, error) {
	var v int32
	if err := binary.Read(reader, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read int32: %w", err)
	}
	return v, nil
}

// DecodeBool decodes a boolean encoded as uint32: 0 is false, anything
// else is true (RFC 4506 section 4.4).
func DecodeBool(reader io.Reader) (bool, error) {
	v, err := DecodeUint32(reader)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
