// Package xdr holds the fixed-width, big-endian encode/decode
// primitives beneath the framed request/response codec
// (internal/wire/proto): 4-byte-aligned length-prefixed strings,
// fixed-width integers, and boolean-as-uint32, per RFC 4506. Only the
// primitives the daemon's protocol actually speaks live here — the
// protocol itself is not XDR (no Sun RPC envelope), it just borrows
// XDR's wire representation for its fields.
//
// Reference: RFC 4506 - XDR: External Data Representation Standard
package xdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ============================================================================
// Encoding Helpers - Go Types → Wire Format
// ============================================================================

// WriteXDRString encodes a string as [length:uint32][bytes][padding],
// zero-padded to a 4-byte boundary per RFC 4506 section 4.11. Medium
// names, tags, oids, and error messages all travel this way.
//
// Example:
//
//	"T00001" → [00 00 00 06][54 30 30 30 30 31][00 00] (12 bytes total)
func WriteXDRString(buf *bytes.Buffer, s string) error {
	length := uint32(len(s))
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write string length: %w", err)
	}
	if _, err := buf.WriteString(s); err != nil {
		return fmt.Errorf("write string data: %w", err)
	}
	return writePadding(buf, length)
}

// writePadding appends the 0-3 zero bytes that align a variable-length
// item of dataLen bytes to the next 4-byte boundary.
func writePadding(buf *bytes.Buffer, dataLen uint32) error {
	padding := (4 - (dataLen % 4)) % 4
	for i := uint32(0); i < padding; i++ {
		if err := buf.WriteByte(0); err != nil {
			return fmt.Errorf("write padding: %w", err)
		}
	}
	return nil
}

// WriteUint32 encodes a 32-bit unsigned integer in big-endian order
// (RFC 4506 section 4.2): request ids, counts, and list lengths.
func WriteUint32(buf *bytes.Buffer, v uint32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint32: %w", err)
	}
	return nil
}

// WriteUint64 encodes a 64-bit unsigned integer in big-endian order
// (RFC 4506 section 4.5). The protocol's byte counts (sizes, free
// space) are int64 in memory and cross the wire through this after an
// explicit conversion at the call site.
func WriteUint64(buf *bytes.Buffer, v uint64) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write uint64: %w", err)
	}
	return nil
}

// WriteInt32 encodes a 32-bit signed integer in big-endian two's
// complement (RFC 4506 section 4.1): the release message's per-medium
// rc is the one signed field the protocol carries.
func WriteInt32(buf *bytes.Buffer, v int32) error {
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return fmt.Errorf("write int32: %w", err)
	}
	return nil
}

// WriteBool encodes a boolean as uint32 0 or 1 (RFC 4506 section 4.4):
// the to_sync, unlock, and wait flags.
func WriteBool(buf *bytes.Buffer, v bool) error {
	var encoded uint32
	if v {
		encoded = 1
	}
	return WriteUint32(buf, encoded)
}
