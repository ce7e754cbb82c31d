package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Every component of the daemon and the store library logs with these
// keys, so aggregation and querying see one vocabulary: a sync on a
// tape drive and a sync on a directory medium carry the same names.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Wire Requests
	// ========================================================================
	KeyReqKind = "req_kind" // Request kind: write_alloc, read_alloc, release, ...
	KeyReqID   = "req_id"   // Client-assigned request id
	KeyConn    = "conn"     // Daemon connection id the request arrived on

	// ========================================================================
	// Devices & Media
	// ========================================================================
	KeyFamily   = "family"    // Resource family: tape, dir, s3
	KeySerial   = "serial"    // Device serial number
	KeyOpStatus = "op_status" // Device operational state: empty, loaded, mounted, failed
	KeyMedium   = "medium"    // Medium name
	KeyFSStatus = "fs_status" // Medium fill state: blank, empty, used, full
	KeyRoot     = "root"      // Mount root of a mounted medium

	// ========================================================================
	// Objects, Layouts & Extents
	// ========================================================================
	KeyOID     = "oid"     // Object's human name
	KeyUUID    = "uuid"    // Object UUID
	KeyVersion = "version" // Object generation number
	KeyLayout  = "layout"  // Layout type: raid1, ...
	KeySplit   = "split"   // Split index within a layout
	KeyAddress = "address" // Extent address on its medium

	// ========================================================================
	// I/O & Sync
	// ========================================================================
	KeyBytes      = "bytes"       // Byte count of an I/O or sync batch
	KeySyncReason = "sync_reason" // Which threshold fired: age, nb_req, bytes
	KeyAcked      = "acked"       // Release acks covered by a sync

	// ========================================================================
	// Locks
	// ========================================================================
	KeyLockHost = "lock_host" // Hostname holding a row lock
	KeyLockPID  = "lock_pid"  // Owner pid of a row lock

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Taxonomy code: busy, no_space, would_block, ...
	KeyCount      = "count"       // Generic count (reclaimed locks, orphaned extents)
)

// ============================================================================
// Field constructors for type safety
// These functions provide type-safe construction of slog.Attr values.
// ============================================================================

// ----------------------------------------------------------------------------
// Distributed Tracing
// ----------------------------------------------------------------------------

// TraceID returns a slog.Attr for the OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for the OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// ----------------------------------------------------------------------------
// Wire Requests
// ----------------------------------------------------------------------------

// ReqKind returns a slog.Attr for the wire request kind
func ReqKind(kind string) slog.Attr {
	return slog.String(KeyReqKind, kind)
}

// ReqID returns a slog.Attr for the client-assigned request id
func ReqID(id uint32) slog.Attr {
	return slog.Uint64(KeyReqID, uint64(id))
}

// Conn returns a slog.Attr for the daemon connection id
func Conn(id uint64) slog.Attr {
	return slog.Uint64(KeyConn, id)
}

// ----------------------------------------------------------------------------
// Devices & Media
// ----------------------------------------------------------------------------

// Family returns a slog.Attr for a resource family
func Family(f string) slog.Attr {
	return slog.String(KeyFamily, f)
}

// Serial returns a slog.Attr for a device serial number
func Serial(s string) slog.Attr {
	return slog.String(KeySerial, s)
}

// OpStatus returns a slog.Attr for a device operational state
func OpStatus(s string) slog.Attr {
	return slog.String(KeyOpStatus, s)
}

// Medium returns a slog.Attr for a medium name
func Medium(name string) slog.Attr {
	return slog.String(KeyMedium, name)
}

// FSStatus returns a slog.Attr for a medium fill state
func FSStatus(s string) slog.Attr {
	return slog.String(KeyFSStatus, s)
}

// Root returns a slog.Attr for a mount root
func Root(path string) slog.Attr {
	return slog.String(KeyRoot, path)
}

// ----------------------------------------------------------------------------
// Objects, Layouts & Extents
// ----------------------------------------------------------------------------

// OID returns a slog.Attr for an object's human name
func OID(oid string) slog.Attr {
	return slog.String(KeyOID, oid)
}

// UUID returns a slog.Attr for an object UUID
func UUID(uuid string) slog.Attr {
	return slog.String(KeyUUID, uuid)
}

// Version returns a slog.Attr for an object generation
func Version(v int) slog.Attr {
	return slog.Int(KeyVersion, v)
}

// Layout returns a slog.Attr for a layout type
func Layout(t string) slog.Attr {
	return slog.String(KeyLayout, t)
}

// Split returns a slog.Attr for a split index
func Split(s int) slog.Attr {
	return slog.Int(KeySplit, s)
}

// Address returns a slog.Attr for an extent address
func Address(a string) slog.Attr {
	return slog.String(KeyAddress, a)
}

// ----------------------------------------------------------------------------
// I/O & Sync
// ----------------------------------------------------------------------------

// Bytes returns a slog.Attr for a byte count
func Bytes(n int64) slog.Attr {
	return slog.Int64(KeyBytes, n)
}

// SyncReason returns a slog.Attr for the threshold that fired a sync
func SyncReason(r string) slog.Attr {
	return slog.String(KeySyncReason, r)
}

// Acked returns a slog.Attr for the release acks covered by a sync
func Acked(n int) slog.Attr {
	return slog.Int(KeyAcked, n)
}

// ----------------------------------------------------------------------------
// Locks
// ----------------------------------------------------------------------------

// LockHost returns a slog.Attr for the hostname holding a row lock
func LockHost(host string) slog.Attr {
	return slog.String(KeyLockHost, host)
}

// LockPID returns a slog.Attr for the owner pid of a row lock
func LockPID(pid int) slog.Attr {
	return slog.Int(KeyLockPID, pid)
}

// ----------------------------------------------------------------------------
// Operation Metadata
// ----------------------------------------------------------------------------

// DurationMs returns a slog.Attr for an operation duration
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error message
func Err(err error) slog.Attr {
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a taxonomy code
func ErrorCode(code string) slog.Attr {
	return slog.String(KeyErrorCode, code)
}

// Count returns a slog.Attr for a generic count
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}
