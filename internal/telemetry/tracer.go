package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for scheduler and layout operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// ========================================================================
	// Request attributes
	// ========================================================================
	AttrReqKind = "req.kind"
	AttrReqID   = "req.id"
	AttrHost    = "req.host"

	// ========================================================================
	// Device / medium attributes
	// ========================================================================
	AttrDeviceFamily = "device.family"
	AttrDeviceSerial = "device.serial"
	AttrDeviceStatus = "device.op_status"
	AttrMediumFamily = "medium.family"
	AttrMediumName   = "medium.name"
	AttrMediumStatus = "medium.fs_status"

	// ========================================================================
	// Object / layout attributes
	// ========================================================================
	AttrObjectOID     = "object.oid"
	AttrObjectUUID    = "object.uuid"
	AttrObjectVersion = "object.version"
	AttrLayoutType    = "layout.type"
	AttrLayoutSplit   = "layout.split"
	AttrLayoutRepl    = "layout.repl_count"
	AttrExtentSize    = "extent.size"

	// ========================================================================
	// Scheduler attributes
	// ========================================================================
	AttrSchedPass     = "scheduler.pass"
	AttrSchedQueueLen = "scheduler.queue_len"
	AttrSyncReason    = "sync.reason"
	AttrSyncBytes     = "sync.bytes"
)

// Span names for operations.
const (
	SpanSchedulerPass    = "scheduler.pass"
	SpanSchedulerWrite   = "scheduler.write_alloc"
	SpanSchedulerRead    = "scheduler.read_alloc"
	SpanSchedulerFormat  = "scheduler.format"
	SpanSchedulerRelease = "scheduler.release"
	SpanDeviceLoad       = "device.load"
	SpanDeviceMount      = "device.mount"
	SpanDeviceUmount     = "device.umount"
	SpanDeviceUnload     = "device.unload"
	SpanLayoutWrite      = "layout.write"
	SpanLayoutRead       = "layout.read"
	SpanLayoutLocate     = "layout.locate"
	SpanIndexLock        = "index.lock"
	SpanIndexQuery       = "index.query"
)

// ReqKind returns an attribute for the wire request kind.
func ReqKind(kind string) attribute.KeyValue {
	return attribute.String(AttrReqKind, kind)
}

// ReqID returns an attribute for the wire request id.
func ReqID(id uint32) attribute.KeyValue {
	return attribute.Int64(AttrReqID, int64(id))
}

// Host returns an attribute for a hostname.
func Host(hostname string) attribute.KeyValue {
	return attribute.String(AttrHost, hostname)
}

// DeviceFamily returns an attribute for a device family (tape, dir, s3).
func DeviceFamily(family string) attribute.KeyValue {
	return attribute.String(AttrDeviceFamily, family)
}

// DeviceSerial returns an attribute for a device serial number.
func DeviceSerial(serial string) attribute.KeyValue {
	return attribute.String(AttrDeviceSerial, serial)
}

// DeviceStatus returns an attribute for a device operational status.
func DeviceStatus(status string) attribute.KeyValue {
	return attribute.String(AttrDeviceStatus, status)
}

// MediumName returns an attribute for a medium name.
func MediumName(name string) attribute.KeyValue {
	return attribute.String(AttrMediumName, name)
}

// MediumStatus returns an attribute for a medium filesystem status.
func MediumStatus(status string) attribute.KeyValue {
	return attribute.String(AttrMediumStatus, status)
}

// ObjectOID returns an attribute for an object's mutable name.
func ObjectOID(oid string) attribute.KeyValue {
	return attribute.String(AttrObjectOID, oid)
}

// ObjectUUID returns an attribute for an object's identity uuid.
func ObjectUUID(uuid string) attribute.KeyValue {
	return attribute.String(AttrObjectUUID, uuid)
}

// LayoutType returns an attribute for a layout type name (e.g. raid1).
func LayoutType(t string) attribute.KeyValue {
	return attribute.String(AttrLayoutType, t)
}

// LayoutSplit returns an attribute for a layout split index.
func LayoutSplit(split int) attribute.KeyValue {
	return attribute.Int(AttrLayoutSplit, split)
}

// ExtentSize returns an attribute for an extent's byte size.
func ExtentSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrExtentSize, size)
}

// SchedQueueLen returns an attribute for the scheduler's pending queue length.
func SchedQueueLen(n int) attribute.KeyValue {
	return attribute.Int(AttrSchedQueueLen, n)
}

// SyncReason returns an attribute for what triggered a medium sync.
func SyncReason(reason string) attribute.KeyValue {
	return attribute.String(AttrSyncReason, reason)
}

// SyncBytes returns an attribute for the number of bytes a sync flushed.
func SyncBytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrSyncBytes, n)
}

// StartSchedulerSpan starts a span for one scheduler pass.
func StartSchedulerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// StartDeviceSpan starts a span for a device-agent state transition.
func StartDeviceSpan(ctx context.Context, name, serial string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{DeviceSerial(serial)}, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartLayoutSpan starts a span for a layout-engine operation (write/read/locate).
func StartLayoutSpan(ctx context.Context, name, oid string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{ObjectOID(oid)}, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartIndexSpan starts a span for a state-index query or lock operation.
func StartIndexSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}
