// Package proto defines the framed request/response wire protocol between
// the client-side store library and the phobosd daemon: a one-byte
// protocol version followed by a tagged message body, encoded with the
// fixed-width XDR helpers in internal/wire/xdr. This is not XDR itself —
// RPC program/procedure numbers and the rest of the Sun RPC envelope are
// absent — it simply reuses that package's encode/decode primitives for
// its own length-prefixed, big-endian framing.
package proto

// Version is the only protocol version this daemon speaks. A client
// sending any other version byte gets protocol_unsupported and the
// connection is closed.
const Version uint8 = 1

// Kind discriminates the message body. Positive request kinds are
// mirrored by a same-named response kind; release_ack and error are
// response-only.
type Kind uint8

const (
	KindWriteAlloc Kind = iota + 1
	KindReadAlloc
	KindRelease
	KindFormat
	KindNotify
	KindPing
	KindMonitor
	KindConfigure
	KindReleaseAck
	KindError
)

// String returns the lower_snake_case name used in logs and in the
// error response's for_kind field.
func (k Kind) String() string {
	switch k {
	case KindWriteAlloc:
		return "write_alloc"
	case KindReadAlloc:
		return "read_alloc"
	case KindRelease:
		return "release"
	case KindFormat:
		return "format"
	case KindNotify:
		return "notify"
	case KindPing:
		return "ping"
	case KindMonitor:
		return "monitor"
	case KindConfigure:
		return "configure"
	case KindReleaseAck:
		return "release_ack"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// MediumRef addresses a medium by its natural (family, name) key.
type MediumRef struct {
	Family string
	Name   string
}

// PerMediumSpec is the allocation requirement applied uniformly to every
// medium a write_alloc asks for.
type PerMediumSpec struct {
	Size    int64
	Family  string
	Tags    []string
	Library string
}

// WriteAllocRequest asks for n_media mountable media with at least
// PerMedium.Size free apiece.
type WriteAllocRequest struct {
	NMedia    int
	PerMedium PerMediumSpec
}

// ReadAllocRequest supplies an over-set of candidates; the scheduler
// picks NRequired of them.
type ReadAllocRequest struct {
	NRequired  int
	Candidates []MediumRef
}

// ReleaseMedium declares the outcome of I/O on one medium.
type ReleaseMedium struct {
	ID          MediumRef
	RC          int32
	SizeWritten int64
	ToSync      bool
}

// ReleaseRequest declares I/O completion and requests durability.
type ReleaseRequest struct {
	Media []ReleaseMedium
}

// FormatRequest asks the daemon to format a medium, transitioning it
// blank -> empty.
type FormatRequest struct {
	Medium MediumRef
	FSType string
	Unlock bool
}

// NotifyOp names one of the three inventory events notify carries.
type NotifyOp string

const (
	NotifyAdd    NotifyOp = "add"
	NotifyLock   NotifyOp = "lock"
	NotifyUnlock NotifyOp = "unlock"
)

// NotifyRequest reports an inventory event for a device or medium.
type NotifyRequest struct {
	Op         NotifyOp
	ResourceID string
	Wait       bool
}

// PingRequest carries no fields; a successful response proves the
// daemon is alive and speaking this protocol version.
type PingRequest struct{}

// MonitorRequest asks for a snapshot of device and medium state.
type MonitorRequest struct{}

// ConfigureRequest hot-reloads one config key, gated by an admin token
// (a JWT issued by internal/admin's TokenService) since it mutates
// daemon-wide sync thresholds at runtime.
type ConfigureRequest struct {
	Section string
	Key     string
	Value   string
	Token   string
}

// Request is the tagged union of every request variant. Exactly one of
// the pointer fields matching Kind is non-nil.
type Request struct {
	ID   uint32
	Kind Kind

	WriteAlloc *WriteAllocRequest
	ReadAlloc  *ReadAllocRequest
	Release    *ReleaseRequest
	Format     *FormatRequest
	Notify     *NotifyRequest
	Ping       *PingRequest
	Monitor    *MonitorRequest
	Configure  *ConfigureRequest
}

// AllocatedMedium is one medium handed back by write_alloc or
// read_alloc: its mount path and currently available size.
type AllocatedMedium struct {
	ID        MediumRef
	MountPath string
	AvailSize int64
}

// WriteAllocResponse lists the media allocated for a write.
type WriteAllocResponse struct {
	Media []AllocatedMedium
}

// ReadAllocResponse lists the media allocated for a read.
type ReadAllocResponse struct {
	Media []AllocatedMedium
}

// ReleaseAckResponse confirms durability for every medium a release
// batch's sync covered.
type ReleaseAckResponse struct {
	Acked []MediumRef
}

// FormatResponse reports the medium's state after formatting.
type FormatResponse struct {
	Medium   MediumRef
	FSStatus string
}

// NotifyResponse carries no fields beyond success.
type NotifyResponse struct{}

// PingResponse carries no fields beyond success.
type PingResponse struct{}

// DeviceSnapshot is one device row as reported by monitor.
type DeviceSnapshot struct {
	Family   string
	Serial   string
	Host     string
	OpStatus string
	Medium   string
}

// MediumSnapshot is one medium row as reported by monitor.
type MediumSnapshot struct {
	Family      string
	Name        string
	FSStatus    string
	LockedBy    string
	PhysFree    int64
	LogicalUsed int64
}

// MonitorResponse is a snapshot of every device and medium on the host.
type MonitorResponse struct {
	Devices []DeviceSnapshot
	Media   []MediumSnapshot
}

// ConfigureResponse carries no fields beyond success.
type ConfigureResponse struct{}

// ErrorResponse reports a per-request failure, preserving the original
// request's numeric id and kind so the caller can correlate it.
type ErrorResponse struct {
	RC      string
	ForKind Kind
	ForID   uint32
	Msg     string
}

// Response is the tagged union of every response variant, including the
// two response-only kinds (release_ack, error).
type Response struct {
	ID   uint32
	Kind Kind

	WriteAlloc *WriteAllocResponse
	ReadAlloc  *ReadAllocResponse
	ReleaseAck *ReleaseAckResponse
	Format     *FormatResponse
	Notify     *NotifyResponse
	Ping       *PingResponse
	Monitor    *MonitorResponse
	Configure  *ConfigureResponse
	Error      *ErrorResponse
}

// IsError reports whether r carries an error response.
func (r *Response) IsError() bool {
	return r != nil && r.Kind == KindError && r.Error != nil
}
