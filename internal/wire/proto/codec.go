package proto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cea-hpc/phobosd/internal/wire/xdr"
)

// EncodeRequest serializes a Request body (everything after the frame's
// version byte and length prefix) into buf.
func EncodeRequest(buf *bytes.Buffer, req *Request) error {
	if err := xdr.WriteUint32(buf, req.ID); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(req.Kind)); err != nil {
		return fmt.Errorf("write kind: %w", err)
	}
	switch req.Kind {
	case KindWriteAlloc:
		return encodeWriteAllocRequest(buf, req.WriteAlloc)
	case KindReadAlloc:
		return encodeReadAllocRequest(buf, req.ReadAlloc)
	case KindRelease:
		return encodeReleaseRequest(buf, req.Release)
	case KindFormat:
		return encodeFormatRequest(buf, req.Format)
	case KindNotify:
		return encodeNotifyRequest(buf, req.Notify)
	case KindPing:
		return nil
	case KindMonitor:
		return nil
	case KindConfigure:
		return encodeConfigureRequest(buf, req.Configure)
	default:
		return fmt.Errorf("encode request: unknown kind %d", req.Kind)
	}
}

// DecodeRequest parses a Request body from r.
func DecodeRequest(r io.Reader) (*Request, error) {
	id, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	kindByte := make([]byte, 1)
	if _, err := io.ReadFull(r, kindByte); err != nil {
		return nil, fmt.Errorf("decode kind: %w", err)
	}
	req := &Request{ID: id, Kind: Kind(kindByte[0])}

	switch req.Kind {
	case KindWriteAlloc:
		req.WriteAlloc, err = decodeWriteAllocRequest(r)
	case KindReadAlloc:
		req.ReadAlloc, err = decodeReadAllocRequest(r)
	case KindRelease:
		req.Release, err = decodeReleaseRequest(r)
	case KindFormat:
		req.Format, err = decodeFormatRequest(r)
	case KindNotify:
		req.Notify, err = decodeNotifyRequest(r)
	case KindPing:
		req.Ping = &PingRequest{}
	case KindMonitor:
		req.Monitor = &MonitorRequest{}
	case KindConfigure:
		req.Configure, err = decodeConfigureRequest(r)
	default:
		return nil, fmt.Errorf("decode request: unknown kind %d", req.Kind)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// EncodeResponse serializes a Response body into buf.
func EncodeResponse(buf *bytes.Buffer, resp *Response) error {
	if err := xdr.WriteUint32(buf, resp.ID); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(resp.Kind)); err != nil {
		return fmt.Errorf("write kind: %w", err)
	}
	switch resp.Kind {
	case KindWriteAlloc:
		return encodeAllocatedMedia(buf, resp.WriteAlloc.Media)
	case KindReadAlloc:
		return encodeAllocatedMedia(buf, resp.ReadAlloc.Media)
	case KindReleaseAck:
		return encodeMediumRefs(buf, resp.ReleaseAck.Acked)
	case KindFormat:
		if err := encodeMediumRef(buf, resp.Format.Medium); err != nil {
			return err
		}
		return xdr.WriteXDRString(buf, resp.Format.FSStatus)
	case KindNotify, KindPing:
		return nil
	case KindMonitor:
		return encodeMonitorResponse(buf, resp.Monitor)
	case KindConfigure:
		return nil
	case KindError:
		return encodeErrorResponse(buf, resp.Error)
	default:
		return fmt.Errorf("encode response: unknown kind %d", resp.Kind)
	}
}

// DecodeResponse parses a Response body from r.
func DecodeResponse(r io.Reader) (*Response, error) {
	id, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	kindByte := make([]byte, 1)
	if _, err := io.ReadFull(r, kindByte); err != nil {
		return nil, fmt.Errorf("decode kind: %w", err)
	}
	resp := &Response{ID: id, Kind: Kind(kindByte[0])}

	switch resp.Kind {
	case KindWriteAlloc:
		media, err := decodeAllocatedMedia(r)
		if err != nil {
			return nil, err
		}
		resp.WriteAlloc = &WriteAllocResponse{Media: media}
	case KindReadAlloc:
		media, err := decodeAllocatedMedia(r)
		if err != nil {
			return nil, err
		}
		resp.ReadAlloc = &ReadAllocResponse{Media: media}
	case KindReleaseAck:
		refs, err := decodeMediumRefs(r)
		if err != nil {
			return nil, err
		}
		resp.ReleaseAck = &ReleaseAckResponse{Acked: refs}
	case KindFormat:
		medium, err := decodeMediumRef(r)
		if err != nil {
			return nil, err
		}
		status, err := xdr.DecodeString(r)
		if err != nil {
			return nil, err
		}
		resp.Format = &FormatResponse{Medium: medium, FSStatus: status}
	case KindNotify:
		resp.Notify = &NotifyResponse{}
	case KindPing:
		resp.Ping = &PingResponse{}
	case KindMonitor:
		resp.Monitor, err = decodeMonitorResponse(r)
	case KindConfigure:
		resp.Configure = &ConfigureResponse{}
	case KindError:
		resp.Error, err = decodeErrorResponse(r)
	default:
		return nil, fmt.Errorf("decode response: unknown kind %d", resp.Kind)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ---- field-level helpers ----

func encodeMediumRef(buf *bytes.Buffer, m MediumRef) error {
	if err := xdr.WriteXDRString(buf, m.Family); err != nil {
		return err
	}
	return xdr.WriteXDRString(buf, m.Name)
}

func decodeMediumRef(r io.Reader) (MediumRef, error) {
	family, err := xdr.DecodeString(r)
	if err != nil {
		return MediumRef{}, err
	}
	name, err := xdr.DecodeString(r)
	if err != nil {
		return MediumRef{}, err
	}
	return MediumRef{Family: family, Name: name}, nil
}

func encodeMediumRefs(buf *bytes.Buffer, refs []MediumRef) error {
	if err := xdr.WriteUint32(buf, uint32(len(refs))); err != nil {
		return err
	}
	for _, ref := range refs {
		if err := encodeMediumRef(buf, ref); err != nil {
			return err
		}
	}
	return nil
}

func decodeMediumRefs(r io.Reader) ([]MediumRef, error) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]MediumRef, n)
	for i := range out {
		out[i], err = decodeMediumRef(r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeStrings(buf *bytes.Buffer, ss []string) error {
	if err := xdr.WriteUint32(buf, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := xdr.WriteXDRString(buf, s); err != nil {
			return err
		}
	}
	return nil
}

func decodeStrings(r io.Reader) ([]string, error) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = xdr.DecodeString(r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeWriteAllocRequest(buf *bytes.Buffer, req *WriteAllocRequest) error {
	if err := xdr.WriteUint32(buf, uint32(req.NMedia)); err != nil {
		return err
	}
	if err := xdr.WriteUint64(buf, uint64(req.PerMedium.Size)); err != nil {
		return err
	}
	if err := xdr.WriteXDRString(buf, req.PerMedium.Family); err != nil {
		return err
	}
	if err := encodeStrings(buf, req.PerMedium.Tags); err != nil {
		return err
	}
	return xdr.WriteXDRString(buf, req.PerMedium.Library)
}

func decodeWriteAllocRequest(r io.Reader) (*WriteAllocRequest, error) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	size, err := xdr.DecodeUint64(r)
	if err != nil {
		return nil, err
	}
	family, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	tags, err := decodeStrings(r)
	if err != nil {
		return nil, err
	}
	library, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	return &WriteAllocRequest{
		NMedia: int(n),
		PerMedium: PerMediumSpec{
			Size:    int64(size),
			Family:  family,
			Tags:    tags,
			Library: library,
		},
	}, nil
}

func encodeReadAllocRequest(buf *bytes.Buffer, req *ReadAllocRequest) error {
	if err := xdr.WriteUint32(buf, uint32(req.NRequired)); err != nil {
		return err
	}
	return encodeMediumRefs(buf, req.Candidates)
}

func decodeReadAllocRequest(r io.Reader) (*ReadAllocRequest, error) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	candidates, err := decodeMediumRefs(r)
	if err != nil {
		return nil, err
	}
	return &ReadAllocRequest{NRequired: int(n), Candidates: candidates}, nil
}

func encodeReleaseRequest(buf *bytes.Buffer, req *ReleaseRequest) error {
	if err := xdr.WriteUint32(buf, uint32(len(req.Media))); err != nil {
		return err
	}
	for _, m := range req.Media {
		if err := encodeMediumRef(buf, m.ID); err != nil {
			return err
		}
		if err := xdr.WriteInt32(buf, m.RC); err != nil {
			return err
		}
		if err := xdr.WriteUint64(buf, uint64(m.SizeWritten)); err != nil {
			return err
		}
		if err := xdr.WriteBool(buf, m.ToSync); err != nil {
			return err
		}
	}
	return nil
}

func decodeReleaseRequest(r io.Reader) (*ReleaseRequest, error) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	media := make([]ReleaseMedium, n)
	for i := range media {
		id, err := decodeMediumRef(r)
		if err != nil {
			return nil, err
		}
		rc, err := xdr.DecodeInt32(r)
		if err != nil {
			return nil, err
		}
		size, err := xdr.DecodeUint64(r)
		if err != nil {
			return nil, err
		}
		toSync, err := xdr.DecodeBool(r)
		if err != nil {
			return nil, err
		}
		media[i] = ReleaseMedium{ID: id, RC: rc, SizeWritten: int64(size), ToSync: toSync}
	}
	return &ReleaseRequest{Media: media}, nil
}

func encodeFormatRequest(buf *bytes.Buffer, req *FormatRequest) error {
	if err := encodeMediumRef(buf, req.Medium); err != nil {
		return err
	}
	if err := xdr.WriteXDRString(buf, req.FSType); err != nil {
		return err
	}
	return xdr.WriteBool(buf, req.Unlock)
}

func decodeFormatRequest(r io.Reader) (*FormatRequest, error) {
	medium, err := decodeMediumRef(r)
	if err != nil {
		return nil, err
	}
	fsType, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	unlock, err := xdr.DecodeBool(r)
	if err != nil {
		return nil, err
	}
	return &FormatRequest{Medium: medium, FSType: fsType, Unlock: unlock}, nil
}

func encodeNotifyRequest(buf *bytes.Buffer, req *NotifyRequest) error {
	if err := xdr.WriteXDRString(buf, string(req.Op)); err != nil {
		return err
	}
	if err := xdr.WriteXDRString(buf, req.ResourceID); err != nil {
		return err
	}
	return xdr.WriteBool(buf, req.Wait)
}

func decodeNotifyRequest(r io.Reader) (*NotifyRequest, error) {
	op, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	resourceID, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	wait, err := xdr.DecodeBool(r)
	if err != nil {
		return nil, err
	}
	return &NotifyRequest{Op: NotifyOp(op), ResourceID: resourceID, Wait: wait}, nil
}

func encodeConfigureRequest(buf *bytes.Buffer, req *ConfigureRequest) error {
	if err := xdr.WriteXDRString(buf, req.Section); err != nil {
		return err
	}
	if err := xdr.WriteXDRString(buf, req.Key); err != nil {
		return err
	}
	if err := xdr.WriteXDRString(buf, req.Value); err != nil {
		return err
	}
	return xdr.WriteXDRString(buf, req.Token)
}

func decodeConfigureRequest(r io.Reader) (*ConfigureRequest, error) {
	section, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	key, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	value, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	token, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	return &ConfigureRequest{Section: section, Key: key, Value: value, Token: token}, nil
}

func encodeAllocatedMedia(buf *bytes.Buffer, media []AllocatedMedium) error {
	if err := xdr.WriteUint32(buf, uint32(len(media))); err != nil {
		return err
	}
	for _, m := range media {
		if err := encodeMediumRef(buf, m.ID); err != nil {
			return err
		}
		if err := xdr.WriteXDRString(buf, m.MountPath); err != nil {
			return err
		}
		if err := xdr.WriteUint64(buf, uint64(m.AvailSize)); err != nil {
			return err
		}
	}
	return nil
}

func decodeAllocatedMedia(r io.Reader) ([]AllocatedMedium, error) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]AllocatedMedium, n)
	for i := range out {
		id, err := decodeMediumRef(r)
		if err != nil {
			return nil, err
		}
		mountPath, err := xdr.DecodeString(r)
		if err != nil {
			return nil, err
		}
		avail, err := xdr.DecodeUint64(r)
		if err != nil {
			return nil, err
		}
		out[i] = AllocatedMedium{ID: id, MountPath: mountPath, AvailSize: int64(avail)}
	}
	return out, nil
}

func encodeMonitorResponse(buf *bytes.Buffer, m *MonitorResponse) error {
	if err := xdr.WriteUint32(buf, uint32(len(m.Devices))); err != nil {
		return err
	}
	for _, d := range m.Devices {
		for _, s := range []string{d.Family, d.Serial, d.Host, d.OpStatus, d.Medium} {
			if err := xdr.WriteXDRString(buf, s); err != nil {
				return err
			}
		}
	}
	if err := xdr.WriteUint32(buf, uint32(len(m.Media))); err != nil {
		return err
	}
	for _, md := range m.Media {
		for _, s := range []string{md.Family, md.Name, md.FSStatus, md.LockedBy} {
			if err := xdr.WriteXDRString(buf, s); err != nil {
				return err
			}
		}
		if err := xdr.WriteUint64(buf, uint64(md.PhysFree)); err != nil {
			return err
		}
		if err := xdr.WriteUint64(buf, uint64(md.LogicalUsed)); err != nil {
			return err
		}
	}
	return nil
}

func decodeMonitorResponse(r io.Reader) (*MonitorResponse, error) {
	nDev, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	devices := make([]DeviceSnapshot, nDev)
	for i := range devices {
		vals := make([]string, 5)
		for j := range vals {
			vals[j], err = xdr.DecodeString(r)
			if err != nil {
				return nil, err
			}
		}
		devices[i] = DeviceSnapshot{Family: vals[0], Serial: vals[1], Host: vals[2], OpStatus: vals[3], Medium: vals[4]}
	}
	nMed, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	media := make([]MediumSnapshot, nMed)
	for i := range media {
		vals := make([]string, 4)
		for j := range vals {
			vals[j], err = xdr.DecodeString(r)
			if err != nil {
				return nil, err
			}
		}
		physFree, err := xdr.DecodeUint64(r)
		if err != nil {
			return nil, err
		}
		logicalUsed, err := xdr.DecodeUint64(r)
		if err != nil {
			return nil, err
		}
		media[i] = MediumSnapshot{
			Family: vals[0], Name: vals[1], FSStatus: vals[2], LockedBy: vals[3],
			PhysFree: int64(physFree), LogicalUsed: int64(logicalUsed),
		}
	}
	return &MonitorResponse{Devices: devices, Media: media}, nil
}

func encodeErrorResponse(buf *bytes.Buffer, e *ErrorResponse) error {
	if err := xdr.WriteXDRString(buf, e.RC); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(e.ForKind)); err != nil {
		return fmt.Errorf("write for_kind: %w", err)
	}
	if err := xdr.WriteUint32(buf, e.ForID); err != nil {
		return err
	}
	return xdr.WriteXDRString(buf, e.Msg)
}

func decodeErrorResponse(r io.Reader) (*ErrorResponse, error) {
	rc, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	kindByte := make([]byte, 1)
	if _, err := io.ReadFull(r, kindByte); err != nil {
		return nil, fmt.Errorf("decode for_kind: %w", err)
	}
	forID, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	msg, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	return &ErrorResponse{RC: rc, ForKind: Kind(kindByte[0]), ForID: forID, Msg: msg}, nil
}
