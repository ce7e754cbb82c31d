package index

import (
	"strconv"
	"time"

	"github.com/cea-hpc/phobosd/pkg/model"
)

// Row codecs between the model types and the flat attribute sets the
// filter DSL matches against. Every backend stores rows in this shape;
// 64-bit counters are int64 fields, and the JSON-encoding backends
// (badger, sql) persist them as JSON numbers, not decimal strings.

// MediumRowID returns the canonical row id of a medium: family/name.
func MediumRowID(id model.MediumID) string {
	return string(id.Family) + "/" + id.Name
}

// DeviceRowID returns the canonical row id of a device: family/serial.
func DeviceRowID(id model.DeviceID) string {
	return string(id.Family) + "/" + id.Serial
}

// ObjectRowID returns the canonical row id of an object generation.
func ObjectRowID(uuid string, version int) string {
	return uuid + "/" + strconv.Itoa(version)
}

// ExtentRowID returns the canonical row id of one extent of an object.
func ExtentRowID(uuid string, version, layoutIndex int) string {
	return uuid + "/" + strconv.Itoa(version) + "/" + strconv.Itoa(layoutIndex)
}

// MediumToRow flattens a medium into its row shape.
func MediumToRow(m *model.Medium) Row {
	return Row{
		ID: MediumRowID(m.ID),
		Fields: map[string]any{
			"family":       string(m.ID.Family),
			"name":         m.ID.Name,
			"model":        m.Model,
			"fs_type":      m.FSType,
			"addr_type":    m.AddrType,
			"adm_status":   string(m.AdmStatus),
			"fs_status":    string(m.FSStatus),
			"flag_get":     m.Flags.Get,
			"flag_put":     m.Flags.Put,
			"flag_delete":  m.Flags.Delete,
			"tags":         append([]string(nil), m.Tags...),
			"nb_obj":       m.Stats.NbObj,
			"logical_used": m.Stats.LogicalUsed,
			"phys_used":    m.Stats.PhysUsed,
			"phys_free":    m.Stats.PhysFree,
		},
	}
}

// MediumFromRow rebuilds a medium from its row shape.
func MediumFromRow(r Row) *model.Medium {
	f := r.Fields
	return &model.Medium{
		ID: model.MediumID{
			Family: model.Family(str(f, "family")),
			Name:   str(f, "name"),
		},
		Model:     str(f, "model"),
		FSType:    str(f, "fs_type"),
		AddrType:  str(f, "addr_type"),
		AdmStatus: model.AdmStatus(str(f, "adm_status")),
		FSStatus:  model.FSStatus(str(f, "fs_status")),
		Flags: model.MediumFlags{
			Get:    boolean(f, "flag_get"),
			Put:    boolean(f, "flag_put"),
			Delete: boolean(f, "flag_delete"),
		},
		Tags: strs(f, "tags"),
		Stats: model.MediumStats{
			NbObj:       i64(f, "nb_obj"),
			LogicalUsed: i64(f, "logical_used"),
			PhysUsed:    i64(f, "phys_used"),
			PhysFree:    i64(f, "phys_free"),
		},
	}
}

// DeviceToRow flattens a device into its row shape.
func DeviceToRow(d *model.Device) Row {
	medium := ""
	if d.Medium != nil {
		medium = d.Medium.Name
	}
	return Row{
		ID: DeviceRowID(d.ID),
		Fields: map[string]any{
			"family":     string(d.ID.Family),
			"serial":     d.ID.Serial,
			"host":       d.Host,
			"model":      d.Model,
			"path":       d.Path,
			"adm_status": string(d.AdmStatus),
			"op_status":  string(d.OpStatus),
			"medium":     medium,
			"mount_path": d.MountPath,
		},
	}
}

// DeviceFromRow rebuilds a device from its row shape.
func DeviceFromRow(r Row) *model.Device {
	f := r.Fields
	d := &model.Device{
		ID: model.DeviceID{
			Family: model.Family(str(f, "family")),
			Serial: str(f, "serial"),
		},
		Host:      str(f, "host"),
		Model:     str(f, "model"),
		Path:      str(f, "path"),
		AdmStatus: model.AdmStatus(str(f, "adm_status")),
		OpStatus:  model.OpStatus(str(f, "op_status")),
		MountPath: str(f, "mount_path"),
	}
	if name := str(f, "medium"); name != "" {
		d.Medium = &model.MediumID{Family: d.ID.Family, Name: name}
	}
	return d
}

// ObjectToRow flattens an object into its row shape. Deprecated
// generations live in TableDeprecatedObject under the same shape.
func ObjectToRow(o *model.Object) Row {
	md := make(map[string]any, len(o.UserMD))
	for k, v := range o.UserMD {
		md[k] = v
	}
	return Row{
		ID: ObjectRowID(o.UUID, o.Version),
		Fields: map[string]any{
			"oid":        o.OID,
			"uuid":       o.UUID,
			"version":    o.Version,
			"user_md":    md,
			"state":      string(o.State),
			"created_at": o.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// ObjectFromRow rebuilds an object from its row shape.
func ObjectFromRow(r Row, deprecated bool) *model.Object {
	f := r.Fields
	created, _ := time.Parse(time.RFC3339Nano, str(f, "created_at"))
	o := &model.Object{
		OID:        str(f, "oid"),
		UUID:       str(f, "uuid"),
		Version:    int(i64(f, "version")),
		State:      model.ObjectState(str(f, "state")),
		Deprecated: deprecated,
		CreatedAt:  created,
	}
	if md, ok := f["user_md"].(map[string]any); ok {
		o.UserMD = make(map[string]string, len(md))
		for k, v := range md {
			if s, ok := v.(string); ok {
				o.UserMD[k] = s
			}
		}
	}
	return o
}

// ExtentToRow flattens an extent into its row shape.
func ExtentToRow(e *model.Extent) Row {
	return Row{
		ID: ExtentRowID(e.UUID, e.Version, e.LayoutIndex),
		Fields: map[string]any{
			"oid":           e.OID,
			"uuid":          e.UUID,
			"version":       e.Version,
			"layout_index":  e.LayoutIndex,
			"size":          e.Size,
			"medium_family": string(e.MediaID.Family),
			"medium_name":   e.MediaID.Name,
			"address":       e.Address,
			"state":         string(e.State),
			"xxh":           strconv.FormatUint(e.XXH, 10),
		},
	}
}

// ExtentFromRow rebuilds an extent from its row shape.
func ExtentFromRow(r Row) *model.Extent {
	f := r.Fields
	xxh, _ := strconv.ParseUint(str(f, "xxh"), 10, 64)
	return &model.Extent{
		OID:         str(f, "oid"),
		UUID:        str(f, "uuid"),
		Version:     int(i64(f, "version")),
		LayoutIndex: int(i64(f, "layout_index")),
		Size:        i64(f, "size"),
		MediaID: model.MediumID{
			Family: model.Family(str(f, "medium_family")),
			Name:   str(f, "medium_name"),
		},
		Address: str(f, "address"),
		State:   model.ExtentState(str(f, "state")),
		XXH:     xxh,
	}
}

// LayoutToRow flattens a layout's header row; its extents live in
// TableExtent and are joined back by (uuid, version).
func LayoutToRow(l *model.Layout) Row {
	params := make(map[string]any, len(l.Params))
	for k, v := range l.Params {
		params[k] = v
	}
	return Row{
		ID: ObjectRowID(l.UUID, l.Version),
		Fields: map[string]any{
			"oid":     l.OID,
			"uuid":    l.UUID,
			"version": l.Version,
			"type":    l.Type,
			"params":  params,
			"state":   string(l.State),
		},
	}
}

// LayoutFromRow rebuilds a layout header; the caller joins extents.
func LayoutFromRow(r Row) *model.Layout {
	f := r.Fields
	l := &model.Layout{
		OID:     str(f, "oid"),
		UUID:    str(f, "uuid"),
		Version: int(i64(f, "version")),
		Type:    str(f, "type"),
		State:   model.ObjectState(str(f, "state")),
	}
	if params, ok := f["params"].(map[string]any); ok {
		l.Params = make(map[string]string, len(params))
		for k, v := range params {
			if s, ok := v.(string); ok {
				l.Params[k] = s
			}
		}
	}
	return l
}

// ScrubToRow flattens a scrubber bookkeeping record.
func ScrubToRow(s *model.ScrubRecord) Row {
	return Row{
		ID: ExtentRowID(s.UUID, s.Version, s.LayoutIndex),
		Fields: map[string]any{
			"uuid":          s.UUID,
			"version":       s.Version,
			"layout_index":  s.LayoutIndex,
			"medium_family": string(s.MediaID.Family),
			"medium_name":   s.MediaID.Name,
			"reason":        s.Reason,
			"first_seen":    s.FirstSeen.UTC().Format(time.RFC3339Nano),
		},
	}
}

// ScrubFromRow rebuilds a scrubber record from its row shape.
func ScrubFromRow(r Row) *model.ScrubRecord {
	f := r.Fields
	ts, _ := time.Parse(time.RFC3339Nano, str(f, "first_seen"))
	return &model.ScrubRecord{
		UUID:        str(f, "uuid"),
		Version:     int(i64(f, "version")),
		LayoutIndex: int(i64(f, "layout_index")),
		MediaID: model.MediumID{
			Family: model.Family(str(f, "medium_family")),
			Name:   str(f, "medium_name"),
		},
		Reason:    str(f, "reason"),
		FirstSeen: ts,
	}
}

func str(f map[string]any, key string) string {
	s, _ := f[key].(string)
	return s
}

func boolean(f map[string]any, key string) bool {
	b, _ := f[key].(bool)
	return b
}

func strs(f map[string]any, key string) []string {
	s, _ := f[key].([]string)
	return s
}

func i64(f map[string]any, key string) int64 {
	switch n := f[key].(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
