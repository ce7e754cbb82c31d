package proto

import (
	"bytes"
	"testing"

	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

func TestWriteAllocRoundTrip(t *testing.T) {
	req := &Request{
		ID:   7,
		Kind: KindWriteAlloc,
		WriteAlloc: &WriteAllocRequest{
			NMedia: 2,
			PerMedium: PerMediumSpec{
				Size:   1 << 20,
				Family: "dir",
				Tags:   []string{"fast", "east"},
			},
		},
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.ID != req.ID || got.Kind != req.Kind {
		t.Fatalf("id/kind mismatch: got %+v", got)
	}
	if got.WriteAlloc.NMedia != 2 || got.WriteAlloc.PerMedium.Size != 1<<20 {
		t.Fatalf("payload mismatch: %+v", got.WriteAlloc)
	}
	if len(got.WriteAlloc.PerMedium.Tags) != 2 || got.WriteAlloc.PerMedium.Tags[1] != "east" {
		t.Fatalf("tags mismatch: %+v", got.WriteAlloc.PerMedium.Tags)
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	req := &Request{
		ID:   3,
		Kind: KindRelease,
		Release: &ReleaseRequest{
			Media: []ReleaseMedium{
				{ID: MediumRef{Family: "dir", Name: "m0"}, RC: 0, SizeWritten: 4096, ToSync: true},
				{ID: MediumRef{Family: "dir", Name: "m1"}, RC: -5, SizeWritten: 0, ToSync: false},
			},
		},
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if len(got.Release.Media) != 2 || got.Release.Media[1].RC != -5 {
		t.Fatalf("release mismatch: %+v", got.Release)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	req := &Request{ID: 42, Kind: KindFormat}
	resp := ErrorResponseFor(req, taxonomy.NewNoSpaceError("m0"))

	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !got.IsError() {
		t.Fatalf("expected error response, got %+v", got)
	}
	if got.Error.ForID != 42 || got.Error.ForKind != KindFormat || got.Error.RC != "no_space" {
		t.Fatalf("error fields mismatch: %+v", got.Error)
	}
}

func TestUnsupportedVersionRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(99)
	buf.Write([]byte{0, 0, 0, 0})

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected protocol_unsupported error for bad version byte")
	}
}

func TestMonitorRoundTrip(t *testing.T) {
	resp := &Response{
		ID:   1,
		Kind: KindMonitor,
		Monitor: &MonitorResponse{
			Devices: []DeviceSnapshot{{Family: "tape", Serial: "d0", Host: "h1", OpStatus: "mounted", Medium: "m0"}},
			Media:   []MediumSnapshot{{Family: "tape", Name: "m0", FSStatus: "used", LockedBy: "h1", PhysFree: 10, LogicalUsed: 20}},
		},
	}
	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if len(got.Monitor.Devices) != 1 || got.Monitor.Devices[0].Serial != "d0" {
		t.Fatalf("devices mismatch: %+v", got.Monitor.Devices)
	}
	if len(got.Monitor.Media) != 1 || got.Monitor.Media[0].PhysFree != 10 {
		t.Fatalf("media mismatch: %+v", got.Monitor.Media)
	}
}

