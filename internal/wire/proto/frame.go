package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// maxFrameLen bounds a single frame's payload to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const maxFrameLen = 64 << 20

// WriteFrame writes [1-byte version][4-byte big-endian length][payload]
// to w, where payload is the caller-supplied already-encoded body.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("proto: frame payload too large: %d bytes", len(payload))
	}
	header := make([]byte, 5)
	header[0] = Version
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r and returns its payload. A version
// byte other than Version is reported as ErrProtocolUnsupported; the
// caller must close the connection on that error per the external
// interfaces contract.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	version := header[0]
	if version != Version {
		return nil, taxonomy.NewProtocolUnsupportedError(version)
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameLen {
		return nil, fmt.Errorf("proto: frame payload too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// WriteRequest frames and writes a Request to w.
func WriteRequest(w io.Writer, req *Request) error {
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		return err
	}
	return WriteFrame(w, buf.Bytes())
}

// ReadRequest reads and decodes one framed Request from r.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(bytes.NewReader(payload))
}

// WriteResponse frames and writes a Response to w.
func WriteResponse(w io.Writer, resp *Response) error {
	var buf bytes.Buffer
	if err := EncodeResponse(&buf, resp); err != nil {
		return err
	}
	return WriteFrame(w, buf.Bytes())
}

// ReadResponse reads and decodes one framed Response from r.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(bytes.NewReader(payload))
}

// ErrorResponseFor builds the error response for a failed request,
// preserving its numeric id and kind as the wire protocol requires.
func ErrorResponseFor(req *Request, err error) *Response {
	rc := "fatal"
	if te, ok := err.(*taxonomy.Error); ok {
		rc = te.Code.String()
	}
	return &Response{
		ID:   req.ID,
		Kind: KindError,
		Error: &ErrorResponse{
			RC:      rc,
			ForKind: req.Kind,
			ForID:   req.ID,
			Msg:     err.Error(),
		},
	}
}
