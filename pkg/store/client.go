package store

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cea-hpc/phobosd/internal/wire/proto"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// Client is one connection to the phobosd daemon. A client belongs to
// exactly one transfer at a time: requests are issued sequentially and
// the only out-of-order traffic is release_ack batches, which are
// stashed until the transfer waits for them.
type Client struct {
	conn    net.Conn
	nextID  uint32
	stashed []*proto.Response
}

// Dial connects to the daemon's local stream socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, taxonomy.NewCommError(socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears the connection down. The daemon completes whatever step
// is pending for it and discards the response.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(ctx context.Context, req *proto.Request) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := proto.WriteRequest(c.conn, req); err != nil {
		return taxonomy.NewCommError("phobosd", err)
	}
	return nil
}

func (c *Client) recv(ctx context.Context) (*proto.Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	resp, err := proto.ReadResponse(c.conn)
	if err != nil {
		if taxonomy.Is(err, taxonomy.ErrProtocolUnsupported) {
			return nil, err
		}
		return nil, taxonomy.NewCommError("phobosd", err)
	}
	return resp, nil
}

// Call sends one request and blocks until the response correlated to it
// arrives. Release acks for earlier requests that show up in between
// are stashed for a later Release wait. An error response is converted
// back into the taxonomy error it carries.
func (c *Client) Call(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	c.nextID++
	req.ID = c.nextID
	if err := c.send(ctx, req); err != nil {
		return nil, err
	}
	for {
		resp, err := c.recv(ctx)
		if err != nil {
			return nil, err
		}
		if resp.ID != req.ID {
			c.stashed = append(c.stashed, resp)
			continue
		}
		if resp.IsError() {
			return nil, errorFromResponse(resp.Error)
		}
		return resp, nil
	}
}

// Release sends a release for media and blocks until every medium sent
// with rc == 0 has been acknowledged. Acks may arrive split across
// several sync batches; media released with a non-zero rc are never
// acknowledged and are not waited for.
func (c *Client) Release(ctx context.Context, media []proto.ReleaseMedium) error {
	c.nextID++
	id := c.nextID
	if err := c.send(ctx, &proto.Request{
		ID:      id,
		Kind:    proto.KindRelease,
		Release: &proto.ReleaseRequest{Media: media},
	}); err != nil {
		return err
	}

	waiting := map[proto.MediumRef]bool{}
	for _, m := range media {
		if m.RC == 0 {
			waiting[m.ID] = true
		}
	}

	consume := func(resp *proto.Response) error {
		if resp.IsError() {
			return errorFromResponse(resp.Error)
		}
		if resp.Kind == proto.KindReleaseAck && resp.ReleaseAck != nil {
			for _, ref := range resp.ReleaseAck.Acked {
				delete(waiting, ref)
			}
		}
		return nil
	}

	remaining := c.stashed[:0]
	for _, resp := range c.stashed {
		if resp.ID == id {
			if err := consume(resp); err != nil {
				return err
			}
		} else {
			remaining = append(remaining, resp)
		}
	}
	c.stashed = remaining

	for len(waiting) > 0 {
		resp, err := c.recv(ctx)
		if err != nil {
			return err
		}
		if resp.ID != id {
			c.stashed = append(c.stashed, resp)
			continue
		}
		if err := consume(resp); err != nil {
			return err
		}
	}
	return nil
}

// Ping round-trips a ping request, proving the daemon is alive and
// speaks this protocol version.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, &proto.Request{Kind: proto.KindPing, Ping: &proto.PingRequest{}})
	return err
}

// Monitor fetches the daemon's device and medium snapshot.
func (c *Client) Monitor(ctx context.Context) (*proto.MonitorResponse, error) {
	resp, err := c.Call(ctx, &proto.Request{Kind: proto.KindMonitor, Monitor: &proto.MonitorRequest{}})
	if err != nil {
		return nil, err
	}
	return resp.Monitor, nil
}

// errorFromResponse rebuilds the taxonomy error an error response
// carries, preserving its code.
func errorFromResponse(e *proto.ErrorResponse) error {
	for code := taxonomy.ErrInvalid; code <= taxonomy.ErrFatal; code++ {
		if code.String() == e.RC {
			return &taxonomy.Error{Code: code, Entity: e.ForKind.String(), Msg: e.Msg}
		}
	}
	return &taxonomy.Error{Code: taxonomy.ErrFatal, Entity: e.ForKind.String(),
		Msg: fmt.Sprintf("unknown error code %q: %s", e.RC, e.Msg)}
}
