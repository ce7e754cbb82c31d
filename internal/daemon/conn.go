package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/internal/wire/proto"
	"github.com/cea-hpc/phobosd/pkg/scheduler"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// conn is one client connection: a reader goroutine decoding requests
// and a writer goroutine flushing responses, joined by a buffered
// channel so the scheduler goroutine never blocks on a slow client.
type conn struct {
	id  uint64
	nc  net.Conn
	out chan *proto.Response

	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.out)
		_ = c.nc.Close()
	})
}

// readLoop decodes requests until the client disconnects or speaks an
// unsupported protocol version, which gets one error frame before the
// connection is closed.
func (c *conn) readLoop(ctx context.Context, reqCh chan<- scheduler.Incoming, set *connSet) {
	defer set.remove(c.id)

	for {
		req, err := proto.ReadRequest(c.nc)
		if err != nil {
			if taxonomy.Is(err, taxonomy.ErrProtocolUnsupported) {
				logger.Warn("client speaks unsupported protocol", "conn", c.id)
				c.deliver(&proto.Response{
					Kind: proto.KindError,
					Error: &proto.ErrorResponse{
						RC:  taxonomy.ErrProtocolUnsupported.String(),
						Msg: err.Error(),
					},
				})
				// Hand the close to the writer: it flushes the error
				// frame, then closes the socket once c.out is drained.
				set.mu.Lock()
				delete(set.conns, c.id)
				set.mu.Unlock()
				c.closeOnce.Do(func() { close(c.out) })
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection read failed", "conn", c.id, "error", err)
			}
			return
		}
		select {
		case reqCh <- scheduler.Incoming{Conn: c.id, Req: req}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *conn) writeLoop() {
	for resp := range c.out {
		if err := proto.WriteResponse(c.nc, resp); err != nil {
			logger.Debug("connection write failed", "conn", c.id, "error", err)
			_ = c.nc.Close()
			// Keep draining so the scheduler side never blocks.
		}
	}
	_ = c.nc.Close()
}

// deliver enqueues a response, dropping it if the writer is saturated
// or gone; recover covers the race with close(c.out).
func (c *conn) deliver(resp *proto.Response) {
	defer func() { _ = recover() }()
	select {
	case c.out <- resp:
	default:
		logger.Warn("response dropped, client writer saturated", "conn", c.id)
	}
}

// connSet tracks live connections by id.
type connSet struct {
	mu     sync.Mutex
	nextID uint64
	conns  map[uint64]*conn
}

func newConnSet() *connSet {
	return &connSet{conns: map[uint64]*conn{}}
}

func (s *connSet) add(nc net.Conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &conn{id: s.nextID, nc: nc, out: make(chan *proto.Response, 64)}
	s.conns[c.id] = c
	return c
}

func (s *connSet) remove(id uint64) {
	s.mu.Lock()
	c, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if ok {
		c.close()
	}
}

// deliver routes one response; a missing connection means the client
// disconnected mid-request and the response is discarded.
func (s *connSet) deliver(id uint64, resp *proto.Response) {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.deliver(resp)
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[uint64]*conn{}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
