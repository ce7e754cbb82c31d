// Package daemon runs the phobosd process: it owns the local stream
// socket, one reader/writer goroutine pair per client connection, and
// the single goroutine that mutates scheduler state. Connection
// goroutines only ever push decoded requests onto a channel this
// goroutine drains, so every scheduler pass runs with exclusive access.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/pkg/config"
	"github.com/cea-hpc/phobosd/pkg/device"
	"github.com/cea-hpc/phobosd/pkg/index"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/scheduler"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

// passTick bounds how long the daemon sleeps between passes when no
// request arrives, so time-threshold syncs fire without traffic.
const passTick = time.Second

// Daemon wires the listener, the connection set, and the scheduler.
type Daemon struct {
	cfg      *config.Config
	hostname string
	idx      index.Backend
	sched    *scheduler.Scheduler

	reqCh    chan scheduler.Incoming
	reloadCh chan map[string]config.Thresholds
	conns    *connSet

	mu         sync.Mutex
	thresholds map[model.Family]device.SyncThresholds
}

// New builds a daemon around an already-started scheduler.
func New(cfg *config.Config, hostname string, idx index.Backend, sched *scheduler.Scheduler, thresholds map[model.Family]device.SyncThresholds) *Daemon {
	return &Daemon{
		cfg:        cfg,
		hostname:   hostname,
		idx:        idx,
		sched:      sched,
		reqCh:      make(chan scheduler.Incoming, 128),
		reloadCh:   make(chan map[string]config.Thresholds, 1),
		conns:      newConnSet(),
		thresholds: thresholds,
	}
}

// ApplyThresholds is the hot-reload entry point; safe to call from any
// goroutine, the change lands on the scheduler goroutine.
func (d *Daemon) ApplyThresholds(ths map[string]config.Thresholds) {
	select {
	case d.reloadCh <- ths:
	default:
		// A reload is already queued; the watcher will deliver the
		// latest state on its next event.
	}
}

// ApplyConfig validates one runtime configuration change and queues it
// for the scheduler goroutine. Safe to call from any goroutine (the
// wire configure path and the admin HTTP surface both land here).
// Supported keys are lrs families.<family>.sync_{time,nb_req,wsize}_threshold.
func (d *Daemon) ApplyConfig(section, key, value string) error {
	if section != "lrs" {
		return taxonomy.NewNotSupportedError(section, "only the lrs section is runtime-configurable")
	}
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "families" {
		return taxonomy.NewInvalidError(key, "key must be families.<family>.<threshold>")
	}
	family := model.Family(parts[1])
	d.mu.Lock()
	defer d.mu.Unlock()
	th, ok := d.thresholds[family]
	if !ok {
		return taxonomy.NewNotFoundError(string(family))
	}

	switch parts[2] {
	case "sync_time_threshold":
		dur, err := time.ParseDuration(value)
		if err != nil || dur <= 0 {
			return taxonomy.NewInvalidError(key, "value must be a positive duration")
		}
		th.Time = dur
	case "sync_nb_req_threshold":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return taxonomy.NewInvalidError(key, "value must be a positive integer")
		}
		th.NbReq = n
	case "sync_wsize_threshold":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return taxonomy.NewInvalidError(key, "value must be a positive byte count")
		}
		th.Bytes = n
	default:
		return taxonomy.NewInvalidError(key, "unknown threshold")
	}

	d.thresholds[family] = th
	snapshot := make(map[string]config.Thresholds, len(d.thresholds))
	for name, cur := range d.thresholds {
		snapshot[string(name)] = config.Thresholds{Time: cur.Time, NbReq: cur.NbReq, Bytes: cur.Bytes}
	}
	d.ApplyThresholds(snapshot)
	return nil
}

// Run serves the socket until ctx is cancelled, then drains: pending
// releases are served, idle drives unmounted and unloaded, and locks
// released, bounded by the configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	socketPath := d.cfg.LRS.SocketPath
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(socketPath)
	}()

	logger.Info("daemon listening", "socket", socketPath, "host", d.hostname)

	go d.acceptLoop(ctx, ln)

	ticker := time.NewTicker(passTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case in := <-d.reqCh:
			d.sched.Push(in)
			// Soak up whatever else is already queued before passing.
			for {
				select {
				case more := <-d.reqCh:
					d.sched.Push(more)
					continue
				default:
				}
				break
			}
		case ths := <-d.reloadCh:
			for name, th := range ths {
				d.sched.SetThresholds(model.Family(name), device.SyncThresholds{
					Time: th.Time, NbReq: th.NbReq, Bytes: th.Bytes,
				})
			}
			continue
		case <-ticker.C:
		}

		d.route(d.sched.Pass(ctx, time.Now()))
	}
}

// route delivers responses to their connections. A response whose
// connection went away is silently discarded, per the cancellation
// contract.
func (d *Daemon) route(out []scheduler.Outgoing) {
	for _, o := range out {
		d.conns.deliver(o.Conn, o.Resp)
	}
}

// shutdown drains the queues within the shutdown timeout, then tears
// the drives down.
func (d *Daemon) shutdown() {
	logger.Info("daemon draining")
	drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()

	for d.sched.QueueLen() > 0 && drainCtx.Err() == nil {
		d.route(d.sched.Pass(drainCtx, time.Now()))
		if d.sched.QueueLen() > 0 {
			// Only would_block requests remain; their clients are gone
			// or will retry against the next daemon.
			break
		}
	}

	d.sched.Drain(drainCtx)
	d.conns.closeAll()
	logger.Info("daemon stopped")
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", "error", err)
			return
		}
		c := d.conns.add(nc)
		go c.readLoop(ctx, d.reqCh, d.conns)
		go c.writeLoop()
	}
}
