package daemon

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobosd/internal/wire/proto"
	"github.com/cea-hpc/phobosd/pkg/config"
	"github.com/cea-hpc/phobosd/pkg/device"
	"github.com/cea-hpc/phobosd/pkg/index/memory"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/scheduler"
	"github.com/cea-hpc/phobosd/pkg/taxonomy"
)

func newTestDaemon(t *testing.T) (*Daemon, string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.LRS.SocketPath = filepath.Join(t.TempDir(), "lrs.sock")

	idx := memory.New()
	thresholds := map[model.Family]device.SyncThresholds{
		model.FamilyDir: {NbReq: 1, Time: 10 * time.Second, Bytes: 1 << 30},
	}
	sched := scheduler.New(scheduler.Config{
		Hostname:   "daemon-test-host",
		PID:        1234,
		Index:      idx,
		Thresholds: thresholds,
	})
	require.NoError(t, sched.Start(ctx))

	d := New(cfg, "daemon-test-host", idx, sched, thresholds)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", cfg.LRS.SocketPath)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	return d, cfg.LRS.SocketPath, func() {
		cancel()
		<-done
	}
}

func TestPingOverSocket(t *testing.T) {
	_, socketPath, stop := newTestDaemon(t)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, proto.WriteRequest(conn, &proto.Request{
		ID: 7, Kind: proto.KindPing, Ping: &proto.PingRequest{},
	}))
	resp, err := proto.ReadResponse(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), resp.ID)
	assert.Equal(t, proto.KindPing, resp.Kind)
}

func TestUnsupportedProtocolVersionClosesConnection(t *testing.T) {
	_, socketPath, stop := newTestDaemon(t)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// A frame with version byte 99 and an empty payload.
	header := make([]byte, 5)
	header[0] = 99
	binary.BigEndian.PutUint32(header[1:], 0)
	_, err = conn.Write(header)
	require.NoError(t, err)

	resp, err := proto.ReadResponse(conn)
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, taxonomy.ErrProtocolUnsupported.String(), resp.Error.RC)

	// The daemon closes the connection afterwards.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = proto.ReadResponse(conn)
	assert.Error(t, err)
}

func TestApplyConfigValidation(t *testing.T) {
	d, _, stop := newTestDaemon(t)
	defer stop()

	require.NoError(t, d.ApplyConfig("lrs", "families.dir.sync_time_threshold", "5s"))
	require.NoError(t, d.ApplyConfig("lrs", "families.dir.sync_nb_req_threshold", "20"))
	require.NoError(t, d.ApplyConfig("lrs", "families.dir.sync_wsize_threshold", "1048576"))

	assert.Error(t, d.ApplyConfig("logging", "level", "DEBUG"), "only lrs is runtime-configurable")
	assert.Error(t, d.ApplyConfig("lrs", "families.dir.nope", "1"))
	assert.Error(t, d.ApplyConfig("lrs", "families.floppy.sync_time_threshold", "5s"))
	assert.Error(t, d.ApplyConfig("lrs", "families.dir.sync_time_threshold", "-5s"))
	assert.Error(t, d.ApplyConfig("lrs", "policy", "first_fit"))

	d.mu.Lock()
	th := d.thresholds[model.FamilyDir]
	d.mu.Unlock()
	assert.Equal(t, 5*time.Second, th.Time)
	assert.Equal(t, 20, th.NbReq)
	assert.Equal(t, int64(1<<20), th.Bytes)
}
