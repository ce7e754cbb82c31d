package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false // Disable colors for easier testing
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

// ============================================================================
// Level Filtering Tests
// ============================================================================

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")
		Debug("device probed")
		Info("device loaded")
		Warn("medium nearly full")
		Error("sync failed")

		out := buf.String()
		assert.Contains(t, out, "device probed")
		assert.Contains(t, out, "device loaded")
		assert.Contains(t, out, "medium nearly full")
		assert.Contains(t, out, "sync failed")
	})

	t.Run("WarnLevelSuppressesDebugAndInfo", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")
		Debug("device probed")
		Info("device loaded")
		Warn("medium nearly full")
		Error("sync failed")

		out := buf.String()
		assert.NotContains(t, out, "device probed")
		assert.NotContains(t, out, "device loaded")
		assert.Contains(t, out, "medium nearly full")
		assert.Contains(t, out, "sync failed")
	})

	t.Run("LevelIsCaseInsensitive", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("error")
		Info("device loaded")
		Error("sync failed")

		assert.NotContains(t, buf.String(), "device loaded")
		assert.Contains(t, buf.String(), "sync failed")
	})

	// Restore default for the rest of the suite.
	SetLevel("INFO")
}

// ============================================================================
// Formatting Tests
// ============================================================================

func TestTextFormatFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("text")

	Info("medium synced", KeyMedium, "P00001L5", KeyBytes, int64(4096), KeySyncReason, "nb_req")

	out := buf.String()
	assert.Contains(t, out, "medium synced")
	assert.Contains(t, out, "medium=P00001L5")
	assert.Contains(t, out, "bytes=4096")
	assert.Contains(t, out, "sync_reason=nb_req")
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("json")
	defer SetFormat("text")

	Info("device mounted", KeySerial, "drv-0", KeyRoot, "/mnt/phobosd/drv-0")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "device mounted", record["msg"])
	assert.Equal(t, "drv-0", record[KeySerial])
	assert.Equal(t, "/mnt/phobosd/drv-0", record[KeyRoot])
}

// ============================================================================
// Context Logging Tests
// ============================================================================

func TestContextLogging(t *testing.T) {
	t.Run("RequestFieldsArePrepended", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		lc := NewLogContext(3, 42, "write_alloc").WithDevice("drv-1").WithMedium("P00002L5")
		ctx := WithContext(context.Background(), lc)

		InfoCtx(ctx, "allocation served")

		out := buf.String()
		assert.Contains(t, out, "req_kind=write_alloc")
		assert.Contains(t, out, "req_id=42")
		assert.Contains(t, out, "conn=3")
		assert.Contains(t, out, "serial=drv-1")
		assert.Contains(t, out, "medium=P00002L5")
	})

	t.Run("NilContextIsHarmless", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		InfoCtx(context.Background(), "no request context")
		assert.Contains(t, buf.String(), "no request context")
	})

	t.Run("CloneDoesNotAliasParent", func(t *testing.T) {
		lc := NewLogContext(1, 7, "release")
		derived := lc.WithDevice("drv-2")

		assert.Empty(t, lc.Serial)
		assert.Equal(t, "drv-2", derived.Serial)
		assert.Equal(t, lc.ReqID, derived.ReqID)
	})
}

// ============================================================================
// Field Constructor Tests
// ============================================================================

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, KeyMedium, Medium("P00001L5").Key)
	assert.Equal(t, "P00001L5", Medium("P00001L5").Value.String())

	assert.Equal(t, KeyReqID, ReqID(9).Key)
	assert.Equal(t, uint64(9), ReqID(9).Value.Uint64())

	assert.Equal(t, KeyBytes, Bytes(1024).Key)
	assert.Equal(t, int64(1024), Bytes(1024).Value.Int64())

	assert.Equal(t, KeyVersion, Version(2).Key)
	assert.Equal(t, KeySplit, Split(0).Key)
	assert.Equal(t, KeyFamily, Family("tape").Key)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				Info("concurrent line", "goroutine", n, "iteration", j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 8*20)
	for _, line := range lines {
		assert.Contains(t, line, "concurrent line")
	}
}

// ============================================================================
// Init Tests
// ============================================================================

func TestInit(t *testing.T) {
	t.Run("FileOutput", func(t *testing.T) {
		path := t.TempDir() + "/phobosd.log"
		require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: path}))
		defer func() {
			mu.Lock()
			output = new(bytes.Buffer)
			mu.Unlock()
			reconfigure()
		}()

		Info("written to file")
		// Best-effort: the file handle is kept open by the logger, so
		// just assert Init accepted the path.
	})

	t.Run("BadLevelFallsBackToInfo", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("NOT_A_LEVEL")
		Debug("suppressed")
		Info("visible")

		assert.NotContains(t, buf.String(), "suppressed")
		assert.Contains(t, buf.String(), "visible")
	})
}
