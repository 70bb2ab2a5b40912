package localsandbox

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	supervisor "github.com/oarkflow/gateway-supervisor"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb := New(Config{LogDir: t.TempDir(), GraceTimeout: time.Second})
	t.Cleanup(sb.Close)
	return sb
}

func TestStartProcessCapturesOutput(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	rec, err := sb.StartProcess(ctx, "echo hello; echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StatusStarting, rec.Status)
	assert.NotZero(t, supervisor.ProcessTimestamp(rec.ID))

	final, err := sb.WaitForExit(ctx, rec.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, supervisor.StatusFailed, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)

	logs, err := sb.ProcessLogs(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", logs.Stdout)
	assert.Equal(t, "oops\n", logs.Stderr)

	data, err := os.ReadFile(filepath.Join(sb.logDir, rec.ID+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestListProcessesOldestFirst(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	a, err := sb.StartProcess(ctx, "true")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	b, err := sb.StartProcess(ctx, "true")
	require.NoError(t, err)

	procs, err := sb.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, a.ID, procs[0].ID)
	assert.Equal(t, b.ID, procs[1].ID)
}

func TestForgetProcessDropsOnlyFinished(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	done, err := sb.StartProcess(ctx, "true")
	require.NoError(t, err)
	_, err = sb.WaitForExit(ctx, done.ID, 5*time.Second)
	require.NoError(t, err)
	live, err := sb.StartProcess(ctx, "sleep 30")
	require.NoError(t, err)

	sb.ForgetProcess(done.ID)
	sb.ForgetProcess(live.ID)

	procs, err := sb.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, live.ID, procs[0].ID)
	_, err = sb.ProcessLogs(ctx, done.ID)
	assert.ErrorIs(t, err, ErrUnknownProcess)
}

func TestFinishedRecordsAreBounded(t *testing.T) {
	sb := New(Config{GraceTimeout: time.Second, MaxFinished: 3})
	t.Cleanup(sb.Close)
	ctx := context.Background()
	live, err := sb.StartProcess(ctx, "sleep 30")
	require.NoError(t, err)

	var last string
	for i := 0; i < 10; i++ {
		rec, err := sb.StartProcess(ctx, "true")
		require.NoError(t, err)
		_, err = sb.WaitForExit(ctx, rec.ID, 5*time.Second)
		require.NoError(t, err)
		last = rec.ID
	}

	procs, err := sb.ListProcesses(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(procs), 5)
	ids := make([]string, 0, len(procs))
	for _, p := range procs {
		ids = append(ids, p.ID)
	}
	assert.Contains(t, ids, live.ID)
	assert.Contains(t, ids, last)
}

func TestKillProcessTerminatesGroup(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	rec, err := sb.StartProcess(ctx, "sleep 30 & sleep 30; wait")
	require.NoError(t, err)

	require.NoError(t, sb.KillProcess(ctx, rec.ID))
	final, err := sb.WaitForExit(ctx, rec.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, final.Status)
	assert.False(t, final.Status.Active())

	assert.NoError(t, sb.KillProcess(ctx, rec.ID), "killing an exited process is a no-op")
}

func TestWaitForExitTimeoutReturnsActiveRecord(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	rec, err := sb.StartProcess(ctx, "sleep 30")
	require.NoError(t, err)

	final, err := sb.WaitForExit(ctx, rec.ID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, supervisor.StatusRunning, final.Status)
}

func TestWaitForPort(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	rec, err := sb.StartProcess(ctx, "sleep 30")
	require.NoError(t, err)
	assert.NoError(t, sb.WaitForPort(ctx, rec.ID, port, 2*time.Second))
}

func TestWaitForPortFailsWhenProcessExits(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	rec, err := sb.StartProcess(ctx, "exit 1")
	require.NoError(t, err)
	start := time.Now()
	err = sb.WaitForPort(ctx, rec.ID, port, 10*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestUnknownProcess(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()
	assert.ErrorIs(t, sb.KillProcess(ctx, "proc_1_missing"), ErrUnknownProcess)
	_, err := sb.ProcessLogs(ctx, "proc_1_missing")
	assert.ErrorIs(t, err, ErrUnknownProcess)
}

func TestFetchRewritesToLocalPort(t *testing.T) {
	sb := newTestSandbox(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	})}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	req, err := http.NewRequest(http.MethodGet, "http://gateway.internal/health", nil)
	require.NoError(t, err)
	resp, err := sb.Fetch(context.Background(), req, port)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "/health", strings.TrimSpace(string(body)))
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := newTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "cdefg", b.String())
}
