package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeSandbox is an in-memory host. Commands containing daemonMarker keep
// running; everything else exits immediately with the result of exec.
type fakeSandbox struct {
	mu    sync.Mutex
	clock *fakeClock
	seq   int

	procs  []ProcessRecord
	logs   map[string]Logs
	events []string

	daemonMarker  string
	listenOnStart bool
	daemonLogs    Logs
	listening     map[string]bool
	failWaits     map[string]int
	portWaits     []portWait

	exec       func(command string) (code int, stdout, stderr string)
	mountTable string
	mountErr   error
	mountSets  bool
	mounts     int

	listErr   error
	startErr  error
	killErr   map[string]error
	fetchErr  error
	fetches   []string
	startGate chan struct{}
}

type portWait struct {
	ID      string
	Timeout time.Duration
}

func newFakeSandbox(clock *fakeClock) *fakeSandbox {
	return &fakeSandbox{
		clock:         clock,
		logs:          map[string]Logs{},
		listening:     map[string]bool{},
		failWaits:     map[string]int{},
		killErr:       map[string]error{},
		daemonMarker:  defaultGatewayCommand,
		listenOnStart: true,
		mountSets:     true,
	}
}

// add seeds a process created age ago.
func (f *fakeSandbox) add(age time.Duration, command string, status ProcessStatus) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := FormatProcessID(f.clock.Now().Add(-age), fmt.Sprintf("seed%d", f.seq))
	f.procs = append(f.procs, ProcessRecord{ID: id, Command: command, Status: status})
	return id
}

func (f *fakeSandbox) find(id string) (int, bool) {
	for i, p := range f.procs {
		if p.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (f *fakeSandbox) ListProcesses(_ context.Context) ([]ProcessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]ProcessRecord(nil), f.procs...), nil
}

func (f *fakeSandbox) StartProcess(_ context.Context, command string) (ProcessRecord, error) {
	if f.startGate != nil && strings.Contains(command, f.daemonMarker) {
		<-f.startGate
	}
	f.clock.Advance(time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "start:"+command)
	if f.startErr != nil {
		return ProcessRecord{}, f.startErr
	}
	f.seq++
	id := FormatProcessID(f.clock.Now(), fmt.Sprintf("%04d", f.seq))
	rec := ProcessRecord{ID: id, Command: command, Status: StatusStarting}
	if strings.Contains(command, f.daemonMarker) {
		f.procs = append(f.procs, ProcessRecord{ID: id, Command: command, Status: StatusRunning})
		f.logs[id] = f.daemonLogs
		if f.listenOnStart {
			f.listening[id] = true
		}
		return rec, nil
	}
	code, stdout, stderr := 0, "", ""
	switch {
	case f.exec != nil:
		code, stdout, stderr = f.exec(command)
	case command == "mount":
		stdout = f.mountTable
	}
	f.procs = append(f.procs, ProcessRecord{ID: id, Command: command, Status: StatusExited, ExitCode: &code})
	f.logs[id] = Logs{Stdout: stdout, Stderr: stderr}
	return rec, nil
}

func (f *fakeSandbox) KillProcess(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "kill:"+id)
	if err := f.killErr[id]; err != nil {
		return err
	}
	i, ok := f.find(id)
	if !ok {
		return errors.New("unknown process")
	}
	f.procs[i].Status = "killed"
	delete(f.listening, id)
	return nil
}

func (f *fakeSandbox) ForgetProcess(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "forget:"+id)
	if i, ok := f.find(id); ok && !f.procs[i].Status.Active() {
		f.procs = append(f.procs[:i], f.procs[i+1:]...)
		delete(f.logs, id)
	}
}

func (f *fakeSandbox) ProcessLogs(_ context.Context, id string) (Logs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return Logs{}, errors.New("no logs")
	}
	return l, nil
}

func (f *fakeSandbox) WaitForPort(ctx context.Context, id string, _ int, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portWaits = append(f.portWaits, portWait{ID: id, Timeout: timeout})
	f.events = append(f.events, fmt.Sprintf("wait:%s:%s", id, timeout))
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := f.failWaits[id]; n > 0 {
		f.failWaits[id] = n - 1
		return errors.New("port not ready")
	}
	if f.listening[id] {
		return nil
	}
	return errors.New("port not ready")
}

func (f *fakeSandbox) WaitForExit(_ context.Context, id string, _ time.Duration) (ProcessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.find(id)
	if !ok {
		return ProcessRecord{}, errors.New("unknown process")
	}
	return f.procs[i], nil
}

func (f *fakeSandbox) MountBucket(_ context.Context, bucket, path string, _ MountOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts++
	f.events = append(f.events, "mountBucket:"+bucket)
	if f.mountSets {
		f.mountTable = fmt.Sprintf("s3fs on %s type fuse.s3fs (rw,nosuid,nodev)\n", path)
	}
	return f.mountErr
}

func (f *fakeSandbox) Fetch(_ context.Context, req *http.Request, _ int) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, req.URL.String())
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"status":"ok"}`))}, nil
}

// starts returns the commands passed to StartProcess that match substr.
func (f *fakeSandbox) starts(substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if cmd, ok := strings.CutPrefix(e, "start:"); ok && strings.Contains(cmd, substr) {
			out = append(out, cmd)
		}
	}
	return out
}

func (f *fakeSandbox) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeSandbox) waits() []portWait {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]portWait(nil), f.portWaits...)
}

func (f *fakeSandbox) status(id string) ProcessStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.find(id)
	if !ok {
		return ""
	}
	return f.procs[i].Status
}

// indexOf returns the position of the first event with the given prefix, or -1.
func indexOf(events []string, prefix string) int {
	for i, e := range events {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (m *memStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}
