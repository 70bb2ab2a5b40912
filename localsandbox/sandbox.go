// Package localsandbox runs sandbox processes directly on the host with
// os/exec. It is the Sandbox used when the supervisor runs inside the same
// container as the gateway.
package localsandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/lumberjack"

	supervisor "github.com/oarkflow/gateway-supervisor"
)

const (
	defaultGraceTimeout = 5 * time.Second
	portPollInterval    = 250 * time.Millisecond
	maxCapturedOutput   = 1 << 20
	mountTimeout        = 30 * time.Second
	// Finished processes kept for listing and logs beyond this count are
	// dropped oldest first.
	defaultMaxFinished = 64
)

// StatusKilled marks a process terminated through KillProcess.
const StatusKilled supervisor.ProcessStatus = "killed"

// ErrUnknownProcess is returned for ids this sandbox never started.
var ErrUnknownProcess = errors.New("unknown process")

type Config struct {
	// Shell runs each command as `<shell> -c <command>`.
	Shell string
	// LogDir receives one rotated log file per process. Empty disables files.
	LogDir       string
	GraceTimeout time.Duration
	// MaxFinished bounds the records kept for processes that have exited.
	MaxFinished int
	Logger      *slog.Logger
}

type Sandbox struct {
	shell       string
	logDir      string
	grace       time.Duration
	maxFinished int
	logger      *slog.Logger
	client      *http.Client

	mu    sync.Mutex
	procs map[string]*process
}

func New(cfg Config) *Sandbox {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = defaultGraceTimeout
	}
	if cfg.MaxFinished <= 0 {
		cfg.MaxFinished = defaultMaxFinished
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sandbox{
		shell:       cfg.Shell,
		logDir:      cfg.LogDir,
		grace:       cfg.GraceTimeout,
		maxFinished: cfg.MaxFinished,
		logger:      cfg.Logger,
		client:      &http.Client{},
		procs:       make(map[string]*process),
	}
}

type process struct {
	id      string
	command string
	created time.Time
	cmd     *exec.Cmd
	stdout  *tailBuffer
	stderr  *tailBuffer
	done    chan struct{}

	mu       sync.Mutex
	status   supervisor.ProcessStatus
	exitCode *int
	killed   bool
}

func (p *process) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) record() supervisor.ProcessRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return supervisor.ProcessRecord{ID: p.id, Command: p.command, Status: p.status, ExitCode: p.exitCode}
}

func (s *Sandbox) lookup(id string) (*process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	return p, nil
}

func (s *Sandbox) ListProcesses(_ context.Context) ([]supervisor.ProcessRecord, error) {
	s.mu.Lock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	sort.Slice(procs, func(i, j int) bool { return procs[i].created.Before(procs[j].created) })
	out := make([]supervisor.ProcessRecord, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.record())
	}
	return out, nil
}

func (s *Sandbox) StartProcess(_ context.Context, command string) (supervisor.ProcessRecord, error) {
	now := time.Now()
	p := &process{
		id:      supervisor.FormatProcessID(now, uuid.NewString()[:8]),
		command: command,
		created: now,
		stdout:  newTailBuffer(maxCapturedOutput),
		stderr:  newTailBuffer(maxCapturedOutput),
		done:    make(chan struct{}),
		status:  supervisor.StatusStarting,
	}
	cmd := exec.Command(s.shell, "-c", command)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	// Orphaned children may hold the output pipes open after the shell exits.
	cmd.WaitDelay = s.grace
	var logFile io.WriteCloser
	if s.logDir != "" {
		if err := os.MkdirAll(s.logDir, 0o755); err != nil {
			return supervisor.ProcessRecord{}, fmt.Errorf("creating process log directory: %w", err)
		}
		logFile = &lumberjack.Logger{
			Filename:   filepath.Join(s.logDir, p.id+".log"),
			MaxSize:    10,
			MaxBackups: 1,
			MaxAge:     7,
		}
		cmd.Stdout = io.MultiWriter(p.stdout, logFile)
		cmd.Stderr = io.MultiWriter(p.stderr, logFile)
	} else {
		cmd.Stdout = p.stdout
		cmd.Stderr = p.stderr
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return supervisor.ProcessRecord{}, err
	}
	p.cmd = cmd
	rec := p.record()

	s.mu.Lock()
	s.pruneLocked()
	s.procs[p.id] = p
	s.mu.Unlock()

	p.mu.Lock()
	p.status = supervisor.StatusRunning
	p.mu.Unlock()
	s.logger.Debug("Sandbox: spawned process", slog.String("id", p.id), slog.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		code := cmd.ProcessState.ExitCode()
		p.mu.Lock()
		p.exitCode = &code
		switch {
		case p.killed:
			p.status = StatusKilled
		case err != nil:
			p.status = supervisor.StatusFailed
		default:
			p.status = supervisor.StatusExited
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return rec, nil
}

// pruneLocked drops the oldest finished records above the retention limit.
func (s *Sandbox) pruneLocked() {
	var finished []*process
	for _, p := range s.procs {
		if p.finished() {
			finished = append(finished, p)
		}
	}
	if len(finished) <= s.maxFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].created.Before(finished[j].created) })
	for _, p := range finished[:len(finished)-s.maxFinished] {
		delete(s.procs, p.id)
	}
}

// ForgetProcess drops the record of a finished process. Running processes
// are kept.
func (s *Sandbox) ForgetProcess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok && p.finished() {
		delete(s.procs, id)
	}
}

// KillProcess sends SIGTERM to the process group and escalates to SIGKILL
// after the grace timeout.
func (s *Sandbox) KillProcess(_ context.Context, id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	pid := p.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-p.done:
		s.logger.Debug("Sandbox: process terminated gracefully", slog.String("id", id))
	case <-time.After(s.grace):
		s.logger.Warn("Sandbox: process did not exit in time; sending SIGKILL", slog.String("id", id))
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("killing process group %d: %w", pid, err)
		}
		<-p.done
	}
	return nil
}

func (s *Sandbox) ProcessLogs(_ context.Context, id string) (supervisor.Logs, error) {
	p, err := s.lookup(id)
	if err != nil {
		return supervisor.Logs{}, err
	}
	return supervisor.Logs{Stdout: p.stdout.String(), Stderr: p.stderr.String()}, nil
}

// WaitForPort polls the port until it accepts a TCP connection. It gives up
// early if the process exits.
func (s *Sandbox) WaitForPort(ctx context.Context, id string, port int, timeout time.Duration) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(portPollInterval)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", addr, portPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-p.done:
			return fmt.Errorf("process %s exited before port %d was ready", id, port)
		case <-deadline.C:
			return fmt.Errorf("port %d not ready after %s", port, timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sandbox) WaitForExit(ctx context.Context, id string, timeout time.Duration) (supervisor.ProcessRecord, error) {
	p, err := s.lookup(id)
	if err != nil {
		return supervisor.ProcessRecord{}, err
	}
	select {
	case <-p.done:
	case <-time.After(timeout):
	case <-ctx.Done():
		return p.record(), ctx.Err()
	}
	return p.record(), nil
}

// MountBucket mounts an S3-compatible bucket with s3fs.
func (s *Sandbox) MountBucket(ctx context.Context, bucket, path string, opts supervisor.MountOptions) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating mount point: %w", err)
	}
	passwd, err := os.CreateTemp("", "s3fs-*.passwd")
	if err != nil {
		return fmt.Errorf("creating s3fs credentials file: %w", err)
	}
	defer os.Remove(passwd.Name())
	if err := passwd.Chmod(0o600); err != nil {
		passwd.Close()
		return err
	}
	if _, err := fmt.Fprintf(passwd, "%s:%s\n", opts.AccessKeyID, opts.SecretAccessKey); err != nil {
		passwd.Close()
		return err
	}
	if err := passwd.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, mountTimeout)
	defer cancel()
	mountOpts := "passwd_file=" + passwd.Name() + ",use_path_request_style,nomixupload"
	if opts.Endpoint != "" {
		mountOpts += ",url=" + opts.Endpoint
	}
	out, err := exec.CommandContext(ctx, "s3fs", bucket, path, "-o", mountOpts).CombinedOutput()
	if err != nil {
		return fmt.Errorf("s3fs %s on %s: %w: %s", bucket, path, err, out)
	}
	return nil
}

// Fetch sends req to 127.0.0.1 on the given port.
func (s *Sandbox) Fetch(ctx context.Context, req *http.Request, port int) (*http.Response, error) {
	out := req.Clone(ctx)
	out.URL.Scheme = "http"
	out.URL.Host = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	out.Host = req.Host
	out.RequestURI = ""
	return s.client.Do(out)
}

// Close kills every process that is still running.
func (s *Sandbox) Close() {
	procs, _ := s.ListProcesses(context.Background())
	for _, p := range procs {
		if p.Status.Active() {
			_ = s.KillProcess(context.Background(), p.ID)
		}
	}
}

var (
	_ supervisor.Sandbox          = (*Sandbox)(nil)
	_ supervisor.ProcessForgetter = (*Sandbox)(nil)
)
