package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by AcquirePIDFile when another live
// supervisor owns the PID file.
var ErrAlreadyRunning = errors.New("another supervisor instance is running")

// AcquirePIDFile writes the current pid to path. A file left behind by a dead
// process is replaced. The returned func removes the file.
func AcquirePIDFile(path string) (func(), error) {
	if data, err := os.ReadFile(path); err == nil {
		pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if pid > 0 && pid != os.Getpid() && processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d, file %s)", ErrAlreadyRunning, pid, path)
		}
		slog.Warn("Supervisor: replacing stale PID file", slog.String("file", path), slog.Int("pid", pid))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("writing pid file: %w", err)
	}
	return func() { _ = os.Remove(path) }, nil
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
