package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "supervisor.pid")

	release, err := AcquirePIDFile(path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))

	release()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquirePIDFileLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.pid")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getppid())), 0o644))

	_, err := AcquirePIDFile(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquirePIDFileReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	release, err := AcquirePIDFile(path)
	require.NoError(t, err)
	defer release()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))
}
