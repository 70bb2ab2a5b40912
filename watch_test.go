package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchSecretsRematerializesOnChange(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "secrets.env")
	require.NoError(t, os.WriteFile(envFile, []byte("FOO=one\n"), 0o600))

	cfg := DefaultConfig()
	cfg.Secrets.EnvFile = envFile
	clock := newFakeClock()
	sb := newFakeSandbox(clock)
	store := &memStore{}
	sup, err := New(Options{Config: cfg, Sandbox: sb, Store: store, Clock: clock, Logger: discardLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.WatchSecrets(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(envFile, []byte("FOO=two\n"), 0o600))

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return string(store.data[cfg.Secrets.BucketKey]) == "export FOO='two'\n"
	}, 5*time.Second, 50*time.Millisecond)
	assert.Empty(t, sb.starts(defaultGatewayCommand))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchSecretsRequiresEnvFile(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.sup.WatchSecrets(context.Background()))
}
