package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEscapesSingleQuotes(t *testing.T) {
	set := NewSecretSet(map[string]string{"FOO": "bar's value"})
	assert.Equal(t, "export FOO='bar'\"'\"'s value'\n", set.Render())
}

func TestRenderSortedAndFiltered(t *testing.T) {
	set := NewSecretSet(map[string]string{
		"ZED_TOKEN":         "z",
		"ANTHROPIC_API_KEY": "sk-ant",
		"EMPTY":             "",
		"bad-name":          "x",
	})
	assert.Equal(t, []string{"ANTHROPIC_API_KEY", "ZED_TOKEN"}, set.Names())
	assert.Equal(t, "export ANTHROPIC_API_KEY='sk-ant'\nexport ZED_TOKEN='z'\n", set.Render())
	assert.Equal(t, "", NewSecretSet(nil).Render())
}

func TestRenderIsSourceable(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	value := `it's "quoted" $HOME \n`
	file := filepath.Join(t.TempDir(), "env.sh")
	require.NoError(t, os.WriteFile(file, []byte(NewSecretSet(map[string]string{"FOO": value}).Render()), 0o600))

	out, err := exec.Command(sh, "-c", `. "$0"; printf '%s' "$FOO"`, file).Output()
	require.NoError(t, err)
	assert.Equal(t, value, string(out))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestMaterializeEmptySetIsNoop(t *testing.T) {
	sb := newFakeSandbox(newFakeClock())
	store := &memStore{}
	m := NewMaterializer(sb, store, DefaultConfig().Secrets, discardLogger())

	res := m.Materialize(context.Background(), NewSecretSet(nil))
	assert.False(t, res.Written)
	assert.Empty(t, sb.eventLog())
	assert.Empty(t, store.data)
}

func TestMaterializeWritesBothTargets(t *testing.T) {
	sb := newFakeSandbox(newFakeClock())
	store := &memStore{}
	cfg := DefaultConfig().Secrets
	m := NewMaterializer(sb, store, cfg, discardLogger())
	set := NewSecretSet(map[string]string{"ANTHROPIC_API_KEY": "sk-ant", "FOO": "bar's"})

	res := m.Materialize(context.Background(), set)
	require.True(t, res.Written)
	assert.Equal(t, 2, res.Count)
	assert.NoError(t, res.LocalErr)
	assert.NoError(t, res.DurableErr)

	writes := sb.starts("printf")
	require.Len(t, writes, 1)
	assert.True(t, strings.HasSuffix(writes[0], "> "+shellQuote(cfg.File)))
	assert.Contains(t, writes[0], shellQuote(set.Render()))
	assert.Equal(t, set.Render(), string(store.data[cfg.BucketKey]))
}

func TestMaterializeQuotesFilePath(t *testing.T) {
	sb := newFakeSandbox(newFakeClock())
	cfg := DefaultConfig().Secrets
	cfg.File = "/tmp/env.sh;touch /tmp/pwned"
	m := NewMaterializer(sb, nil, cfg, discardLogger())

	res := m.Materialize(context.Background(), NewSecretSet(map[string]string{"FOO": "bar"}))
	require.True(t, res.Written)
	writes := sb.starts("printf")
	require.Len(t, writes, 1)
	assert.True(t, strings.HasSuffix(writes[0], "> '/tmp/env.sh;touch /tmp/pwned'"))
}

func TestMaterializeDurableFailureIsSwallowed(t *testing.T) {
	sb := newFakeSandbox(newFakeClock())
	store := &memStore{err: errors.New("bucket offline")}
	m := NewMaterializer(sb, store, DefaultConfig().Secrets, discardLogger())

	res := m.Materialize(context.Background(), NewSecretSet(map[string]string{"FOO": "bar"}))
	assert.True(t, res.Written)
	assert.Error(t, res.DurableErr)
}

func TestMaterializeLocalFailureReported(t *testing.T) {
	sb := newFakeSandbox(newFakeClock())
	sb.exec = func(string) (int, string, string) { return 1, "", "read-only file system" }
	m := NewMaterializer(sb, nil, DefaultConfig().Secrets, discardLogger())

	res := m.Materialize(context.Background(), NewSecretSet(map[string]string{"FOO": "bar"}))
	assert.False(t, res.Written)
	require.Error(t, res.LocalErr)
	assert.Contains(t, res.LocalErr.Error(), "read-only file system")
}

func TestLoadSecretSetFromEnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(file, []byte("ANTHROPIC_API_KEY=sk-file\nOPENAI_API_KEY=\nlower=x\n"), 0o600))

	set, err := LoadSecretSet(SecretsConfig{EnvFile: file})
	require.NoError(t, err)
	assert.Equal(t, SecretSet{"ANTHROPIC_API_KEY": "sk-file"}, set)
}

func TestLoadSecretSetEnvironmentOverridesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "secrets.env")
	require.NoError(t, os.WriteFile(file, []byte("ANTHROPIC_API_KEY=sk-file\nTELEGRAM_BOT_TOKEN=tg\nOTHER=o\n"), 0o600))
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")

	set, err := LoadSecretSet(SecretsConfig{EnvFile: file, Names: []string{"ANTHROPIC_API_KEY", "TELEGRAM_BOT_TOKEN", "MISSING"}})
	require.NoError(t, err)
	assert.Equal(t, SecretSet{"ANTHROPIC_API_KEY": "sk-env", "TELEGRAM_BOT_TOKEN": "tg"}, set)
}

func TestLoadSecretSetMissingFile(t *testing.T) {
	set, err := LoadSecretSet(SecretsConfig{EnvFile: filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, err)
	assert.Empty(t, set)
}
