package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var secretNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

func validSecretName(name string) bool {
	return secretNamePattern.MatchString(name)
}

// SecretSet maps export names to values. Only non-empty values under valid
// names are kept.
type SecretSet map[string]string

func NewSecretSet(values map[string]string) SecretSet {
	set := make(SecretSet, len(values))
	for k, v := range values {
		if v == "" || !validSecretName(k) {
			continue
		}
		set[k] = v
	}
	return set
}

// Names returns the secret names in sorted order.
func (s SecretSet) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Render produces a shell-sourceable blob: one export line per secret.
func (s SecretSet) Render() string {
	if len(s) == 0 {
		return ""
	}
	var b strings.Builder
	for _, k := range s.Names() {
		escaped := strings.ReplaceAll(s[k], "'", `'"'"'`)
		fmt.Fprintf(&b, "export %s='%s'\n", k, escaped)
	}
	return b.String()
}

// LoadSecretSet reads the configured dotenv file, then overlays values for the
// configured names from the process environment. With no names configured
// every key in the file is taken.
func LoadSecretSet(cfg SecretsConfig) (SecretSet, error) {
	values := map[string]string{}
	if cfg.EnvFile != "" {
		fileValues, err := godotenv.Read(cfg.EnvFile)
		switch {
		case err == nil:
			values = fileValues
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading secrets env file: %w", err)
		}
	}
	if len(cfg.Names) == 0 {
		return NewSecretSet(values), nil
	}
	selected := make(map[string]string, len(cfg.Names))
	for _, name := range cfg.Names {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			selected[name] = v
			continue
		}
		selected[name] = values[name]
	}
	return NewSecretSet(selected), nil
}

type MaterializeResult struct {
	Written    bool
	Count      int
	LocalErr   error
	DurableErr error
}

// Materializer writes the secret blob to the ephemeral file inside the
// sandbox and to durable storage.
type Materializer struct {
	sandbox Sandbox
	store   BlobStore
	file    string
	key     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMaterializer returns a Materializer. store may be nil, in which case
// only the ephemeral file is written.
func NewMaterializer(sb Sandbox, store BlobStore, cfg SecretsConfig, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = discardLogger()
	}
	return &Materializer{
		sandbox: sb,
		store:   store,
		file:    cfg.File,
		key:     cfg.BucketKey,
		timeout: defaultShortCommand,
		logger:  logger,
	}
}

// Materialize never fails the caller. Write errors are logged and reported
// in the result.
func (m *Materializer) Materialize(ctx context.Context, set SecretSet) MaterializeResult {
	if len(set) == 0 {
		m.logger.Info("Secrets: no secrets to write")
		return MaterializeResult{}
	}
	blob := set.Render()
	res := MaterializeResult{Count: len(set)}

	cmd := fmt.Sprintf("printf '%%s' %s > %s", shellQuote(blob), shellQuote(m.file))
	if out, err := runCommand(ctx, m.sandbox, cmd, m.timeout); err != nil {
		res.LocalErr = err
	} else if code := out.ExitCode(); code > 0 {
		res.LocalErr = fmt.Errorf("writing %s exited %d: %s", m.file, code, strings.TrimSpace(out.Logs.Stderr))
	}
	secretWriteCounter.WithLabelValues("local", resultLabel(res.LocalErr)).Inc()
	if res.LocalErr != nil {
		m.logger.Error("Secrets: failed to write env file", slog.String("file", m.file), slog.String("err", res.LocalErr.Error()))
	} else {
		m.logger.Info("Secrets: wrote env file", slog.String("file", m.file), slog.Int("count", res.Count))
	}

	if m.store != nil {
		res.DurableErr = m.store.Put(ctx, m.key, []byte(blob), "text/plain")
		secretWriteCounter.WithLabelValues("durable", resultLabel(res.DurableErr)).Inc()
		if res.DurableErr != nil {
			m.logger.Error("Secrets: failed to write to durable storage", slog.String("key", m.key), slog.String("err", res.DurableErr.Error()))
		} else {
			m.logger.Info("Secrets: wrote secrets to durable storage", slog.String("key", m.key), slog.Int("count", res.Count))
		}
	}

	res.Written = res.LocalErr == nil
	return res
}
