package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const lastSyncFile = ".last-sync"

type MountResult struct {
	Available bool
	Reason    string
}

// StorageStatus describes durable storage for operators.
type StorageStatus struct {
	Configured bool     `json:"configured"`
	Missing    []string `json:"missing,omitempty"`
	Mounted    bool     `json:"mounted"`
	LastSync   string   `json:"lastSync,omitempty"`
	MountPath  string   `json:"mountPath"`
}

// Mounter attaches the durable bucket at a fixed path. The mount table is the
// authoritative signal; the mount call's own result is not.
type Mounter struct {
	sandbox Sandbox
	cfg     StorageConfig
	timeout time.Duration
	logger  *slog.Logger
}

func NewMounter(sb Sandbox, cfg StorageConfig, logger *slog.Logger) *Mounter {
	if logger == nil {
		logger = discardLogger()
	}
	return &Mounter{sandbox: sb, cfg: cfg, timeout: defaultShortCommand, logger: logger}
}

func (m *Mounter) EnsureMounted(ctx context.Context) MountResult {
	res := m.ensureMounted(ctx)
	label := "mounted"
	if !res.Available {
		label = "unavailable"
	}
	mountCounter.WithLabelValues(label).Inc()
	return res
}

func (m *Mounter) ensureMounted(ctx context.Context) MountResult {
	if m.isMounted(ctx) {
		m.logger.Info("Storage: bucket already mounted", slog.String("path", m.cfg.MountPath))
		return MountResult{Available: true, Reason: "already mounted"}
	}
	if !m.cfg.Configured() {
		m.logger.Info("Storage: not configured, running without persistence",
			slog.String("missing", strings.Join(m.cfg.Missing(), ",")))
		return MountResult{Reason: "not configured"}
	}

	m.logger.Info("Storage: mounting bucket", slog.String("bucket", m.cfg.Bucket), slog.String("path", m.cfg.MountPath))
	err := m.sandbox.MountBucket(ctx, m.cfg.Bucket, m.cfg.MountPath, MountOptions{
		Endpoint:        m.cfg.EndpointURL(),
		AccessKeyID:     m.cfg.AccessKeyID,
		SecretAccessKey: m.cfg.SecretAccessKey,
	})
	if err == nil {
		m.logger.Info("Storage: bucket mounted, data will persist across sandbox restarts")
		return MountResult{Available: true, Reason: "mounted"}
	}
	m.logger.Warn("Storage: mount error", slog.String("err", err.Error()))
	if m.isMounted(ctx) {
		m.logger.Info("Storage: bucket is mounted despite error")
		return MountResult{Available: true, Reason: "mounted despite error"}
	}
	m.logger.Error("Storage: failed to mount bucket", slog.String("err", err.Error()))
	return MountResult{Reason: err.Error()}
}

// isMounted looks for an s3fs entry on the mount path in the mount table.
func (m *Mounter) isMounted(ctx context.Context) bool {
	out, err := runCommand(ctx, m.sandbox, "mount", m.timeout)
	if err != nil {
		m.logger.Debug("Storage: mount table check failed", slog.String("err", err.Error()))
		return false
	}
	return mountTableHas(out.Logs.Stdout, m.cfg.MountPath)
}

// mountTableHas reports whether mount(8) output lists an s3fs mount on path.
func mountTableHas(table, path string) bool {
	for _, line := range strings.Split(table, "\n") {
		fields := strings.Fields(line)
		// <source> on <path> type <fstype> (<opts>)
		if len(fields) < 3 || fields[1] != "on" || fields[2] != path {
			continue
		}
		if strings.Contains(line, "s3fs") {
			return true
		}
	}
	return false
}

// Status reports configuration and mount state, and the last sync marker
// written by the external sync routine when storage is mounted.
func (m *Mounter) Status(ctx context.Context) StorageStatus {
	st := StorageStatus{
		Configured: m.cfg.Configured(),
		Missing:    m.cfg.Missing(),
		MountPath:  m.cfg.MountPath,
	}
	if !st.Configured {
		st.Mounted = m.isMounted(ctx)
		return st
	}
	st.Mounted = m.EnsureMounted(ctx).Available
	if !st.Mounted {
		return st
	}
	out, err := runCommand(ctx, m.sandbox, "cat "+shellQuote(m.cfg.MountPath+"/"+lastSyncFile)+" 2>/dev/null || echo \"\"", m.timeout)
	if err == nil {
		st.LastSync = strings.TrimSpace(out.Logs.Stdout)
	}
	return st
}
