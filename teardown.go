package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

type TeardownReport struct {
	Killed []string `json:"killed"`
	Failed []string `json:"failed,omitempty"`
}

// Teardown kills every gateway-related process and removes artifacts that
// would trip up the next launch. It is best-effort throughout.
type Teardown struct {
	sandbox      Sandbox
	clock        Clock
	killPatterns []string
	artifacts    []string
	settle       time.Duration
	timeout      time.Duration
	logger       *slog.Logger
}

func NewTeardown(sb Sandbox, clock Clock, cfg *Config, logger *slog.Logger) *Teardown {
	if logger == nil {
		logger = discardLogger()
	}
	artifacts := append([]string{}, cfg.Gateway.LockFiles...)
	artifacts = append(artifacts, cfg.Secrets.File)
	return &Teardown{
		sandbox:      sb,
		clock:        clock,
		killPatterns: cfg.Gateway.KillPatterns,
		artifacts:    artifacts,
		settle:       cfg.Timeouts.Settle,
		timeout:      defaultShortCommand,
		logger:       logger,
	}
}

func (t *Teardown) KillAll(ctx context.Context) TeardownReport {
	t.logger.Info("Teardown: killing all processes")
	var report TeardownReport

	procs, err := t.sandbox.ListProcesses(ctx)
	if err != nil {
		t.logger.Warn("Teardown: failed to list processes", slog.String("err", err.Error()))
	}
	for _, p := range procs {
		if !p.Status.Active() {
			continue
		}
		t.logger.Info("Teardown: killing process", slog.String("id", p.ID), slog.String("cmd", truncate(p.Command, 50)))
		err := t.sandbox.KillProcess(ctx, p.ID)
		killCounter.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			t.logger.Warn("Teardown: failed to kill process", slog.String("id", p.ID), slog.String("err", err.Error()))
			report.Failed = append(report.Failed, p.ID)
			continue
		}
		report.Killed = append(report.Killed, p.ID)
	}

	if cmd := pkillCommand(t.killPatterns); cmd != "" {
		if _, err := runCommand(ctx, t.sandbox, cmd, t.timeout); err != nil {
			t.logger.Info("Teardown: pkill failed (may be expected)", slog.String("err", err.Error()))
		}
	}
	if len(t.artifacts) > 0 {
		quoted := make([]string, len(t.artifacts))
		for i, a := range t.artifacts {
			quoted[i] = shellQuote(a)
		}
		cmd := "rm -f " + strings.Join(quoted, " ") + " 2>/dev/null || true"
		if _, err := runCommand(ctx, t.sandbox, cmd, t.timeout); err != nil {
			t.logger.Debug("Teardown: artifact cleanup failed", slog.String("err", err.Error()))
		}
	}

	t.clock.Sleep(t.settle)
	t.logger.Info("Teardown: cleanup complete", slog.Int("killed", len(report.Killed)), slog.Int("failed", len(report.Failed)))
	return report
}

// pkillCommand chains one pkill per pattern and always exits zero. The first
// character of each pattern is bracketed so the regex cannot match the shell
// running the pkill itself.
func pkillCommand(patterns []string) string {
	var parts []string
	for _, p := range patterns {
		if p == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("pkill -9 -f %s", shellQuote(selfSafePattern(p))))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ; ") + " ; true"
}

func selfSafePattern(p string) string {
	rest := regexp.QuoteMeta(p[1:])
	c := p[0]
	if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
		return "[" + string(c) + "]" + rest
	}
	return regexp.QuoteMeta(p[:1]) + rest
}
