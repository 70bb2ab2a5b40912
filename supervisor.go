package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// slotKey names the single gateway slot for single-flight.
const slotKey = "gateway"

// ErrStartupFailed is wrapped by every error EnsureGateway returns after a
// fresh launch did not come up.
var ErrStartupFailed = errors.New("gateway failed to start")

// StartupError carries the captured output of a launch that never listened.
type StartupError struct {
	ProcessID string
	Stdout    string
	Stderr    string
	Err       error
}

func (e *StartupError) Error() string {
	stderr := e.Stderr
	if stderr == "" {
		stderr = "(empty)"
	}
	if e.ProcessID == "" {
		return fmt.Sprintf("%v: %v", ErrStartupFailed, e.Err)
	}
	return fmt.Sprintf("%v (process %s). Stderr: %s", ErrStartupFailed, e.ProcessID, stderr)
}

func (e *StartupError) Unwrap() []error {
	return []error{ErrStartupFailed, e.Err}
}

// GatewayHandle references a process confirmed reachable on Port.
type GatewayHandle struct {
	ProcessID string `json:"processId"`
	Port      int    `json:"port"`
	Reused    bool   `json:"reused"`
}

// SecretSource produces the secret set for the next launch.
type SecretSource func() (SecretSet, error)

type Options struct {
	Config  *Config
	Sandbox Sandbox
	// Store receives the durable copy of the secrets. Optional.
	Store   BlobStore
	Clock   Clock
	Logger  *slog.Logger
	Secrets SecretSource
}

// Supervisor answers "give me a healthy gateway". Every call re-derives the
// answer from the sandbox; nothing about the gateway is cached.
type Supervisor struct {
	cfg     *Config
	sandbox Sandbox
	clock   Clock
	logger  *slog.Logger
	secrets SecretSource

	directory    *Directory
	prober       *Prober
	materializer *Materializer
	mounter      *Mounter
	teardown     *Teardown

	sf        singleflight.Group
	slot      sync.Mutex
	startTime time.Time
}

func New(opts Options) (*Supervisor, error) {
	if opts.Sandbox == nil {
		return nil, errors.New("supervisor: sandbox is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = func() (SecretSet, error) { return LoadSecretSet(cfg.Secrets) }
	}
	classifier := NewClassifier(cfg.Gateway, cfg.Secrets.File)
	return &Supervisor{
		cfg:          cfg,
		sandbox:      opts.Sandbox,
		clock:        clock,
		logger:       logger,
		secrets:      secrets,
		directory:    NewDirectory(opts.Sandbox, classifier, cfg.Gateway.Command, logger),
		prober:       NewProber(opts.Sandbox, clock, cfg.Gateway.Port, cfg.Timeouts, logger),
		materializer: NewMaterializer(opts.Sandbox, opts.Store, cfg.Secrets, logger),
		mounter:      NewMounter(opts.Sandbox, cfg.Storage, logger),
		teardown:     NewTeardown(opts.Sandbox, clock, cfg, logger),
		startTime:    clock.Now(),
	}, nil
}

// EnsureGateway returns a handle to a reachable gateway, reusing a healthy
// one or launching a fresh one. Concurrent callers share a single outcome.
// Cancelling ctx does not interrupt the port waits: a caller going away must
// not turn a slow starter into a zombie.
func (s *Supervisor) EnsureGateway(ctx context.Context) (GatewayHandle, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, shared := s.sf.Do(slotKey, func() (interface{}, error) {
		s.slot.Lock()
		defer s.slot.Unlock()
		return s.ensureLocked(ctx)
	})
	if shared {
		s.logger.Debug("Supervisor: joined in-flight ensure")
	}
	if err != nil {
		return GatewayHandle{}, err
	}
	return v.(GatewayHandle), nil
}

func (s *Supervisor) ensureLocked(ctx context.Context) (handle GatewayHandle, err error) {
	start := time.Now()
	defer func() {
		ensureDuration.Observe(time.Since(start).Seconds())
		switch {
		case err != nil:
			ensureCounter.WithLabelValues("failed").Inc()
		case handle.Reused:
			ensureCounter.WithLabelValues("reused").Inc()
		default:
			ensureCounter.WithLabelValues("launched").Inc()
		}
	}()

	s.mounter.EnsureMounted(ctx)
	materialized := s.materializeSecrets(ctx)

	if c, ok := s.directory.FindExisting(ctx); ok {
		s.logger.Info("Supervisor: found existing gateway process",
			slog.String("id", c.Record.ID), slog.String("status", string(c.Record.Status)))
		probe := s.prober.Probe(ctx, c)
		if probe.Reachable {
			if probe.Phase != PhaseFast {
				s.checkHealth(ctx)
			}
			return GatewayHandle{ProcessID: c.Record.ID, Port: s.cfg.Gateway.Port, Reused: true}, nil
		}
		s.reclaim(ctx, c)
	}
	return s.launch(ctx, materialized)
}

func (s *Supervisor) materializeSecrets(ctx context.Context) MaterializeResult {
	set, err := s.secrets()
	if err != nil {
		s.logger.Error("Supervisor: failed to load secrets", slog.String("err", err.Error()))
		return MaterializeResult{}
	}
	return s.materializer.Materialize(ctx, set)
}

// reclaim kills an unreachable candidate. A failed kill is logged only.
func (s *Supervisor) reclaim(ctx context.Context, c Candidate) {
	s.logger.Info("Supervisor: killing unreachable gateway process", slog.String("id", c.Record.ID))
	zombieCounter.Inc()
	err := s.sandbox.KillProcess(ctx, c.Record.ID)
	killCounter.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		s.logger.Warn("Supervisor: failed to kill process", slog.String("id", c.Record.ID), slog.String("err", err.Error()))
	}
}

// LaunchCommand is the shell command for a fresh gateway. When secrets were
// written the ephemeral file is sourced first.
func (s *Supervisor) LaunchCommand(sourceSecrets bool) string {
	if !sourceSecrets {
		return s.cfg.Gateway.Command
	}
	return "bash -c " + shellQuote(". "+s.cfg.Secrets.File+"; "+s.cfg.Gateway.Command)
}

func (s *Supervisor) launch(ctx context.Context, secrets MaterializeResult) (GatewayHandle, error) {
	command := s.LaunchCommand(secrets.Written)
	s.logger.Info("Supervisor: starting new gateway",
		slog.String("cmd", command), slog.Int("secrets", secrets.Count))

	rec, err := s.sandbox.StartProcess(ctx, command)
	if err != nil {
		s.logger.Error("Supervisor: failed to start process", slog.String("err", err.Error()))
		return GatewayHandle{}, &StartupError{Err: err}
	}
	s.logger.Info("Supervisor: process started", slog.String("id", rec.ID), slog.String("status", string(rec.Status)))

	port := s.cfg.Gateway.Port
	if err := s.sandbox.WaitForPort(ctx, rec.ID, port, s.cfg.Timeouts.Startup); err != nil {
		s.logger.Error("Supervisor: gateway did not open its port", slog.String("id", rec.ID), slog.String("err", err.Error()))
		serr := &StartupError{ProcessID: rec.ID, Err: err}
		if logs, logErr := s.sandbox.ProcessLogs(ctx, rec.ID); logErr == nil {
			serr.Stdout, serr.Stderr = logs.Stdout, logs.Stderr
			s.logger.Error("Supervisor: startup failed", slog.String("stderr", logs.Stderr), slog.String("stdout", logs.Stdout))
		} else {
			s.logger.Error("Supervisor: failed to get logs", slog.String("err", logErr.Error()))
		}
		return GatewayHandle{}, serr
	}
	s.logger.Info("Supervisor: gateway is ready", slog.String("id", rec.ID), slog.Int("port", port))
	if logs, err := s.sandbox.ProcessLogs(ctx, rec.ID); err == nil {
		s.logger.Debug("Supervisor: gateway output", slog.String("stdout", logs.Stdout), slog.String("stderr", logs.Stderr))
	}
	s.checkHealth(ctx)
	return GatewayHandle{ProcessID: rec.ID, Port: port}, nil
}

// checkHealth calls the gateway health endpoint for diagnostics. Its outcome
// never changes the result of the caller.
func (s *Supervisor) checkHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Health)
	defer cancel()
	port := s.cfg.Gateway.Port
	url := fmt.Sprintf("http://localhost:%d%s", port, s.cfg.Gateway.HealthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := s.sandbox.Fetch(ctx, req, port)
	if err != nil {
		s.logger.Info("Supervisor: health check failed (non-fatal)", slog.String("err", err.Error()))
		return
	}
	resp.Body.Close()
	s.logger.Info("Supervisor: health check", slog.Int("status", resp.StatusCode))
}

// FindExisting exposes the directory lookup used by EnsureGateway.
func (s *Supervisor) FindExisting(ctx context.Context) (Candidate, bool) {
	return s.directory.FindExisting(ctx)
}

// EnsureMounted exposes the storage mounter.
func (s *Supervisor) EnsureMounted(ctx context.Context) MountResult {
	return s.mounter.EnsureMounted(ctx)
}

// StorageStatus reports durable storage state.
func (s *Supervisor) StorageStatus(ctx context.Context) StorageStatus {
	return s.mounter.Status(ctx)
}

// RefreshSecrets reloads and rematerializes the secrets without touching the
// gateway process.
func (s *Supervisor) RefreshSecrets(ctx context.Context) MaterializeResult {
	s.slot.Lock()
	defer s.slot.Unlock()
	return s.materializeSecrets(ctx)
}

// KillAll tears down every gateway-related process. It waits for any
// in-flight ensure to finish first.
func (s *Supervisor) KillAll(ctx context.Context) TeardownReport {
	s.slot.Lock()
	defer s.slot.Unlock()
	return s.teardown.KillAll(ctx)
}

type RestartResult struct {
	PreviousID string         `json:"previousProcessId,omitempty"`
	Teardown   TeardownReport `json:"teardown"`
	Handle     GatewayHandle  `json:"gateway"`
}

// Restart kills everything and launches a fresh gateway while holding the
// gateway slot, so no concurrent ensure can observe the half-torn-down state.
func (s *Supervisor) Restart(ctx context.Context) (RestartResult, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, _ := s.sf.Do(slotKey+":restart", func() (interface{}, error) {
		s.slot.Lock()
		defer s.slot.Unlock()
		var res RestartResult
		if c, ok := s.directory.FindExisting(ctx); ok {
			res.PreviousID = c.Record.ID
		}
		res.Teardown = s.teardown.KillAll(ctx)
		h, err := s.ensureLocked(ctx)
		res.Handle = h
		return res, err
	})
	res, _ := v.(RestartResult)
	return res, err
}

// ProcessSummaries lists every sandbox process with its classification.
func (s *Supervisor) ProcessSummaries(ctx context.Context) ([]ProcessSummary, error) {
	candidates, err := s.directory.ListCandidates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessSummary, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, ProcessSummary{
			ID:        c.Record.ID,
			Command:   truncate(c.Record.Command, 100),
			Status:    c.Record.Status,
			Class:     c.Class.String(),
			CreatedAt: c.CreatedAt,
		})
	}
	return out, nil
}

type ProcessSummary struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	Status    ProcessStatus `json:"status"`
	Class     string        `json:"class"`
	CreatedAt time.Time     `json:"createdAt"`
}

// GatewayLogs holds the truncated output of the most recent gateway process.
type GatewayLogs struct {
	ProcessID string        `json:"processId"`
	Status    ProcessStatus `json:"status"`
	Command   string        `json:"command"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
}

// ErrNoGatewayProcess is returned when no process ever ran the gateway command.
var ErrNoGatewayProcess = errors.New("no gateway process found")

const maxLogBytes = 5000

func (s *Supervisor) GatewayLogs(ctx context.Context) (GatewayLogs, error) {
	c, ok, err := s.directory.LatestGatewayProcess(ctx)
	if err != nil {
		return GatewayLogs{}, err
	}
	if !ok {
		return GatewayLogs{}, ErrNoGatewayProcess
	}
	logs, err := s.sandbox.ProcessLogs(ctx, c.Record.ID)
	if err != nil {
		return GatewayLogs{}, fmt.Errorf("fetching logs for %s: %w", c.Record.ID, err)
	}
	return GatewayLogs{
		ProcessID: c.Record.ID,
		Status:    c.Record.Status,
		Command:   truncate(c.Record.Command, 100),
		Stdout:    truncate(logs.Stdout, maxLogBytes),
		Stderr:    truncate(logs.Stderr, maxLogBytes),
	}, nil
}

// Config returns the effective configuration.
func (s *Supervisor) Config() *Config {
	return s.cfg
}
