package supervisor

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// ProbePhase names the step that decided a probe.
type ProbePhase string

const (
	PhaseFast     ProbePhase = "fast"
	PhaseExtended ProbePhase = "extended"
	PhaseZombie   ProbePhase = "zombie"
)

// PortWaiter is the part of the sandbox the prober uses.
type PortWaiter interface {
	WaitForPort(ctx context.Context, id string, port int, timeout time.Duration) error
}

type ProbeResult struct {
	Reachable bool
	Phase     ProbePhase
	Age       time.Duration
	// Err is the last wait error when the candidate was not reachable.
	Err error
}

// Prober decides whether a candidate is accepting connections. A fast wait
// comes first; only a candidate younger than the recent threshold gets the
// full cold-start wait after that.
type Prober struct {
	waiter          PortWaiter
	clock           Clock
	port            int
	fastTimeout     time.Duration
	startupTimeout  time.Duration
	recentThreshold time.Duration
	logger          *slog.Logger
}

func NewProber(w PortWaiter, clock Clock, port int, t TimeoutConfig, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = discardLogger()
	}
	return &Prober{
		waiter:          w,
		clock:           clock,
		port:            port,
		fastTimeout:     t.FastProbe,
		startupTimeout:  t.Startup,
		recentThreshold: t.RecentThreshold,
		logger:          logger,
	}
}

func (p *Prober) Probe(ctx context.Context, c Candidate) ProbeResult {
	id := c.Record.ID
	fastErr := p.waiter.WaitForPort(ctx, id, p.port, p.fastTimeout)
	if fastErr == nil {
		p.logger.Info("Prober: gateway is reachable", slog.String("id", id))
		return p.record(ProbeResult{Reachable: true, Phase: PhaseFast})
	}

	age := p.clock.Now().Sub(c.CreatedAt)
	if age >= p.recentThreshold {
		p.logger.Info("Prober: process is old and not listening, treating as zombie",
			slog.String("id", id), slog.Duration("age", age), slog.String("err", fastErr.Error()))
		return p.record(ProbeResult{Phase: PhaseZombie, Age: age, Err: fastErr})
	}

	p.logger.Info("Prober: process is recent, waiting full startup timeout",
		slog.String("id", id), slog.Duration("age", age), slog.Duration("timeout", p.startupTimeout))
	if err := p.waiter.WaitForPort(ctx, id, p.port, p.startupTimeout); err != nil {
		p.logger.Info("Prober: process not reachable during startup wait",
			slog.String("id", id), slog.String("err", err.Error()))
		return p.record(ProbeResult{Phase: PhaseExtended, Age: age, Err: err})
	}
	return p.record(ProbeResult{Reachable: true, Phase: PhaseExtended, Age: age})
}

func (p *Prober) record(r ProbeResult) ProbeResult {
	probeCounter.WithLabelValues(string(r.Phase), strconv.FormatBool(r.Reachable)).Inc()
	return r
}
