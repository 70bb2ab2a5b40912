package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Candidate is a process record together with what the directory derived
// from it.
type Candidate struct {
	Record    ProcessRecord
	Class     Classification
	CreatedAt time.Time
}

// Directory lists and classifies sandbox processes.
type Directory struct {
	lister     ProcessLister
	classifier Classifier
	canonical  string
	logger     *slog.Logger
}

func NewDirectory(lister ProcessLister, classifier Classifier, canonical string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = discardLogger()
	}
	return &Directory{lister: lister, classifier: classifier, canonical: canonical, logger: logger}
}

// ListCandidates returns every process, classified, newest first.
func (d *Directory) ListCandidates(ctx context.Context) ([]Candidate, error) {
	records, err := d.lister.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(records))
	for _, r := range records {
		out = append(out, Candidate{
			Record:    r,
			Class:     d.classifier.Classify(r.Command),
			CreatedAt: ProcessCreatedAt(r.ID),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return ProcessTimestamp(out[i].Record.ID) > ProcessTimestamp(out[j].Record.ID)
	})
	return out, nil
}

// FindExisting returns the newest active primary gateway process. A failed
// listing counts as no candidate so recovery is never blocked on it.
func (d *Directory) FindExisting(ctx context.Context) (Candidate, bool) {
	candidates, err := d.ListCandidates(ctx)
	if err != nil {
		d.logger.Warn("Directory: could not list processes", slog.String("err", err.Error()))
		return Candidate{}, false
	}
	for _, c := range candidates {
		if c.Class == PrimaryGateway && c.Record.Status.Active() {
			d.logger.Info("Directory: found existing gateway process",
				slog.String("id", c.Record.ID), slog.String("cmd", truncate(c.Record.Command, 50)))
			return c, true
		}
	}
	return Candidate{}, false
}

// LatestGatewayProcess returns the newest process that ran the canonical
// startup command, whatever its status.
func (d *Directory) LatestGatewayProcess(ctx context.Context) (Candidate, bool, error) {
	candidates, err := d.ListCandidates(ctx)
	if err != nil {
		return Candidate{}, false, err
	}
	for _, c := range candidates {
		if strings.Contains(c.Record.Command, d.canonical) {
			return c, true, nil
		}
	}
	return Candidate{}, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
