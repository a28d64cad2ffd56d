// Package poller discovers review candidates by scanning configured
// projects for recently updated merge requests. It complements the
// webhook ingestor: webhooks give low latency, the poller guarantees
// nothing stays unreviewed when a delivery is missed.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mr-review-orchestrator/internal/domain"
	"mr-review-orchestrator/internal/metrics"
	"mr-review-orchestrator/internal/scm"
	"mr-review-orchestrator/internal/types"

	"golang.org/x/sync/errgroup"
)

// Enqueuer admits review candidates. Satisfied by *orchestrator.Orchestrator.
type Enqueuer interface {
	EnqueueReview(ctx context.Context, cand domain.Candidate) error
}

type Config struct {
	Enabled         bool
	Interval        time.Duration
	LookbackMinutes int
	PerProjectLimit int
	Projects        []string
	MaxConcurrency  int // concurrent project scans per tick
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Minute
	}
	if c.LookbackMinutes <= 0 {
		c.LookbackMinutes = 30
	}
	if c.PerProjectLimit <= 0 {
		c.PerProjectLimit = 10
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
}

type Poller struct {
	cfg      Config
	scm      scm.Client
	enqueuer Enqueuer
}

func New(cfg Config, scmClient scm.Client, enqueuer Enqueuer) *Poller {
	cfg.applyDefaults()
	return &Poller{cfg: cfg, scm: scmClient, enqueuer: enqueuer}
}

// Run ticks until ctx is cancelled. The first scan happens immediately.
func (p *Poller) Run(ctx context.Context) {
	if !p.cfg.Enabled || len(p.cfg.Projects) == 0 {
		slog.Info("poller disabled", "enabled", p.cfg.Enabled, "projects", len(p.cfg.Projects))
		return
	}

	slog.Info("poller started",
		"interval", p.cfg.Interval,
		"lookback_minutes", p.cfg.LookbackMinutes,
		"per_project_limit", p.cfg.PerProjectLimit,
		"projects", len(p.cfg.Projects),
	)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick scans every configured project. A project's failure is logged
// and isolated; it never aborts the other projects' scans.
func (p *Poller) tick(ctx context.Context) {
	since := time.Now().UTC().Add(-time.Duration(p.cfg.LookbackMinutes) * time.Minute)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)

	for _, project := range p.cfg.Projects {
		project := project
		g.Go(func() error {
			p.scanProject(gctx, project, since)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) scanProject(ctx context.Context, project string, since time.Time) {
	mrs, err := p.scm.ListOpenMRsUpdatedAfter(ctx, project, since, p.cfg.PerProjectLimit)
	if err != nil {
		slog.Error("project scan failed", "project", project, "error", err)
		return
	}

	metrics.PollerDiscovered.WithLabelValues(project).Add(float64(len(mrs)))

	for _, mr := range mrs {
		cand := domain.Candidate{
			ProjectID: project,
			MRID:      mr.IID,
			HeadSHA:   mr.HeadSHA,
			Title:     mr.Title,
			WebURL:    mr.WebURL,
		}
		if !cand.Valid() {
			slog.Warn("skipping merge request without head sha", "project", project, "mr", mr.IID)
			continue
		}

		if err := p.enqueuer.EnqueueReview(ctx, cand); err != nil {
			if errors.Is(err, types.ErrQueueFull) {
				// The next tick rediscovers anything still in the window.
				slog.Warn("review queue full, dropping candidate until next tick",
					"project", project, "mr", mr.IID)
				continue
			}
			slog.Error("enqueue failed", "project", project, "mr", mr.IID, "error", err)
		}
	}
}
