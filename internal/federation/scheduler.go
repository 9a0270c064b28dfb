package federation

import (
	"context"
	"net/http"
	"time"

	"github.com/mrs-federation/mrs/internal/observability/logger"
)

// SchedulerMetrics is the narrow slice of internal/metrics a Scheduler
// needs, kept as an interface for the same reason Metrics is: avoiding an
// import cycle between internal/federation and internal/metrics' http
// instrumentation.
type SchedulerMetrics interface {
	ObservePeerRefresh(outcome string)
	ObserveSyncPull(peer, outcome string, seconds float64)
	ObserveTombstonesPurged(n int64)
	SetGCWatermark(seq int64)
}

type noopSchedulerMetrics struct{}

func (noopSchedulerMetrics) ObservePeerRefresh(string)           {}
func (noopSchedulerMetrics) ObserveSyncPull(string, string, float64) {}
func (noopSchedulerMetrics) ObserveTombstonesPurged(int64)       {}
func (noopSchedulerMetrics) SetGCWatermark(int64)                {}

// Scheduler drives the background federation loops: refreshing peer
// metadata, pulling snapshot/delta updates from every known peer, and
// purging tombstones once they clear the retention window. Run drives both
// concerns from a single goroutine with one ticker each, and stops when ctx
// is cancelled.
type Scheduler struct {
	peers    *Peers
	ingestor *Ingestor
	store    interface {
		GCTombstones(ctx context.Context, olderThan time.Duration) (int64, error)
	}
	client    *http.Client
	retention time.Duration
	metrics   SchedulerMetrics
}

// SchedulerDeps configures a Scheduler.
type SchedulerDeps struct {
	Peers     *Peers
	Ingestor  *Ingestor
	GC        interface {
		GCTombstones(ctx context.Context, olderThan time.Duration) (int64, error)
	}
	Retention time.Duration
	Metrics   SchedulerMetrics
}

func NewScheduler(deps SchedulerDeps) *Scheduler {
	m := deps.Metrics
	if m == nil {
		m = noopSchedulerMetrics{}
	}
	retention := deps.Retention
	if retention <= 0 {
		retention = TombstoneRetention
	}
	return &Scheduler{
		peers:     deps.Peers,
		ingestor:  deps.Ingestor,
		store:     deps.GC,
		client:    &http.Client{Timeout: 10 * time.Second},
		retention: retention,
		metrics:   m,
	}
}

// Run starts the two periodic loops (refresh-and-pull, tombstone GC) and
// blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, refreshInterval, gcInterval time.Duration) {
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()
	gcTicker := time.NewTicker(gcInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refreshTicker.C:
			s.refreshAndPull(ctx)
		case <-gcTicker.C:
			s.gc(ctx)
		}
	}
}

func (s *Scheduler) refreshAndPull(ctx context.Context) {
	log := logger.From(ctx).With(logger.Component("federation"), logger.Op("Scheduler.refreshAndPull"))

	peers, err := s.peers.All(ctx)
	if err != nil {
		log.Warn("listing peers failed", logger.Err(err))
		return
	}

	for _, p := range peers {
		if p.BaseURL == "" {
			continue
		}
		if err := s.peers.RefreshMetadata(ctx, s.client, p.BaseURL); err != nil {
			s.metrics.ObservePeerRefresh("failed")
		} else {
			s.metrics.ObservePeerRefresh("ok")
		}

		start := time.Now()
		if err := s.ingestor.Pull(ctx, p.BaseURL); err != nil {
			log.Warn("sync pull failed", logger.PeerID(p.BaseURL), logger.Err(err))
			s.metrics.ObserveSyncPull(p.BaseURL, "failed", time.Since(start).Seconds())
			continue
		}
		s.metrics.ObserveSyncPull(p.BaseURL, "ok", time.Since(start).Seconds())
	}
}

func (s *Scheduler) gc(ctx context.Context) {
	log := logger.From(ctx).With(logger.Component("federation"), logger.Op("Scheduler.gc"))

	watermark, err := s.store.GCTombstones(ctx, s.retention)
	if err != nil {
		log.Warn("tombstone gc failed", logger.Err(err))
		return
	}
	if watermark > 0 {
		s.metrics.SetGCWatermark(watermark)
		log.Info("tombstones purged", logger.Any("watermark", watermark))
	}
}
