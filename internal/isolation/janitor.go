package isolation

import (
	"context"
	"time"

	"github.com/developingchet/identity-isolator/internal/ippool"
	"github.com/developingchet/identity-isolator/internal/metrics"
	"github.com/developingchet/identity-isolator/internal/pool"
	"github.com/developingchet/identity-isolator/internal/session"
	"github.com/developingchet/identity-isolator/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: session age-out, aged IP rotation,
// updating gauges.
type Janitor struct {
	coord      *Coordinator
	ips        *ippool.Manager
	sessions   *session.Manager
	store      storage.Store
	workerPool *pool.Pool
	interval   time.Duration
	ipMaxAge   time.Duration
	log        zerolog.Logger
}

// NewJanitor creates a Janitor. ipMaxAge of zero disables aged IP rotation.
func NewJanitor(coord *Coordinator, ips *ippool.Manager, sessions *session.Manager, store storage.Store,
	workerPool *pool.Pool, interval, ipMaxAge time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		coord:      coord,
		ips:        ips,
		sessions:   sessions,
		store:      store,
		workerPool: workerPool,
		interval:   interval,
		ipMaxAge:   ipMaxAge,
		log:        log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.JanitorDuration.Observe(time.Since(start).Seconds()) }()

	j.coord.Cleanup()

	if j.ipMaxAge > 0 && j.ips.Ready() {
		rotated, err := j.ips.ScheduleIPRotation(ctx, j.ipMaxAge)
		if err != nil {
			j.log.Warn().Err(err).Msg("janitor: aged ip rotation failed")
		} else if rotated > 0 {
			j.log.Info().Int("count", rotated).Msg("janitor: rotated aged ips")
		}
	}

	if j.ips.Ready() {
		if stats, err := j.ips.GetStats(ctx); err != nil {
			j.log.Warn().Err(err).Msg("janitor: read pool stats failed")
		} else {
			metrics.IPPoolSize.WithLabelValues(string(storage.StatusAvailable)).Set(float64(stats.Available))
			metrics.IPPoolSize.WithLabelValues(string(storage.StatusInUse)).Set(float64(stats.InUse))
			metrics.IPPoolSize.WithLabelValues(string(storage.StatusBanned)).Set(float64(stats.Banned))
			metrics.ActiveAssignments.Set(float64(stats.TotalAssignments))
		}
	}

	if n, err := j.sessions.ActiveSessions(); err != nil {
		j.log.Warn().Err(err).Msg("janitor: count sessions failed")
	} else {
		metrics.ActiveSessions.Set(float64(n))
	}

	// Update DB size gauge
	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	// Update queue depth gauge
	if j.workerPool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.workerPool.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
