package token

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/infrastructure/logger"
	"github.com/voici5986/grok2api/pkg/safego"
)

// UsageFunc fetches the live quota windows for one credential. It returns
// the readings, or the upstream HTTP status when the upstream rejected the
// probe (0 when the failure never reached the upstream).
type UsageFunc func(ctx context.Context, rec *Record) (*QuotaUpdate, int, error)

// RefresherOptions 刷新器配置
type RefresherOptions struct {
	BasicInterval time.Duration // staleness threshold for basic tokens
	SuperInterval time.Duration // staleness threshold for super tokens
	Concurrency   int           // max in-flight usage probes
	Tick          time.Duration // scan interval
}

// Refresher periodically re-reads quota windows for stale tokens. A healthy
// reading also rehabilitates a disabled token, so recovered upstream
// accounts come back without operator action.
type Refresher struct {
	pool  *Pool
	usage UsageFunc
	opts  RefresherOptions
	log   *zap.Logger
}

// NewRefresher 创建刷新器
func NewRefresher(pool *Pool, usage UsageFunc, opts RefresherOptions, log *zap.Logger) *Refresher {
	if opts.BasicInterval <= 0 {
		opts.BasicInterval = 8 * time.Hour
	}
	if opts.SuperInterval <= 0 {
		opts.SuperInterval = 4 * time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Minute
	}
	return &Refresher{
		pool:  pool,
		usage: usage,
		opts:  opts,
		log:   log.With(zap.String("component", "refresher")),
	}
}

// Start launches the background refresh loop.
func (r *Refresher) Start(ctx context.Context) {
	safego.Go(r.log, "usage-refresh", func() {
		ticker := time.NewTicker(r.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RefreshStale(ctx)
			}
		}
	})
}

// RefreshStale probes every token past its class staleness threshold,
// bounded by the configured concurrency.
func (r *Refresher) RefreshStale(ctx context.Context) int {
	stale := r.pool.StaleForRefresh(r.opts.BasicInterval, r.opts.SuperInterval)
	if len(stale) == 0 {
		return 0
	}
	r.log.Info("Refreshing stale tokens", zap.Int("count", len(stale)))
	r.refreshRecords(ctx, stale)
	return len(stale)
}

// RefreshAll probes every token regardless of staleness. Used by the
// operator-triggered refresh_usage batch.
func (r *Refresher) RefreshAll(ctx context.Context, each func(id string, err error)) {
	records := r.pool.ListAll()
	r.refreshWith(ctx, records, each)
}

func (r *Refresher) refreshRecords(ctx context.Context, records []*Record) {
	r.refreshWith(ctx, records, nil)
}

func (r *Refresher) refreshWith(ctx context.Context, records []*Record, each func(id string, err error)) {
	remaining := len(records)
	if remaining == 0 {
		return
	}

	sem := make(chan struct{}, r.opts.Concurrency)
	results := make(chan struct {
		id  string
		err error
	}, len(records))

	for _, rec := range records {
		rec := rec
		select {
		case <-ctx.Done():
			remaining--
			continue
		case sem <- struct{}{}:
		}
		safego.Go(r.log, "usage-probe", func() {
			defer func() { <-sem }()
			err := r.RefreshOne(ctx, rec)
			results <- struct {
				id  string
				err error
			}{id: rec.ID, err: err}
		})
	}

	for i := 0; i < remaining; i++ {
		res := <-results
		if each != nil {
			each(res.id, res.err)
		}
	}
}

// RefreshOne probes a single token and applies the result to the pool.
func (r *Refresher) RefreshOne(ctx context.Context, rec *Record) error {
	quota, status, err := r.usage(ctx, rec)
	if err != nil {
		r.log.Debug("Usage probe failed",
			zap.String("token", logger.MaskToken(rec.ID)),
			zap.Int("status", status),
			zap.Error(err))
		r.pool.ApplyRefresh(rec.ID, nil, status)
		return err
	}
	r.pool.ApplyRefresh(rec.ID, quota, 0)
	return nil
}
