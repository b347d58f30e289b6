package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/domain/token"
	"github.com/voici5986/grok2api/internal/infrastructure/config"
	"github.com/voici5986/grok2api/internal/infrastructure/eventbus"
	"github.com/voici5986/grok2api/internal/infrastructure/logger"
	"github.com/voici5986/grok2api/internal/infrastructure/upstream"
	"github.com/voici5986/grok2api/pkg/safego"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// Kind names one batch operation.
type Kind string

const (
	KindRefreshUsage      Kind = "refresh_usage"
	KindEnableContentMode Kind = "enable_content_mode"
	KindListRemoteAssets  Kind = "list_remote_assets"
	KindPurgeRemoteAssets Kind = "purge_remote_assets"
)

// Progress snapshots are pushed to subscribers at most this often, plus
// once every progressEvery completions.
const (
	progressEvery    = 8
	progressInterval = 250 * time.Millisecond
)

// Per-item statuses. Items the cancellation flag kept from starting are
// recorded as cancelled so every token has exactly one result entry.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// ItemResult is the outcome of one token within a batch.
type ItemResult struct {
	TokenID string `json:"token_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Detail  any    `json:"detail,omitempty"`
}

// Snapshot is the externally visible state of a task.
type Snapshot struct {
	ID         string       `json:"id"`
	Kind       Kind         `json:"kind"`
	Total      int          `json:"total"`
	Completed  int          `json:"completed"`
	Failed     int          `json:"failed"`
	Cancelled  bool         `json:"cancelled"`
	Done       bool         `json:"done"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
	Results    []ItemResult `json:"results,omitempty"`
}

// runner executes the batch operation for one token.
type runner func(ctx context.Context, rec *token.Record) (any, error)

type task struct {
	mu   sync.Mutex
	snap Snapshot

	cancel context.CancelFunc
	subs   map[chan Snapshot]struct{}

	lastPush      time.Time
	sinceLastPush int
}

// Engine runs operator-triggered batch operations over the token pool.
// Tasks execute asynchronously; progress is observable via Subscribe and
// mirrored onto the event bus.
type Engine struct {
	cfg       func() *config.Config
	pool      *token.Pool
	client    *upstream.Client
	refresher *token.Refresher
	bus       eventbus.Bus
	log       *zap.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// NewEngine 创建批量任务引擎
func NewEngine(cfg func() *config.Config, pool *token.Pool, client *upstream.Client, refresher *token.Refresher, bus eventbus.Bus, log *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		pool:      pool,
		client:    client,
		refresher: refresher,
		bus:       bus,
		log:       log.With(zap.String("component", "batch")),
		tasks:     make(map[string]*task),
	}
}

// Submit starts a batch over the given tokens. An empty id list targets the
// whole pool. Returns the initial snapshot.
func (e *Engine) Submit(kind Kind, tokenIDs []string) (Snapshot, error) {
	run, concurrency, err := e.runnerFor(kind)
	if err != nil {
		return Snapshot{}, err
	}

	var records []*token.Record
	if len(tokenIDs) == 0 {
		records = e.pool.ListAll()
	} else {
		for _, id := range tokenIDs {
			rec, ok := e.pool.Get(id)
			if !ok {
				return Snapshot{}, apperrors.New(apperrors.CodeNotFound, "unknown token: "+logger.MaskToken(id))
			}
			records = append(records, rec)
		}
	}
	if len(records) == 0 {
		return Snapshot{}, apperrors.New(apperrors.CodeInvalidInput, "token pool is empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		snap: Snapshot{
			ID:        uuid.NewString(),
			Kind:      kind,
			Total:     len(records),
			StartedAt: time.Now(),
		},
		cancel: cancel,
		subs:   make(map[chan Snapshot]struct{}),
	}

	e.mu.Lock()
	e.tasks[t.snap.ID] = t
	e.mu.Unlock()

	safego.Go(e.log, "batch-"+string(kind), func() {
		e.execute(ctx, t, records, run, concurrency)
	})

	e.log.Info("Batch submitted",
		zap.String("task", t.snap.ID),
		zap.String("kind", string(kind)),
		zap.Int("tokens", len(records)))
	return t.view(), nil
}

// Get returns the current snapshot of a task.
func (e *Engine) Get(id string) (Snapshot, bool) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.view(), true
}

// List returns snapshots of every known task.
func (e *Engine) List() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.view())
	}
	return out
}

// Cancel flags a running task. In-flight items finish, queued items do not
// start.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	already := t.snap.Done || t.snap.Cancelled
	if !already {
		t.snap.Cancelled = true
	}
	t.mu.Unlock()
	if !already {
		t.cancel()
	}
	return true
}

// Subscribe attaches a progress listener. The current snapshot arrives
// first; the channel closes when the task finishes.
func (e *Engine) Subscribe(id string) (<-chan Snapshot, func(), bool) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Snapshot, 16)

	t.mu.Lock()
	ch <- t.snap.clone()
	if t.snap.Done {
		close(ch)
		t.mu.Unlock()
		return ch, func() {}, true
	}
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		if _, live := t.subs[ch]; live {
			delete(t.subs, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, unsubscribe, true
}

func (e *Engine) execute(ctx context.Context, t *task, records []*token.Record, run runner, concurrency int) {
	if concurrency <= 0 {
		concurrency = 3
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	started := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		started++

		rec := rec
		wg.Add(1)
		safego.Go(e.log, "batch-item", func() {
			defer wg.Done()
			defer func() { <-sem }()

			detail, err := run(ctx, rec)
			res := ItemResult{TokenID: logger.MaskToken(rec.ID), Status: StatusOK, Detail: detail}
			if err != nil {
				res.Error = err.Error()
				res.Status = StatusError
				if ctx.Err() != nil {
					res.Status = StatusCancelled
				}
			}
			e.recordResult(t, res)
		})
	}
	wg.Wait()

	t.mu.Lock()
	// Queued items the flag skipped still get a result entry each.
	for _, rec := range records[started:] {
		t.snap.Results = append(t.snap.Results, ItemResult{
			TokenID: logger.MaskToken(rec.ID),
			Status:  StatusCancelled,
		})
	}
	t.snap.Done = true
	t.snap.FinishedAt = time.Now()
	final := t.snap.clone()
	for ch := range t.subs {
		select {
		case ch <- final:
		default:
		}
		close(ch)
	}
	t.subs = make(map[chan Snapshot]struct{})
	t.mu.Unlock()

	e.publish(final)
	e.log.Info("Batch finished",
		zap.String("task", final.ID),
		zap.String("kind", string(final.Kind)),
		zap.Int("completed", final.Completed),
		zap.Int("failed", final.Failed),
		zap.Bool("cancelled", final.Cancelled))
}

// recordResult folds one item outcome into the task and pushes progress at
// the throttled cadence. Cancelled items count toward neither completed nor
// failed.
func (e *Engine) recordResult(t *task, res ItemResult) {
	t.mu.Lock()
	switch res.Status {
	case StatusError:
		t.snap.Completed++
		t.snap.Failed++
	case StatusCancelled:
	default:
		t.snap.Completed++
	}
	t.snap.Results = append(t.snap.Results, res)
	t.sinceLastPush++

	push := t.sinceLastPush >= progressEvery || time.Since(t.lastPush) >= progressInterval
	var snap Snapshot
	if push {
		t.sinceLastPush = 0
		t.lastPush = time.Now()
		snap = t.snap.clone()
		for ch := range t.subs {
			select {
			case ch <- snap:
			default:
			}
		}
	}
	t.mu.Unlock()

	if push {
		e.publish(snap)
	}
}

func (e *Engine) publish(snap Snapshot) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeBatchProgress, eventbus.BatchProgressPayload{
		TaskID:    snap.ID,
		Kind:      string(snap.Kind),
		Total:     snap.Total,
		Completed: snap.Completed,
		Failed:    snap.Failed,
		Cancelled: snap.Cancelled,
	}))
}

func (t *task) view() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.clone()
}

func (s Snapshot) clone() Snapshot {
	cp := s
	cp.Results = append([]ItemResult(nil), s.Results...)
	return cp
}
