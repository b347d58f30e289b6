package token

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/infrastructure/eventbus"
	"github.com/voici5986/grok2api/internal/infrastructure/logger"
	"github.com/voici5986/grok2api/internal/infrastructure/persistence"
	"github.com/voici5986/grok2api/pkg/safego"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// transientResetAge: records untouched this long get their transient state
// (failure count, cooldown) cleared on startup reconcile.
const transientResetAge = 24 * time.Hour

// Options 池配置
type Options struct {
	FailThreshold  int
	SaveDelay      time.Duration
	ReloadInterval time.Duration
}

// Pool owns every token record in the process. All mutations go through its
// API; other components only ever see snapshots. Selection is heap-backed
// per (class, window); persistence writes are debounced and versioned.
type Pool struct {
	mu    sync.Mutex
	opts  Options
	store persistence.Store
	bus   eventbus.Bus
	log   *zap.Logger
	now   func() time.Time

	entries map[string]*entry
	heaps   map[heapKey]*selectionHeap

	dirty     map[string]struct{}
	saveTimer *time.Timer

	closed chan struct{}
	wg     sync.WaitGroup
}

type entry struct {
	rec     *Record
	version int64
}

type heapKey struct {
	class  Class
	window string
}

// NewPool loads the catalog from the store and reconciles stale transient
// state.
func NewPool(store persistence.Store, bus eventbus.Bus, opts Options, log *zap.Logger) (*Pool, error) {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = 5
	}
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = 500 * time.Millisecond
	}
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 30 * time.Second
	}

	p := &Pool{
		opts:    opts,
		store:   store,
		bus:     bus,
		log:     log.With(zap.String("component", "pool")),
		now:     time.Now,
		entries: make(map[string]*entry),
		heaps:   make(map[heapKey]*selectionHeap),
		dirty:   make(map[string]struct{}),
		closed:  make(chan struct{}),
	}

	records, err := store.List(context.Background())
	if err != nil {
		return nil, err
	}
	for _, stored := range records {
		rec := &Record{}
		if err := json.Unmarshal(stored.Data, rec); err != nil {
			p.log.Warn("Skipping undecodable record",
				zap.String("token", logger.MaskToken(stored.ID)), zap.Error(err))
			continue
		}
		rec.ID = stored.ID
		p.entries[stored.ID] = &entry{rec: rec, version: stored.Version}
	}
	p.reconcileLocked()
	p.rebuildHeapsLocked()

	p.log.Info("Pool loaded", zap.Int("tokens", len(p.entries)))
	return p, nil
}

// Start launches the periodic version-based reload loop.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	safego.Go(p.log, "pool-reload", func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.ReloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.closed:
				return
			case <-ticker.C:
				p.reload(ctx)
			}
		}
	})
}

// Close flushes pending writes and stops background work.
func (p *Pool) Close() {
	close(p.closed)
	p.mu.Lock()
	if p.saveTimer != nil {
		p.saveTimer.Stop()
		p.saveTimer = nil
	}
	p.mu.Unlock()
	p.Flush(context.Background())
	p.wg.Wait()
}

// Acquire returns a lease on the best token for the hint, or pool_empty.
// The lease is not exclusive: concurrent requests may share a token.
func (p *Pool) Acquire(hint ClassHint, window string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	classes := []Class{ClassBasic}
	switch hint {
	case HintSuper:
		classes = []Class{ClassSuper}
	case HintSuperPreferred:
		classes = []Class{ClassSuper, ClassBasic}
	}

	for i, class := range classes {
		h := p.heaps[heapKey{class: class, window: windowFor(class, window)}]
		if h == nil {
			continue
		}
		rec := h.take(now)
		if rec == nil {
			continue
		}
		if i > 0 {
			p.log.Warn("No super token selectable, falling back to basic",
				zap.String("hint", hint.String()))
		}

		rec.LastUsedAt = now
		p.fixHeapsLocked(rec)
		p.markDirtyLocked(rec.ID)

		return &Lease{
			TokenID:    rec.ID,
			Class:      rec.Class,
			Window:     window,
			AcquiredAt: now,
			Record:     rec.Clone(),
		}, nil
	}

	return nil, apperrors.New(apperrors.CodePoolEmpty, "no selectable token for "+hint.String())
}

// Release applies the request outcome to the leased token.
func (p *Pool) Release(lease *Lease, outcome Outcome) {
	if lease == nil {
		return
	}
	p.mu.Lock()
	ent, ok := p.entries[lease.TokenID]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec := ent.rec
	now := p.now()

	switch outcome.Kind {
	case OutcomeAborted:
		// Nothing was learned about the token.
		p.mu.Unlock()
		return

	case OutcomeSuccess:
		rec.ConsecutiveFailures = 0
		rec.LastFailureAt = time.Time{}
		rec.LastFailureReason = ""
		applyQuota(rec, outcome.Quota)

	case OutcomeTransientFailure:
		rec.ConsecutiveFailures++
		rec.LastFailureAt = now
		rec.LastFailureReason = outcome.Reason
		if rec.ConsecutiveFailures >= p.opts.FailThreshold && !rec.Disabled {
			rec.Disabled = true
			p.log.Warn("Token disabled after consecutive failures",
				zap.String("token", logger.MaskToken(rec.ID)),
				zap.Int("failures", rec.ConsecutiveFailures))
			p.publishLocked(eventbus.EventTypeTokenDisabled, rec)
		}

	case OutcomeTerminalFailure:
		rec.ConsecutiveFailures++
		rec.LastFailureAt = now
		rec.LastFailureReason = outcome.Reason
		if !rec.Disabled {
			rec.Disabled = true
			p.log.Warn("Token disabled by terminal failure",
				zap.String("token", logger.MaskToken(rec.ID)),
				zap.String("reason", outcome.Reason))
			p.publishLocked(eventbus.EventTypeTokenDisabled, rec)
		}

	case OutcomeQuotaExhausted:
		rec.CooldownUntil = outcome.ResetAt
		p.log.Info("Token cooling off until quota reset",
			zap.String("token", logger.MaskToken(rec.ID)),
			zap.Time("reset_at", outcome.ResetAt))
	}

	p.syncMembershipLocked(rec)
	p.fixHeapsLocked(rec)
	p.markDirtyLocked(rec.ID)
	p.publishLocked(eventbus.EventTypeTokenUpdated, rec)
	p.mu.Unlock()
}

// ApplyRefresh records the result of a usage refresh for one token.
func (p *Pool) ApplyRefresh(id string, quota *QuotaUpdate, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ent, ok := p.entries[id]
	if !ok {
		return
	}
	rec := ent.rec
	now := p.now()

	switch {
	case quota != nil:
		applyQuota(rec, quota)
		rec.LastRefreshedAt = now
		rec.ConsecutiveFailures = 0
		rec.CooldownUntil = time.Time{}
		if rec.Disabled {
			rec.Disabled = false
			p.log.Info("Token re-enabled by healthy refresh",
				zap.String("token", logger.MaskToken(rec.ID)))
		}
		p.publishLocked(eventbus.EventTypeTokenRefreshed, rec)

	case status == 401:
		rec.ConsecutiveFailures++
		rec.LastFailureAt = now
		rec.LastFailureReason = "401: credential rejected on refresh"
		if rec.ConsecutiveFailures >= p.opts.FailThreshold {
			rec.Disabled = true
			p.publishLocked(eventbus.EventTypeTokenDisabled, rec)
		}

	case status == 403:
		// Anti-bot block is an egress problem, not a token problem.
		p.log.Warn("Refresh blocked upstream, token not penalized",
			zap.String("token", logger.MaskToken(rec.ID)))

	default:
		rec.ConsecutiveFailures++
		rec.LastFailureAt = now
		rec.LastFailureReason = "refresh failed"
	}

	p.syncMembershipLocked(rec)
	p.fixHeapsLocked(rec)
	p.markDirtyLocked(rec.ID)
}

// ImportSpec 导入参数
type ImportSpec struct {
	ID    string
	Class Class
	Tags  []string
	Note  string
}

// Import registers operator-supplied credentials. Existing ids keep their
// state; only class/tags/note are overwritten.
func (p *Pool) Import(specs []ImportSpec) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	count := 0
	for _, spec := range specs {
		if spec.ID == "" {
			continue
		}
		if ent, ok := p.entries[spec.ID]; ok {
			ent.rec.Class = spec.Class
			if spec.Tags != nil {
				ent.rec.Tags = append([]string(nil), spec.Tags...)
			}
			if spec.Note != "" {
				ent.rec.Note = spec.Note
			}
			p.syncMembershipLocked(ent.rec)
			p.fixHeapsLocked(ent.rec)
			p.markDirtyLocked(spec.ID)
			count++
			continue
		}

		rec := &Record{
			ID:        spec.ID,
			Class:     spec.Class,
			Tags:      append([]string(nil), spec.Tags...),
			Note:      spec.Note,
			CreatedAt: now,
		}
		p.entries[spec.ID] = &entry{rec: rec}
		p.syncMembershipLocked(rec)
		p.markDirtyLocked(spec.ID)
		p.publishLocked(eventbus.EventTypeTokenImported, rec)
		count++
	}

	p.log.Info("Imported tokens", zap.Int("count", count))
	return count
}

// Remove deletes records by id.
func (p *Pool) Remove(ids []string) int {
	p.mu.Lock()

	count := 0
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		ent, ok := p.entries[id]
		if !ok {
			continue
		}
		p.removeFromHeapsLocked(ent.rec)
		delete(p.entries, id)
		delete(p.dirty, id)
		removed = append(removed, id)
		p.publishLocked(eventbus.EventTypeTokenRemoved, ent.rec)
		count++
	}
	p.mu.Unlock()

	for _, id := range removed {
		if err := p.store.Delete(context.Background(), id); err != nil && !apperrors.IsNotFound(err) {
			p.log.Error("Failed to delete record",
				zap.String("token", logger.MaskToken(id)), zap.Error(err))
		}
	}

	p.log.Info("Removed tokens", zap.Int("count", count))
	return count
}

// Patch 操作员可改的字段, nil 表示不变
type Patch struct {
	Tags     *[]string
	Note     *string
	Disabled *bool
}

// ReplaceRecord applies an operator patch to one record.
func (p *Pool) ReplaceRecord(id string, patch Patch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ent, ok := p.entries[id]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "token not found")
	}
	rec := ent.rec

	if patch.Tags != nil {
		rec.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.Note != nil {
		rec.Note = *patch.Note
	}
	if patch.Disabled != nil {
		rec.Disabled = *patch.Disabled
		if !rec.Disabled {
			rec.ConsecutiveFailures = 0
			rec.CooldownUntil = time.Time{}
		}
	}

	p.syncMembershipLocked(rec)
	p.fixHeapsLocked(rec)
	p.markDirtyLocked(id)
	p.publishLocked(eventbus.EventTypeTokenUpdated, rec)
	return nil
}

// Tag adds a flag to a record if absent.
func (p *Pool) Tag(id, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ent, ok := p.entries[id]
	if !ok || ent.rec.HasTag(tag) {
		return
	}
	ent.rec.Tags = append(ent.rec.Tags, tag)
	p.markDirtyLocked(id)
	p.publishLocked(eventbus.EventTypeTokenUpdated, ent.rec)
}

// MarkCleared stamps the last remote-asset purge time on a record.
func (p *Pool) MarkCleared(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ent, ok := p.entries[id]
	if !ok {
		return
	}
	ent.rec.LastClearedAt = p.now()
	p.markDirtyLocked(id)
}

// Get returns a snapshot of one record.
func (p *Pool) Get(id string) (*Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ent, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return ent.rec.Clone(), true
}

// ListAll returns snapshots of every record.
func (p *Pool) ListAll() []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Record, 0, len(p.entries))
	for _, ent := range p.entries {
		out = append(out, ent.rec.Clone())
	}
	return out
}

// IDs returns every token id, optionally filtered by class.
func (p *Pool) IDs(class Class) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.entries))
	for id, ent := range p.entries {
		if class != "" && ent.rec.Class != class {
			continue
		}
		out = append(out, id)
	}
	return out
}

// StaleForRefresh returns snapshots of records whose last refresh is older
// than the per-class interval.
func (p *Pool) StaleForRefresh(basicInterval, superInterval time.Duration) []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []*Record
	for _, ent := range p.entries {
		interval := basicInterval
		if ent.rec.Class == ClassSuper {
			interval = superInterval
		}
		if now.Sub(ent.rec.LastRefreshedAt) >= interval {
			out = append(out, ent.rec.Clone())
		}
	}
	return out
}

// Flush writes all dirty records through the store, resolving version
// conflicts by reloading the remote version and retrying once.
func (p *Pool) Flush(ctx context.Context) {
	p.mu.Lock()
	type pending struct {
		id      string
		data    []byte
		version int64
	}
	batch := make([]pending, 0, len(p.dirty))
	for id := range p.dirty {
		ent, ok := p.entries[id]
		if !ok {
			continue
		}
		data, err := json.Marshal(ent.rec)
		if err != nil {
			p.log.Error("Failed to marshal record",
				zap.String("token", logger.MaskToken(id)), zap.Error(err))
			continue
		}
		batch = append(batch, pending{id: id, data: data, version: ent.version})
	}
	p.dirty = make(map[string]struct{})
	p.mu.Unlock()

	for _, item := range batch {
		next, err := p.store.Put(ctx, item.id, item.data, item.version)
		if apperrors.IsConflict(err) {
			// Lost the race against another worker: adopt its version and retry.
			p.log.Warn("Version conflict on save, retrying",
				zap.String("token", logger.MaskToken(item.id)))
			remote, gerr := p.store.Get(ctx, item.id)
			if gerr != nil {
				continue
			}
			next, err = p.store.Put(ctx, item.id, item.data, remote.Version)
		}
		if err != nil {
			p.log.Error("Failed to persist record",
				zap.String("token", logger.MaskToken(item.id)), zap.Error(err))
			continue
		}
		p.mu.Lock()
		if ent, ok := p.entries[item.id]; ok {
			ent.version = next
		}
		p.mu.Unlock()
	}
}

// reload applies records changed by other workers since our cached version.
func (p *Pool) reload(ctx context.Context) {
	stored, err := p.store.List(ctx)
	if err != nil {
		p.log.Warn("Reload failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(stored))
	for _, sr := range stored {
		seen[sr.ID] = struct{}{}
		ent, ok := p.entries[sr.ID]
		if ok {
			if _, isDirty := p.dirty[sr.ID]; isDirty || ent.version == sr.Version {
				continue
			}
		}

		rec := &Record{}
		if err := json.Unmarshal(sr.Data, rec); err != nil {
			continue
		}
		rec.ID = sr.ID

		if ok {
			p.removeFromHeapsLocked(ent.rec)
			ent.rec = rec
			ent.version = sr.Version
		} else {
			p.entries[sr.ID] = &entry{rec: rec, version: sr.Version}
		}
		p.syncMembershipLocked(rec)
		p.publishLocked(eventbus.EventTypeTokenUpdated, rec)
	}

	// Records deleted elsewhere disappear here too, unless locally dirty.
	for id, ent := range p.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		if _, isDirty := p.dirty[id]; isDirty {
			continue
		}
		p.removeFromHeapsLocked(ent.rec)
		delete(p.entries, id)
		p.publishLocked(eventbus.EventTypeTokenRemoved, ent.rec)
	}
}

// --- internal helpers (callers hold p.mu) ---

func (p *Pool) reconcileLocked() {
	now := p.now()
	for id, ent := range p.entries {
		rec := ent.rec
		if rec.LastUsedAt.IsZero() || now.Sub(rec.LastUsedAt) <= transientResetAge {
			continue
		}
		if rec.ConsecutiveFailures > 0 || !rec.CooldownUntil.IsZero() {
			rec.ConsecutiveFailures = 0
			rec.CooldownUntil = time.Time{}
			p.markDirtyLocked(id)
		}
	}
}

func (p *Pool) rebuildHeapsLocked() {
	p.heaps = make(map[heapKey]*selectionHeap)
	for _, ent := range p.entries {
		p.syncMembershipLocked(ent.rec)
	}
}

func heapKeysFor(rec *Record) []heapKey {
	keys := []heapKey{{class: rec.Class, window: WindowDefault}}
	if rec.Class == ClassSuper {
		keys = append(keys, heapKey{class: ClassSuper, window: WindowHeavy})
	}
	return keys
}

// syncMembershipLocked keeps heap membership in line with the disabled
// flag. Cooling-off records stay in the heap and are skipped on take.
func (p *Pool) syncMembershipLocked(rec *Record) {
	for _, key := range heapKeysFor(rec) {
		h, ok := p.heaps[key]
		if !ok {
			h = newSelectionHeap(key.window)
			p.heaps[key] = h
		}
		if rec.Disabled {
			h.remove(rec.ID)
		} else {
			h.add(rec)
		}
	}
	// Class changes leave stale membership behind in the other class.
	other := ClassBasic
	if rec.Class == ClassBasic {
		other = ClassSuper
	}
	for _, w := range []string{WindowDefault, WindowHeavy} {
		if h, ok := p.heaps[heapKey{class: other, window: w}]; ok {
			h.remove(rec.ID)
		}
	}
}

func (p *Pool) removeFromHeapsLocked(rec *Record) {
	for _, h := range p.heaps {
		h.remove(rec.ID)
	}
}

func (p *Pool) fixHeapsLocked(rec *Record) {
	for _, key := range heapKeysFor(rec) {
		if h, ok := p.heaps[key]; ok {
			h.fix(rec.ID)
		}
	}
}

func (p *Pool) markDirtyLocked(id string) {
	p.dirty[id] = struct{}{}
	if p.saveTimer == nil {
		p.saveTimer = time.AfterFunc(p.opts.SaveDelay, func() {
			p.mu.Lock()
			p.saveTimer = nil
			p.mu.Unlock()
			select {
			case <-p.closed:
				return
			default:
			}
			p.Flush(context.Background())
		})
	}
}

func (p *Pool) publishLocked(eventType string, rec *Record) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(context.Background(), eventbus.NewEvent(eventType, eventbus.TokenChangePayload{
		TokenID:  logger.MaskToken(rec.ID),
		Class:    string(rec.Class),
		Disabled: rec.Disabled,
		Failures: rec.ConsecutiveFailures,
	}))
}

func applyQuota(rec *Record, q *QuotaUpdate) {
	if q == nil {
		return
	}
	if rec.Quota == nil {
		rec.Quota = make(map[string]QuotaWindow, 2)
	}
	if q.Default != nil {
		rec.Quota[WindowDefault] = *q.Default
	}
	if q.Heavy != nil {
		rec.Quota[WindowHeavy] = *q.Heavy
	}
}

func windowFor(class Class, requested string) string {
	if class == ClassSuper && requested == WindowHeavy {
		return WindowHeavy
	}
	return WindowDefault
}
