package batch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voici5986/grok2api/internal/domain/token"
	"github.com/voici5986/grok2api/internal/infrastructure/config"
	"github.com/voici5986/grok2api/internal/infrastructure/eventbus"
	"github.com/voici5986/grok2api/internal/infrastructure/persistence"
	"github.com/voici5986/grok2api/internal/infrastructure/upstream"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

func newTestEngine(t *testing.T, handler http.Handler, usage token.UsageFunc) (*Engine, *token.Pool) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Grok: config.GrokConfig{
			BaseURL:    srv.URL,
			AssetsURL:  srv.URL,
			XStatsigID: "test-statsig",
			Timeout:    5 * time.Second,
		},
		Pool:  config.PoolConfig{UsageConcurrent: 2},
		Batch: config.BatchConfig{NSFWConcurrent: 2, AssetListConcurrent: 2, AssetDeleteConcurrent: 2},
	}
	cfgFn := func() *config.Config { return cfg }

	store, err := persistence.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	pool, err := token.NewPool(store, eventbus.NewInMemoryBus(zap.NewNop(), 16), token.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	pool.Import([]token.ImportSpec{
		{ID: "tok-a", Class: token.ClassBasic},
		{ID: "tok-b", Class: token.ClassBasic},
	})

	client, err := upstream.NewClient(cfgFn, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if usage == nil {
		usage = func(ctx context.Context, rec *token.Record) (*token.QuotaUpdate, int, error) {
			return &token.QuotaUpdate{}, 0, nil
		}
	}
	refresher := token.NewRefresher(pool, usage, token.RefresherOptions{}, zap.NewNop())

	return NewEngine(cfgFn, pool, client, refresher, eventbus.NewInMemoryBus(zap.NewNop(), 64), zap.NewNop()), pool
}

// waitDone drains the subscription until the task finishes.
func waitDone(t *testing.T, e *Engine, id string) Snapshot {
	t.Helper()
	ch, unsubscribe, ok := e.Subscribe(id)
	if !ok {
		t.Fatalf("Subscribe(%s): task not found", id)
	}
	defer unsubscribe()

	deadline := time.After(5 * time.Second)
	var last Snapshot
	for {
		select {
		case snap, open := <-ch:
			if !open {
				return last
			}
			last = snap
			if snap.Done {
				return snap
			}
		case <-deadline:
			t.Fatalf("task %s did not finish, last: %+v", id, last)
		}
	}
}

func TestRefreshUsageBatchUpdatesQuota(t *testing.T) {
	usage := func(ctx context.Context, rec *token.Record) (*token.QuotaUpdate, int, error) {
		return &token.QuotaUpdate{Default: &token.QuotaWindow{Remaining: 7}}, 0, nil
	}
	e, pool := newTestEngine(t, http.NewServeMux(), usage)

	snap, err := e.Submit(KindRefreshUsage, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitDone(t, e, snap.ID)

	if final.Completed != 2 || final.Failed != 0 {
		t.Fatalf("final = %+v, want 2 completed 0 failed", final)
	}
	for _, id := range []string{"tok-a", "tok-b"} {
		rec, _ := pool.Get(id)
		if rec.Remaining(token.WindowDefault) != 7 {
			t.Errorf("token %s remaining = %d, want 7", id, rec.Remaining(token.WindowDefault))
		}
		if rec.LastRefreshedAt.IsZero() {
			t.Errorf("token %s lastRefreshedAt not stamped", id)
		}
	}
}

func TestPurgeRemoteAssetsDeletesAndStamps(t *testing.T) {
	var mu sync.Mutex
	remaining := map[string][]string{
		"tok-a": {"asset-1", "asset-2"},
		"tok-b": {"asset-3"},
	}
	owner := func(r *http.Request) string {
		for _, part := range strings.Split(r.Header.Get("Cookie"), ";") {
			if strings.HasPrefix(part, "sso=") {
				return strings.TrimPrefix(part, "sso=")
			}
		}
		return ""
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/assets", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		var items []string
		for _, id := range remaining[owner(r)] {
			items = append(items, fmt.Sprintf(`{"assetId":%q,"name":%q,"assetType":"IMAGE"}`, id, id+".png"))
		}
		fmt.Fprintf(w, `{"assets":[%s]}`, strings.Join(items, ","))
	})
	mux.HandleFunc("/rest/assets/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/rest/assets/")
		mu.Lock()
		defer mu.Unlock()
		tok := owner(r)
		kept := remaining[tok][:0]
		for _, a := range remaining[tok] {
			if a != id {
				kept = append(kept, a)
			}
		}
		remaining[tok] = kept
		w.WriteHeader(http.StatusNoContent)
	})

	e, pool := newTestEngine(t, mux, nil)
	snap, err := e.Submit(KindPurgeRemoteAssets, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitDone(t, e, snap.ID)

	if final.Completed != 2 || final.Failed != 0 {
		t.Fatalf("final = %+v, want both tokens purged", final)
	}
	mu.Lock()
	left := len(remaining["tok-a"]) + len(remaining["tok-b"])
	mu.Unlock()
	if left != 0 {
		t.Fatalf("%d remote assets left, want 0", left)
	}
	for _, id := range []string{"tok-a", "tok-b"} {
		rec, _ := pool.Get(id)
		if rec.LastClearedAt.IsZero() {
			t.Errorf("token %s lastClearedAt not stamped", id)
		}
	}
}

func TestListRemoteAssetsPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/assets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"assets":[{"assetId":"a1","name":"a1.png","assetType":"IMAGE"}],"nextPageToken":"p2"}`)
			return
		}
		fmt.Fprint(w, `{"assets":[{"assetId":"a2","name":"a2.mp4","assetType":"VIDEO"}]}`)
	})

	e, _ := newTestEngine(t, mux, nil)
	snap, err := e.Submit(KindListRemoteAssets, []string{"tok-a"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitDone(t, e, snap.ID)

	if final.Completed != 1 || final.Failed != 0 {
		t.Fatalf("final = %+v", final)
	}
	detail, ok := final.Results[0].Detail.(map[string]any)
	if !ok {
		t.Fatalf("detail = %#v, want map", final.Results[0].Detail)
	}
	if detail["count"] != 2 {
		t.Fatalf("count = %v, want 2 across pages", detail["count"])
	}
}

func TestEnableContentModeSkipsTaggedToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream call %s for an already-tagged token", r.URL.Path)
	})

	e, pool := newTestEngine(t, mux, nil)
	pool.Tag("tok-a", token.TagContentMode)

	snap, err := e.Submit(KindEnableContentMode, []string{"tok-a"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitDone(t, e, snap.ID)
	if final.Completed != 1 || final.Failed != 0 {
		t.Fatalf("final = %+v", final)
	}
	if final.Results[0].Detail != "already enabled" {
		t.Fatalf("detail = %v", final.Results[0].Detail)
	}
}

func TestCancelSkipsQueuedItems(t *testing.T) {
	started := make(chan struct{}, 2)
	usage := func(ctx context.Context, rec *token.Record) (*token.QuotaUpdate, int, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	e, pool := newTestEngine(t, http.NewServeMux(), usage)
	// Concurrency is 2, so half of these stay queued behind the in-flight pair.
	pool.Import([]token.ImportSpec{
		{ID: "tok-c", Class: token.ClassBasic},
		{ID: "tok-d", Class: token.ClassBasic},
	})

	snap, err := e.Submit(KindRefreshUsage, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if !e.Cancel(snap.ID) {
		t.Fatal("Cancel returned false for a known task")
	}

	final := waitDone(t, e, snap.ID)
	if !final.Cancelled {
		t.Fatal("snapshot not marked cancelled")
	}
	if !final.Done {
		t.Fatal("snapshot not marked done")
	}
	if len(final.Results) != final.Total {
		t.Fatalf("got %d results for %d tokens, want one per token", len(final.Results), final.Total)
	}
	cancelled := 0
	for _, res := range final.Results {
		if res.Status == StatusCancelled {
			cancelled++
		}
	}
	if cancelled == 0 {
		t.Fatal("no result carries the cancelled status")
	}
	if final.Completed != final.Total-cancelled {
		t.Fatalf("completed = %d with %d cancelled of %d, counts disagree",
			final.Completed, cancelled, final.Total)
	}
}

func TestBatchProgressReachesBusSubscriber(t *testing.T) {
	e, _ := newTestEngine(t, http.NewServeMux(), nil)

	got := make(chan eventbus.BatchProgressPayload, 8)
	e.bus.Subscribe(eventbus.EventTypeBatchProgress, func(ctx context.Context, event eventbus.Event) {
		if p, ok := event.Payload().(eventbus.BatchProgressPayload); ok {
			got <- p
		}
	})

	snap, err := e.Submit(KindRefreshUsage, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, e, snap.ID)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-got:
			if p.TaskID != snap.ID {
				continue
			}
			if p.Kind != string(KindRefreshUsage) || p.Total != 2 {
				t.Fatalf("payload = %+v", p)
			}
			return
		case <-deadline:
			t.Fatal("no batch progress event reached the bus subscriber")
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	e, _ := newTestEngine(t, http.NewServeMux(), nil)

	if _, err := e.Submit(Kind("defrag"), nil); !apperrors.Is(err, apperrors.CodeInvalidInput) {
		t.Fatalf("unknown kind: err = %v", err)
	}
	if _, err := e.Submit(KindRefreshUsage, []string{"nope"}); !apperrors.IsNotFound(err) {
		t.Fatalf("unknown token: err = %v", err)
	}
	if _, ok := e.Get("missing"); ok {
		t.Fatal("Get on unknown task returned ok")
	}
	if e.Cancel("missing") {
		t.Fatal("Cancel on unknown task returned true")
	}
}
