package batch

import (
	"context"
	"time"

	"github.com/voici5986/grok2api/internal/domain/token"
	apperrors "github.com/voici5986/grok2api/pkg/errors"
)

// Birth date submitted during content-mode onboarding. The upstream only
// checks adulthood.
var contentModeBirthDate = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

const assetPageSize = 100

// runnerFor resolves the per-token operation and its concurrency cap.
func (e *Engine) runnerFor(kind Kind) (runner, int, error) {
	cfg := e.cfg()
	switch kind {
	case KindRefreshUsage:
		return e.refreshUsage, cfg.Pool.UsageConcurrent, nil
	case KindEnableContentMode:
		return e.enableContentMode, cfg.Batch.NSFWConcurrent, nil
	case KindListRemoteAssets:
		return e.listRemoteAssets, cfg.Batch.AssetListConcurrent, nil
	case KindPurgeRemoteAssets:
		return e.purgeRemoteAssets, cfg.Batch.AssetDeleteConcurrent, nil
	default:
		return nil, 0, apperrors.New(apperrors.CodeInvalidInput, "unknown batch kind: "+string(kind))
	}
}

func (e *Engine) refreshUsage(ctx context.Context, rec *token.Record) (any, error) {
	if err := e.refresher.RefreshOne(ctx, rec); err != nil {
		return nil, err
	}
	fresh, ok := e.pool.Get(rec.ID)
	if !ok {
		return nil, nil
	}
	return map[string]int{
		"remaining_default": fresh.Remaining(token.WindowDefault),
		"remaining_heavy":   fresh.Remaining(token.WindowHeavy),
	}, nil
}

// enableContentMode walks the onboarding sequence: terms acceptance, birth
// date, then the relaxed-content feature flag. Already-tagged tokens are
// skipped.
func (e *Engine) enableContentMode(ctx context.Context, rec *token.Record) (any, error) {
	if rec.HasTag(token.TagContentMode) {
		return "already enabled", nil
	}
	cookie := rec.Cookie()

	if err := e.client.AcceptTOS(ctx, cookie); err != nil {
		return nil, err
	}
	if err := e.client.SetBirthDate(ctx, cookie, contentModeBirthDate); err != nil {
		return nil, err
	}
	if err := e.client.EnableNSFW(ctx, cookie); err != nil {
		return nil, err
	}

	e.pool.Tag(rec.ID, token.TagContentMode)
	return "enabled", nil
}

func (e *Engine) listRemoteAssets(ctx context.Context, rec *token.Record) (any, error) {
	cookie := rec.Cookie()

	type assetEntry struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	var assets []assetEntry

	pageToken := ""
	for {
		page, err := e.client.ListAssets(ctx, cookie, pageToken, assetPageSize)
		if err != nil {
			return nil, err
		}
		for _, a := range page.Assets {
			assets = append(assets, assetEntry{ID: a.ID, Name: a.Name, Kind: a.Kind})
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return map[string]any{"count": len(assets), "assets": assets}, nil
}

// purgeRemoteAssets deletes every remote asset of the account, page by
// page. Partial progress is reported on error.
func (e *Engine) purgeRemoteAssets(ctx context.Context, rec *token.Record) (any, error) {
	cookie := rec.Cookie()

	deleted := 0
	for {
		page, err := e.client.ListAssets(ctx, cookie, "", assetPageSize)
		if err != nil {
			return map[string]int{"deleted": deleted}, err
		}
		if len(page.Assets) == 0 {
			break
		}
		for _, a := range page.Assets {
			if ctx.Err() != nil {
				return map[string]int{"deleted": deleted}, ctx.Err()
			}
			if err := e.client.DeleteAsset(ctx, cookie, a.ID); err != nil {
				return map[string]int{"deleted": deleted}, err
			}
			deleted++
		}
		if page.NextPageToken == "" {
			break
		}
	}

	e.pool.MarkCleared(rec.ID)
	return map[string]int{"deleted": deleted}, nil
}
