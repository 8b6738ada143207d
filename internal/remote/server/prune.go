package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/gitview/internal/core"
	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/kilupskalvis/gitview/internal/remote"
	"github.com/kilupskalvis/gitview/internal/store"
)

// Prune removes the view refs of every registered filter whose branch no
// longer exists in the full history. Rewrite mappings are kept; they stay
// valid for as long as the commits exist. Views listed in req.DropViews lose
// their whole cache instead, and audit events older than req.AuditOlderThan
// are deleted. A dry run counts without writing; events are not counted.
func Prune(ctx context.Context, repo *core.Repo, audit *store.Store, req remote.PruneRequest, logger *slog.Logger) (*remote.PruneResult, error) {
	start := time.Now()
	result := &remote.PruneResult{DryRun: req.DryRun}

	drop := make(map[string]bool, len(req.DropViews))
	for _, expr := range req.DropViews {
		spec, err := filter.Parse(expr)
		if err != nil {
			return nil, err
		}
		drop[spec.ID()] = true
	}

	refs, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(refs))
	for _, ref := range refs {
		live[ref.Name().String()] = true
	}

	filters, err := repo.Cache.ListFilters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	result.FiltersScanned = len(filters)

	for id, expr := range filters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if drop[id] {
			n, err := dropView(ctx, repo, id, req.DryRun)
			if err != nil {
				return nil, fmt.Errorf("drop view %s: %w", expr, err)
			}
			result.ViewsDropped++
			result.MappingsRemoved += n
			continue
		}

		viewRefs, err := repo.Cache.ListViewRefs(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list view refs of %s: %w", expr, err)
		}
		for _, vr := range viewRefs {
			if live[vr.Branch] {
				continue
			}
			if !req.DryRun {
				if err := repo.Cache.DeleteViewRef(ctx, id, vr.Branch); err != nil {
					logger.Warn("prune: failed to delete view ref", "view", expr, "branch", vr.Branch, "error", err)
					continue
				}
			}
			result.ViewRefsRemoved++
		}
	}

	if req.AuditOlderThan > 0 && audit != nil && !req.DryRun {
		n, err := audit.DeleteEventsBefore(ctx, start.Add(-req.AuditOlderThan))
		if err != nil {
			return nil, err
		}
		result.EventsRemoved = n
	}
	result.Duration = time.Since(start)

	logger.Info("prune complete",
		"repo", repo.Name,
		"filters", result.FiltersScanned,
		"removed", result.ViewRefsRemoved,
		"views_dropped", result.ViewsDropped,
		"events_removed", result.EventsRemoved,
		"dry_run", req.DryRun,
	)
	return result, nil
}

func dropView(ctx context.Context, repo *core.Repo, id string, dryRun bool) (int, error) {
	if dryRun {
		return repo.Cache.MappingCount(ctx, id)
	}
	return repo.Cache.DropFilter(ctx, id)
}
