// Package aggregate folds finished child tasks into their parent and
// completes the parent once every child has settled.
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/metrics"
	"github.com/JakeFAU/scrape-task-engine/internal/retry"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
)

// Aggregator merges child outcomes into parent tasks.
type Aggregator struct {
	store  tasks.Store
	clock  tasks.Clock
	policy retry.Policy
	logger *zap.Logger
}

// New builds an Aggregator. policy bounds retries of the store write.
func New(store tasks.Store, clock tasks.Clock, policy retry.Policy, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		clock:  clock,
		policy: policy,
		logger: logging.OrNop(logger),
	}
}

// CompleteParentIfPossible appends the child's items to the parent and
// completes the parent when all of its children are terminal and folded in.
// A missing or terminal parent is a no-op, as is a repeated call for the
// same child. Concurrent callers race safely: exactly one completes the parent.
func (a *Aggregator) CompleteParentIfPossible(
	ctx context.Context,
	parentID, childID int64,
	items []json.RawMessage,
) (tasks.AggregateOutcome, error) {
	parent, err := a.store.GetTask(ctx, parentID)
	if errors.Is(err, tasks.ErrNotFound) {
		a.logger.Debug("parent task gone, skipping aggregation",
			zap.Int64("parent_id", parentID), zap.Int64("child_id", childID))
		return tasks.AggregateOutcome{}, nil
	}
	if err != nil {
		return tasks.AggregateOutcome{}, fmt.Errorf("load parent %d: %w", parentID, err)
	}
	if parent.Status.IsTerminal() {
		return tasks.AggregateOutcome{}, nil
	}

	var out tasks.AggregateOutcome
	err = retry.Do(ctx, a.policy, func(int) error {
		var aggErr error
		out, aggErr = a.store.AggregateChild(ctx, parentID, childID, items, a.clock.Now())
		return aggErr
	}, nil)
	if err != nil {
		return tasks.AggregateOutcome{}, fmt.Errorf("aggregate child %d into %d: %w", childID, parentID, err)
	}

	log := a.logger.With(zap.Int64("parent_id", parentID), zap.Int64("child_id", childID))
	if out.Completed {
		metrics.ObserveParentCompleted()
		log.Info("parent task completed", zap.Int("children", out.Children))
	} else if out.Appended {
		log.Debug("child folded into parent",
			zap.Int("items", len(items)),
			zap.Int("settled", out.Settled),
			zap.Int("children", out.Children),
		)
	}
	return out, nil
}
