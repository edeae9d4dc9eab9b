package workitem

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/wavefront/pkg/commandqueue"
)

// StoreLane is the command queue lane all store writes go through
const StoreLane = "store"

// Updater serializes read-modify-write cycles on a Store through one
// command queue lane. Writers in other processes can still lose updates.
type Updater struct {
	store  Store
	queue  *commandqueue.CommandQueue
	logger zerolog.Logger
	now    func() time.Time
}

// NewUpdater creates an updater. The queue's store lane is pinned to concurrency 1.
func NewUpdater(store Store, queue *commandqueue.CommandQueue, logger zerolog.Logger) *Updater {
	queue.SetConcurrency(StoreLane, 1)
	return &Updater{
		store:  store,
		queue:  queue,
		logger: logger.With().Str("component", "workitem").Logger(),
		now:    time.Now,
	}
}

// Store returns the underlying store
func (u *Updater) Store() Store {
	return u.store
}

// Load reads the current document through the store lane
func (u *Updater) Load(ctx context.Context) (*Document, error) {
	result, err := u.queue.Enqueue(ctx, StoreLane, func(ctx context.Context) (interface{}, error) {
		return u.store.Load(ctx)
	}, &commandqueue.Options{Label: "load"})
	if err != nil {
		return nil, err
	}
	return result.(*Document), nil
}

// Update loads the document, applies fn to item id and saves it. The
// returned item is a copy of the saved state.
func (u *Updater) Update(ctx context.Context, id int, fn func(*WorkItem) error) (*WorkItem, error) {
	result, err := u.queue.Enqueue(ctx, StoreLane, func(ctx context.Context) (interface{}, error) {
		doc, err := u.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		item := doc.Find(id)
		if item == nil {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		if err := fn(item); err != nil {
			return nil, err
		}
		item.UpdatedAt = u.now()
		if err := u.store.Save(ctx, doc); err != nil {
			return nil, err
		}
		saved := item.Clone()
		return &saved, nil
	}, &commandqueue.Options{Label: fmt.Sprintf("update %d", id)})
	if err != nil {
		return nil, err
	}
	return result.(*WorkItem), nil
}

// SetStatus records status (and an optional error message) for one item
func (u *Updater) SetStatus(ctx context.Context, id int, status Status, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	_, err := u.Update(ctx, id, func(item *WorkItem) error {
		item.Status = status
		item.Error = reason
		return nil
	})
	if err != nil {
		return err
	}
	u.logger.Debug().Int("itemId", id).Str("status", string(status)).Msg("Work item status updated")
	return nil
}

// SetStatuses records status for several items in a single save
func (u *Updater) SetStatuses(ctx context.Context, ids []int, status Status, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := u.queue.Enqueue(ctx, StoreLane, func(ctx context.Context) (interface{}, error) {
		doc, err := u.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		now := u.now()
		for _, id := range ids {
			item := doc.Find(id)
			if item == nil {
				return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
			}
			item.Status = status
			item.Error = reason
			item.UpdatedAt = now
		}
		return nil, u.store.Save(ctx, doc)
	}, &commandqueue.Options{Label: fmt.Sprintf("set %s on %d items", status, len(ids))})
	if err != nil {
		return err
	}
	u.logger.Debug().Ints("itemIds", ids).Str("status", string(status)).Msg("Work item statuses updated")
	return nil
}
