package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siteworks/blockersync/internal/connectivity"
	apperrors "github.com/siteworks/blockersync/internal/errors"
	"github.com/siteworks/blockersync/internal/events"
	"github.com/siteworks/blockersync/internal/logging"
	"github.com/siteworks/blockersync/internal/models"
	"github.com/siteworks/blockersync/internal/store"
)

// DropPolicy decides what happens to a queue item whose retry budget is
// exhausted.
type DropPolicy string

const (
	// DropPolicyDiscard removes the item; the mutation is permanently
	// lost from the sync perspective, though the entity stays in the
	// local store marked pending.
	DropPolicyDiscard DropPolicy = "discard"
	// DropPolicyPark keeps the item, parked outside the drain set, for
	// manual recovery.
	DropPolicyPark DropPolicy = "park"
)

// Config holds synchronizer tuning.
type Config struct {
	ItemTimeout time.Duration // per-item remote call deadline
	DropPolicy  DropPolicy
}

// DefaultConfig returns the default synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		ItemTimeout: 30 * time.Second,
		DropPolicy:  DropPolicyDiscard,
	}
}

func (c *Config) fillDefaults() {
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Second
	}
	if c.DropPolicy == "" {
		c.DropPolicy = DropPolicyDiscard
	}
}

// Synchronizer drains the operation queue against the remote API: priority
// order, per-item retry tracking, progress events. Processing is
// sequential — queue sizes are small (single-site, human-paced data entry)
// and sequential processing needs no per-entity locking.
type Synchronizer struct {
	store   *store.Store
	remote  Remote
	bus     *events.Bus
	monitor *connectivity.Monitor
	cfg     Config
	log     *logging.Logger

	inProgress atomic.Bool
}

// New creates a Synchronizer. The monitor may be nil in tests that do not
// exercise retry scheduling.
func New(st *store.Store, remote Remote, bus *events.Bus, monitor *connectivity.Monitor, cfg Config, log *logging.Logger) *Synchronizer {
	cfg.fillDefaults()
	if log == nil {
		log = logging.Get()
	}
	return &Synchronizer{
		store:   st,
		remote:  remote,
		bus:     bus,
		monitor: monitor,
		cfg:     cfg,
		log:     log,
	}
}

// InProgress reports whether a drain cycle is running.
func (s *Synchronizer) InProgress() bool {
	return s.inProgress.Load()
}

// Run executes one drain cycle. At most one cycle runs at a time; a second
// call while one is in flight is a silent no-op.
func (s *Synchronizer) Run(ctx context.Context) error {
	if !s.inProgress.CompareAndSwap(false, true) {
		s.log.Debug("sync already in progress, skipping", nil)
		return nil
	}
	defer s.inProgress.Store(false)

	items, err := s.store.GetSyncQueue("")
	if err != nil {
		s.bus.Publish(events.SyncErrored, events.SyncError{Err: err})
		return apperrors.Wrap(apperrors.ErrSyncFailed, "read sync queue", err)
	}

	if len(items) == 0 {
		s.bus.Publish(events.SyncCompleted, events.SyncComplete{Timestamp: time.Now()})
		return nil
	}

	s.bus.Publish(events.SyncStart, nil)
	s.log.Info("sync cycle started", map[string]any{"queued": len(items)})

	// Priority tiers drain high before normal before low; within a tier,
	// insertion order holds (the store already returns insertion order,
	// the stable sort only regroups tiers).
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority.Rank() < items[j].Priority.Rank()
	})

	processed, failed := 0, 0
	for i, item := range items {
		if err := s.processItem(ctx, item); err != nil {
			failed++
			s.handleFailure(item, err)
			continue
		}
		processed++
		s.bus.Publish(events.SyncProgressed, events.SyncProgress{
			Processed: i + 1,
			Total:     len(items),
			Current:   fmt.Sprintf("%s %s", item.Operation, item.EntityType),
		})
	}

	now := time.Now()
	if err := s.store.SetMeta(store.MetaLastSyncTime, now.UTC().Format(time.RFC3339)); err != nil {
		s.log.Error("failed to record last sync time", err, nil)
	}

	s.bus.Publish(events.SyncCompleted, events.SyncComplete{
		ItemsProcessed: processed,
		ItemsFailed:    failed,
		Timestamp:      now,
	})
	s.log.Info("sync cycle finished",
		map[string]any{"processed": processed, "failed": failed})

	if s.monitor != nil {
		if failed > 0 {
			s.monitor.ScheduleRetry(func() {
				if err := s.Run(context.Background()); err != nil {
					s.log.Error("scheduled retry sync failed", err, nil)
				}
			})
		} else {
			// Everything landed; the next failure starts back at the floor.
			s.monitor.ResetBackoff()
		}
	}
	return nil
}

// processItem dispatches one queue item under its own deadline, then
// settles local state on success. A hung remote call fails this item only;
// the rest of the cycle keeps going.
func (s *Synchronizer) processItem(ctx context.Context, item *models.QueueItem) error {
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	if err := s.dispatch(itemCtx, item); err != nil {
		if itemCtx.Err() == context.DeadlineExceeded {
			return apperrors.Wrap(apperrors.ErrSyncTimeout,
				fmt.Sprintf("%s %s timed out", item.Operation, item.EntityType), err)
		}
		return err
	}

	if err := s.store.RemoveSyncQueueItem(item.ID); err != nil {
		return err
	}

	// Deletes have no local record left to mark. The remote write landed
	// and the queue item is gone, so a failed local mark never re-enters
	// the retry path; not-found is routine when the entity was deleted
	// locally mid-cycle, anything else is logged.
	if item.Operation != models.OpDelete {
		if id := item.DataID(); id != "" {
			if err := s.store.MarkSynced(item.EntityType.TableName(), id); err != nil {
				if !apperrors.Is(err, apperrors.ErrStoreNotFound) {
					s.log.Error("failed to mark entity synced", err,
						map[string]any{"entity": string(item.EntityType), "id": id})
				}
			}
		}
	}
	return nil
}

// dispatch routes a queue item to the remote call for its operation and
// entity type.
func (s *Synchronizer) dispatch(ctx context.Context, item *models.QueueItem) error {
	switch item.Operation {
	case models.OpCreate:
		return s.remote.Create(ctx, item.EntityType, item.Data)
	case models.OpUpdate:
		id := item.DataID()
		if id == "" {
			return apperrors.New(apperrors.ErrSyncRejected, "update payload has no id")
		}
		return s.remote.Update(ctx, item.EntityType, id, item.Data)
	case models.OpDelete:
		id := item.DataID()
		if id == "" {
			return apperrors.New(apperrors.ErrSyncRejected, "delete payload has no id")
		}
		return s.remote.Delete(ctx, item.EntityType, id)
	}
	return apperrors.New(apperrors.ErrSyncRejected, fmt.Sprintf("unknown operation %q", item.Operation))
}

// handleFailure records the failed attempt and applies the drop policy
// once the retry budget is spent.
func (s *Synchronizer) handleFailure(item *models.QueueItem, cause error) {
	s.log.Warn("sync item failed",
		map[string]any{
			"item":      item.ID,
			"operation": string(item.Operation),
			"entity":    string(item.EntityType),
			"attempt":   item.RetryCount + 1,
			"error":     cause.Error(),
		})

	if err := s.store.IncrementRetryCount(item.ID); err != nil {
		s.log.Error("failed to record retry", err, map[string]any{"item": item.ID})
		return
	}

	if item.RetryCount+1 < item.MaxRetries {
		return
	}

	// Budget exhausted. The entity stays in the local store marked
	// pending either way.
	switch s.cfg.DropPolicy {
	case DropPolicyPark:
		if err := s.store.ParkSyncQueueItem(item.ID); err != nil {
			s.log.Error("failed to park exhausted item", err, map[string]any{"item": item.ID})
			return
		}
		s.log.ErrorWithCode("sync item parked after exhausting retries",
			string(apperrors.ErrSyncExhausted), nil,
			map[string]any{"item": item.ID, "max_retries": item.MaxRetries})
	default:
		if err := s.store.RemoveSyncQueueItem(item.ID); err != nil {
			s.log.Error("failed to drop exhausted item", err, map[string]any{"item": item.ID})
			return
		}
		s.log.ErrorWithCode("sync item dropped after exhausting retries; local data remains pending",
			string(apperrors.ErrSyncExhausted), nil,
			map[string]any{"item": item.ID, "max_retries": item.MaxRetries})
	}
}

// Bootstrap performs the one-time first-run load: the four collections
// are fetched in parallel and bulk-loaded as synced, since they come from
// the remote source of truth.
func (s *Synchronizer) Bootstrap(ctx context.Context) error {
	type fetchResult struct {
		entityType models.EntityType
		items      []json.RawMessage
		err        error
	}

	entityTypes := []models.EntityType{
		models.EntityProject,
		models.EntityDrawing,
		models.EntityBlocker,
		models.EntityUser,
	}

	results := make([]fetchResult, len(entityTypes))
	var wg sync.WaitGroup
	for i, t := range entityTypes {
		wg.Add(1)
		go func(i int, t models.EntityType) {
			defer wg.Done()
			items, err := s.remote.FetchAll(ctx, t)
			results[i] = fetchResult{entityType: t, items: items, err: err}
		}(i, t)
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			return apperrors.Wrap(apperrors.ErrBootstrap,
				fmt.Sprintf("fetch %s collection", res.entityType), res.err)
		}
	}

	for _, res := range results {
		if err := s.loadCollection(res.entityType, res.items); err != nil {
			return err
		}
	}

	if err := s.store.SetMeta(store.MetaInitialDataLoaded, "true"); err != nil {
		return err
	}
	s.log.Info("initial data bootstrap complete", map[string]any{
		"projects": len(results[0].items),
		"drawings": len(results[1].items),
		"blockers": len(results[2].items),
		"users":    len(results[3].items),
	})
	return nil
}

// loadCollection decodes raw remote records into typed entities and bulk
// saves them.
func (s *Synchronizer) loadCollection(t models.EntityType, raws []json.RawMessage) error {
	// The hosted API does not echo entityType back; tag each envelope
	// before the bulk save.
	switch t {
	case models.EntityBlocker:
		items := make([]models.Blocker, 0, len(raws))
		for _, raw := range raws {
			var item models.Blocker
			if err := json.Unmarshal(raw, &item); err != nil {
				return apperrors.Wrap(apperrors.ErrBootstrap, "decode remote blocker", err)
			}
			item.EntityType = t
			items = append(items, item)
		}
		return s.store.BulkSaveBlockers(items)
	case models.EntityDrawing:
		items := make([]models.Drawing, 0, len(raws))
		for _, raw := range raws {
			var item models.Drawing
			if err := json.Unmarshal(raw, &item); err != nil {
				return apperrors.Wrap(apperrors.ErrBootstrap, "decode remote drawing", err)
			}
			item.EntityType = t
			items = append(items, item)
		}
		return s.store.BulkSaveDrawings(items)
	case models.EntityProject:
		items := make([]models.Project, 0, len(raws))
		for _, raw := range raws {
			var item models.Project
			if err := json.Unmarshal(raw, &item); err != nil {
				return apperrors.Wrap(apperrors.ErrBootstrap, "decode remote project", err)
			}
			item.EntityType = t
			items = append(items, item)
		}
		return s.store.BulkSaveProjects(items)
	case models.EntityUser:
		items := make([]models.User, 0, len(raws))
		for _, raw := range raws {
			var item models.User
			if err := json.Unmarshal(raw, &item); err != nil {
				return apperrors.Wrap(apperrors.ErrBootstrap, "decode remote user", err)
			}
			item.EntityType = t
			items = append(items, item)
		}
		return s.store.BulkSaveUsers(items)
	}
	return apperrors.New(apperrors.ErrBootstrap, fmt.Sprintf("unknown entity type %q", t))
}
