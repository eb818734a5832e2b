package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	apperrors "github.com/siteworks/blockersync/internal/errors"
	"github.com/siteworks/blockersync/internal/models"
)

// AddToSyncQueue appends a pending operation. The storage error, if any,
// propagates to the caller: a dropped enqueue would silently diverge local
// and remote state.
func (s *Store) AddToSyncQueue(op models.Operation, entityType models.EntityType, data any, priority models.Priority) (*models.QueueItem, error) {
	if !entityType.Valid() {
		return nil, apperrors.New(apperrors.ErrQueueEnqueue, fmt.Sprintf("unknown entity type %q", entityType))
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueEnqueue, "marshal queue payload", err)
	}

	item := &models.QueueItem{
		Operation:  op,
		EntityType: entityType,
		Data:       raw,
		Priority:   priority,
		Timestamp:  models.Now(),
		MaxRetries: s.queueMaxRetries,
		Status:     models.QueuePending,
	}

	stmt, err := s.prepare(`INSERT INTO sync_queue
		(operation, entity_type, data, priority, timestamp, retry_count, max_retries, status)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueEnqueue, "prepare enqueue", err)
	}
	res, err := stmt.Exec(item.Operation, item.EntityType, string(raw), item.Priority,
		item.Timestamp, item.MaxRetries, item.Status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueEnqueue, "insert queue item", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueEnqueue, "read queue item id", err)
	}
	item.ID = id
	return item, nil
}

const queueColumns = "id, operation, entity_type, data, priority, timestamp, retry_count, max_retries, last_retry, status"

func scanQueueItem(scanner interface{ Scan(...any) error }) (*models.QueueItem, error) {
	var item models.QueueItem
	var data string
	var lastRetry sql.NullString
	if err := scanner.Scan(&item.ID, &item.Operation, &item.EntityType, &data,
		&item.Priority, &item.Timestamp, &item.RetryCount, &item.MaxRetries,
		&lastRetry, &item.Status); err != nil {
		return nil, err
	}
	item.Data = json.RawMessage(data)
	if lastRetry.Valid {
		item.LastRetry = &lastRetry.String
	}
	return &item, nil
}

// GetSyncQueue returns all pending items in insertion order, optionally
// filtered to a single priority tier. Parked items are excluded; they are
// out of the drain set until requeued.
func (s *Store) GetSyncQueue(priority models.Priority) ([]*models.QueueItem, error) {
	query := fmt.Sprintf("SELECT %s FROM sync_queue WHERE status = ? ORDER BY timestamp, id", queueColumns)
	args := []any{models.QueuePending}
	if priority != "" {
		query = fmt.Sprintf("SELECT %s FROM sync_queue WHERE status = ? AND priority = ? ORDER BY timestamp, id", queueColumns)
		args = append(args, priority)
	}

	stmt, err := s.prepare(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "prepare queue read", err)
	}
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "read sync queue", err)
	}
	defer rows.Close()

	items := make([]*models.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "scan queue item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "iterate queue", err)
	}
	return items, nil
}

// GetSyncQueueItem returns one queue item by id.
func (s *Store) GetSyncQueueItem(id int64) (*models.QueueItem, error) {
	stmt, err := s.prepare(fmt.Sprintf("SELECT %s FROM sync_queue WHERE id = ?", queueColumns))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "prepare queue item read", err)
	}
	item, err := scanQueueItem(stmt.QueryRow(id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrQueueNotFound, fmt.Sprintf("queue item %d not found", id))
		}
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "read queue item", err)
	}
	return item, nil
}

// RemoveSyncQueueItem deletes a queue item. Only a successful sync attempt
// or an exhausted retry budget removes items.
func (s *Store) RemoveSyncQueueItem(id int64) error {
	stmt, err := s.prepare("DELETE FROM sync_queue WHERE id = ?")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, "prepare queue delete", err)
	}
	if _, err := stmt.Exec(id); err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, fmt.Sprintf("remove queue item %d", id), err)
	}
	return nil
}

// IncrementRetryCount bumps the attempt counter and stamps lastRetry.
func (s *Store) IncrementRetryCount(id int64) error {
	stmt, err := s.prepare("UPDATE sync_queue SET retry_count = retry_count + 1, last_retry = ? WHERE id = ?")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, "prepare retry update", err)
	}
	res, err := stmt.Exec(models.Now(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, fmt.Sprintf("increment retry for %d", id), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.New(apperrors.ErrQueueNotFound, fmt.Sprintf("queue item %d not found", id))
	}
	return nil
}

// ParkSyncQueueItem moves an exhausted item out of the drain set instead
// of discarding it, so a manual path can recover it later.
func (s *Store) ParkSyncQueueItem(id int64) error {
	stmt, err := s.prepare("UPDATE sync_queue SET status = ? WHERE id = ?")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, "prepare park", err)
	}
	res, err := stmt.Exec(models.QueueParked, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, fmt.Sprintf("park queue item %d", id), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.New(apperrors.ErrQueueNotFound, fmt.Sprintf("queue item %d not found", id))
	}
	return nil
}

// RequeueParked returns every parked item to the pending set with a fresh
// retry budget. Returns the number of items requeued.
func (s *Store) RequeueParked() (int, error) {
	res, err := s.db.Exec("UPDATE sync_queue SET status = ?, retry_count = 0, last_retry = NULL WHERE status = ?",
		models.QueuePending, models.QueueParked)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStoreWrite, "requeue parked items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStoreWrite, "count requeued items", err)
	}
	return int(n), nil
}

// PendingCount returns the number of pending queue items, for the UI's
// pending-sync badge.
func (s *Store) PendingCount() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sync_queue WHERE status = ?", models.QueuePending).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStoreQuery, "count pending queue items", err)
	}
	return count, nil
}
