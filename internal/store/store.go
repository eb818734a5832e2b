package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/siteworks/blockersync/internal/errors"
	"github.com/siteworks/blockersync/internal/models"
)

// Store provides key-indexed persistence for domain entities, the sync
// queue and process metadata. All methods either return a value or the
// underlying storage error; nothing is swallowed.
type Store struct {
	db *sql.DB

	// Retry budget stamped onto new queue items.
	queueMaxRetries int

	// Prepared statement cache; statements are prepared on first use and
	// reused to avoid repeated SQL parsing.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// New creates a Store over an opened database. The schema must already be
// initialized (see InitSchema).
func New(db *sql.DB) *Store {
	return &Store{db: db, queueMaxRetries: models.DefaultMaxRetries}
}

// SetQueueMaxRetries overrides the retry budget for subsequently enqueued
// items. Items already queued keep the budget they were created with.
func (s *Store) SetQueueMaxRetries(n int) {
	if n > 0 {
		s.queueMaxRetries = n
	}
}

// Open is the convenience constructor used by the wiring layer: it opens
// the database under dataDir and initializes the schema.
func Open(dataDir string) (*Store, error) {
	db, err := OpenDB(dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreOpen, "open local store", err)
	}
	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrStoreOpen, "initialize schema", err)
	}
	return New(db), nil
}

// Close closes cached statements and the database.
func (s *Store) Close() error {
	s.stmtCache.Range(func(key, value any) bool {
		value.(*sql.Stmt).Close()
		return true
	})
	return s.db.Close()
}

// prepare gets or creates a prepared statement from the cache.
func (s *Store) prepare(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// indexColumns are the secondary-index lookups GetAll supports, keyed by
// the JSON field name callers use.
var indexColumns = map[string]string{
	"status":     "status",
	"projectId":  "project_id",
	"companyId":  "company_id",
	"role":       "role",
	"syncStatus": "sync_status",
}

func validTable(table string) error {
	for _, t := range entityTables {
		if t == table {
			return nil
		}
	}
	return apperrors.New(apperrors.ErrStoreBadTable, fmt.Sprintf("unknown table %q", table))
}

// record is the indexable projection of an entity document.
type record struct {
	ID           string            `json:"id"`
	EntityType   models.EntityType `json:"entityType"`
	SyncStatus   models.SyncStatus `json:"syncStatus"`
	CreatedAt    string            `json:"created_at"`
	LastModified string            `json:"lastModified"`
	Status       string            `json:"status"`
	ProjectID    string            `json:"projectId"`
	CompanyID    string            `json:"companyId"`
	Role         string            `json:"role"`
}

// project marshals a document and extracts its indexable fields. Every
// entity reaching the store must carry id and entityType; both are
// required keys for indexing and sync routing.
func project(doc any) (*record, []byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "marshal entity", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode entity fields", err)
	}
	if rec.ID == "" || !rec.EntityType.Valid() {
		return nil, nil, apperrors.New(apperrors.ErrStoreInvalid, "entity is missing id or entityType")
	}
	return &rec, raw, nil
}

// Put upserts a document by primary key, overwriting any existing record
// with the same id. doc may be a concrete entity or a raw map.
func (s *Store) Put(table string, doc any) error {
	if err := validTable(table); err != nil {
		return err
	}
	rec, raw, err := project(doc)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(id, entity_type, sync_status, created_at, last_modified, status, project_id, company_id, role, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type=excluded.entity_type,
			sync_status=excluded.sync_status,
			created_at=excluded.created_at,
			last_modified=excluded.last_modified,
			status=excluded.status,
			project_id=excluded.project_id,
			company_id=excluded.company_id,
			role=excluded.role,
			data=excluded.data`, table)

	stmt, err := s.prepare(query)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, "prepare upsert", err)
	}
	if _, err := stmt.Exec(rec.ID, rec.EntityType, rec.SyncStatus, rec.CreatedAt,
		rec.LastModified, rec.Status, rec.ProjectID, rec.CompanyID, rec.Role, string(raw)); err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, fmt.Sprintf("upsert into %s", table), err)
	}
	return nil
}

// Get returns the raw document for id. A missing record is a
// STORE_NOT_FOUND error.
func (s *Store) Get(table, id string) (json.RawMessage, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	stmt, err := s.prepare(fmt.Sprintf("SELECT data FROM %s WHERE id = ?", table))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "prepare get", err)
	}
	var data string
	if err := stmt.QueryRow(id).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrStoreNotFound, fmt.Sprintf("%s/%s not found", table, id))
		}
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, fmt.Sprintf("get %s/%s", table, id), err)
	}
	return json.RawMessage(data), nil
}

// GetAll returns every document in the table, eagerly materialized.
// When indexName is non-empty the result is filtered through the matching
// secondary index (status, projectId, companyId, role, syncStatus).
// Results are ordered by creation time for stable reads.
func (s *Store) GetAll(table, indexName, indexValue string) ([]json.RawMessage, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT data FROM %s ORDER BY created_at, id", table)
	args := []any{}
	if indexName != "" {
		col, ok := indexColumns[indexName]
		if !ok {
			return nil, apperrors.New(apperrors.ErrStoreBadIndex, fmt.Sprintf("unknown index %q", indexName))
		}
		query = fmt.Sprintf("SELECT data FROM %s WHERE %s = ? ORDER BY created_at, id", table, col)
		args = append(args, indexValue)
	}

	stmt, err := s.prepare(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "prepare getAll", err)
	}
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, fmt.Sprintf("query %s", table), err)
	}
	defer rows.Close()

	results := make([]json.RawMessage, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "scan row", err)
		}
		results = append(results, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "iterate rows", err)
	}
	return results, nil
}

// Delete removes a record. Deleting an absent id is not an error.
func (s *Store) Delete(table, id string) error {
	if err := validTable(table); err != nil {
		return err
	}
	stmt, err := s.prepare(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, "prepare delete", err)
	}
	if _, err := stmt.Exec(id); err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, fmt.Sprintf("delete %s/%s", table, id), err)
	}
	return nil
}

// MarkSynced flips a record's sync status to synced, both in the index
// column and inside the stored document.
func (s *Store) MarkSynced(table, id string) error {
	raw, err := s.Get(table, id)
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperrors.Wrap(apperrors.ErrStoreInvalid, "decode stored entity", err)
	}
	doc["syncStatus"] = string(models.SyncSynced)
	return s.Put(table, doc)
}

// Clear empties one table.
func (s *Store) Clear(table string) error {
	if table != "sync_queue" && table != "metadata" {
		if err := validTable(table); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, fmt.Sprintf("clear %s", table), err)
	}
	return nil
}

// ClearAll empties every table; used for logout/reset flows.
func (s *Store) ClearAll() error {
	tables := append(append([]string{}, entityTables...), "sync_queue", "metadata")
	for _, table := range tables {
		if err := s.Clear(table); err != nil {
			return err
		}
	}
	return nil
}

// GetCount returns the number of rows in a table.
func (s *Store) GetCount(table string) (int, error) {
	if err := validTable(table); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStoreQuery, fmt.Sprintf("count %s", table), err)
	}
	return count, nil
}

// GetStorageInfo returns per-table row counts, including the sync queue.
func (s *Store) GetStorageInfo() (map[string]int, error) {
	info := make(map[string]int, len(entityTables)+1)
	for _, table := range entityTables {
		count, err := s.GetCount(table)
		if err != nil {
			return nil, err
		}
		info[table] = count
	}
	var queued int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&queued); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreQuery, "count sync_queue", err)
	}
	info["sync_queue"] = queued
	return info, nil
}

// HasOfflineData reports whether any entity table has at least one row.
func (s *Store) HasOfflineData() (bool, error) {
	for _, table := range entityTables {
		count, err := s.GetCount(table)
		if err != nil {
			return false, err
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

// bulkSave loads a batch of documents in one transaction, forcing
// syncStatus to synced: bulk loads only happen during first-run bootstrap,
// when the data came from the remote source of truth.
func (s *Store) bulkSave(table string, docs []any) error {
	if err := validTable(table); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, "begin bulk save", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s
		(id, entity_type, sync_status, created_at, last_modified, status, project_id, company_id, role, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type=excluded.entity_type,
			sync_status=excluded.sync_status,
			created_at=excluded.created_at,
			last_modified=excluded.last_modified,
			status=excluded.status,
			project_id=excluded.project_id,
			company_id=excluded.company_id,
			role=excluded.role,
			data=excluded.data`, table)
	stmt, err := tx.Prepare(query)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, "prepare bulk save", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		rec, _, err := project(doc)
		if err != nil {
			return err
		}
		rec.SyncStatus = models.SyncSynced

		// Re-marshal with the forced status so column and document agree.
		var m map[string]any
		raw, _ := json.Marshal(doc)
		if err := json.Unmarshal(raw, &m); err != nil {
			return apperrors.Wrap(apperrors.ErrStoreInvalid, "decode bulk entity", err)
		}
		m["syncStatus"] = string(models.SyncSynced)
		data, _ := json.Marshal(m)

		if _, err := stmt.Exec(rec.ID, rec.EntityType, rec.SyncStatus, rec.CreatedAt,
			rec.LastModified, rec.Status, rec.ProjectID, rec.CompanyID, rec.Role, string(data)); err != nil {
			return apperrors.Wrap(apperrors.ErrStoreWrite, fmt.Sprintf("bulk save into %s", table), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, "commit bulk save", err)
	}
	return nil
}

// BulkSaveBlockers loads remote blockers during bootstrap.
func (s *Store) BulkSaveBlockers(blockers []models.Blocker) error {
	return s.bulkSave("blockers", toAny(blockers))
}

// BulkSaveDrawings loads remote drawings during bootstrap.
func (s *Store) BulkSaveDrawings(drawings []models.Drawing) error {
	return s.bulkSave("drawings", toAny(drawings))
}

// BulkSaveProjects loads remote projects during bootstrap.
func (s *Store) BulkSaveProjects(projects []models.Project) error {
	return s.bulkSave("projects", toAny(projects))
}

// BulkSaveUsers loads remote users during bootstrap.
func (s *Store) BulkSaveUsers(users []models.User) error {
	return s.bulkSave("users", toAny(users))
}

func toAny[T any](items []T) []any {
	out := make([]any, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out
}

// Metadata keys used by the sync layer.
const (
	MetaLastSyncTime      = "lastSyncTime"
	MetaInitialDataLoaded = "initialDataLoaded"
)

// SetMeta writes a metadata key.
func (s *Store) SetMeta(key, value string) error {
	stmt, err := s.prepare(`INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, "prepare metadata upsert", err)
	}
	if _, err := stmt.Exec(key, value); err != nil {
		return apperrors.Wrap(apperrors.ErrStoreWrite, fmt.Sprintf("set metadata %s", key), err)
	}
	return nil
}

// GetMeta reads a metadata key; a missing key returns "".
func (s *Store) GetMeta(key string) (string, error) {
	stmt, err := s.prepare("SELECT value FROM metadata WHERE key = ?")
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStoreQuery, "prepare metadata get", err)
	}
	var value string
	if err := stmt.QueryRow(key).Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", apperrors.Wrap(apperrors.ErrStoreQuery, fmt.Sprintf("get metadata %s", key), err)
	}
	return value, nil
}
