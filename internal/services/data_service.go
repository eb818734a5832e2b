// Package services provides the offline-aware data facade: the single
// entry point the rest of the application uses. Every mutation lands in
// the local store first, a sync operation is queued, and the synchronizer
// is nudged when online. Reads never touch the network.
package services

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/siteworks/blockersync/internal/errors"
	"github.com/siteworks/blockersync/internal/events"
	"github.com/siteworks/blockersync/internal/logging"
	"github.com/siteworks/blockersync/internal/models"
)

// Storage is the slice of the local store the facade uses.
type Storage interface {
	Get(table, id string) (json.RawMessage, error)
	GetAll(table, indexName, indexValue string) ([]json.RawMessage, error)
	Put(table string, doc any) error
	Delete(table, id string) error
	AddToSyncQueue(op models.Operation, entityType models.EntityType, data any, priority models.Priority) (*models.QueueItem, error)
	PendingCount() (int, error)
	HasOfflineData() (bool, error)
	GetMeta(key string) (string, error)
	ClearAll() error
}

// Syncer triggers drain cycles and the first-run bootstrap.
type Syncer interface {
	Run(ctx context.Context) error
	Bootstrap(ctx context.Context) error
}

// OnlineChecker reports the current connectivity verdict.
type OnlineChecker interface {
	IsOnline() bool
}

// metaInitialDataLoaded mirrors store.MetaInitialDataLoaded without
// importing the concrete store package.
const metaInitialDataLoaded = "initialDataLoaded"

// DataService hides the online/offline distinction from callers. Writes
// complete when local durability is reached; remote durability is
// asynchronous and observable only through sync events.
type DataService struct {
	store   Storage
	syncer  Syncer
	online  OnlineChecker
	bus     *events.Bus
	log     *logging.Logger
}

// New creates the facade.
func New(store Storage, syncer Syncer, online OnlineChecker, bus *events.Bus, log *logging.Logger) *DataService {
	if log == nil {
		log = logging.Get()
	}
	return &DataService{
		store:  store,
		syncer: syncer,
		online: online,
		bus:    bus,
		log:    log,
	}
}

// nudge fires a background drain cycle if we are online. Callers never
// wait on network I/O.
func (s *DataService) nudge() {
	if s.online == nil || !s.online.IsOnline() {
		return
	}
	go func() {
		if err := s.syncer.Run(context.Background()); err != nil {
			s.log.Error("background sync failed", err, nil)
		}
	}()
}

// create stamps the envelope, persists locally, then enqueues. A failed
// local write aborts before the enqueue so the store and queue never
// diverge.
func (s *DataService) create(e models.Entity) error {
	m := e.Meta()
	if !m.EntityType.Valid() {
		return apperrors.New(apperrors.ErrStoreInvalid, fmt.Sprintf("unknown entity type %q", m.EntityType))
	}
	if m.ID == "" {
		m.ID = models.NewID(m.EntityType)
	}
	m.SyncStatus = models.SyncPending
	now := models.Now()
	m.CreatedAt = now
	m.LastModified = now

	if err := s.store.Put(m.EntityType.TableName(), e); err != nil {
		return err
	}
	if _, err := s.store.AddToSyncQueue(models.OpCreate, m.EntityType, e, models.PriorityFor(m.EntityType)); err != nil {
		return err
	}
	s.nudge()
	return nil
}

// update merges field updates into the locally stored document. Updating
// an entity that does not exist locally is a not-found error.
func (s *DataService) update(t models.EntityType, id string, updates map[string]any) (json.RawMessage, error) {
	table := t.TableName()
	raw, err := s.store.Get(table, id)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode stored entity", err)
	}
	for k, v := range updates {
		doc[k] = v
	}
	// The envelope keys are not the caller's to rewrite.
	doc["id"] = id
	doc["entityType"] = string(t)
	doc["syncStatus"] = string(models.SyncPending)
	doc["lastModified"] = models.Now()

	if err := s.store.Put(table, doc); err != nil {
		return nil, err
	}
	if _, err := s.store.AddToSyncQueue(models.OpUpdate, t, doc, models.PriorityFor(t)); err != nil {
		return nil, err
	}
	s.nudge()

	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "encode merged entity", err)
	}
	return merged, nil
}

// remove deletes locally and enqueues a minimal delete payload.
func (s *DataService) remove(t models.EntityType, id string) error {
	if err := s.store.Delete(t.TableName(), id); err != nil {
		return err
	}
	payload := map[string]any{"id": id, "entityType": string(t)}
	if _, err := s.store.AddToSyncQueue(models.OpDelete, t, payload, models.PriorityFor(t)); err != nil {
		return err
	}
	s.nudge()
	return nil
}

// Blockers

// GetBlockers returns all blockers from the local store.
func (s *DataService) GetBlockers() ([]models.Blocker, error) {
	return s.getBlockers("", "")
}

// GetBlockersByProject returns blockers scoped to one project.
func (s *DataService) GetBlockersByProject(projectID string) ([]models.Blocker, error) {
	return s.getBlockers("projectId", projectID)
}

// GetBlockersByStatus returns blockers in a given workflow status.
func (s *DataService) GetBlockersByStatus(status string) ([]models.Blocker, error) {
	return s.getBlockers("status", status)
}

func (s *DataService) getBlockers(indexName, indexValue string) ([]models.Blocker, error) {
	raws, err := s.store.GetAll("blockers", indexName, indexValue)
	if err != nil {
		return nil, err
	}
	items := make([]models.Blocker, 0, len(raws))
	for _, raw := range raws {
		var b models.Blocker
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode blocker", err)
		}
		items = append(items, b)
	}
	return items, nil
}

// GetBlocker returns one blocker by id.
func (s *DataService) GetBlocker(id string) (*models.Blocker, error) {
	raw, err := s.store.Get("blockers", id)
	if err != nil {
		return nil, err
	}
	var b models.Blocker
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode blocker", err)
	}
	return &b, nil
}

// CreateBlocker persists a new blocker locally and queues its sync at high
// priority.
func (s *DataService) CreateBlocker(b *models.Blocker) error {
	b.EntityType = models.EntityBlocker
	return s.create(b)
}

// UpdateBlocker merges updates into an existing blocker.
func (s *DataService) UpdateBlocker(id string, updates map[string]any) (*models.Blocker, error) {
	merged, err := s.update(models.EntityBlocker, id, updates)
	if err != nil {
		return nil, err
	}
	var b models.Blocker
	if err := json.Unmarshal(merged, &b); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode blocker", err)
	}
	return &b, nil
}

// DeleteBlocker removes a blocker locally and queues the remote delete.
func (s *DataService) DeleteBlocker(id string) error {
	return s.remove(models.EntityBlocker, id)
}

// Drawings

// GetDrawings returns all drawings from the local store.
func (s *DataService) GetDrawings() ([]models.Drawing, error) {
	return s.getDrawings("", "")
}

// GetDrawingsByProject returns drawings scoped to one project.
func (s *DataService) GetDrawingsByProject(projectID string) ([]models.Drawing, error) {
	return s.getDrawings("projectId", projectID)
}

func (s *DataService) getDrawings(indexName, indexValue string) ([]models.Drawing, error) {
	raws, err := s.store.GetAll("drawings", indexName, indexValue)
	if err != nil {
		return nil, err
	}
	items := make([]models.Drawing, 0, len(raws))
	for _, raw := range raws {
		var d models.Drawing
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode drawing", err)
		}
		items = append(items, d)
	}
	return items, nil
}

// CreateDrawing persists a new drawing record locally and queues its sync.
func (s *DataService) CreateDrawing(d *models.Drawing) error {
	d.EntityType = models.EntityDrawing
	return s.create(d)
}

// UpdateDrawing merges updates into an existing drawing.
func (s *DataService) UpdateDrawing(id string, updates map[string]any) (*models.Drawing, error) {
	merged, err := s.update(models.EntityDrawing, id, updates)
	if err != nil {
		return nil, err
	}
	var d models.Drawing
	if err := json.Unmarshal(merged, &d); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode drawing", err)
	}
	return &d, nil
}

// DeleteDrawing removes a drawing locally and queues the remote delete.
func (s *DataService) DeleteDrawing(id string) error {
	return s.remove(models.EntityDrawing, id)
}

// Projects

// GetProjects returns all projects from the local store.
func (s *DataService) GetProjects() ([]models.Project, error) {
	raws, err := s.store.GetAll("projects", "", "")
	if err != nil {
		return nil, err
	}
	items := make([]models.Project, 0, len(raws))
	for _, raw := range raws {
		var p models.Project
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode project", err)
		}
		items = append(items, p)
	}
	return items, nil
}

// CreateProject persists a new project locally and queues its sync.
func (s *DataService) CreateProject(p *models.Project) error {
	p.EntityType = models.EntityProject
	return s.create(p)
}

// UpdateProject merges updates into an existing project.
func (s *DataService) UpdateProject(id string, updates map[string]any) (*models.Project, error) {
	merged, err := s.update(models.EntityProject, id, updates)
	if err != nil {
		return nil, err
	}
	var p models.Project
	if err := json.Unmarshal(merged, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode project", err)
	}
	return &p, nil
}

// DeleteProject removes a project locally and queues the remote delete.
func (s *DataService) DeleteProject(id string) error {
	return s.remove(models.EntityProject, id)
}

// Users

// GetUsers returns all users from the local store.
func (s *DataService) GetUsers() ([]models.User, error) {
	return s.getUsers("", "")
}

// GetUsersByRole returns users holding a given role.
func (s *DataService) GetUsersByRole(role string) ([]models.User, error) {
	return s.getUsers("role", role)
}

// GetUsersByCompany returns users belonging to a company.
func (s *DataService) GetUsersByCompany(companyID string) ([]models.User, error) {
	return s.getUsers("companyId", companyID)
}

func (s *DataService) getUsers(indexName, indexValue string) ([]models.User, error) {
	raws, err := s.store.GetAll("users", indexName, indexValue)
	if err != nil {
		return nil, err
	}
	items := make([]models.User, 0, len(raws))
	for _, raw := range raws {
		var u models.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode user", err)
		}
		items = append(items, u)
	}
	return items, nil
}

// CreateUser persists a new user locally and queues its sync.
func (s *DataService) CreateUser(u *models.User) error {
	u.EntityType = models.EntityUser
	return s.create(u)
}

// UpdateUser merges updates into an existing user.
func (s *DataService) UpdateUser(id string, updates map[string]any) (*models.User, error) {
	merged, err := s.update(models.EntityUser, id, updates)
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := json.Unmarshal(merged, &u); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode user", err)
	}
	return &u, nil
}

// DeleteUser removes a user locally and queues the remote delete.
func (s *DataService) DeleteUser(id string) error {
	return s.remove(models.EntityUser, id)
}

// Lifecycle and status

// EnsureBootstrapped performs the one-time first-run load when the local
// store is empty and we are online. Subsequent runs are no-ops.
func (s *DataService) EnsureBootstrapped(ctx context.Context) error {
	loaded, err := s.store.GetMeta(metaInitialDataLoaded)
	if err != nil {
		return err
	}
	if loaded == "true" {
		return nil
	}
	hasData, err := s.store.HasOfflineData()
	if err != nil {
		return err
	}
	if hasData {
		return nil
	}
	if s.online != nil && !s.online.IsOnline() {
		s.log.Info("bootstrap deferred until online", nil)
		return nil
	}
	return s.syncer.Bootstrap(ctx)
}

// TriggerManualSync starts a drain cycle on user request and announces it
// on the bus.
func (s *DataService) TriggerManualSync() {
	s.bus.Publish(events.ManualSyncStart, nil)
	go func() {
		if err := s.syncer.Run(context.Background()); err != nil {
			s.log.Error("manual sync failed", err, nil)
		}
	}()
}

// PendingCount returns the number of queued operations, for UI badges.
func (s *DataService) PendingCount() (int, error) {
	return s.store.PendingCount()
}

// Reset clears every local table; used on logout.
func (s *DataService) Reset() error {
	return s.store.ClearAll()
}
