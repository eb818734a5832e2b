package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/siteworks/blockersync/internal/errors"
	"github.com/siteworks/blockersync/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBlocker(id, projectID, status string) *models.Blocker {
	b := models.NewBlocker()
	b.ID = id
	b.SyncStatus = models.SyncPending
	b.CreatedAt = models.Now()
	b.LastModified = b.CreatedAt
	b.Title = "Crane access blocked"
	b.ProjectID = projectID
	b.Status = status
	return b
}

func TestPutGetRoundtrip(t *testing.T) {
	s := testStore(t)

	b := testBlocker("blocker_1_aa", "p1", "open")
	require.NoError(t, s.Put("blockers", b))

	raw, err := s.Get("blockers", "blocker_1_aa")
	require.NoError(t, err)

	var got models.Blocker
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "Crane access blocked", got.Title)
	require.Equal(t, models.SyncPending, got.SyncStatus)
}

func TestPutOverwrites(t *testing.T) {
	s := testStore(t)

	b := testBlocker("blocker_1_aa", "p1", "open")
	require.NoError(t, s.Put("blockers", b))

	b.Title = "Updated title"
	require.NoError(t, s.Put("blockers", b))

	count, err := s.GetCount("blockers")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	raw, err := s.Get("blockers", "blocker_1_aa")
	require.NoError(t, err)
	var got models.Blocker
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "Updated title", got.Title)
}

func TestPutRejectsMissingIdentity(t *testing.T) {
	s := testStore(t)

	b := models.NewBlocker() // no id
	err := s.Put("blockers", b)
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.ErrStoreInvalid))

	// Unknown entityType is equally rejected.
	err = s.Put("blockers", map[string]any{"id": "x", "entityType": "widget"})
	require.True(t, apperrors.Is(err, apperrors.ErrStoreInvalid))
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.Get("blockers", "missing")
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.ErrStoreNotFound))
}

func TestGetAllIndexFilter(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put("blockers", testBlocker("b1", "p1", "open")))
	require.NoError(t, s.Put("blockers", testBlocker("b2", "p1", "resolved")))
	require.NoError(t, s.Put("blockers", testBlocker("b3", "p2", "open")))

	all, err := s.GetAll("blockers", "", "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	p1, err := s.GetAll("blockers", "projectId", "p1")
	require.NoError(t, err)
	require.Len(t, p1, 2)

	open, err := s.GetAll("blockers", "status", "open")
	require.NoError(t, err)
	require.Len(t, open, 2)

	_, err = s.GetAll("blockers", "assignee", "x")
	require.True(t, apperrors.Is(err, apperrors.ErrStoreBadIndex))
}

func TestGetAllEmptyTable(t *testing.T) {
	s := testStore(t)

	all, err := s.GetAll("drawings", "", "")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestDeleteAbsentIsNoError(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Delete("blockers", "never-existed"))
}

func TestUnknownTableRejected(t *testing.T) {
	s := testStore(t)

	err := s.Put("invoices", map[string]any{"id": "x", "entityType": "blocker"})
	require.True(t, apperrors.Is(err, apperrors.ErrStoreBadTable))

	_, err = s.Get("invoices", "x")
	require.True(t, apperrors.Is(err, apperrors.ErrStoreBadTable))
}

func TestMarkSynced(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put("blockers", testBlocker("b1", "p1", "open")))
	require.NoError(t, s.MarkSynced("blockers", "b1"))

	raw, err := s.Get("blockers", "b1")
	require.NoError(t, err)
	var got models.Blocker
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, models.SyncSynced, got.SyncStatus)

	// The index column agrees with the document.
	synced, err := s.GetAll("blockers", "syncStatus", string(models.SyncSynced))
	require.NoError(t, err)
	require.Len(t, synced, 1)
}

func TestClearAndStorageInfo(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Put("blockers", testBlocker("b1", "p1", "open")))
	d := models.NewDrawing()
	d.ID = "d1"
	d.OriginalName = "plan.pdf"
	require.NoError(t, s.Put("drawings", d))

	has, err := s.HasOfflineData()
	require.NoError(t, err)
	require.True(t, has)

	info, err := s.GetStorageInfo()
	require.NoError(t, err)
	require.Equal(t, 1, info["blockers"])
	require.Equal(t, 1, info["drawings"])
	require.Equal(t, 0, info["projects"])

	require.NoError(t, s.Clear("blockers"))
	count, err := s.GetCount("blockers")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	require.NoError(t, s.ClearAll())
	has, err = s.HasOfflineData()
	require.NoError(t, err)
	require.False(t, has)
}

func TestBulkSaveMarksSynced(t *testing.T) {
	s := testStore(t)

	blockers := []models.Blocker{*testBlocker("b1", "p1", "open"), *testBlocker("b2", "p2", "open")}
	require.NoError(t, s.BulkSaveBlockers(blockers))

	raws, err := s.GetAll("blockers", "syncStatus", string(models.SyncSynced))
	require.NoError(t, err)
	require.Len(t, raws, 2)

	var got models.Blocker
	require.NoError(t, json.Unmarshal(raws[0], &got))
	require.Equal(t, models.SyncSynced, got.SyncStatus)
}

func TestMetadata(t *testing.T) {
	s := testStore(t)

	val, err := s.GetMeta(MetaInitialDataLoaded)
	require.NoError(t, err)
	require.Equal(t, "", val)

	require.NoError(t, s.SetMeta(MetaInitialDataLoaded, "true"))
	require.NoError(t, s.SetMeta(MetaLastSyncTime, "2026-08-29T10:00:00Z"))
	require.NoError(t, s.SetMeta(MetaLastSyncTime, "2026-08-29T11:00:00Z"))

	val, err = s.GetMeta(MetaLastSyncTime)
	require.NoError(t, err)
	require.Equal(t, "2026-08-29T11:00:00Z", val)
}
