package notify

import (
	"encoding/json"

	apperrors "github.com/siteworks/blockersync/internal/errors"
	"github.com/siteworks/blockersync/internal/models"
)

// UserSource is the slice of the local store the directory reads.
type UserSource interface {
	GetAll(table, indexName, indexValue string) ([]json.RawMessage, error)
}

// StoreDirectory resolves recipients from the locally cached users table.
// Role and company fields come from the auth oracle via sync and are
// trusted as stored.
type StoreDirectory struct {
	source UserSource
}

// NewStoreDirectory creates a directory over the local store.
func NewStoreDirectory(source UserSource) *StoreDirectory {
	return &StoreDirectory{source: source}
}

func (d *StoreDirectory) subcontractors() ([]models.User, error) {
	raws, err := d.source.GetAll("users", "role", models.RoleSubcontractor)
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(raws))
	for _, raw := range raws {
		var u models.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreInvalid, "decode user", err)
		}
		users = append(users, u)
	}
	return users, nil
}

// SubcontractorsForProject implements Directory.
func (d *StoreDirectory) SubcontractorsForProject(projectID string) ([]models.User, error) {
	all, err := d.subcontractors()
	if err != nil {
		return nil, err
	}
	scoped := make([]models.User, 0, len(all))
	for _, u := range all {
		if u.OnProject(projectID) {
			scoped = append(scoped, u)
		}
	}
	return scoped, nil
}

// SubcontractorsForCompany implements Directory.
func (d *StoreDirectory) SubcontractorsForCompany(companyID string) ([]models.User, error) {
	all, err := d.subcontractors()
	if err != nil {
		return nil, err
	}
	scoped := make([]models.User, 0, len(all))
	for _, u := range all {
		if u.CompanyID == companyID {
			scoped = append(scoped, u)
		}
	}
	return scoped, nil
}

// AllSubcontractors implements Directory.
func (d *StoreDirectory) AllSubcontractors() ([]models.User, error) {
	return d.subcontractors()
}
