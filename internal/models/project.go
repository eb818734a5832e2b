package models

// Project is a construction project within a tenant company.
type Project struct {
	Envelope
	Name      string `json:"name"`
	Status    string `json:"status,omitempty"`
	CompanyID string `json:"companyId,omitempty"`
	Address   string `json:"address,omitempty"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// NewProject returns a project with its envelope tagged.
func NewProject() *Project {
	return &Project{Envelope: Envelope{EntityType: EntityProject}}
}
