package models

// Blocker is a reported obstacle blocking field progress. Beyond the
// envelope the core treats these fields as opaque; only the remote API and
// the UI interpret them.
type Blocker struct {
	Envelope
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	CompanyID   string `json:"companyId,omitempty"`
	AssigneeID  string `json:"assigneeId,omitempty"`
	ReporterID  string `json:"reporterId,omitempty"`
	Location    string `json:"location,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	PhotoPath   string `json:"photoPath,omitempty"`
}

// NewBlocker returns a blocker with its envelope tagged.
func NewBlocker() *Blocker {
	return &Blocker{Envelope: Envelope{EntityType: EntityBlocker}}
}
