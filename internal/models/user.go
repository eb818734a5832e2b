package models

// User roles as reported by the auth oracle. The core never enforces
// permissions; roles only scope notification fan-out.
const (
	RoleAdmin         = "admin"
	RoleContractor    = "contractor"
	RoleSubcontractor = "subcontractor"
)

// User is a tenant member. Role and company come from the auth oracle and
// are stored verbatim.
type User struct {
	Envelope
	Name       string   `json:"name"`
	Email      string   `json:"email,omitempty"`
	Role       string   `json:"role,omitempty"`
	CompanyID  string   `json:"companyId,omitempty"`
	ProjectIDs []string `json:"projectIds,omitempty"`
}

// NewUser returns a user with its envelope tagged.
func NewUser() *User {
	return &User{Envelope: Envelope{EntityType: EntityUser}}
}

// OnProject reports whether the user is scoped to the given project.
func (u *User) OnProject(projectID string) bool {
	for _, id := range u.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}
