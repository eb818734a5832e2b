package models

// Notification types. Blocker notifications broadcast tenant-wide and
// bypass the recipient filter on read.
const (
	NotificationDrawingUpload = "drawing_upload"
	NotificationUserAdded     = "user_added"
	NotificationBlockerIssued = "blocker_issued"
)

// Notification is a targeted in-session message to one or more users.
// Notifications are held in memory only; they are a live-session
// convenience layer, not the system of record.
type Notification struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	CreatedAt  string         `json:"createdAt"`
	Recipients []string       `json:"recipients"`
	Data       map[string]any `json:"data,omitempty"`
	ReadBy     []string       `json:"readBy"`
}

// IsReadBy reports whether the user has marked the notification read.
func (n *Notification) IsReadBy(userID string) bool {
	for _, id := range n.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// AddressedTo reports whether the user is an explicit recipient.
func (n *Notification) AddressedTo(userID string) bool {
	for _, id := range n.Recipients {
		if id == userID {
			return true
		}
	}
	return false
}
