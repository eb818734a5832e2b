// Package notify turns domain actions into targeted per-recipient
// notifications: scoped fan-out for drawing uploads and user additions,
// tenant-wide broadcast for issued blockers. Notifications live in process
// memory for the session; this is a live convenience layer, not the system
// of record.
package notify

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/siteworks/blockersync/internal/errors"
	"github.com/siteworks/blockersync/internal/logging"
	"github.com/siteworks/blockersync/internal/models"
)

// DefaultLimit caps GetUserNotifications when the caller passes no limit.
const DefaultLimit = 50

// Directory resolves notification recipients. It fronts the auth/role
// oracle; its output is trusted without re-validation.
type Directory interface {
	SubcontractorsForProject(projectID string) ([]models.User, error)
	SubcontractorsForCompany(companyID string) ([]models.User, error)
	AllSubcontractors() ([]models.User, error)
}

// Subscriber receives notifications emitted on a channel.
type Subscriber func(*models.Notification)

type subscription struct {
	id int
	fn Subscriber
}

// Service is the in-memory notification fan-out.
type Service struct {
	dir Directory
	log *logging.Logger

	mu            sync.RWMutex
	notifications []*models.Notification
	subs          map[string][]subscription
	nextSub       int
}

// NewService creates the fan-out service.
func NewService(dir Directory, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Get()
	}
	return &Service{
		dir:  dir,
		log:  log,
		subs: make(map[string][]subscription),
	}
}

// Subscribe registers a subscriber on a channel (a notification type, or
// "user_<id>" for per-recipient delivery) and returns its unsubscribe
// function.
func (s *Service) Subscribe(channel string, fn Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.subs[channel] = append(s.subs[channel], subscription{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, sub := range subs {
			if sub.id == id {
				s.subs[channel] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// UserChannel names the per-recipient delivery channel.
func UserChannel(userID string) string {
	return "user_" + userID
}

// emit delivers to one channel's subscribers. A panicking subscriber is
// logged and the rest still run.
func (s *Service) emit(channel string, n *models.Notification) {
	s.mu.RLock()
	subs := make([]subscription, len(s.subs[channel]))
	copy(subs, s.subs[channel])
	s.mu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("notification subscriber panicked", fmt.Errorf("%v", r),
						map[string]any{"channel": channel, "notification": n.ID})
				}
			}()
			sub.fn(n)
		}()
	}
}

// store records the notification and fans it out: once on the generic
// type channel, once per recipient channel.
func (s *Service) store(n *models.Notification) {
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()

	s.emit(n.Type, n)
	for _, userID := range n.Recipients {
		s.emit(UserChannel(userID), n)
	}
}

func newNotification(nType, title, message string, recipients []models.User, data map[string]any) *models.Notification {
	ids := make([]string, 0, len(recipients))
	for _, u := range recipients {
		ids = append(ids, u.ID)
	}
	return &models.Notification{
		ID:         uuid.New().String(),
		Type:       nType,
		Title:      title,
		Message:    message,
		CreatedAt:  models.Now(),
		Recipients: ids,
		Data:       data,
		ReadBy:     []string{},
	}
}

// NotifyDrawingUpload notifies the subcontractors with access to the
// drawing's project.
func (s *Service) NotifyDrawingUpload(drawing *models.Drawing) (*models.Notification, error) {
	recipients, err := s.dir.SubcontractorsForProject(drawing.ProjectID)
	if err != nil {
		return nil, err
	}

	n := newNotification(
		models.NotificationDrawingUpload,
		"New drawing uploaded",
		fmt.Sprintf("%s was uploaded to your project", drawing.OriginalName),
		recipients,
		map[string]any{"drawingId": drawing.ID, "projectId": drawing.ProjectID},
	)
	s.store(n)

	s.log.Info("drawing upload notification sent",
		map[string]any{"drawing": drawing.ID, "recipients": len(n.Recipients)})
	return n, nil
}

// NotifyUserAddition notifies the subcontractors in the new user's
// company.
func (s *Service) NotifyUserAddition(user *models.User) (*models.Notification, error) {
	recipients, err := s.dir.SubcontractorsForCompany(user.CompanyID)
	if err != nil {
		return nil, err
	}

	n := newNotification(
		models.NotificationUserAdded,
		"New team member",
		fmt.Sprintf("%s joined the team", user.Name),
		recipients,
		map[string]any{"userId": user.ID, "companyId": user.CompanyID},
	)
	s.store(n)

	s.log.Info("user addition notification sent",
		map[string]any{"user": user.ID, "recipients": len(n.Recipients)})
	return n, nil
}

// NotifyBlockerToAllSubcontractors broadcasts an issued blocker to every
// subcontractor in the tenant, regardless of project membership. Blockers
// escalate to everyone; on read the blocker type bypasses the recipient
// filter entirely.
func (s *Service) NotifyBlockerToAllSubcontractors(blocker *models.Blocker) (*models.Notification, error) {
	recipients, err := s.dir.AllSubcontractors()
	if err != nil {
		return nil, err
	}

	n := newNotification(
		models.NotificationBlockerIssued,
		"Blocker issued",
		fmt.Sprintf("Blocker: %s", blocker.Title),
		recipients,
		map[string]any{"blockerId": blocker.ID, "projectId": blocker.ProjectID},
	)
	s.store(n)

	s.log.Info("blocker broadcast sent",
		map[string]any{"blocker": blocker.ID, "recipients": len(n.Recipients)})
	return n, nil
}

// GetUserNotifications returns the union of notifications addressed to the
// user and all blocker broadcasts, newest first. limit <= 0 applies
// DefaultLimit.
func (s *Service) GetUserNotifications(userID string, limit int) []*models.Notification {
	if limit <= 0 {
		limit = DefaultLimit
	}

	s.mu.RLock()
	matched := make([]*models.Notification, 0)
	for _, n := range s.notifications {
		if n.Type == models.NotificationBlockerIssued || n.AddressedTo(userID) {
			matched = append(matched, n)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		// RFC3339 sorts lexically.
		return matched[i].CreatedAt > matched[j].CreatedAt
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// MarkAsRead appends the user to the notification's readBy set.
// Marking twice is a no-op.
func (s *Service) MarkAsRead(notificationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.ID != notificationID {
			continue
		}
		if !n.IsReadBy(userID) {
			n.ReadBy = append(n.ReadBy, userID)
		}
		return nil
	}
	return apperrors.New(apperrors.ErrNotifyNotFound,
		fmt.Sprintf("notification %s not found", notificationID))
}

// Count returns the number of notifications held this session.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notifications)
}
