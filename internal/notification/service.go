// Package notification records durable notifications for ledger events.
// Records are written unconditionally, so a user with no live session finds
// them later; a best-effort push goes out when the fan-out hub is wired in.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sgrodzki/InvestSync/internal/events"
	"github.com/sgrodzki/InvestSync/internal/store"
)

// CollNotifications is the collection name, shared with the change-stream
// watcher.
const CollNotifications = "notifications"

var (
	ErrNotFound      = errors.New("notification not found")
	ErrInvalidStatus = errors.New("invalid notification status")
)

type Status string

const (
	StatusUnread   Status = "unread"
	StatusRead     Status = "read"
	StatusArchived Status = "archived"
)

func (s Status) Valid() bool {
	return s == StatusUnread || s == StatusRead || s == StatusArchived
}

type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Priority  string            `json:"priority"`
	Status    Status            `json:"status"`
	RelatedID string            `json:"relatedId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	ReadAt    *time.Time        `json:"readAt,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Pusher is the live-delivery hook. Push failures never surface here: the
// hub swallows them by design.
type Pusher interface {
	SendToUser(userID, event string, payload any)
}

type Service struct {
	store  store.Store
	pusher Pusher
	log    *logrus.Logger
	now    func() time.Time
}

func NewService(s store.Store, pusher Pusher, log *logrus.Logger) *Service {
	return &Service{store: s, pusher: pusher, log: log, now: time.Now}
}

// Notify persists the record and attempts a live push. The returned error
// reports persistence only; callers treat the whole call as fire-and-forget.
func (s *Service) Notify(ctx context.Context, userID, notifType, title, message, priority, relatedID string) error {
	now := s.now().UTC()
	n := &Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      notifType,
		Title:     title,
		Message:   message,
		Priority:  priority,
		Status:    StatusUnread,
		RelatedID: relatedID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Set(ctx, CollNotifications, n.ID, n); err != nil {
		return fmt.Errorf("could not persist notification: %w", err)
	}
	if s.pusher != nil {
		s.pusher.SendToUser(userID, events.NotificationNew, n)
	}
	return nil
}

// List returns a user's notifications, optionally filtered by status.
func (s *Service) List(ctx context.Context, userID string, status Status) ([]Notification, error) {
	conds := []store.Cond{store.Eq("userId", userID)}
	if status != "" {
		if !status.Valid() {
			return nil, ErrInvalidStatus
		}
		conds = append(conds, store.Eq("status", status))
	}
	var notifications []Notification
	err := s.store.Query(ctx, CollNotifications, conds, &notifications)
	return notifications, err
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	unread, err := s.List(ctx, userID, StatusUnread)
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	now := s.now().UTC()
	return s.update(ctx, id, map[string]any{
		"status":    StatusRead,
		"readAt":    now,
		"updatedAt": now,
	})
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) error {
	unread, err := s.List(ctx, userID, StatusUnread)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, n := range unread {
		err := s.update(ctx, n.ID, map[string]any{
			"status":    StatusRead,
			"readAt":    now,
			"updatedAt": now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Archive(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	return s.update(ctx, id, map[string]any{
		"status":    StatusArchived,
		"updatedAt": s.now().UTC(),
	})
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, CollNotifications, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Service) DeleteAll(ctx context.Context, userID string) error {
	all, err := s.List(ctx, userID, "")
	if err != nil {
		return err
	}
	for _, n := range all {
		err := s.store.Delete(ctx, CollNotifications, n.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// owned loads the record and treats an ownership mismatch as not found.
func (s *Service) owned(ctx context.Context, userID, id string) (*Notification, error) {
	var n Notification
	if err := s.store.Get(ctx, CollNotifications, id, &n); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if n.UserID != userID {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (s *Service) update(ctx context.Context, id string, fields map[string]any) error {
	if err := s.store.Update(ctx, CollNotifications, id, fields); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
