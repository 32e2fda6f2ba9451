package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Store is the persistence contract used by Engine.
type Store interface {
	InsertNotifications(ctx context.Context, notifications []Notification) error
	ListStaffIDs(ctx context.Context) ([]string, error)
	ListForRecipient(ctx context.Context, recipientID string, kind RecipientKind, offset int, limit int, unreadOnly bool) ([]Notification, error)
	CountForRecipient(ctx context.Context, recipientID string, kind RecipientKind) (total int64, unread int64, err error)
	MarkRead(ctx context.Context, notificationID string, recipientID string, kind RecipientKind, readAtUnixUTC int64) error
	MarkAllRead(ctx context.Context, recipientID string, kind RecipientKind, readAtUnixUTC int64) (int64, error)
	DeleteNotification(ctx context.Context, notificationID string, recipientID string, kind RecipientKind) error
}

// Engine converts domain events into persisted notifications.
type Engine struct {
	store  Store
	nowFn  func() int64
	logger *zap.Logger
}

// NewEngine wires an Engine.
func NewEngine(store Store, now func() int64, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidEngineConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidEngineConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, nowFn: now, logger: logger}, nil
}

// NotifyUser creates one notification addressed to a single user.
func (engine *Engine) NotifyUser(ctx context.Context, userID string, event Event) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidRecipientID)
	}
	notification, err := engine.buildNotification(userID, RecipientUser, event)
	if err != nil {
		return err
	}
	if err := engine.store.InsertNotifications(ctx, []Notification{notification}); err != nil {
		return err
	}
	engine.logger.Debug("notification dispatched",
		zap.String("recipient_id", userID),
		zap.String("type", event.Type.String()))
	return nil
}

// NotifyAllStaff creates one notification per staff member, admins and
// super-admins alike.
func (engine *Engine) NotifyAllStaff(ctx context.Context, event Event) error {
	staffIDs, err := engine.store.ListStaffIDs(ctx)
	if err != nil {
		return err
	}
	if len(staffIDs) == 0 {
		return nil
	}
	notifications := make([]Notification, 0, len(staffIDs))
	for _, staffID := range staffIDs {
		notification, err := engine.buildNotification(staffID, RecipientStaff, event)
		if err != nil {
			return err
		}
		notifications = append(notifications, notification)
	}
	if err := engine.store.InsertNotifications(ctx, notifications); err != nil {
		return err
	}
	engine.logger.Debug("staff notifications dispatched",
		zap.Int("recipients", len(staffIDs)),
		zap.String("type", event.Type.String()))
	return nil
}

// ListForRecipient returns one newest-first page plus total and unread counts.
func (engine *Engine) ListForRecipient(ctx context.Context, recipientID string, kind RecipientKind, page int, pageSize int, unreadOnly bool) (Page, error) {
	if strings.TrimSpace(recipientID) == "" {
		return Page{}, fmt.Errorf("%w: empty recipient id", ErrInvalidRecipientID)
	}
	if page < 1 {
		return Page{}, fmt.Errorf("%w: page must be >= 1", ErrInvalidPage)
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	offset := (page - 1) * pageSize
	notifications, err := engine.store.ListForRecipient(ctx, recipientID, kind, offset, pageSize, unreadOnly)
	if err != nil {
		return Page{}, err
	}
	total, unread, err := engine.store.CountForRecipient(ctx, recipientID, kind)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Notifications: notifications,
		TotalCount:    total,
		UnreadCount:   unread,
	}, nil
}

// UnreadCount reports how many notifications the recipient has not read.
func (engine *Engine) UnreadCount(ctx context.Context, recipientID string, kind RecipientKind) (int64, error) {
	if strings.TrimSpace(recipientID) == "" {
		return 0, fmt.Errorf("%w: empty recipient id", ErrInvalidRecipientID)
	}
	_, unread, err := engine.store.CountForRecipient(ctx, recipientID, kind)
	return unread, err
}

// MarkRead marks one notification read, only when owned by the caller.
func (engine *Engine) MarkRead(ctx context.Context, notificationID string, recipientID string, kind RecipientKind) error {
	if strings.TrimSpace(recipientID) == "" {
		return fmt.Errorf("%w: empty recipient id", ErrInvalidRecipientID)
	}
	return engine.store.MarkRead(ctx, notificationID, recipientID, kind, engine.nowFn())
}

// MarkAllRead marks every unread notification owned by the caller.
func (engine *Engine) MarkAllRead(ctx context.Context, recipientID string, kind RecipientKind) (int64, error) {
	if strings.TrimSpace(recipientID) == "" {
		return 0, fmt.Errorf("%w: empty recipient id", ErrInvalidRecipientID)
	}
	return engine.store.MarkAllRead(ctx, recipientID, kind, engine.nowFn())
}

// Delete removes one notification, only when owned by the caller.
func (engine *Engine) Delete(ctx context.Context, notificationID string, recipientID string, kind RecipientKind) error {
	if strings.TrimSpace(recipientID) == "" {
		return fmt.Errorf("%w: empty recipient id", ErrInvalidRecipientID)
	}
	return engine.store.DeleteNotification(ctx, notificationID, recipientID, kind)
}

func (engine *Engine) buildNotification(recipientID string, kind RecipientKind, event Event) (Notification, error) {
	if strings.TrimSpace(string(event.Type)) == "" {
		return Notification{}, fmt.Errorf("%w: empty type", ErrInvalidEvent)
	}
	if strings.TrimSpace(event.Title) == "" {
		return Notification{}, fmt.Errorf("%w: empty title", ErrInvalidEvent)
	}
	return Notification{
		NotificationID: uuid.NewString(),
		RecipientID:    recipientID,
		RecipientKind:  kind,
		Type:           event.Type,
		Title:          event.Title,
		Message:        event.Message,
		Metadata:       event.Metadata,
		RelatedKind:    event.RelatedKind,
		RelatedID:      event.RelatedID,
		Priority:       PriorityFor(event.Type),
		CreatedUnixUTC: engine.nowFn(),
	}, nil
}
