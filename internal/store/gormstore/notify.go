package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fleetshare/treasury/pkg/notify"
)

// Notifications implements notify.Store on a GORM connection.
type Notifications struct {
	db *gorm.DB
}

// NewNotifications wraps a GORM connection.
func NewNotifications(db *gorm.DB) *Notifications {
	return &Notifications{db: db}
}

// InsertNotifications persists a batch of notifications in one statement.
func (store *Notifications) InsertNotifications(ctx context.Context, notifications []notify.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	models := make([]Notification, 0, len(notifications))
	for _, notification := range notifications {
		model, err := notificationToModel(notification)
		if err != nil {
			return err
		}
		models = append(models, model)
	}
	return withContext(ctx, store.db).Create(&models).Error
}

// ListStaffIDs returns the identifiers of every active staff member.
func (store *Notifications) ListStaffIDs(ctx context.Context) ([]string, error) {
	var staffIDs []string
	err := withContext(ctx, store.db).
		Model(&StaffMember{}).
		Where("active = ?", true).
		Pluck("staff_id", &staffIDs).Error
	if err != nil {
		return nil, err
	}
	return staffIDs, nil
}

// ListForRecipient returns one newest-first page of a recipient's
// notifications.
func (store *Notifications) ListForRecipient(ctx context.Context, recipientID string, kind notify.RecipientKind, offset int, limit int, unreadOnly bool) ([]notify.Notification, error) {
	query := withContext(ctx, store.db).
		Where("recipient_id = ? AND recipient_kind = ?", recipientID, kind.String())
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	var models []Notification
	err := query.Order("created_at DESC").Offset(offset).Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}
	notifications := make([]notify.Notification, 0, len(models))
	for _, model := range models {
		notification, err := notificationFromModel(model)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notification)
	}
	return notifications, nil
}

// CountForRecipient returns the recipient's total and unread counts.
func (store *Notifications) CountForRecipient(ctx context.Context, recipientID string, kind notify.RecipientKind) (int64, int64, error) {
	var total int64
	err := withContext(ctx, store.db).
		Model(&Notification{}).
		Where("recipient_id = ? AND recipient_kind = ?", recipientID, kind.String()).
		Count(&total).Error
	if err != nil {
		return 0, 0, err
	}
	var unread int64
	err = withContext(ctx, store.db).
		Model(&Notification{}).
		Where("recipient_id = ? AND recipient_kind = ? AND is_read = ?", recipientID, kind.String(), false).
		Count(&unread).Error
	if err != nil {
		return 0, 0, err
	}
	return total, unread, nil
}

// MarkRead marks one notification read. The recipient filter doubles as the
// ownership check; marking an already-read notification keeps its original
// read stamp.
func (store *Notifications) MarkRead(ctx context.Context, notificationID string, recipientID string, kind notify.RecipientKind, readAtUnixUTC int64) error {
	result := withContext(ctx, store.db).
		Model(&Notification{}).
		Where("notification_id = ? AND recipient_id = ? AND recipient_kind = ?", notificationID, recipientID, kind.String()).
		Updates(map[string]any{
			"is_read": true,
			"read_at": gorm.Expr("coalesce(read_at, ?)", time.Unix(readAtUnixUTC, 0).UTC()),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", notify.ErrNotificationNotFound, notificationID)
	}
	return nil
}

// MarkAllRead marks every unread notification owned by the recipient and
// returns how many were flipped.
func (store *Notifications) MarkAllRead(ctx context.Context, recipientID string, kind notify.RecipientKind, readAtUnixUTC int64) (int64, error) {
	result := withContext(ctx, store.db).
		Model(&Notification{}).
		Where("recipient_id = ? AND recipient_kind = ? AND is_read = ?", recipientID, kind.String(), false).
		Updates(map[string]any{
			"is_read": true,
			"read_at": time.Unix(readAtUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// DeleteNotification removes one notification owned by the recipient.
func (store *Notifications) DeleteNotification(ctx context.Context, notificationID string, recipientID string, kind notify.RecipientKind) error {
	result := withContext(ctx, store.db).
		Where("notification_id = ? AND recipient_id = ? AND recipient_kind = ?", notificationID, recipientID, kind.String()).
		Delete(&Notification{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", notify.ErrNotificationNotFound, notificationID)
	}
	return nil
}

func notificationToModel(notification notify.Notification) (Notification, error) {
	metadata := notification.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		NotificationID: notification.NotificationID,
		RecipientID:    notification.RecipientID,
		RecipientKind:  notification.RecipientKind.String(),
		Type:           notification.Type.String(),
		Title:          notification.Title,
		Message:        notification.Message,
		Metadata:       datatypes.JSON(encoded),
		RelatedKind:    notification.RelatedKind,
		RelatedID:      notification.RelatedID,
		Priority:       notification.Priority.String(),
		IsRead:         notification.IsRead,
		ReadAt:         unixToTimePtr(notification.ReadAtUnixUTC),
		CreatedAt:      time.Unix(notification.CreatedUnixUTC, 0).UTC(),
	}, nil
}

func notificationFromModel(model Notification) (notify.Notification, error) {
	metadata := map[string]string{}
	if len(model.Metadata) > 0 {
		if err := json.Unmarshal(model.Metadata, &metadata); err != nil {
			return notify.Notification{}, err
		}
	}
	return notify.Notification{
		NotificationID: model.NotificationID,
		RecipientID:    model.RecipientID,
		RecipientKind:  notify.RecipientKind(model.RecipientKind),
		Type:           notify.Type(model.Type),
		Title:          model.Title,
		Message:        model.Message,
		Metadata:       metadata,
		RelatedKind:    model.RelatedKind,
		RelatedID:      model.RelatedID,
		Priority:       notify.Priority(model.Priority),
		IsRead:         model.IsRead,
		ReadAtUnixUTC:  timePtrToUnix(model.ReadAt),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}
