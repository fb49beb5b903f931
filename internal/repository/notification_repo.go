package repository

import (
	"context"
	"time"

	"github.com/timmy/genflow/internal/domain"
	"gorm.io/gorm"
)

// NotificationRepository handles in-app notification persistence.
type NotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository creates a new NotificationRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *NotificationRepository: repository instance bound to db.
func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a notification.
func (r *NotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

// ListByUser retrieves a page of notifications for userID, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - userID: recipient.
//   - unreadOnly: restrict to unread notifications.
//   - limit: maximum number of records.
//   - offset: number of records to skip.
// Returns:
//   - []domain.Notification: notifications on the page.
//   - error: non-nil if the query fails.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]domain.Notification, error) {
	var rows []domain.Notification
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountUnread counts unread notifications for userID.
func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error
	return count, err
}

// MarkRead marks one notification as read. Returns domain.ErrNotFound if it
// does not exist or belongs to another user.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID, id string) error {
	var n domain.Notification
	if err := r.db.WithContext(ctx).First(&n, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		return notFound(err)
	}
	if n.Read {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.Notification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now()}).Error
}

// MarkAllRead marks every unread notification of userID as read.
// Returns the number of notifications updated.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Updates(map[string]interface{}{"read": true, "read_at": time.Now()})
	return res.RowsAffected, res.Error
}
