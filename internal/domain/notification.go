package domain

import "time"

// NotificationKind categorizes in-app notifications.
type NotificationKind string

const (
	NotificationGenerationComplete NotificationKind = "generation_complete"
	NotificationGenerationFailed   NotificationKind = "generation_failed"
	NotificationCreditRefunded     NotificationKind = "credit_refunded"
	NotificationLowCredits         NotificationKind = "low_credits"
	NotificationSystem             NotificationKind = "system"
)

// Notification is a persisted user-facing message.
type Notification struct {
	ID        string           `gorm:"type:text;primaryKey" json:"id"`
	UserID    string           `gorm:"type:text;not null;index:idx_notifications_user" json:"user_id"`
	Kind      NotificationKind `gorm:"type:text;not null" json:"kind"`
	Title     string           `gorm:"type:text;not null" json:"title"`
	Message   string           `gorm:"type:text" json:"message"`
	ActionURL string           `gorm:"type:text" json:"action_url,omitempty"`
	Data      JSONMap          `gorm:"type:text" json:"data,omitempty"`
	Read      bool             `gorm:"not null;default:false;index:idx_notifications_user" json:"read"`
	CreatedAt time.Time        `json:"created_at"`
	ReadAt    *time.Time       `json:"read_at,omitempty"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string {
	return "notifications"
}
