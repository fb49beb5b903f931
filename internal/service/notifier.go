package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/notify"
	"github.com/timmy/genflow/internal/repository"
)

// Event is a user-facing notification.
type Event struct {
	UserID    string
	Kind      domain.NotificationKind
	Title     string
	Message   string
	ActionURL string
	Data      map[string]interface{}
}

// Publisher pushes live messages to connected clients.
type Publisher interface {
	Publish(userID string, msg notify.Message)
}

// NotifierConfig holds notifier settings
type NotifierConfig struct {
	LowBalanceThreshold int
	PublicBaseURL       string
	AlertTimeout        time.Duration
}

// NotifierService records in-app notifications and forwards operator alerts.
// Delivery failures are logged and never returned to the caller.
type NotifierService struct {
	repo      *repository.NotificationRepository
	publisher Publisher
	alerts    notify.AlertSender
	cfg       NotifierConfig
	logger    *logger.Logger

	wg sync.WaitGroup
}

// NewNotifierService creates a notifier. publisher and alerts may be nil.
func NewNotifierService(
	repo *repository.NotificationRepository,
	publisher Publisher,
	alerts notify.AlertSender,
	cfg NotifierConfig,
	log *logger.Logger,
) *NotifierService {
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = 30 * time.Second
	}
	return &NotifierService{repo: repo, publisher: publisher, alerts: alerts, cfg: cfg, logger: log}
}

func (s *NotifierService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Notify stores the notification and pushes it to live clients.
func (s *NotifierService) Notify(ctx context.Context, ev Event) {
	n := &domain.Notification{
		ID:        uuid.New().String(),
		UserID:    ev.UserID,
		Kind:      ev.Kind,
		Title:     ev.Title,
		Message:   ev.Message,
		ActionURL: ev.ActionURL,
		Data:      domain.JSONMap(ev.Data),
		CreatedAt: time.Now(),
	}
	if err := s.repo.Create(ctx, n); err != nil {
		s.log(ctx).WithFields(logger.Fields{
			logger.FieldUserID: ev.UserID,
			"kind":             ev.Kind,
		}).WithError(err).Warn("Failed to store notification")
		return
	}
	if s.publisher != nil {
		s.publisher.Publish(ev.UserID, notify.Message{Type: "notification", Data: n})
	}
}

// Alert sends an operator message in the background.
func (s *NotifierService) Alert(ctx context.Context, text string) {
	if s.alerts == nil {
		return
	}
	fields := logger.GetFields(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		actx, cancel := context.WithTimeout(context.Background(), s.cfg.AlertTimeout)
		defer cancel()
		if err := s.alerts.SendAlert(actx, text); err != nil {
			s.log(actx).WithFields(fields).WithError(err).Warn("Operator alert not delivered")
		}
	}()
}

// Wait blocks until pending alerts have been sent.
func (s *NotifierService) Wait() {
	s.wg.Wait()
}

// CheckLowBalance warns the user once a debit leaves the balance at or below the threshold.
func (s *NotifierService) CheckLowBalance(ctx context.Context, userID string, balance int) {
	if s.cfg.LowBalanceThreshold <= 0 || balance <= 0 || balance > s.cfg.LowBalanceThreshold {
		return
	}
	s.Notify(ctx, Event{
		UserID:    userID,
		Kind:      domain.NotificationLowCredits,
		Title:     "Credits running low",
		Message:   fmt.Sprintf("You have %d credits left.", balance),
		ActionURL: s.actionURL("/credits"),
		Data:      map[string]interface{}{"balance": balance},
	})
}

func (s *NotifierService) actionURL(path string) string {
	return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + path
}

// JobURL returns the user-facing link to a job.
func (s *NotifierService) JobURL(jobID string) string {
	return s.actionURL("/jobs/" + jobID)
}

// List returns a page of notifications for userID.
func (s *NotifierService) List(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]domain.Notification, error) {
	return s.repo.ListByUser(ctx, userID, unreadOnly, limit, offset)
}

// UnreadCount returns how many notifications userID has not read.
func (s *NotifierService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.repo.CountUnread(ctx, userID)
}

// MarkRead marks one notification of userID as read.
func (s *NotifierService) MarkRead(ctx context.Context, userID, id string) error {
	return s.repo.MarkRead(ctx, userID, id)
}

// MarkAllRead marks every notification of userID as read.
func (s *NotifierService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.repo.MarkAllRead(ctx, userID)
}
