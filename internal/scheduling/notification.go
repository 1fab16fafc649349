package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/clinic-scheduling/pkg/clock"
	"github.com/medrex/clinic-scheduling/pkg/interfaces"
	"github.com/medrex/clinic-scheduling/pkg/logger"
	"github.com/medrex/clinic-scheduling/pkg/mq"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

// NotificationService persists reminder notifications and announces them
// on the event bus
type NotificationService struct {
	repo      interfaces.SchedulingRepository
	publisher mq.EventPublisher
	clock     clock.Clock
	logger    *logger.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(repo interfaces.SchedulingRepository, publisher mq.EventPublisher, clk clock.Clock, log *logger.Logger) *NotificationService {
	return &NotificationService{
		repo:      repo,
		publisher: publisher,
		clock:     clk,
		logger:    log,
	}
}

// ReminderFiredEvent is published after a reminder notification is stored
type ReminderFiredEvent struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	BookingID      string    `json:"booking_id"`
	Message        string    `json:"message"`
	FiredAt        time.Time `json:"fired_at"`
}

// Record stores a reminder notification for userID. A second reminder for
// the same booking is rejected with a conflict error.
func (n *NotificationService) Record(ctx context.Context, userID, bookingID, message string, firedAt time.Time) (*types.Notification, error) {
	notification := &types.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		BookingID: bookingID,
		Kind:      types.NotificationReminder,
		Message:   message,
		FiredAt:   firedAt,
		CreatedAt: n.clock.Now(),
	}

	if err := n.repo.CreateNotification(ctx, notification); err != nil {
		return nil, fmt.Errorf("failed to record notification: %w", err)
	}

	event := ReminderFiredEvent{
		NotificationID: notification.ID,
		UserID:         userID,
		BookingID:      bookingID,
		Message:        message,
		FiredAt:        firedAt,
	}
	if err := n.publisher.PublishJSON(ctx, mq.KeyReminderFired, event); err != nil {
		n.logger.WithAppointment("notifications", bookingID).WithError(err).Warn("Failed to publish reminder event")
	}

	return notification, nil
}

// ReminderNotifier renders the reminder for a fired timer and records it
type ReminderNotifier struct {
	repo   interfaces.SchedulingRepository
	sink   interfaces.NotificationSink
	logger *logger.Logger
}

// NewReminderNotifier creates a notifier writing to sink
func NewReminderNotifier(repo interfaces.SchedulingRepository, sink interfaces.NotificationSink, log *logger.Logger) *ReminderNotifier {
	return &ReminderNotifier{repo: repo, sink: sink, logger: log}
}

// Deliver re-reads the appointment so that a reminder racing a cancellation
// is dropped, then records the rendered message for the client.
func (rn *ReminderNotifier) Deliver(ctx context.Context, appointmentID string, firedAt time.Time) error {
	apt, err := rn.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		if types.IsErrorType(err, types.ErrorTypeNotFound) {
			return errReminderStale
		}
		return fmt.Errorf("failed to load appointment: %w", err)
	}
	if !apt.Status.IsActive() {
		return errReminderStale
	}

	provider, err := rn.repo.GetProviderByID(ctx, apt.ProviderID)
	if err != nil {
		if types.IsErrorType(err, types.ErrorTypeNotFound) {
			return errProviderMissing
		}
		return fmt.Errorf("failed to load provider: %w", err)
	}

	_, err = rn.sink.Record(ctx, apt.ClientID, apt.ID, RenderReminder(provider.Name, apt), firedAt)
	return err
}

// RenderReminder formats the message shown to the client
func RenderReminder(providerName string, apt *types.Appointment) string {
	return fmt.Sprintf("Reminder: your appointment with %s is on %s at %s.", providerName, apt.Date, apt.Time)
}
