package interfaces

import (
	"context"
	"time"

	"github.com/medrex/clinic-scheduling/pkg/types"
)

// SchedulingRepository defines the interface for scheduling data persistence.
// Lookups of unknown ids return a not_found SchedulingError.
type SchedulingRepository interface {
	// Appointments

	// CreateAppointment inserts apt unless its (provider, date, time) slot is
	// already held by an active appointment, in which case it returns a
	// conflict error. The check and the insert are atomic.
	CreateAppointment(ctx context.Context, apt *types.Appointment) error
	GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error)
	// UpdateAppointmentStatus moves id from one status to another. It fails
	// with a conflict error if the stored status is no longer from.
	UpdateAppointmentStatus(ctx context.Context, id string, from, to types.AppointmentStatus) (*types.Appointment, error)
	GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error)
	GetOccupiedSlots(ctx context.Context, providerID, date string) ([]string, error)

	// Providers
	CreateProvider(ctx context.Context, provider *types.Provider) error
	GetProviderByID(ctx context.Context, id string) (*types.Provider, error)
	GetProviders(ctx context.Context, activeOnly bool) ([]*types.Provider, error)

	// Notifications
	CreateNotification(ctx context.Context, n *types.Notification) error
	GetNotifications(ctx context.Context, userID string) ([]*types.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID string) error
}

// NotificationSink records fired reminders as user-visible notifications
type NotificationSink interface {
	Record(ctx context.Context, userID, bookingID, message string, firedAt time.Time) (*types.Notification, error)
}

// ReminderScheduler owns the in-memory reminder timers
type ReminderScheduler interface {
	Arm(apt *types.Appointment) bool
	Disarm(appointmentID string)
	ActiveCount() int
	Stop()
}
