package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/clinic-scheduling/pkg/mq"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

// AppointmentEvent is published on appointment.created and
// appointment.status_changed
type AppointmentEvent struct {
	AppointmentID  string                  `json:"appointment_id"`
	ClientID       string                  `json:"client_id"`
	ProviderID     string                  `json:"provider_id"`
	Date           string                  `json:"date"`
	Time           string                  `json:"time"`
	Status         types.AppointmentStatus `json:"status"`
	PreviousStatus types.AppointmentStatus `json:"previous_status,omitempty"`
	ActorID        string                  `json:"actor_id"`
	OccurredAt     time.Time               `json:"occurred_at"`
}

// AvailableSlots lists the bookable slots for a provider on date
func (s *Service) AvailableSlots(ctx context.Context, providerID, date string) ([]string, error) {
	return s.calendar.AvailableSlots(ctx, providerID, date)
}

// CreateBooking reserves a slot for the calling client and arms its reminder
func (s *Service) CreateBooking(ctx context.Context, claims *types.UserClaims, req *types.BookingRequest) (*types.Appointment, error) {
	if !claims.HasRole(types.RoleClient) {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only clients can book appointments")
	}

	if err := validateBookingRequest(req); err != nil {
		s.metrics.RecordBooking("rejected")
		return nil, err
	}

	label, ok := s.calendar.NormalizeSlot(req.Time)
	if !ok {
		s.metrics.RecordBooking("rejected")
		return nil, types.NewValidationError(types.ErrCodeInvalidSlot, "time is not one of the bookable slots",
			map[string]interface{}{"time": req.Time, "slots": s.calendar.Slots()})
	}

	start, err := s.calendar.SlotInstant(req.Date, label)
	if err != nil {
		s.metrics.RecordBooking("rejected")
		return nil, err
	}
	now := s.clock.Now()
	if !start.After(now) {
		s.metrics.RecordBooking("rejected")
		return nil, types.NewValidationError(types.ErrCodePastSlot, "cannot book a slot in the past",
			map[string]interface{}{"date": req.Date, "time": label})
	}

	provider, err := s.repo.GetProviderByID(ctx, req.ProviderID)
	if err != nil {
		s.metrics.RecordBooking("rejected")
		return nil, err
	}
	if !provider.IsActive {
		s.metrics.RecordBooking("rejected")
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, "provider is not accepting appointments")
	}

	apt := &types.Appointment{
		ID:         uuid.New().String(),
		ClientID:   claims.UserID,
		ProviderID: provider.ID,
		Date:       req.Date,
		Time:       label,
		Status:     types.StatusPending,
		Details:    req.Details,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.CreateAppointment(ctx, apt); err != nil {
		if types.IsErrorType(err, types.ErrorTypeConflict) {
			s.metrics.RecordBooking("conflict")
		} else {
			s.metrics.RecordBooking("failed")
		}
		s.logger.Audit(claims.UserID, "create_booking", "appointment", false, map[string]interface{}{
			"provider_id": provider.ID, "date": apt.Date, "time": apt.Time, "error": err.Error(),
		})
		return nil, err
	}

	s.metrics.RecordBooking("created")
	s.reminders.Arm(apt)
	s.publish(ctx, mq.KeyAppointmentCreated, apt, "", claims.UserID)
	s.logger.Audit(claims.UserID, "create_booking", "appointment", true, map[string]interface{}{
		"appointment_id": apt.ID, "provider_id": provider.ID, "date": apt.Date, "time": apt.Time,
	})

	return apt, nil
}

// TransitionStatus moves an appointment to status on behalf of its provider
// or an administrator
func (s *Service) TransitionStatus(ctx context.Context, claims *types.UserClaims, appointmentID string, status types.AppointmentStatus) (*types.Appointment, error) {
	if _, err := types.ParseAppointmentStatus(string(status)); err != nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, err.Error(), nil)
	}

	apt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	if !claims.IsAdmin() && !(claims.HasRole(types.RoleProvider) && apt.ProviderID == claims.UserID) {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only the appointment's provider or an administrator can change its status")
	}

	return s.applyTransition(ctx, claims, apt, status)
}

// CancelAppointment cancels an appointment on behalf of its client or an
// administrator
func (s *Service) CancelAppointment(ctx context.Context, claims *types.UserClaims, appointmentID string) (*types.Appointment, error) {
	apt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	if !claims.IsAdmin() && !(claims.HasRole(types.RoleClient) && apt.ClientID == claims.UserID) {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only the appointment's client or an administrator can cancel it")
	}

	return s.applyTransition(ctx, claims, apt, types.StatusCancelled)
}

func (s *Service) applyTransition(ctx context.Context, claims *types.UserClaims, apt *types.Appointment, status types.AppointmentStatus) (*types.Appointment, error) {
	if !apt.Status.CanTransitionTo(status) {
		return nil, types.NewValidationError(types.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot change status from %s to %s", apt.Status, status),
			map[string]interface{}{"from": apt.Status, "to": status})
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, apt.ID, apt.Status, status)
	if err != nil {
		return nil, err
	}

	if !updated.Status.IsActive() {
		s.reminders.Disarm(updated.ID)
	}

	s.metrics.RecordTransition(string(updated.Status))
	s.publish(ctx, mq.KeyAppointmentStatusChanged, updated, apt.Status, claims.UserID)
	s.logger.Audit(claims.UserID, "transition_status", "appointment", true, map[string]interface{}{
		"appointment_id": updated.ID, "from": apt.Status, "to": updated.Status,
	})

	return updated, nil
}

// ClientHistory lists the caller's appointments, newest first, with the
// provider's name attached
func (s *Service) ClientHistory(ctx context.Context, claims *types.UserClaims) ([]*types.AppointmentView, error) {
	if !claims.HasRole(types.RoleClient) {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only clients have an appointment history")
	}

	appointments, err := s.repo.GetAppointments(ctx, &types.AppointmentFilters{
		ClientID:    claims.UserID,
		NewestFirst: true,
	})
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	views := make([]*types.AppointmentView, 0, len(appointments))
	for _, apt := range appointments {
		name, seen := names[apt.ProviderID]
		if !seen {
			if provider, err := s.repo.GetProviderByID(ctx, apt.ProviderID); err == nil {
				name = provider.Name
			} else if !types.IsErrorType(err, types.ErrorTypeNotFound) {
				return nil, err
			}
			names[apt.ProviderID] = name
		}
		views = append(views, &types.AppointmentView{Appointment: apt, ProviderName: name})
	}
	return views, nil
}

// ProviderAppointments lists the calling provider's appointments with
// per-status counts
func (s *Service) ProviderAppointments(ctx context.Context, claims *types.UserClaims) (*types.ProviderSchedule, error) {
	if !claims.HasRole(types.RoleProvider) {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only providers have a provider schedule")
	}

	appointments, err := s.repo.GetAppointments(ctx, &types.AppointmentFilters{ProviderID: claims.UserID})
	if err != nil {
		return nil, err
	}

	schedule := &types.ProviderSchedule{
		Appointments: make([]*types.Appointment, 0, len(appointments)),
		Counts: map[types.AppointmentStatus]int{
			types.StatusPending:   0,
			types.StatusConfirmed: 0,
			types.StatusCompleted: 0,
			types.StatusCancelled: 0,
		},
	}
	for _, apt := range appointments {
		schedule.Appointments = append(schedule.Appointments, apt)
		schedule.Counts[apt.Status]++
	}
	schedule.Total = len(appointments)
	return schedule, nil
}

// Notifications lists the caller's notifications, newest first
func (s *Service) Notifications(ctx context.Context, claims *types.UserClaims) ([]*types.Notification, error) {
	if !claims.HasRole(types.RoleClient) {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only clients receive notifications")
	}
	notifications, err := s.repo.GetNotifications(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if notifications == nil {
		notifications = []*types.Notification{}
	}
	return notifications, nil
}

// MarkNotificationRead flags one of the caller's notifications as read
func (s *Service) MarkNotificationRead(ctx context.Context, claims *types.UserClaims, notificationID string) error {
	if !claims.HasRole(types.RoleClient) {
		return types.NewAuthorizationError(types.ErrCodeForbidden, "only clients receive notifications")
	}
	return s.repo.MarkNotificationRead(ctx, notificationID, claims.UserID)
}

// CreateProvider registers a bookable provider
func (s *Service) CreateProvider(ctx context.Context, claims *types.UserClaims, provider *types.Provider) (*types.Provider, error) {
	if !claims.IsAdmin() {
		return nil, types.NewAuthorizationError(types.ErrCodeForbidden, "only administrators can add providers")
	}

	provider.Name = strings.TrimSpace(provider.Name)
	provider.Email = strings.ToLower(strings.TrimSpace(provider.Email))
	if provider.Name == "" || provider.Email == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "provider name and email are required", nil)
	}
	if provider.Fee < 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "provider fee must not be negative", nil)
	}

	now := s.clock.Now()
	provider.ID = uuid.New().String()
	provider.IsActive = true
	provider.CreatedAt = now
	provider.UpdatedAt = now

	if err := s.repo.CreateProvider(ctx, provider); err != nil {
		return nil, err
	}

	s.logger.Audit(claims.UserID, "create_provider", "provider", true, map[string]interface{}{"provider_id": provider.ID})
	return provider, nil
}

// ListProviders lists the providers accepting appointments
func (s *Service) ListProviders(ctx context.Context) ([]*types.Provider, error) {
	providers, err := s.repo.GetProviders(ctx, true)
	if err != nil {
		return nil, err
	}
	if providers == nil {
		providers = []*types.Provider{}
	}
	return providers, nil
}

func (s *Service) publish(ctx context.Context, key string, apt *types.Appointment, previous types.AppointmentStatus, actorID string) {
	event := AppointmentEvent{
		AppointmentID:  apt.ID,
		ClientID:       apt.ClientID,
		ProviderID:     apt.ProviderID,
		Date:           apt.Date,
		Time:           apt.Time,
		Status:         apt.Status,
		PreviousStatus: previous,
		ActorID:        actorID,
		OccurredAt:     s.clock.Now(),
	}
	if err := s.publisher.PublishJSON(ctx, key, event); err != nil {
		s.logger.WithAppointment("events", apt.ID).WithError(err).Warn("Failed to publish appointment event")
	}
}

func validateBookingRequest(req *types.BookingRequest) error {
	if _, err := uuid.Parse(req.ProviderID); err != nil {
		return types.NewValidationError(types.ErrCodeInvalidInput, "provider_id is required and must be a valid id", nil)
	}
	if req.Date == "" || req.Time == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "date and time are required", nil)
	}

	var missing []string
	if strings.TrimSpace(req.Details.ContactName) == "" {
		missing = append(missing, "contact_name")
	}
	if strings.TrimSpace(req.Details.Phone) == "" {
		missing = append(missing, "phone")
	}
	if strings.TrimSpace(req.Details.PatientName) == "" {
		missing = append(missing, "patient_name")
	}
	if strings.TrimSpace(req.Details.Service) == "" {
		missing = append(missing, "service")
	}
	if len(missing) > 0 {
		return types.NewValidationError(types.ErrCodeInvalidInput, "booking details are incomplete",
			map[string]interface{}{"missing": missing})
	}
	return nil
}
