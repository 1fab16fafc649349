package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medrex/clinic-scheduling/pkg/clock"
	"github.com/medrex/clinic-scheduling/pkg/logger"
	"github.com/medrex/clinic-scheduling/pkg/monitoring"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

// ReminderDeliverer turns a fired timer into a notification
type ReminderDeliverer interface {
	Deliver(ctx context.Context, appointmentID string, firedAt time.Time) error
}

// errReminderStale reports a fire for an appointment that left the active set
var errReminderStale = errors.New("appointment no longer active")

// errProviderMissing reports a fire whose provider was removed
var errProviderMissing = errors.New("provider no longer exists")

type reminderTimer struct {
	appointmentID string
	fireAt        time.Time
	timer         clock.Timer
}

// ReminderScheduler keeps exactly one pending timer per active appointment.
// The timer table is private to the scheduler and only touched under mu.
type ReminderScheduler struct {
	mu       sync.Mutex
	timers   map[string]*reminderTimer
	stopped  bool
	inFlight sync.WaitGroup

	lead        time.Duration
	fireTimeout time.Duration
	calendar    *SlotCalendar
	clock       clock.Clock
	deliverer   ReminderDeliverer
	metrics     *monitoring.MetricsCollector
	tracing     *monitoring.TracingManager
	logger      *logger.Logger
}

// ReminderOptions carries the scheduler's collaborators
type ReminderOptions struct {
	LeadTime    time.Duration
	FireTimeout time.Duration
	Calendar    *SlotCalendar
	Clock       clock.Clock
	Deliverer   ReminderDeliverer
	Metrics     *monitoring.MetricsCollector
	Tracing     *monitoring.TracingManager
	Logger      *logger.Logger
}

// NewReminderScheduler creates an empty scheduler
func NewReminderScheduler(opts ReminderOptions) *ReminderScheduler {
	if opts.FireTimeout <= 0 {
		opts.FireTimeout = 10 * time.Second
	}
	if opts.Tracing == nil {
		opts.Tracing = monitoring.NewNoopTracingManager("reminders")
	}
	return &ReminderScheduler{
		timers:      make(map[string]*reminderTimer),
		lead:        opts.LeadTime,
		fireTimeout: opts.FireTimeout,
		calendar:    opts.Calendar,
		clock:       opts.Clock,
		deliverer:   opts.Deliverer,
		metrics:     opts.Metrics,
		tracing:     opts.Tracing,
		logger:      opts.Logger,
	}
}

// ReminderTime is the instant the reminder for apt should fire
func (s *ReminderScheduler) ReminderTime(apt *types.Appointment) (time.Time, error) {
	start, err := s.calendar.SlotInstant(apt.Date, apt.Time)
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(-s.lead), nil
}

// Arm schedules the reminder for apt, replacing any timer already pending
// for the same appointment. Nothing is armed when the appointment is not
// active or its reminder time has passed. Arm reports whether a timer is
// now pending.
func (s *ReminderScheduler) Arm(apt *types.Appointment) bool {
	log := s.logger.WithAppointment("reminders", apt.ID)

	fireAt, err := s.ReminderTime(apt)
	if err != nil {
		log.WithError(err).Warn("Cannot compute reminder time")
		s.Disarm(apt.ID)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	if existing, ok := s.timers[apt.ID]; ok {
		existing.timer.Stop()
		delete(s.timers, apt.ID)
		s.metrics.RecordReminder(monitoring.ReminderDisarmed)
	}

	now := s.clock.Now()
	if !apt.Status.IsActive() || !fireAt.After(now) {
		s.metrics.RecordReminder(monitoring.ReminderSkipped)
		s.metrics.SetActiveReminders(len(s.timers))
		log.WithField("fire_at", fireAt).Debug("Reminder not armed")
		return false
	}

	entry := &reminderTimer{appointmentID: apt.ID, fireAt: fireAt}
	entry.timer = s.clock.AfterFunc(fireAt.Sub(now), func() { s.fire(entry) })
	s.timers[apt.ID] = entry

	s.metrics.RecordReminder(monitoring.ReminderArmed)
	s.metrics.SetActiveReminders(len(s.timers))
	log.WithField("fire_at", fireAt).Debug("Reminder armed")
	return true
}

// Disarm cancels the pending reminder for appointmentID, if any
func (s *ReminderScheduler) Disarm(appointmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[appointmentID]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(s.timers, appointmentID)

	s.metrics.RecordReminder(monitoring.ReminderDisarmed)
	s.metrics.SetActiveReminders(len(s.timers))
	s.logger.WithAppointment("reminders", appointmentID).Debug("Reminder disarmed")
}

// FireAt returns when the pending reminder for appointmentID will fire
func (s *ReminderScheduler) FireAt(appointmentID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[appointmentID]
	if !ok {
		return time.Time{}, false
	}
	return entry.fireAt, true
}

// ActiveCount returns the number of pending reminders
func (s *ReminderScheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending reminder and waits for running ones to finish.
// Arm is a no-op afterwards.
func (s *ReminderScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.metrics.SetActiveReminders(0)
	s.mu.Unlock()

	s.inFlight.Wait()
}

// fire consumes the timer entry and hands the reminder to the deliverer.
// A fire that lost a race with Disarm or a re-Arm finds its entry replaced
// or gone and does nothing.
func (s *ReminderScheduler) fire(entry *reminderTimer) {
	s.mu.Lock()
	if s.stopped || s.timers[entry.appointmentID] != entry {
		s.mu.Unlock()
		return
	}
	delete(s.timers, entry.appointmentID)
	s.inFlight.Add(1)
	remaining := len(s.timers)
	s.mu.Unlock()

	defer s.inFlight.Done()
	s.metrics.SetActiveReminders(remaining)

	log := s.logger.WithAppointment("reminders", entry.appointmentID)
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordReminder(monitoring.ReminderFailed)
			log.WithField("panic", fmt.Sprint(r)).Error("Reminder delivery panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()
	ctx, span := s.tracing.StartReminderSpan(ctx, entry.appointmentID)
	defer span.End()

	err := s.deliverer.Deliver(ctx, entry.appointmentID, s.clock.Now())
	switch {
	case err == nil:
		s.metrics.RecordReminder(monitoring.ReminderFired)
		log.Info("Reminder delivered")
	case errors.Is(err, errReminderStale), errors.Is(err, errProviderMissing):
		s.metrics.RecordReminder(monitoring.ReminderDropped)
		log.WithField("reason", err.Error()).Warn("Reminder dropped")
	default:
		s.tracing.RecordError(span, err)
		s.metrics.RecordReminder(monitoring.ReminderFailed)
		log.WithError(err).Error("Reminder delivery failed")
	}
}
