package scheduling

import (
	"context"

	"github.com/medrex/clinic-scheduling/pkg/interfaces"
	"github.com/medrex/clinic-scheduling/pkg/logger"
	"github.com/medrex/clinic-scheduling/pkg/monitoring"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

// RecoveryLoader rebuilds the reminder timers from persisted appointments
type RecoveryLoader struct {
	repo      interfaces.SchedulingRepository
	scheduler interfaces.ReminderScheduler
	calendar  *SlotCalendar
	metrics   *monitoring.MetricsCollector
	logger    *logger.Logger
}

// NewRecoveryLoader creates a new recovery loader
func NewRecoveryLoader(repo interfaces.SchedulingRepository, scheduler interfaces.ReminderScheduler, calendar *SlotCalendar, metrics *monitoring.MetricsCollector, log *logger.Logger) *RecoveryLoader {
	return &RecoveryLoader{
		repo:      repo,
		scheduler: scheduler,
		calendar:  calendar,
		metrics:   metrics,
		logger:    log,
	}
}

// RecoverAll arms a reminder for every active appointment from today on and
// returns how many were armed. Failures are logged per appointment and never
// abort the pass.
func (r *RecoveryLoader) RecoverAll(ctx context.Context) int {
	log := r.logger.WithComponent("recovery")

	appointments, err := r.repo.GetAppointments(ctx, &types.AppointmentFilters{
		Statuses: types.ActiveStatuses,
		FromDate: r.calendar.Today(),
	})
	if err != nil {
		log.WithError(err).Error("Failed to load appointments for reminder recovery")
		return 0
	}

	armed := 0
	for _, apt := range appointments {
		if err := ctx.Err(); err != nil {
			log.WithError(err).Warn("Reminder recovery interrupted")
			break
		}

		if _, err := r.repo.GetProviderByID(ctx, apt.ProviderID); err != nil {
			entry := r.logger.WithAppointment("recovery", apt.ID).WithError(err)
			if types.IsErrorType(err, types.ErrorTypeNotFound) {
				entry.Warn("Skipping reminder for appointment with missing provider")
			} else {
				entry.Error("Failed to resolve provider during recovery")
			}
			continue
		}

		if r.scheduler.Arm(apt) {
			armed++
		}
	}

	r.metrics.RecordRecovered(armed)
	log.WithField("candidates", len(appointments)).WithField("armed", armed).Info("Reminder recovery completed")
	return armed
}
