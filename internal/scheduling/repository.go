package scheduling

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/medrex/clinic-scheduling/pkg/database"
	"github.com/medrex/clinic-scheduling/pkg/logger"
	"github.com/medrex/clinic-scheduling/pkg/monitoring"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

const (
	pqUniqueViolation = "23505"
	pqInvalidText     = "22P02"
)

const appointmentColumns = `id, client_id, provider_id, appointment_date, slot_time, status, details, created_at, updated_at`

// Repository implements SchedulingRepository on PostgreSQL
type Repository struct {
	db      *database.DB
	monitor *monitoring.MonitoringMiddleware
	logger  *logger.Logger
}

// NewRepository creates a new scheduling repository. monitor may be nil.
func NewRepository(db *database.DB, monitor *monitoring.MonitoringMiddleware, log *logger.Logger) *Repository {
	return &Repository{
		db:      db,
		monitor: monitor,
		logger:  log,
	}
}

func (r *Repository) observe(ctx context.Context, operation, table string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	if r.monitor != nil {
		err = r.monitor.ObserveDB(ctx, operation, table, fn)
	} else {
		err = fn(ctx)
	}
	r.logger.DatabaseOperation(ctx, operation, table, time.Since(start).Milliseconds(), 0, err == nil)
	return err
}

// CreateAppointment inserts apt while holding a transaction-scoped advisory
// lock on its slot, so the active-slot check and the insert cannot
// interleave with another booking of the same slot. The partial unique
// index on active slots backs the check up.
func (r *Repository) CreateAppointment(ctx context.Context, apt *types.Appointment) error {
	err := r.observe(ctx, "insert", "appointments", func(ctx context.Context) error {
		return r.db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, slotKey(apt.ProviderID, apt.Date, apt.Time)); err != nil {
				return fmt.Errorf("failed to lock slot: %w", err)
			}

			var taken bool
			err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM appointments
					WHERE provider_id = $1 AND appointment_date = $2 AND slot_time = $3
					  AND status IN ('Pending', 'Confirmed')
				)`, apt.ProviderID, apt.Date, apt.Time).Scan(&taken)
			if err != nil {
				return fmt.Errorf("failed to check slot: %w", err)
			}
			if taken {
				return slotTakenError(apt)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO appointments (`+appointmentColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				apt.ID,
				apt.ClientID,
				apt.ProviderID,
				apt.Date,
				apt.Time,
				string(apt.Status),
				apt.Details,
				apt.CreatedAt,
				apt.UpdatedAt,
			)
			return err
		})
	})

	switch {
	case err == nil:
		return nil
	case types.IsErrorType(err, types.ErrorTypeConflict):
		return err
	case pqCode(err) == pqUniqueViolation:
		return slotTakenError(apt)
	default:
		r.logger.WithAppointment("repository", apt.ID).WithError(err).Error("Failed to create appointment")
		return types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to create appointment", err)
	}
}

// GetAppointmentByID retrieves an appointment by ID
func (r *Repository) GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error) {
	var apt *types.Appointment
	err := r.observe(ctx, "select", "appointments", func(ctx context.Context) error {
		row := r.db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
		var err error
		apt, err = scanAppointment(row)
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || pqCode(err) == pqInvalidText {
			return nil, appointmentNotFound(id)
		}
		return nil, types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to get appointment", err)
	}
	return apt, nil
}

// UpdateAppointmentStatus performs a compare-and-swap on the status column
func (r *Repository) UpdateAppointmentStatus(ctx context.Context, id string, from, to types.AppointmentStatus) (*types.Appointment, error) {
	var apt *types.Appointment
	err := r.observe(ctx, "update", "appointments", func(ctx context.Context) error {
		row := r.db.QueryRowContext(ctx, `
			UPDATE appointments SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = $3
			RETURNING `+appointmentColumns, string(to), id, string(from))
		var err error
		apt, err = scanAppointment(row)
		return err
	})

	switch {
	case err == nil:
		return apt, nil
	case errors.Is(err, sql.ErrNoRows):
		if _, getErr := r.GetAppointmentByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, types.NewConflictError(types.ErrCodeConcurrentUpdate, "appointment status changed concurrently")
	case pqCode(err) == pqInvalidText:
		return nil, appointmentNotFound(id)
	default:
		return nil, types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to update appointment status", err)
	}
}

// GetAppointments retrieves appointments matching filters
func (r *Repository) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	if filters.ClientID != "" {
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", argIndex))
		args = append(args, filters.ClientID)
		argIndex++
	}

	if filters.ProviderID != "" {
		conditions = append(conditions, fmt.Sprintf("provider_id = $%d", argIndex))
		args = append(args, filters.ProviderID)
		argIndex++
	}

	if len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, s := range filters.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIndex))
		args = append(args, pq.Array(statuses))
		argIndex++
	}

	if filters.FromDate != "" {
		conditions = append(conditions, fmt.Sprintf("appointment_date >= $%d", argIndex))
		args = append(args, filters.FromDate)
		argIndex++
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if filters.NewestFirst {
		query += " ORDER BY created_at DESC"
	} else {
		query += " ORDER BY appointment_date ASC, created_at ASC"
	}
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filters.Limit)
		argIndex++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filters.Offset)
	}

	var appointments []*types.Appointment
	err := r.observe(ctx, "select", "appointments", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			apt, err := scanAppointment(rows)
			if err != nil {
				return err
			}
			appointments = append(appointments, apt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to list appointments", err)
	}
	return appointments, nil
}

// GetOccupiedSlots lists the slot labels held by active appointments
func (r *Repository) GetOccupiedSlots(ctx context.Context, providerID, date string) ([]string, error) {
	var slots []string
	err := r.observe(ctx, "select", "appointments", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT slot_time FROM appointments
			WHERE provider_id = $1 AND appointment_date = $2 AND status IN ('Pending', 'Confirmed')`,
			providerID, date)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var label string
			if err := rows.Scan(&label); err != nil {
				return err
			}
			slots = append(slots, label)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to load occupied slots", err)
	}
	return slots, nil
}

// CreateProvider creates a new provider
func (r *Repository) CreateProvider(ctx context.Context, provider *types.Provider) error {
	err := r.observe(ctx, "insert", "providers", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO providers (id, name, email, phone, specialization, fee, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			provider.ID,
			provider.Name,
			provider.Email,
			provider.Phone,
			provider.Specialization,
			provider.Fee,
			provider.IsActive,
			provider.CreatedAt,
			provider.UpdatedAt,
		)
		return err
	})
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return types.NewConflictError(types.ErrCodeDuplicate, "a provider with this email already exists")
		}
		return types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to create provider", err)
	}
	return nil
}

// GetProviderByID retrieves a provider by ID
func (r *Repository) GetProviderByID(ctx context.Context, id string) (*types.Provider, error) {
	provider := &types.Provider{}
	err := r.observe(ctx, "select", "providers", func(ctx context.Context) error {
		return r.db.QueryRowContext(ctx, `
			SELECT id, name, email, phone, specialization, fee, is_active, created_at, updated_at
			FROM providers WHERE id = $1`, id).Scan(
			&provider.ID,
			&provider.Name,
			&provider.Email,
			&provider.Phone,
			&provider.Specialization,
			&provider.Fee,
			&provider.IsActive,
			&provider.CreatedAt,
			&provider.UpdatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || pqCode(err) == pqInvalidText {
			return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("provider not found: %s", id))
		}
		return nil, types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to get provider", err)
	}
	return provider, nil
}

// GetProviders lists providers ordered by name
func (r *Repository) GetProviders(ctx context.Context, activeOnly bool) ([]*types.Provider, error) {
	query := `
		SELECT id, name, email, phone, specialization, fee, is_active, created_at, updated_at
		FROM providers`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY name ASC"

	var providers []*types.Provider
	err := r.observe(ctx, "select", "providers", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p := &types.Provider{}
			if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.Specialization, &p.Fee, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
				return err
			}
			providers = append(providers, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to list providers", err)
	}
	return providers, nil
}

// CreateNotification stores n; the (booking_id, kind) index rejects duplicates
func (r *Repository) CreateNotification(ctx context.Context, n *types.Notification) error {
	err := r.observe(ctx, "insert", "notifications", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO notifications (id, user_id, booking_id, kind, message, fired_at, read, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			n.ID,
			n.UserID,
			n.BookingID,
			string(n.Kind),
			n.Message,
			n.FiredAt,
			n.Read,
			n.CreatedAt,
		)
		return err
	})
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return types.NewConflictError(types.ErrCodeDuplicate, "notification already recorded for this booking")
		}
		return types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to create notification", err)
	}
	return nil
}

// GetNotifications lists a user's notifications, newest first
func (r *Repository) GetNotifications(ctx context.Context, userID string) ([]*types.Notification, error) {
	var notifications []*types.Notification
	err := r.observe(ctx, "select", "notifications", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT id, user_id, booking_id, kind, message, fired_at, read, created_at
			FROM notifications WHERE user_id = $1
			ORDER BY created_at DESC`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			n := &types.Notification{}
			var kind string
			if err := rows.Scan(&n.ID, &n.UserID, &n.BookingID, &kind, &n.Message, &n.FiredAt, &n.Read, &n.CreatedAt); err != nil {
				return err
			}
			n.Kind = types.NotificationKind(kind)
			notifications = append(notifications, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to list notifications", err)
	}
	return notifications, nil
}

// MarkNotificationRead flags a notification owned by userID as read
func (r *Repository) MarkNotificationRead(ctx context.Context, id, userID string) error {
	var affected int64
	err := r.observe(ctx, "update", "notifications", func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil && pqCode(err) != pqInvalidText {
		return types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to update notification", err)
	}
	if err != nil || affected == 0 {
		return types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("notification not found: %s", id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAppointment(row rowScanner) (*types.Appointment, error) {
	apt := &types.Appointment{}
	var date time.Time
	var status string
	if err := row.Scan(
		&apt.ID,
		&apt.ClientID,
		&apt.ProviderID,
		&date,
		&apt.Time,
		&status,
		&apt.Details,
		&apt.CreatedAt,
		&apt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	apt.Date = date.Format(types.DateLayout)
	apt.Status = types.AppointmentStatus(status)
	return apt, nil
}

func slotKey(providerID, date, label string) string {
	return providerID + "|" + date + "|" + label
}

func slotTakenError(apt *types.Appointment) error {
	return types.NewConflictError(types.ErrCodeSlotTaken,
		fmt.Sprintf("slot %s on %s is already booked", apt.Time, apt.Date))
}

func appointmentNotFound(id string) error {
	return types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("appointment not found: %s", id))
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
