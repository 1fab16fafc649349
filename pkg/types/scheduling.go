package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire and storage format of appointment dates
const DateLayout = "2006-01-02"

// Appointment represents a booked slot with a provider
type Appointment struct {
	ID         string            `json:"id" db:"id"`
	ClientID   string            `json:"client_id" db:"client_id"`
	ProviderID string            `json:"provider_id" db:"provider_id"`
	Date       string            `json:"date" db:"appointment_date"`
	Time       string            `json:"time" db:"slot_time"`
	Status     AppointmentStatus `json:"status" db:"status"`
	Details    BookingDetails    `json:"details" db:"details"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// BookingDetails is the free-form information a client submits with a booking
type BookingDetails struct {
	ContactName string `json:"contact_name"`
	Phone       string `json:"phone"`
	PatientName string `json:"patient_name"`
	PatientKind string `json:"patient_kind,omitempty"`
	PatientAge  string `json:"patient_age,omitempty"`
	Service     string `json:"service"`
	Notes       string `json:"notes,omitempty"`
}

// Value implements driver.Valuer. The JSON is returned as a string because
// lib/pq would otherwise send a []byte as bytea.
func (d BookingDetails) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (d *BookingDetails) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = BookingDetails{}
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("unsupported booking details type %T", src)
	}
}

// AppointmentStatus represents appointment status values
type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "Pending"
	StatusConfirmed AppointmentStatus = "Confirmed"
	StatusCompleted AppointmentStatus = "Completed"
	StatusCancelled AppointmentStatus = "Cancelled"
)

// ActiveStatuses are the statuses that occupy a slot and keep a reminder armed
var ActiveStatuses = []AppointmentStatus{StatusPending, StatusConfirmed}

var statusTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCompleted, StatusCancelled},
	StatusConfirmed: {StatusConfirmed, StatusCompleted, StatusCancelled},
}

// ParseAppointmentStatus returns the status named by s
func ParseAppointmentStatus(s string) (AppointmentStatus, error) {
	switch st := AppointmentStatus(s); st {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown appointment status %q", s)
}

// IsActive reports whether the status occupies its slot
func (s AppointmentStatus) IsActive() bool {
	return s == StatusPending || s == StatusConfirmed
}

// CanTransitionTo reports whether the transition table allows s -> next
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AppointmentFilters represents filters for appointment queries
type AppointmentFilters struct {
	ClientID    string              `json:"client_id,omitempty"`
	ProviderID  string              `json:"provider_id,omitempty"`
	Statuses    []AppointmentStatus `json:"statuses,omitempty"`
	FromDate    string              `json:"from_date,omitempty"`
	NewestFirst bool                `json:"newest_first,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
	Offset      int                 `json:"offset,omitempty"`
}

// BookingRequest is the payload of a booking creation
type BookingRequest struct {
	ProviderID string         `json:"provider_id"`
	Date       string         `json:"date"`
	Time       string         `json:"time"`
	Details    BookingDetails `json:"details"`
}

// StatusUpdate is the payload of a status transition
type StatusUpdate struct {
	Status AppointmentStatus `json:"status"`
}

// AppointmentView is an appointment decorated with its provider's name
type AppointmentView struct {
	*Appointment
	ProviderName string `json:"provider_name,omitempty"`
}

// ProviderSchedule is a provider's own appointment list with per-status counts
type ProviderSchedule struct {
	Appointments []*Appointment            `json:"appointments"`
	Counts       map[AppointmentStatus]int `json:"counts"`
	Total        int                       `json:"total"`
}

// Provider represents a clinician who can be booked
type Provider struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Email          string    `json:"email" db:"email"`
	Phone          string    `json:"phone" db:"phone"`
	Specialization string    `json:"specialization" db:"specialization"`
	Fee            float64   `json:"fee" db:"fee"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// NotificationKind distinguishes notifications written for the same booking
type NotificationKind string

const (
	NotificationReminder NotificationKind = "reminder"
)

// Notification is a user-visible message produced by a fired reminder
type Notification struct {
	ID        string           `json:"id" db:"id"`
	UserID    string           `json:"user_id" db:"user_id"`
	BookingID string           `json:"booking_id" db:"booking_id"`
	Kind      NotificationKind `json:"kind" db:"kind"`
	Message   string           `json:"message" db:"message"`
	FiredAt   time.Time        `json:"fired_at" db:"fired_at"`
	Read      bool             `json:"read" db:"read"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}
