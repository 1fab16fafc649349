package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/medrex/clinic-scheduling/pkg/clock"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

// MemoryRepository is a process-local SchedulingRepository. Every call is
// serialized by one mutex, which also makes slot check-and-insert atomic.
// Records are copied in and out so callers never share state with the store.
type MemoryRepository struct {
	mu    sync.Mutex
	clock clock.Clock

	appointments map[string]*types.Appointment
	// slot key -> id of the active appointment holding it
	activeSlots   map[string]string
	providers     map[string]*types.Provider
	notifications map[string]*types.Notification

	// insertion order, breaks created_at ties
	sequence map[string]int
	next     int
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository(clk clock.Clock) *MemoryRepository {
	return &MemoryRepository{
		clock:         clk,
		appointments:  make(map[string]*types.Appointment),
		activeSlots:   make(map[string]string),
		providers:     make(map[string]*types.Provider),
		notifications: make(map[string]*types.Notification),
		sequence:      make(map[string]int),
	}
}

func (m *MemoryRepository) stamp(id string) {
	m.next++
	m.sequence[id] = m.next
}

// CreateAppointment stores apt unless its slot is held by an active appointment
func (m *MemoryRepository) CreateAppointment(ctx context.Context, apt *types.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.appointments[apt.ID]; exists {
		return types.NewConflictError(types.ErrCodeDuplicate, fmt.Sprintf("appointment %s already exists", apt.ID))
	}

	key := slotKey(apt.ProviderID, apt.Date, apt.Time)
	if apt.Status.IsActive() {
		if _, taken := m.activeSlots[key]; taken {
			return slotTakenError(apt)
		}
		m.activeSlots[key] = apt.ID
	}

	stored := *apt
	m.appointments[apt.ID] = &stored
	m.stamp(apt.ID)
	return nil
}

// GetAppointmentByID retrieves an appointment by ID
func (m *MemoryRepository) GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	apt, ok := m.appointments[id]
	if !ok {
		return nil, appointmentNotFound(id)
	}
	out := *apt
	return &out, nil
}

// UpdateAppointmentStatus moves id from one status to another
func (m *MemoryRepository) UpdateAppointmentStatus(ctx context.Context, id string, from, to types.AppointmentStatus) (*types.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	apt, ok := m.appointments[id]
	if !ok {
		return nil, appointmentNotFound(id)
	}
	if apt.Status != from {
		return nil, types.NewConflictError(types.ErrCodeConcurrentUpdate, "appointment status changed concurrently")
	}

	key := slotKey(apt.ProviderID, apt.Date, apt.Time)
	switch {
	case from.IsActive() && !to.IsActive():
		delete(m.activeSlots, key)
	case !from.IsActive() && to.IsActive():
		if _, taken := m.activeSlots[key]; taken {
			return nil, slotTakenError(apt)
		}
		m.activeSlots[key] = id
	}

	apt.Status = to
	apt.UpdatedAt = m.clock.Now()
	out := *apt
	return &out, nil
}

// GetAppointments retrieves appointments matching filters
func (m *MemoryRepository) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*types.Appointment
	for _, apt := range m.appointments {
		if filters.ClientID != "" && apt.ClientID != filters.ClientID {
			continue
		}
		if filters.ProviderID != "" && apt.ProviderID != filters.ProviderID {
			continue
		}
		if len(filters.Statuses) > 0 && !containsStatus(filters.Statuses, apt.Status) {
			continue
		}
		// ISO dates compare correctly as strings
		if filters.FromDate != "" && apt.Date < filters.FromDate {
			continue
		}
		out := *apt
		result = append(result, &out)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if filters.NewestFirst {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return m.sequence[a.ID] > m.sequence[b.ID]
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return m.sequence[a.ID] < m.sequence[b.ID]
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return nil, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// GetOccupiedSlots lists the slot labels held by active appointments
func (m *MemoryRepository) GetOccupiedSlots(ctx context.Context, providerID, date string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var slots []string
	for _, apt := range m.appointments {
		if apt.ProviderID == providerID && apt.Date == date && apt.Status.IsActive() {
			slots = append(slots, apt.Time)
		}
	}
	return slots, nil
}

// CreateProvider creates a new provider
func (m *MemoryRepository) CreateProvider(ctx context.Context, provider *types.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.providers {
		if p.Email == provider.Email {
			return types.NewConflictError(types.ErrCodeDuplicate, "a provider with this email already exists")
		}
	}
	stored := *provider
	m.providers[provider.ID] = &stored
	return nil
}

// DeleteProvider removes a provider; appointments referencing it are kept
func (m *MemoryRepository) DeleteProvider(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.providers, id)
}

// GetProviderByID retrieves a provider by ID
func (m *MemoryRepository) GetProviderByID(ctx context.Context, id string) (*types.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("provider not found: %s", id))
	}
	out := *p
	return &out, nil
}

// GetProviders lists providers ordered by name
func (m *MemoryRepository) GetProviders(ctx context.Context, activeOnly bool) ([]*types.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*types.Provider
	for _, p := range m.providers {
		if activeOnly && !p.IsActive {
			continue
		}
		out := *p
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// CreateNotification stores n unless one of the same kind exists for its booking
func (m *MemoryRepository) CreateNotification(ctx context.Context, n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.notifications {
		if existing.BookingID == n.BookingID && existing.Kind == n.Kind {
			return types.NewConflictError(types.ErrCodeDuplicate, "notification already recorded for this booking")
		}
	}
	stored := *n
	m.notifications[n.ID] = &stored
	m.stamp(n.ID)
	return nil
}

// GetNotifications lists a user's notifications, newest first
func (m *MemoryRepository) GetNotifications(ctx context.Context, userID string) ([]*types.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*types.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out := *n
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return m.sequence[result[i].ID] > m.sequence[result[j].ID]
	})
	return result, nil
}

// MarkNotificationRead flags a notification owned by userID as read
func (m *MemoryRepository) MarkNotificationRead(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("notification not found: %s", id))
	}
	n.Read = true
	return nil
}

func containsStatus(statuses []types.AppointmentStatus, s types.AppointmentStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
