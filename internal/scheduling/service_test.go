package scheduling

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/clinic-scheduling/pkg/clock"
	"github.com/medrex/clinic-scheduling/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSchedulingRepository is a mock implementation of SchedulingRepository
type MockSchedulingRepository struct {
	mock.Mock
}

func (m *MockSchedulingRepository) CreateAppointment(ctx context.Context, apt *types.Appointment) error {
	args := m.Called(ctx, apt)
	return args.Error(0)
}

func (m *MockSchedulingRepository) GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error) {
	args := m.Called(ctx, id)
	apt, _ := args.Get(0).(*types.Appointment)
	return apt, args.Error(1)
}

func (m *MockSchedulingRepository) UpdateAppointmentStatus(ctx context.Context, id string, from, to types.AppointmentStatus) (*types.Appointment, error) {
	args := m.Called(ctx, id, from, to)
	apt, _ := args.Get(0).(*types.Appointment)
	return apt, args.Error(1)
}

func (m *MockSchedulingRepository) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	args := m.Called(ctx, filters)
	appointments, _ := args.Get(0).([]*types.Appointment)
	return appointments, args.Error(1)
}

func (m *MockSchedulingRepository) GetOccupiedSlots(ctx context.Context, providerID, date string) ([]string, error) {
	args := m.Called(ctx, providerID, date)
	slots, _ := args.Get(0).([]string)
	return slots, args.Error(1)
}

func (m *MockSchedulingRepository) CreateProvider(ctx context.Context, provider *types.Provider) error {
	args := m.Called(ctx, provider)
	return args.Error(0)
}

func (m *MockSchedulingRepository) GetProviderByID(ctx context.Context, id string) (*types.Provider, error) {
	args := m.Called(ctx, id)
	provider, _ := args.Get(0).(*types.Provider)
	return provider, args.Error(1)
}

func (m *MockSchedulingRepository) GetProviders(ctx context.Context, activeOnly bool) ([]*types.Provider, error) {
	args := m.Called(ctx, activeOnly)
	providers, _ := args.Get(0).([]*types.Provider)
	return providers, args.Error(1)
}

func (m *MockSchedulingRepository) CreateNotification(ctx context.Context, n *types.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func (m *MockSchedulingRepository) GetNotifications(ctx context.Context, userID string) ([]*types.Notification, error) {
	args := m.Called(ctx, userID)
	notifications, _ := args.Get(0).([]*types.Notification)
	return notifications, args.Error(1)
}

func (m *MockSchedulingRepository) MarkNotificationRead(ctx context.Context, id, userID string) error {
	args := m.Called(ctx, id, userID)
	return args.Error(0)
}

func newMockService(t *testing.T, repo *MockSchedulingRepository) *Service {
	t.Helper()
	svc, err := NewWithDependencies(testConfig(), testLogger(), Dependencies{
		Repository: repo,
		Clock:      clock.NewManual(testNow),
	})
	require.NoError(t, err)
	t.Cleanup(svc.reminders.Stop)
	return svc
}

func TestCreateBooking_Success(t *testing.T) {
	f := newFixture(t)
	client := newClient()

	apt, err := f.svc.CreateBooking(context.Background(), client, bookingRequest(f.provider.ID, testTomorrow, "14:30"))
	require.NoError(t, err)

	assert.NotEmpty(t, apt.ID)
	assert.Equal(t, client.UserID, apt.ClientID)
	assert.Equal(t, f.provider.ID, apt.ProviderID)
	assert.Equal(t, testTomorrow, apt.Date)
	assert.Equal(t, "02:30 PM", apt.Time)
	assert.Equal(t, types.StatusPending, apt.Status)
	assert.Equal(t, "Milo", apt.Details.PatientName)
	assert.True(t, apt.CreatedAt.Equal(testNow))

	stored, err := f.repo.GetAppointmentByID(context.Background(), apt.ID)
	require.NoError(t, err)
	assert.Equal(t, apt, stored)

	slots, err := f.svc.AvailableSlots(context.Background(), f.provider.ID, testTomorrow)
	require.NoError(t, err)
	assert.NotContains(t, slots, "02:30 PM")
}

func TestCreateBooking_ConcurrentSameSlot(t *testing.T) {
	f := newFixture(t)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = f.svc.CreateBooking(context.Background(), newClient(), bookingRequest(f.provider.ID, testTomorrow, "10:00 AM"))
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, types.IsErrorType(err, types.ErrorTypeConflict), "unexpected error: %v", err)
		assert.Contains(t, err.Error(), types.ErrCodeSlotTaken)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.svc.reminders.ActiveCount())

	active, err := f.repo.GetAppointments(context.Background(), &types.AppointmentFilters{
		ProviderID: f.provider.ID,
		Statuses:   types.ActiveStatuses,
	})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCreateBooking_DifferentProvidersShareSlot(t *testing.T) {
	f := newFixture(t)
	other := f.addProvider(t, "Dr. Chen", "chen@clinic.test")

	f.book(t, newClient(), testTomorrow, "10:00 AM")
	_, err := f.svc.CreateBooking(context.Background(), newClient(), bookingRequest(other.ID, testTomorrow, "10:00 AM"))
	assert.NoError(t, err)
}

func TestCreateBooking_CancelledSlotCanBeRebooked(t *testing.T) {
	f := newFixture(t)
	client := newClient()
	apt := f.book(t, client, testTomorrow, "10:00 AM")

	_, err := f.svc.CancelAppointment(context.Background(), client, apt.ID)
	require.NoError(t, err)

	rebooked := f.book(t, newClient(), testTomorrow, "10:00 AM")
	assert.NotEqual(t, apt.ID, rebooked.ID)
}

func TestCreateBooking_Rejections(t *testing.T) {
	f := newFixture(t)
	inactive := f.addProvider(t, "Dr. Away", "away@clinic.test")
	f.repo.providers[inactive.ID].IsActive = false

	missingPhone := bookingRequest(f.provider.ID, testTomorrow, "10:00 AM")
	missingPhone.Details.Phone = " "

	tests := []struct {
		name    string
		claims  *types.UserClaims
		req     *types.BookingRequest
		errType types.ErrorType
		code    string
	}{
		{"provider role", f.providerClaims(), bookingRequest(f.provider.ID, testTomorrow, "10:00 AM"), types.ErrorTypeAuthorization, types.ErrCodeForbidden},
		{"anonymous", nil, bookingRequest(f.provider.ID, testTomorrow, "10:00 AM"), types.ErrorTypeAuthorization, types.ErrCodeForbidden},
		{"past date", newClient(), bookingRequest(f.provider.ID, "2024-05-31", "10:00 AM"), types.ErrorTypeValidation, types.ErrCodePastSlot},
		{"off grid", newClient(), bookingRequest(f.provider.ID, testTomorrow, "09:15"), types.ErrorTypeValidation, types.ErrCodeInvalidSlot},
		{"lunch break", newClient(), bookingRequest(f.provider.ID, testTomorrow, "01:00 PM"), types.ErrorTypeValidation, types.ErrCodeInvalidSlot},
		{"bad date", newClient(), bookingRequest(f.provider.ID, "tomorrow", "10:00 AM"), types.ErrorTypeValidation, types.ErrCodeInvalidDate},
		{"bad provider id", newClient(), bookingRequest("dr-rivera", testTomorrow, "10:00 AM"), types.ErrorTypeValidation, types.ErrCodeInvalidInput},
		{"missing details", newClient(), missingPhone, types.ErrorTypeValidation, types.ErrCodeInvalidInput},
		{"unknown provider", newClient(), bookingRequest(uuid.NewString(), testTomorrow, "10:00 AM"), types.ErrorTypeNotFound, types.ErrCodeNotFound},
		{"inactive provider", newClient(), bookingRequest(inactive.ID, testTomorrow, "10:00 AM"), types.ErrorTypeNotFound, types.ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateBooking(context.Background(), tt.claims, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.errType, types.ErrorTypeOf(err))
			if tt.code != "" {
				assert.Contains(t, err.Error(), tt.code)
			}
		})
	}

	assert.Equal(t, 0, f.svc.reminders.ActiveCount())
}

func TestCreateBooking_StartedSlotTodayIsPast(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(at(testToday, "10:00"))

	_, err := f.svc.CreateBooking(context.Background(), newClient(), bookingRequest(f.provider.ID, testToday, "10:00 AM"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), types.ErrCodePastSlot)

	_, err = f.svc.CreateBooking(context.Background(), newClient(), bookingRequest(f.provider.ID, testToday, "10:30 AM"))
	assert.NoError(t, err)
}

func TestCreateBooking_StorageFailure(t *testing.T) {
	repo := new(MockSchedulingRepository)
	svc := newMockService(t, repo)

	providerID := uuid.NewString()
	repo.On("GetProviderByID", mock.Anything, providerID).Return(&types.Provider{ID: providerID, Name: "Dr. Rivera", IsActive: true}, nil)
	repo.On("CreateAppointment", mock.Anything, mock.AnythingOfType("*types.Appointment")).
		Return(types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to create appointment", errors.New("connection reset")))

	_, err := svc.CreateBooking(context.Background(), newClient(), bookingRequest(providerID, testTomorrow, "10:00 AM"))

	require.Error(t, err)
	assert.Equal(t, types.ErrorTypeDependency, types.ErrorTypeOf(err))
	assert.Equal(t, 500, types.HTTPStatus(err))
	assert.Equal(t, 0, svc.reminders.ActiveCount())
	repo.AssertExpectations(t)
}

func TestTransitionStatus_Authorization(t *testing.T) {
	f := newFixture(t)
	owner := newClient()
	other := f.addProvider(t, "Dr. Chen", "chen@clinic.test")

	tests := []struct {
		name    string
		claims  *types.UserClaims
		allowed bool
	}{
		{"owning provider", f.providerClaims(), true},
		{"administrator", adminClaims(), true},
		{"other provider", &types.UserClaims{UserID: other.ID, Role: types.RoleProvider}, false},
		{"owning client", owner, false},
		{"provider id with client role", &types.UserClaims{UserID: f.provider.ID, Role: types.RoleClient}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apt := f.seed(t, f.provider.ID, testTomorrow, "10:00 AM", types.StatusPending)
			t.Cleanup(func() {
				f.repo.UpdateAppointmentStatus(context.Background(), apt.ID, types.StatusConfirmed, types.StatusCancelled)
				f.repo.UpdateAppointmentStatus(context.Background(), apt.ID, types.StatusPending, types.StatusCancelled)
			})

			updated, err := f.svc.TransitionStatus(context.Background(), tt.claims, apt.ID, types.StatusConfirmed)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, types.StatusConfirmed, updated.Status)
				return
			}
			require.Error(t, err)
			assert.Equal(t, types.ErrorTypeAuthorization, types.ErrorTypeOf(err))
		})
	}
}

func TestTransitionStatus_Table(t *testing.T) {
	tests := []struct {
		from    types.AppointmentStatus
		to      types.AppointmentStatus
		allowed bool
	}{
		{types.StatusPending, types.StatusConfirmed, true},
		{types.StatusPending, types.StatusCompleted, true},
		{types.StatusPending, types.StatusCancelled, true},
		{types.StatusPending, types.StatusPending, false},
		{types.StatusConfirmed, types.StatusConfirmed, true},
		{types.StatusConfirmed, types.StatusCompleted, true},
		{types.StatusConfirmed, types.StatusCancelled, true},
		{types.StatusConfirmed, types.StatusPending, false},
		{types.StatusCompleted, types.StatusConfirmed, false},
		{types.StatusCompleted, types.StatusCancelled, false},
		{types.StatusCancelled, types.StatusPending, false},
		{types.StatusCancelled, types.StatusConfirmed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			f := newFixture(t)
			apt := f.seed(t, f.provider.ID, testTomorrow, "10:00 AM", tt.from)

			updated, err := f.svc.TransitionStatus(context.Background(), adminClaims(), apt.ID, tt.to)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, tt.to, updated.Status)
				return
			}
			require.Error(t, err)
			assert.True(t, types.IsErrorType(err, types.ErrorTypeValidation))
			assert.Contains(t, err.Error(), types.ErrCodeInvalidTransition)

			stored, err := f.repo.GetAppointmentByID(context.Background(), apt.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.from, stored.Status)
		})
	}
}

func TestTransitionStatus_UnknownStatusAndAppointment(t *testing.T) {
	f := newFixture(t)
	apt := f.seed(t, f.provider.ID, testTomorrow, "10:00 AM", types.StatusPending)

	_, err := f.svc.TransitionStatus(context.Background(), adminClaims(), apt.ID, "Rescheduled")
	assert.True(t, types.IsErrorType(err, types.ErrorTypeValidation))

	_, err = f.svc.TransitionStatus(context.Background(), adminClaims(), uuid.NewString(), types.StatusConfirmed)
	assert.True(t, types.IsErrorType(err, types.ErrorTypeNotFound))
}

func TestTransitionStatus_LostRace(t *testing.T) {
	repo := new(MockSchedulingRepository)
	svc := newMockService(t, repo)

	apt := &types.Appointment{ID: "apt-1", ProviderID: "prov-1", Date: testTomorrow, Time: "10:00 AM", Status: types.StatusPending}
	repo.On("GetAppointmentByID", mock.Anything, "apt-1").Return(apt, nil)
	repo.On("UpdateAppointmentStatus", mock.Anything, "apt-1", types.StatusPending, types.StatusCancelled).
		Return(nil, types.NewConflictError(types.ErrCodeConcurrentUpdate, "appointment status changed concurrently"))

	_, err := svc.TransitionStatus(context.Background(), adminClaims(), "apt-1", types.StatusCancelled)

	require.Error(t, err)
	assert.Contains(t, err.Error(), types.ErrCodeConcurrentUpdate)
	repo.AssertExpectations(t)
}

func TestCancelAppointment_Authorization(t *testing.T) {
	f := newFixture(t)
	owner := newClient()

	apt := f.book(t, owner, testTomorrow, "10:00 AM")

	_, err := f.svc.CancelAppointment(context.Background(), newClient(), apt.ID)
	assert.Equal(t, types.ErrorTypeAuthorization, types.ErrorTypeOf(err))

	_, err = f.svc.CancelAppointment(context.Background(), f.providerClaims(), apt.ID)
	assert.Equal(t, types.ErrorTypeAuthorization, types.ErrorTypeOf(err))

	cancelled, err := f.svc.CancelAppointment(context.Background(), owner, apt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	_, err = f.svc.CancelAppointment(context.Background(), owner, apt.ID)
	assert.Contains(t, err.Error(), types.ErrCodeInvalidTransition)

	byAdmin := f.book(t, owner, testTomorrow, "11:00 AM")
	_, err = f.svc.CancelAppointment(context.Background(), adminClaims(), byAdmin.ID)
	assert.NoError(t, err)

	_, err = f.svc.CancelAppointment(context.Background(), owner, "missing")
	assert.Equal(t, types.ErrorTypeNotFound, types.ErrorTypeOf(err))
}

func TestClientHistory(t *testing.T) {
	f := newFixture(t)
	other := f.addProvider(t, "Dr. Chen", "chen@clinic.test")
	client := newClient()

	first := f.book(t, client, testTomorrow, "10:00 AM")
	f.clock.Advance(time.Minute)
	second, err := f.svc.CreateBooking(context.Background(), client, bookingRequest(other.ID, testTomorrow, "11:00 AM"))
	require.NoError(t, err)
	f.book(t, newClient(), testTomorrow, "02:00 PM")

	_, err = f.svc.CancelAppointment(context.Background(), client, first.ID)
	require.NoError(t, err)

	history, err := f.svc.ClientHistory(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, "Dr. Chen", history[0].ProviderName)
	assert.Equal(t, first.ID, history[1].ID)
	assert.Equal(t, "Dr. Rivera", history[1].ProviderName)
	assert.Equal(t, types.StatusCancelled, history[1].Status)

	f.repo.DeleteProvider(context.Background(), other.ID)
	history, err = f.svc.ClientHistory(context.Background(), client)
	require.NoError(t, err)
	assert.Empty(t, history[0].ProviderName)

	empty, err := f.svc.ClientHistory(context.Background(), newClient())
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = f.svc.ClientHistory(context.Background(), f.providerClaims())
	assert.Equal(t, types.ErrorTypeAuthorization, types.ErrorTypeOf(err))
}

func TestProviderAppointments(t *testing.T) {
	f := newFixture(t)

	f.seed(t, f.provider.ID, testTomorrow, "10:00 AM", types.StatusPending)
	f.seed(t, f.provider.ID, testTomorrow, "10:30 AM", types.StatusConfirmed)
	f.seed(t, f.provider.ID, testTomorrow, "11:00 AM", types.StatusConfirmed)
	f.seed(t, f.provider.ID, testToday, "09:00 AM", types.StatusCompleted)
	other := f.addProvider(t, "Dr. Chen", "chen@clinic.test")
	f.seed(t, other.ID, testTomorrow, "10:00 AM", types.StatusPending)

	schedule, err := f.svc.ProviderAppointments(context.Background(), f.providerClaims())
	require.NoError(t, err)

	assert.Equal(t, 4, schedule.Total)
	assert.Len(t, schedule.Appointments, 4)
	assert.Equal(t, testToday, schedule.Appointments[0].Date)
	assert.Equal(t, 1, schedule.Counts[types.StatusPending])
	assert.Equal(t, 2, schedule.Counts[types.StatusConfirmed])
	assert.Equal(t, 1, schedule.Counts[types.StatusCompleted])
	count, present := schedule.Counts[types.StatusCancelled]
	assert.True(t, present)
	assert.Zero(t, count)

	_, err = f.svc.ProviderAppointments(context.Background(), newClient())
	assert.Equal(t, types.ErrorTypeAuthorization, types.ErrorTypeOf(err))
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	client := newClient()

	empty, err := f.svc.Notifications(context.Background(), client)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	f.book(t, client, testTomorrow, "10:00 AM")
	f.clock.Set(at(testTomorrow, "09:30"))

	notifications, err := f.svc.Notifications(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, notifications, 1)

	err = f.svc.MarkNotificationRead(context.Background(), newClient(), notifications[0].ID)
	assert.Equal(t, types.ErrorTypeNotFound, types.ErrorTypeOf(err))

	require.NoError(t, f.svc.MarkNotificationRead(context.Background(), client, notifications[0].ID))
	notifications, err = f.svc.Notifications(context.Background(), client)
	require.NoError(t, err)
	assert.True(t, notifications[0].Read)

	_, err = f.svc.Notifications(context.Background(), f.providerClaims())
	assert.Equal(t, types.ErrorTypeAuthorization, types.ErrorTypeOf(err))
}

func TestCreateProvider(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.CreateProvider(context.Background(), adminClaims(), &types.Provider{
		Name:           " Dr. Chen ",
		Email:          "Chen@Clinic.test",
		Specialization: "dermatology",
		Fee:            80,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Dr. Chen", created.Name)
	assert.Equal(t, "chen@clinic.test", created.Email)
	assert.True(t, created.IsActive)

	_, err = f.svc.CreateProvider(context.Background(), adminClaims(), &types.Provider{Name: "Dr. Chen II", Email: "chen@clinic.test"})
	assert.Equal(t, types.ErrorTypeConflict, types.ErrorTypeOf(err))

	_, err = f.svc.CreateProvider(context.Background(), adminClaims(), &types.Provider{Name: "", Email: "x@clinic.test"})
	assert.Equal(t, types.ErrorTypeValidation, types.ErrorTypeOf(err))

	_, err = f.svc.CreateProvider(context.Background(), adminClaims(), &types.Provider{Name: "Dr. Neg", Email: "neg@clinic.test", Fee: -1})
	assert.Equal(t, types.ErrorTypeValidation, types.ErrorTypeOf(err))

	_, err = f.svc.CreateProvider(context.Background(), newClient(), &types.Provider{Name: "Dr. X", Email: "x@clinic.test"})
	assert.Equal(t, types.ErrorTypeAuthorization, types.ErrorTypeOf(err))

	providers, err := f.svc.ListProviders(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "Dr. Chen", providers[0].Name)
	assert.Equal(t, "Dr. Rivera", providers[1].Name)
}

func TestStop_ReleasesCollaborators(t *testing.T) {
	f := newFixture(t)
	f.book(t, newClient(), testTomorrow, "10:00 AM")

	require.NoError(t, f.svc.Stop(context.Background()))
	assert.Equal(t, 0, f.svc.reminders.ActiveCount())
}

func TestStart_AfterStopDoesNotServe(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.Stop(context.Background()))

	err := f.svc.Start(context.Background())
	assert.ErrorIs(t, err, http.ErrServerClosed)

	// the stopped scheduler ignores late arms
	f.book(t, newClient(), testTomorrow, "10:00 AM")
	assert.Equal(t, 0, f.svc.reminders.ActiveCount())
}

func TestStop_DuringStartup(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := newFixture(t)
		f.seed(t, f.provider.ID, testTomorrow, "10:00 AM", types.StatusPending)

		done := make(chan error, 1)
		go func() { done <- f.svc.Start(context.Background()) }()

		require.NoError(t, f.svc.Stop(context.Background()))

		select {
		case err := <-done:
			assert.ErrorIs(t, err, http.ErrServerClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("Start kept serving after Stop returned")
		}
		assert.Equal(t, 0, f.svc.reminders.ActiveCount())
	}
}
