package scheduling

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/clinic-scheduling/pkg/clock"
	"github.com/medrex/clinic-scheduling/pkg/config"
	"github.com/medrex/clinic-scheduling/pkg/logger"
	"github.com/medrex/clinic-scheduling/pkg/types"
	"github.com/stretchr/testify/require"
)

// 08:00 on the first day of the fixture calendar
var testNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

const (
	testToday    = "2024-06-01"
	testTomorrow = "2024-06-02"
)

func testConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{
			SecretKey:      "test-secret",
			AccessTokenTTL: 3600,
			Issuer:         "clinic-scheduling",
		},
		Scheduling: config.SchedulingConfig{
			Timezone:         "UTC",
			SlotMinutes:      30,
			MorningStart:     "09:00",
			MorningEnd:       "12:00",
			AfternoonStart:   "14:00",
			AfternoonEnd:     "16:00",
			ReminderLeadTime: 30 * time.Minute,
			FireTimeout:      time.Second,
		},
		Monitoring: config.MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			HealthPath:  "/health",
		},
		LogLevel: "error",
	}
}

func testLogger() *logger.Logger {
	return logger.NewWithOutput("error", io.Discard)
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	clock    *clock.Manual
	provider *types.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, testConfig())
}

func newFixtureWithConfig(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	clk := clock.NewManual(testNow)
	repo := NewMemoryRepository(clk)

	svc, err := NewWithDependencies(cfg, testLogger(), Dependencies{
		Repository: repo,
		Clock:      clk,
	})
	require.NoError(t, err)
	t.Cleanup(svc.reminders.Stop)

	f := &fixture{svc: svc, repo: repo, clock: clk}
	f.provider = f.addProvider(t, "Dr. Rivera", "rivera@clinic.test")
	return f
}

func (f *fixture) addProvider(t *testing.T, name, email string) *types.Provider {
	t.Helper()

	p := &types.Provider{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		IsActive:  true,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, f.repo.CreateProvider(context.Background(), p))
	return p
}

// seed stores an appointment directly, bypassing booking and reminders
func (f *fixture) seed(t *testing.T, providerID, date, label string, status types.AppointmentStatus) *types.Appointment {
	t.Helper()

	apt := &types.Appointment{
		ID:         uuid.NewString(),
		ClientID:   uuid.NewString(),
		ProviderID: providerID,
		Date:       date,
		Time:       label,
		Status:     status,
		Details:    testDetails(),
		CreatedAt:  f.clock.Now(),
		UpdatedAt:  f.clock.Now(),
	}
	require.NoError(t, f.repo.CreateAppointment(context.Background(), apt))
	return apt
}

func (f *fixture) book(t *testing.T, client *types.UserClaims, date, label string) *types.Appointment {
	t.Helper()

	apt, err := f.svc.CreateBooking(context.Background(), client, bookingRequest(f.provider.ID, date, label))
	require.NoError(t, err)
	return apt
}

func (f *fixture) providerClaims() *types.UserClaims {
	return &types.UserClaims{UserID: f.provider.ID, Role: types.RoleProvider}
}

func newClient() *types.UserClaims {
	return &types.UserClaims{UserID: uuid.NewString(), Role: types.RoleClient}
}

func adminClaims() *types.UserClaims {
	return &types.UserClaims{UserID: uuid.NewString(), Role: types.RoleAdministrator}
}

func testDetails() types.BookingDetails {
	return types.BookingDetails{
		ContactName: "Ana Lopez",
		Phone:       "+1 555 0100",
		PatientName: "Milo",
		PatientKind: "dog",
		Service:     "checkup",
	}
}

func bookingRequest(providerID, date, label string) *types.BookingRequest {
	return &types.BookingRequest{
		ProviderID: providerID,
		Date:       date,
		Time:       label,
		Details:    testDetails(),
	}
}

func at(date, clockTime string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clockTime, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}
