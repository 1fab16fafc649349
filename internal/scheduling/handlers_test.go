package scheduling

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medrex/clinic-scheduling/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type apiClient struct {
	t       *testing.T
	handler http.Handler
}

func (c *apiClient) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	c.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func tokenFor(t *testing.T, f *fixture, claims *types.UserClaims) string {
	t.Helper()
	token, err := f.svc.tokens.GenerateToken(claims.UserID, claims.Role)
	require.NoError(t, err)
	return token
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHandlers_AvailableSlots(t *testing.T) {
	f := newFixture(t)
	f.seed(t, f.provider.ID, testToday, "09:30 AM", types.StatusPending)
	api := &apiClient{t: t, handler: f.svc.Handler()}

	rec := api.do(http.MethodGet, "/api/v1/appointments/available-slots?providerId="+f.provider.ID+"&date="+testToday, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ProviderID string   `json:"provider_id"`
		Date       string   `json:"date"`
		Slots      []string `json:"slots"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, f.provider.ID, body.ProviderID)
	assert.Len(t, body.Slots, 11)
	assert.NotContains(t, body.Slots, "09:30 AM")

	rec = api.do(http.MethodGet, "/api/v1/appointments/available-slots?providerId="+f.provider.ID+"&date=06-01-2024", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), types.ErrCodeInvalidDate)
}

func TestHandlers_BookingLifecycle(t *testing.T) {
	f := newFixture(t)
	api := &apiClient{t: t, handler: f.svc.Handler()}
	client := newClient()
	clientToken := tokenFor(t, f, client)

	rec := api.do(http.MethodPost, "/api/v1/appointments", clientToken, bookingRequest(f.provider.ID, testTomorrow, "10:00 AM"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Message     string             `json:"message"`
		Appointment *types.Appointment `json:"appointment"`
	}
	decodeBody(t, rec, &created)
	require.NotNil(t, created.Appointment)
	assert.Equal(t, types.StatusPending, created.Appointment.Status)
	assert.Equal(t, client.UserID, created.Appointment.ClientID)

	// same slot again
	rec = api.do(http.MethodPost, "/api/v1/appointments", tokenFor(t, f, newClient()), bookingRequest(f.provider.ID, testTomorrow, "10:00 AM"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var conflict map[string]interface{}
	decodeBody(t, rec, &conflict)
	assert.Equal(t, types.ErrCodeSlotTaken, conflict["code"])
	assert.EqualValues(t, http.StatusBadRequest, conflict["status"])

	rec = api.do(http.MethodPut, "/api/v1/appointments/"+created.Appointment.ID+"/status", tokenFor(t, f, f.providerClaims()),
		types.StatusUpdate{Status: types.StatusConfirmed})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var confirmed types.Appointment
	decodeBody(t, rec, &confirmed)
	assert.Equal(t, types.StatusConfirmed, confirmed.Status)

	rec = api.do(http.MethodGet, "/api/v1/appointments/history", clientToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []types.AppointmentView
	decodeBody(t, rec, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "Dr. Rivera", history[0].ProviderName)

	rec = api.do(http.MethodDelete, "/api/v1/appointments/"+created.Appointment.ID, clientToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cancelled struct {
		Message     string             `json:"message"`
		Appointment *types.Appointment `json:"appointment"`
	}
	decodeBody(t, rec, &cancelled)
	assert.Equal(t, types.StatusCancelled, cancelled.Appointment.Status)
	assert.NotEmpty(t, cancelled.Message)

	rec = api.do(http.MethodGet, "/api/v1/appointments/provider", tokenFor(t, f, f.providerClaims()), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schedule types.ProviderSchedule
	decodeBody(t, rec, &schedule)
	assert.Equal(t, 1, schedule.Total)
	assert.Equal(t, 1, schedule.Counts[types.StatusCancelled])
}

func TestHandlers_Authentication(t *testing.T) {
	f := newFixture(t)
	api := &apiClient{t: t, handler: f.svc.Handler()}
	req := bookingRequest(f.provider.ID, testTomorrow, "10:00 AM")

	rec := api.do(http.MethodPost, "/api/v1/appointments", "", req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/appointments", "not-a-token", req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/appointments", tokenFor(t, f, f.providerClaims()), req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/appointments/provider", tokenFor(t, f, newClient()), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/providers", tokenFor(t, f, newClient()), types.Provider{Name: "Dr. X", Email: "x@clinic.test"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlers_XAuthTokenHeader(t *testing.T) {
	f := newFixture(t)
	handler := f.svc.Handler()
	client := newClient()

	body, err := json.Marshal(bookingRequest(f.provider.ID, testTomorrow, "10:00 AM"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", bytes.NewReader(body))
	req.Header.Set("x-auth-token", tokenFor(t, f, client))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHandlers_MalformedBody(t *testing.T) {
	f := newFixture(t)
	handler := f.svc.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, f, newClient()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), types.ErrCodeInvalidInput)
}

func TestHandlers_UnknownAppointment(t *testing.T) {
	f := newFixture(t)
	api := &apiClient{t: t, handler: f.svc.Handler()}

	rec := api.do(http.MethodDelete, "/api/v1/appointments/does-not-exist", tokenFor(t, f, adminClaims()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_Notifications(t *testing.T) {
	f := newFixture(t)
	api := &apiClient{t: t, handler: f.svc.Handler()}
	client := newClient()
	token := tokenFor(t, f, client)

	rec := api.do(http.MethodGet, "/api/v1/appointments/notifications", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	f.book(t, client, testTomorrow, "10:00 AM")
	f.clock.Set(at(testTomorrow, "09:30"))

	rec = api.do(http.MethodGet, "/api/v1/appointments/notifications", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var notifications []types.Notification
	decodeBody(t, rec, &notifications)
	require.Len(t, notifications, 1)

	rec = api.do(http.MethodPut, "/api/v1/appointments/notifications/"+notifications[0].ID+"/read", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPut, "/api/v1/appointments/notifications/"+notifications[0].ID+"/read", tokenFor(t, f, newClient()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_Providers(t *testing.T) {
	f := newFixture(t)
	api := &apiClient{t: t, handler: f.svc.Handler()}

	rec := api.do(http.MethodPost, "/api/v1/providers", tokenFor(t, f, adminClaims()),
		types.Provider{Name: "Dr. Chen", Email: "chen@clinic.test", Fee: 60})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(http.MethodGet, "/api/v1/providers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var providers []types.Provider
	decodeBody(t, rec, &providers)
	assert.Len(t, providers, 2)
}

func TestHandlers_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	api := &apiClient{t: t, handler: f.svc.Handler()}

	api.do(http.MethodGet, "/api/v1/providers", "", nil)

	rec := api.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reminders")

	rec = api.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
	assert.Contains(t, rec.Body.String(), `endpoint="/api/v1/providers"`)
}

func TestHandlers_StorageFailureIsOpaque(t *testing.T) {
	repo := new(MockSchedulingRepository)
	svc := newMockService(t, repo)
	repo.On("GetProviders", mock.Anything, true).
		Return(nil, types.NewDependencyError(types.ErrCodeStorageUnavailable, "failed to list providers", errors.New("dial tcp 10.0.0.5:5432: connection refused")))

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body["error"])
	assert.Equal(t, types.ErrCodeStorageUnavailable, body["code"])
}
