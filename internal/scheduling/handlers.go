package scheduling

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/medrex/clinic-scheduling/pkg/types"
)

// setupRoutes configures HTTP routes for the scheduling service
func (s *Service) setupRoutes(router *mux.Router) {
	router.Use(s.monitor.HTTPMiddleware)

	if s.config.Monitoring.Enabled {
		router.Handle(s.config.Monitoring.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
		router.HandleFunc(s.config.Monitoring.HealthPath, s.health.HTTPHandler()).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}

	// Slot calendar
	api.HandleFunc("/appointments/available-slots", s.availableSlotsHandler).Methods(http.MethodGet)

	// Booking ledger
	api.Handle("/appointments", s.requireRole(s.createBookingHandler, types.RoleClient)).Methods(http.MethodPost)
	api.Handle("/appointments/history", s.requireRole(s.historyHandler, types.RoleClient)).Methods(http.MethodGet)
	api.Handle("/appointments/provider", s.requireRole(s.providerAppointmentsHandler, types.RoleProvider)).Methods(http.MethodGet)
	api.Handle("/appointments/{id}", s.requireRole(s.cancelHandler, types.RoleClient, types.RoleAdministrator)).Methods(http.MethodDelete)
	api.Handle("/appointments/{id}/status", s.requireRole(s.transitionHandler, types.RoleProvider, types.RoleAdministrator)).Methods(http.MethodPut)

	// Notifications
	api.Handle("/appointments/notifications", s.requireRole(s.notificationsHandler, types.RoleClient)).Methods(http.MethodGet)
	api.Handle("/appointments/notifications/{id}/read", s.requireRole(s.markReadHandler, types.RoleClient)).Methods(http.MethodPut)

	// Provider directory
	api.HandleFunc("/providers", s.listProvidersHandler).Methods(http.MethodGet)
	api.Handle("/providers", s.requireRole(s.createProviderHandler, types.RoleAdministrator)).Methods(http.MethodPost)

	s.logger.WithComponent("http").Info("Scheduling service routes configured")
}

// availableSlotsHandler handles GET /appointments/available-slots?providerId=&date=
func (s *Service) availableSlotsHandler(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("providerId")
	date := r.URL.Query().Get("date")

	slots, err := s.AvailableSlots(r.Context(), providerID, date)
	if err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"provider_id": providerID,
		"date":        date,
		"slots":       slots,
	})
}

// createBookingHandler handles appointment creation
func (s *Service) createBookingHandler(w http.ResponseWriter, r *http.Request) {
	var req types.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", nil))
		return
	}

	apt, err := s.CreateBooking(r.Context(), claimsFromContext(r.Context()), &req)
	if err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"message":     "Booking created successfully",
		"appointment": apt,
	})
}

// cancelHandler handles appointment cancellation
func (s *Service) cancelHandler(w http.ResponseWriter, r *http.Request) {
	apt, err := s.CancelAppointment(r.Context(), claimsFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"message":     "Appointment cancelled successfully",
		"appointment": apt,
	})
}

// transitionHandler handles status changes
func (s *Service) transitionHandler(w http.ResponseWriter, r *http.Request) {
	var update types.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeErrorResponse(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", nil))
		return
	}

	apt, err := s.TransitionStatus(r.Context(), claimsFromContext(r.Context()), mux.Vars(r)["id"], update.Status)
	if err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, apt)
}

// historyHandler lists the caller's own appointments
func (s *Service) historyHandler(w http.ResponseWriter, r *http.Request) {
	views, err := s.ClientHistory(r.Context(), claimsFromContext(r.Context()))
	if err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, views)
}

// providerAppointmentsHandler lists the calling provider's appointments
func (s *Service) providerAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.ProviderAppointments(r.Context(), claimsFromContext(r.Context()))
	if err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, schedule)
}

func (s *Service) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	notifications, err := s.Notifications(r.Context(), claimsFromContext(r.Context()))
	if err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, notifications)
}

func (s *Service) markReadHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.MarkNotificationRead(r.Context(), claimsFromContext(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

func (s *Service) listProvidersHandler(w http.ResponseWriter, r *http.Request) {
	providers, err := s.ListProviders(r.Context())
	if err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, providers)
}

func (s *Service) createProviderHandler(w http.ResponseWriter, r *http.Request) {
	var provider types.Provider
	if err := json.NewDecoder(r.Body).Decode(&provider); err != nil {
		s.writeErrorResponse(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", nil))
		return
	}

	created, err := s.CreateProvider(r.Context(), claimsFromContext(r.Context()), &provider)
	if err != nil {
		s.writeErrorResponse(w, r, err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, created)
}

// writeJSONResponse writes a JSON response
func (s *Service) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeErrorResponse maps err onto its status code. Storage and internal
// failures are logged in full and reported generically.
func (s *Service) writeErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := types.HTTPStatus(err)

	code := types.ErrCodeInternalError
	message := "internal server error"
	var details map[string]interface{}
	if se := asSchedulingError(err); se != nil {
		code = se.Code
		details = se.Details
		if statusCode < http.StatusInternalServerError {
			message = se.Message
		}
	}

	entry := s.logger.WithContext(r.Context()).WithError(err).WithField("status", statusCode)
	if statusCode >= http.StatusInternalServerError {
		s.metrics.RecordSystemError(string(types.ErrorTypeOf(err)), "http")
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	response := map[string]interface{}{
		"error":  message,
		"code":   code,
		"status": statusCode,
	}
	if len(details) > 0 {
		response["details"] = details
	}

	s.writeJSONResponse(w, statusCode, response)
}
