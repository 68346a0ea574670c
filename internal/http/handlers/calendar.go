package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/wolfman30/medspa-calendar/internal/availability"
	"github.com/wolfman30/medspa-calendar/internal/booking"
	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/calsync"
	"github.com/wolfman30/medspa-calendar/internal/tenancy"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

// SlotFinder computes bookable slots.
type SlotFinder interface {
	ComputeSlots(ctx context.Context, q availability.SlotQuery) ([]calendar.TimeSlot, error)
	ComputeTeamSlots(ctx context.Context, q availability.TeamQuery) ([]calendar.TimeSlot, error)
}

// Booker creates and cancels bookings.
type Booker interface {
	CreateBooking(ctx context.Context, req booking.Request) booking.Result
	CancelBooking(ctx context.Context, eventID uuid.UUID) error
}

// CalendarSyncer connects providers and runs on-demand syncs.
type CalendarSyncer interface {
	Connect(ctx context.Context, req calsync.ConnectRequest) (calendar.Provider, error)
	Sync(ctx context.Context, providerID uuid.UUID) (calsync.Result, error)
	Disconnect(ctx context.Context, providerID uuid.UUID) error
}

// CodeExchanger builds consent URLs and trades authorization codes for tokens.
type CodeExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// CalendarHandler serves the availability, booking and provider endpoints.
type CalendarHandler struct {
	slots    SlotFinder
	bookings Booker
	syncer   CalendarSyncer
	oauth    CodeExchanger
	logger   *logging.Logger
}

func NewCalendarHandler(slots SlotFinder, bookings Booker, syncer CalendarSyncer, oauth CodeExchanger, logger *logging.Logger) *CalendarHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CalendarHandler{
		slots:    slots,
		bookings: bookings,
		syncer:   syncer,
		oauth:    oauth,
		logger:   logger,
	}
}

type slotsQuery struct {
	OwnerID  string `json:"owner_id"`
	AgentID  string `json:"agent_id"`
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Duration int    `json:"duration" validate:"omitempty,min=5,max=480"`
	Timezone string `json:"timezone"`
}

type slotsResponse struct {
	Date  string              `json:"date"`
	Slots []calendar.TimeSlot `json:"slots"`
}

// GetSlots handles GET /v1/slots. An owner_id returns that owner's slots;
// otherwise the agent's (or the whole tenant's) staff are merged.
func (h *CalendarHandler) GetSlots(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenancy.TenantIDFromContext(r.Context())
	q := r.URL.Query()
	query := slotsQuery{
		OwnerID:  q.Get("owner_id"),
		AgentID:  q.Get("agent_id"),
		Date:     q.Get("date"),
		Timezone: q.Get("timezone"),
	}
	if raw := q.Get("duration"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "duration must be an integer number of minutes")
			return
		}
		query.Duration = n
	}
	if !validStruct(w, query) {
		return
	}

	var (
		slots []calendar.TimeSlot
		err   error
	)
	if query.OwnerID != "" {
		slots, err = h.slots.ComputeSlots(r.Context(), availability.SlotQuery{
			OwnerID:  query.OwnerID,
			Date:     query.Date,
			Duration: query.Duration,
			Timezone: query.Timezone,
		})
	} else {
		slots, err = h.slots.ComputeTeamSlots(r.Context(), availability.TeamQuery{
			TenantID: tenantID,
			AgentID:  query.AgentID,
			Date:     query.Date,
			Duration: query.Duration,
			Timezone: query.Timezone,
		})
	}
	switch {
	case errors.Is(err, calendar.ErrInvalidTimezone):
		writeError(w, http.StatusBadRequest, "unknown timezone")
		return
	case errors.Is(err, calendar.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
		return
	case err != nil:
		h.logger.Error("slot computation failed", "tenant_id", tenantID, "owner_id", query.OwnerID, "agent_id", query.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute availability")
		return
	}
	if slots == nil {
		slots = []calendar.TimeSlot{}
	}
	writeJSON(w, http.StatusOK, slotsResponse{Date: query.Date, Slots: slots})
}

type attendeeRequest struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone" validate:"omitempty,e164"`
	Email string `json:"email" validate:"omitempty,email"`
}

type createBookingRequest struct {
	AgentID   string          `json:"agent_id"`
	OwnerID   string          `json:"owner_id"`
	CallID    string          `json:"call_id"`
	StartTime time.Time       `json:"start_time" validate:"required"`
	Duration  int             `json:"duration_minutes" validate:"omitempty,min=5,max=480"`
	Attendee  attendeeRequest `json:"attendee"`
	Notes     string          `json:"notes" validate:"max=2000"`
	Timezone  string          `json:"timezone"`
	BookedBy  string          `json:"booked_by" validate:"omitempty,oneof=voice_agent user"`
}

// CreateBooking handles POST /v1/bookings. The result body is returned for
// failures too so callers can relay the message.
func (h *CalendarHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var body createBookingRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	tenantID, _ := tenancy.TenantIDFromContext(r.Context())
	res := h.bookings.CreateBooking(r.Context(), booking.Request{
		TenantID:  tenantID,
		AgentID:   body.AgentID,
		OwnerID:   body.OwnerID,
		CallID:    body.CallID,
		StartTime: body.StartTime,
		Duration:  body.Duration,
		Attendee: calendar.Attendee{
			Name:  body.Attendee.Name,
			Phone: body.Attendee.Phone,
			Email: body.Attendee.Email,
		},
		Notes:    body.Notes,
		Timezone: body.Timezone,
		BookedBy: calendar.BookedBy(body.BookedBy),
	})
	writeJSON(w, bookingStatus(res), res)
}

func bookingStatus(res booking.Result) int {
	if res.Success {
		return http.StatusCreated
	}
	switch {
	case errors.Is(res.Reason, calendar.ErrSlotNoLongerAvailable), errors.Is(res.Reason, calendar.ErrNoAvailableUser):
		return http.StatusConflict
	case errors.Is(res.Reason, calendar.ErrNoAssignableUser):
		return http.StatusUnprocessableEntity
	case errors.Is(res.Reason, calendar.ErrPersistence):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

// CancelBooking handles POST /v1/bookings/{bookingID}/cancel.
func (h *CalendarHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return
	}
	if err := h.bookings.CancelBooking(r.Context(), id); err != nil {
		if errors.Is(err, calendar.ErrEventNotFound) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		h.logger.Error("cancel booking failed", "booking_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel booking")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"booking_id": id.String(), "status": string(calendar.StatusCancelled)})
}

type googleCallbackRequest struct {
	OwnerID      string `json:"owner_id" validate:"required"`
	AccountEmail string `json:"account_email" validate:"omitempty,email"`
	Code         string `json:"code" validate:"required_without=AccessToken"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in" validate:"min=0"`
}

type providerResponse struct {
	ProviderID string `json:"provider_id"`
	OwnerID    string `json:"owner_id"`
	CalendarID string `json:"calendar_id"`
	Status     string `json:"status"`
}

// GoogleCallback handles POST /v1/providers/google/callback. It accepts
// either an authorization code or tokens already exchanged by the caller.
func (h *CalendarHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "calendar sync is not configured")
		return
	}
	var body googleCallbackRequest
	if !decodeAndValidate(w, r, &body) {
		return
	}
	tenantID, _ := tenancy.TenantIDFromContext(r.Context())

	token := &oauth2.Token{AccessToken: body.AccessToken, RefreshToken: body.RefreshToken}
	if body.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	if body.Code != "" {
		if h.oauth == nil {
			writeError(w, http.StatusServiceUnavailable, "oauth client is not configured")
			return
		}
		exchanged, err := h.oauth.Exchange(r.Context(), body.Code)
		if err != nil {
			h.logger.Warn("oauth code exchange failed", "owner_id", body.OwnerID, "error", err)
			writeError(w, http.StatusBadGateway, "failed to exchange authorization code")
			return
		}
		token = exchanged
	}

	p, err := h.syncer.Connect(r.Context(), calsync.ConnectRequest{
		TenantID:     tenantID,
		OwnerID:      body.OwnerID,
		AccountEmail: body.AccountEmail,
		Token:        token,
	})
	if err != nil {
		h.logger.Error("connect calendar failed", "tenant_id", tenantID, "owner_id", body.OwnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to connect calendar")
		return
	}
	writeJSON(w, http.StatusCreated, providerResponse{
		ProviderID: p.ID.String(),
		OwnerID:    p.OwnerID,
		CalendarID: p.CalendarID,
		Status:     string(p.Status),
	})
}

type authorizeResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// GoogleAuthorize handles GET /v1/providers/google/authorize?owner_id=...
// The state is "<owner_id>:<nonce>"; the caller keeps it and checks it
// before posting the callback.
func (h *CalendarHandler) GoogleAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth client is not configured")
		return
	}
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		h.logger.Error("failed to generate oauth state", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}
	state := ownerID + ":" + hex.EncodeToString(nonce)
	writeJSON(w, http.StatusOK, authorizeResponse{URL: h.oauth.AuthCodeURL(state), State: state})
}

type syncResponse struct {
	Mode      string `json:"mode,omitempty"`
	Upserted  int    `json:"upserted"`
	Created   int    `json:"created"`
	Cancelled int    `json:"cancelled"`
	Skipped   int    `json:"skipped"`
}

// TriggerSync handles POST /v1/providers/{providerID}/sync.
func (h *CalendarHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "calendar sync is not configured")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}
	res, err := h.syncer.Sync(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, syncResponse{
			Mode:      string(res.Mode),
			Upserted:  res.Upserted,
			Created:   res.Created,
			Cancelled: res.Cancelled,
			Skipped:   res.Skipped,
		})
	case errors.Is(err, calendar.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider not found")
	case errors.Is(err, calsync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync already in progress")
	case errors.Is(err, calendar.ErrProviderRateLimited):
		writeError(w, http.StatusTooManyRequests, "provider rate limited, try again later")
	case errors.Is(err, calendar.ErrProviderUnauthorized):
		writeError(w, http.StatusConflict, "calendar authorization expired, reconnect required")
	default:
		h.logger.Error("on-demand sync failed", "provider_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "sync failed")
	}
}

// DisconnectProvider handles POST /v1/providers/{providerID}/disconnect.
func (h *CalendarHandler) DisconnectProvider(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "calendar sync is not configured")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}
	switch err := h.syncer.Disconnect(r.Context(), id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, calendar.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider not found")
	case errors.Is(err, calsync.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync in progress, try again shortly")
	default:
		h.logger.Error("provider disconnect failed", "provider_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "disconnect failed")
	}
}

// HealthCheck handles GET /health.
func (h *CalendarHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
