package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/values"
	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

// Handler exposes the negotiation engine over HTTP.
type Handler struct {
	svc      negotiation.Service
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(svc negotiation.Service, logger *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// RegisterRoutes wires the API onto mux. Auth is applied by the caller.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/requests", h.handleCreateRequest)
	mux.HandleFunc("GET /api/v1/requests", h.handleListRequests)
	mux.HandleFunc("GET /api/v1/requests/{id}", h.handleGetRequest)
	mux.HandleFunc("POST /api/v1/requests/{id}/cancel", h.handleCancelRequest)
	mux.HandleFunc("POST /api/v1/requests/{id}/bids", h.handleSubmitBid)
	mux.HandleFunc("GET /api/v1/requests/{id}/bids", h.handleListBids)
	mux.HandleFunc("GET /api/v1/bids/{id}", h.handleGetBid)
	mux.HandleFunc("PATCH /api/v1/bids/{id}", h.handleUpdateBid)
	mux.HandleFunc("POST /api/v1/bids/{id}/withdraw", h.handleWithdrawBid)
	mux.HandleFunc("POST /api/v1/bids/{id}/accept", h.handleAcceptBid)
	mux.HandleFunc("POST /api/v1/bids/{id}/reject", h.handleRejectBid)
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	ident, err := IdentityFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var payload createRequestPayload
	if !h.decode(w, r, &payload) {
		return
	}

	flexibility := time.Duration(0)
	if payload.TimeFlexibility != "" {
		flexibility, err = time.ParseDuration(payload.TimeFlexibility)
		if err != nil {
			writeValidationError(w, "time_flexibility must be a duration like \"1h30m\"")
			return
		}
	}

	draft := request.Draft{
		PassengerID:       ident.ID,
		OriginCityID:      payload.OriginCityID,
		DestinationCityID: payload.DestinationCityID,
		PreferredAt:       payload.PreferredAt,
		TimeFlexibility:   flexibility,
		PassengerCount:    payload.PassengerCount,
	}
	if payload.MinBudget != nil {
		m, err := parseMoney(*payload.MinBudget)
		if err != nil {
			writeValidationError(w, "invalid min_budget: "+err.Error())
			return
		}
		draft.MinBudget = &m
	}
	if payload.MaxBudget != nil {
		m, err := parseMoney(*payload.MaxBudget)
		if err != nil {
			writeValidationError(w, "invalid max_budget: "+err.Error())
			return
		}
		draft.MaxBudget = &m
	}

	created, err := h.svc.CreateRequest(r.Context(), draft)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(created))
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	ident, err := IdentityFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	switch r.URL.Query().Get("scope") {
	case "", "mine":
		requests, err := h.svc.ListRequestsByPassenger(r.Context(), ident.ID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponses(requests))
	case "open":
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		requests, err := h.svc.ListOpenRequests(r.Context(), limit)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponses(requests))
	default:
		writeValidationError(w, "scope must be \"mine\" or \"open\"")
	}
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	req, err := h.svc.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (h *Handler) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	ident, err := IdentityFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelRequest(r.Context(), id, ident.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	ident, err := IdentityFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	requestID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var payload submitBidPayload
	if !h.decode(w, r, &payload) {
		return
	}
	price, err := parseMoney(payload.PriceOffer)
	if err != nil {
		writeValidationError(w, "invalid price_offer: "+err.Error())
		return
	}

	placed, err := h.svc.SubmitBid(r.Context(), negotiation.SubmitBidInput{
		RequestID:  requestID,
		DriverID:   ident.ID,
		PriceOffer: price,
		ProposedAt: payload.ProposedAt,
		Message:    payload.Message,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBidResponse(placed))
}

func (h *Handler) handleListBids(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	bids, err := h.svc.ListBidsForRequest(r.Context(), requestID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponses(bids))
}

func (h *Handler) handleGetBid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.GetBid(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponse(b))
}

func (h *Handler) handleUpdateBid(w http.ResponseWriter, r *http.Request) {
	ident, err := IdentityFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	bidID, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var payload updateBidPayload
	if !h.decode(w, r, &payload) {
		return
	}

	input := negotiation.UpdateBidInput{
		BidID:      bidID,
		DriverID:   ident.ID,
		ProposedAt: payload.ProposedAt,
		Message:    payload.Message,
	}
	if payload.PriceOffer != nil {
		price, err := parseMoney(*payload.PriceOffer)
		if err != nil {
			writeValidationError(w, "invalid price_offer: "+err.Error())
			return
		}
		input.PriceOffer = &price
	}

	updated, err := h.svc.UpdateBid(r.Context(), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponse(updated))
}

func (h *Handler) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	ident, err := IdentityFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	bidID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.WithdrawBid(r.Context(), bidID, ident.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	ident, err := IdentityFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	bidID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	accepted, err := h.svc.AcceptBid(r.Context(), bidID, ident.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toBidResponse(accepted))
}

func (h *Handler) handleRejectBid(w http.ResponseWriter, r *http.Request) {
	ident, err := IdentityFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	bidID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.RejectBid(r.Context(), bidID, ident.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeValidationError(w, "invalid JSON payload: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeValidationError(w, err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeValidationError(w, "invalid id in path")
		return uuid.Nil, false
	}
	return id, true
}

func parseMoney(in moneyInput) (values.Money, error) {
	return values.NewMoneyFromString(in.Amount, in.Currency)
}
