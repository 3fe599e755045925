package rest_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideworks/ride-negotiation-backend/internal/api/rest"
	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/events"
	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/repository"
	"github.com/rideworks/ride-negotiation-backend/internal/metrics"
	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

type apiFixture struct {
	handler http.Handler
	auth    *rest.AuthMiddleware
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := repository.NewMemory()
	logger := slog.New(slog.DiscardHandler)
	svc := negotiation.NewService(
		store.Requests,
		store.Bids,
		store.Tx,
		events.NopNotifier{},
		rest.ContextIdentityResolver{},
		negotiation.NopRateLimiter{},
		metrics.Nop{},
		logger,
		negotiation.Config{RequestLifetime: 24 * time.Hour, BidLifetime: 2 * time.Hour},
	)

	auth := rest.NewAuthMiddleware("test-secret")
	mux := http.NewServeMux()
	rest.NewHandler(svc, logger).RegisterRoutes(mux)
	return &apiFixture{
		handler: rest.Chain(mux, auth.Middleware()),
		auth:    auth,
	}
}

func (f *apiFixture) passengerToken(t *testing.T, id uuid.UUID) string {
	t.Helper()
	token, err := f.auth.IssueToken(negotiation.Identity{ID: id, IsPassenger: true}, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) driverToken(t *testing.T, id uuid.UUID) string {
	t.Helper()
	token, err := f.auth.IssueToken(negotiation.Identity{ID: id, IsDriver: true}, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

type requestBody struct {
	ID            uuid.UUID  `json:"id"`
	PassengerID   uuid.UUID  `json:"passenger_id"`
	Status        string     `json:"status"`
	AcceptedBidID *uuid.UUID `json:"accepted_bid_id"`
	MinBudget     *string    `json:"min_budget"`
	MaxBudget     *string    `json:"max_budget"`
}

type bidBody struct {
	ID         uuid.UUID `json:"id"`
	RequestID  uuid.UUID `json:"request_id"`
	DriverID   uuid.UUID `json:"driver_id"`
	PriceOffer string    `json:"price_offer"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
}

type errBody struct {
	Error struct {
		Type string `json:"type"`
		Code string `json:"code"`
	} `json:"error"`
}

func createPayload() map[string]interface{} {
	return map[string]interface{}{
		"origin_city_id":      uuid.New(),
		"destination_city_id": uuid.New(),
		"preferred_at":        time.Now().UTC().Add(6 * time.Hour).Format(time.RFC3339),
		"time_flexibility":    "2h",
		"passenger_count":     2,
		"min_budget":          map[string]string{"amount": "20.00", "currency": "USD"},
		"max_budget":          map[string]string{"amount": "100.00", "currency": "USD"},
	}
}

func bidPayload(price string) map[string]interface{} {
	return map[string]interface{}{
		"price_offer": map[string]string{"amount": price, "currency": "USD"},
		"proposed_at": time.Now().UTC().Add(6 * time.Hour).Format(time.RFC3339),
		"message":     "on my way",
	}
}

func (f *apiFixture) createRequest(t *testing.T, token string) requestBody {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/requests", token, createPayload())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out requestBody
	decodeBody(t, rec, &out)
	return out
}

func (f *apiFixture) submitBid(t *testing.T, token string, requestID uuid.UUID, price string) bidBody {
	t.Helper()
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/bids", requestID), token, bidPayload(price))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out bidBody
	decodeBody(t, rec, &out)
	return out
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/requests", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRequestEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	passenger := uuid.New()
	token := f.passengerToken(t, passenger)

	t.Run("created", func(t *testing.T) {
		created := f.createRequest(t, token)
		assert.Equal(t, passenger, created.PassengerID)
		assert.Equal(t, "open", created.Status)
		require.NotNil(t, created.MinBudget)
		assert.Equal(t, "20.00 USD", *created.MinBudget)
	})

	t.Run("malformed payload", func(t *testing.T) {
		payload := createPayload()
		payload["time_flexibility"] = "whenever"
		rec := f.do(t, http.MethodPost, "/api/v1/requests", token, payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing required field", func(t *testing.T) {
		payload := createPayload()
		delete(payload, "passenger_count")
		rec := f.do(t, http.MethodPost, "/api/v1/requests", token, payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("driver role is forbidden", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/requests", f.driverToken(t, uuid.New()), createPayload())
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestGetAndListRequests(t *testing.T) {
	f := newAPIFixture(t)
	token := f.passengerToken(t, uuid.New())
	created := f.createRequest(t, token)

	rec := f.do(t, http.MethodGet, "/api/v1/requests/"+created.ID.String(), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/"+uuid.NewString(), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/requests?scope=mine", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []requestBody
	decodeBody(t, rec, &mine)
	assert.Len(t, mine, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/requests?scope=open", f.driverToken(t, uuid.New()), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var open []requestBody
	decodeBody(t, rec, &open)
	assert.Len(t, open, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/requests?scope=bogus", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBidEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	passengerToken := f.passengerToken(t, uuid.New())
	created := f.createRequest(t, passengerToken)

	driver := uuid.New()
	driverToken := f.driverToken(t, driver)

	t.Run("submit and fetch", func(t *testing.T) {
		placed := f.submitBid(t, driverToken, created.ID, "55.00")
		assert.Equal(t, "pending", placed.Status)
		assert.Equal(t, driver, placed.DriverID)

		rec := f.do(t, http.MethodGet, "/api/v1/bids/"+placed.ID.String(), driverToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("duplicate bid conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/bids", created.ID), driverToken, bidPayload("60.00"))
		require.Equal(t, http.StatusConflict, rec.Code)
		var e errBody
		decodeBody(t, rec, &e)
		assert.Equal(t, "ALREADY_BID_ON_REQUEST", e.Error.Code)
	})

	t.Run("constraint violation is a 400", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/requests/%s/bids", created.ID),
			f.driverToken(t, uuid.New()), bidPayload("500.00"))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var e errBody
		decodeBody(t, rec, &e)
		assert.Equal(t, "PRICE_OUT_OF_RANGE", e.Error.Code)
	})

	t.Run("update while pending", func(t *testing.T) {
		other := f.createRequest(t, passengerToken)
		placed := f.submitBid(t, driverToken, other.ID, "50.00")

		rec := f.do(t, http.MethodPatch, "/api/v1/bids/"+placed.ID.String(), driverToken, map[string]interface{}{
			"price_offer": map[string]string{"amount": "45.00", "currency": "USD"},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var updated bidBody
		decodeBody(t, rec, &updated)
		assert.Equal(t, "45.00 USD", updated.PriceOffer)
	})

	t.Run("withdraw", func(t *testing.T) {
		other := f.createRequest(t, passengerToken)
		placed := f.submitBid(t, driverToken, other.ID, "50.00")

		rec := f.do(t, http.MethodPost, "/api/v1/bids/"+placed.ID.String()+"/withdraw", driverToken, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = f.do(t, http.MethodPost, "/api/v1/bids/"+placed.ID.String()+"/withdraw", driverToken, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestAcceptFlowEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	passenger := uuid.New()
	passengerToken := f.passengerToken(t, passenger)
	created := f.createRequest(t, passengerToken)

	winner := f.submitBid(t, f.driverToken(t, uuid.New()), created.ID, "40.00")
	loser := f.submitBid(t, f.driverToken(t, uuid.New()), created.ID, "60.00")

	t.Run("strangers may not accept", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/bids/"+winner.ID.String()+"/accept",
			f.passengerToken(t, uuid.New()), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("owner accepts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/bids/"+winner.ID.String()+"/accept", passengerToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var accepted bidBody
		decodeBody(t, rec, &accepted)
		assert.Equal(t, "accepted", accepted.Status)

		rec = f.do(t, http.MethodGet, "/api/v1/requests/"+created.ID.String(), passengerToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var closed requestBody
		decodeBody(t, rec, &closed)
		assert.Equal(t, "closed", closed.Status)
		require.NotNil(t, closed.AcceptedBidID)
		assert.Equal(t, winner.ID, *closed.AcceptedBidID)

		rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/requests/%s/bids", created.ID), passengerToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var all []bidBody
		decodeBody(t, rec, &all)
		require.Len(t, all, 2)
		for _, b := range all {
			if b.ID == loser.ID {
				assert.Equal(t, "rejected", b.Status)
			}
		}
	})

	t.Run("second accept conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/bids/"+loser.ID.String()+"/accept", passengerToken, nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		var e errBody
		decodeBody(t, rec, &e)
		assert.Equal(t, "REQUEST_ALREADY_RESOLVED", e.Error.Code)
	})
}

func TestRejectAndCancelEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	passengerToken := f.passengerToken(t, uuid.New())
	created := f.createRequest(t, passengerToken)
	placed := f.submitBid(t, f.driverToken(t, uuid.New()), created.ID, "50.00")

	rec := f.do(t, http.MethodPost, "/api/v1/bids/"+placed.ID.String()+"/reject", passengerToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/requests/"+created.ID.String()+"/cancel", passengerToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/"+created.ID.String(), passengerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled requestBody
	decodeBody(t, rec, &cancelled)
	assert.Equal(t, "cancelled", cancelled.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/requests/"+created.ID.String()+"/cancel", passengerToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
