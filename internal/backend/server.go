// Package backend is a local stand-in for the paywall backend. It speaks the
// same envelope protocol as the hosted service and keeps its state in SQLite,
// which makes it useful for the CLI and for end-to-end tests of the client.
package backend

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/catalog"
)

// Server exposes the backend endpoints used by the SDK.
type Server struct {
	store  *Store
	seed   Seed
	apiKey string
	logger *slog.Logger
}

// NewServer wires the server. An empty apiKey accepts any bearer token.
func NewServer(store *Store, seed Seed, apiKey string, logger *slog.Logger) *Server {
	return &Server{store: store, seed: seed, apiKey: apiKey, logger: logger.With("component", "backend")}
}

// Router configures all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/customers", s.handleCreateCustomer)
		r.Get("/customers/{userID}", s.handleGetCustomer)
		r.Post("/events", s.handleCreateEvents)
		r.Get("/events", s.handleListEvents)
		r.Post("/attribution", s.handleAttribution)
		r.Post("/subscriptions/{providerID}", s.handleCreateSubscription)
		r.Post("/payment_providers/{providerID}/customers", s.handleCreateProviderCustomer)
	})
	return r
}

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var data api.CustomerData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	customer, err := s.store.UpsertCustomer(r.Context(), data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.logger.Info("customer upserted", "user_id", customer.UserID, "device_id", customer.DeviceID)
	writeResults(w, http.StatusOK, s.userFor(customer, data))
}

func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := s.store.GetCustomer(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleNotFound(w, err)
		return
	}
	writeResults(w, http.StatusOK, customer)
}

// userFor hands the customer a private copy of the seed catalog.
func (s *Server) userFor(c Customer, data api.CustomerData) catalog.User {
	user := catalog.User{
		ID:               c.UserID,
		Locale:           c.Locale,
		Email:            c.Email,
		IsSandbox:        c.IsSandbox,
		PaymentProviders: append([]catalog.PaymentProvider(nil), s.seed.Providers...),
	}
	if data.NeedPlacements || data.NeedPaywalls {
		user.Placements = clonePlacements(s.seed.Placements)
	}
	return user
}

func clonePlacements(src catalog.Placements) catalog.Placements {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil
	}
	var out catalog.Placements
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (s *Server) handleCreateEvents(w http.ResponseWriter, r *http.Request) {
	var payload api.EventsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	summary, err := s.store.InsertEvents(r.Context(), payload.UserID, payload.DeviceID, payload.Events)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.logger.Info("events ingested", "inserted", summary.Inserted, "skipped", summary.Skipped)
	writeResults(w, http.StatusOK, summary)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), maxEventPage)
	events, err := s.store.ListEvents(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events: %v", err)
		return
	}
	writeResults(w, http.StatusOK, events)
}

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	var data api.AttributionData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if err := s.store.SaveAttribution(r.Context(), deviceID, data); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeResults(w, http.StatusOK, api.Message{Success: true})
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.provider(chi.URLParam(r, "providerID"))
	if !ok {
		writeError(w, http.StatusNotFound, "payment provider not found")
		return
	}
	var params api.SubscriptionParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	sub, err := s.store.CreateSubscription(r.Context(), provider, params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.logger.Info("subscription created", "subscription_id", sub.ID, "provider", provider.Kind, "product_id", sub.ProductID)
	writeResults(w, http.StatusOK, api.Subscription{
		ID:           sub.ID,
		ClientSecret: sub.ClientSecret,
		DeepLink:     sub.DeepLink,
		CustomerID:   sub.CustomerID,
	})
}

func (s *Server) handleCreateProviderCustomer(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.provider(chi.URLParam(r, "providerID"))
	if !ok {
		writeError(w, http.StatusNotFound, "payment provider not found")
		return
	}
	var params api.CustomerParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	setup, err := s.store.CreateCustomerSetup(r.Context(), provider.ID, params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeResults(w, http.StatusOK, setup)
}

func (s *Server) provider(id string) (catalog.PaymentProvider, bool) {
	for _, p := range s.seed.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return catalog.PaymentProvider{}, false
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if s.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseIntDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// writeResults wraps payload in the response envelope.
func writeResults(w http.ResponseWriter, status int, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode results: %v", err)
		return
	}
	writeJSON(w, status, api.Envelope{Data: api.EnvelopeData{Results: raw}})
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, api.Envelope{
		Data: api.EnvelopeData{Results: json.RawMessage("null")},
		Errors: []api.APIError{{
			ID:    strconv.Itoa(status),
			Title: strings.TrimSpace(fmt.Sprintf(format, args...)),
		}},
	})
}

func handleNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "%v", err)
}
