package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope wraps every backend reply.
type Envelope struct {
	Data   EnvelopeData `json:"data"`
	Errors []APIError   `json:"errors,omitempty"`
}

type EnvelopeData struct {
	Results json.RawMessage `json:"results"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// APIError is one entry of the envelope's errors list.
type APIError struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.ID, e.Title)
}

// APIErrors joins several envelope errors.
type APIErrors []APIError

func (errs APIErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return "backend errors: " + strings.Join(parts, "; ")
}

// CustomerData is posted to /v1/customers to create or fetch the visitor.
type CustomerData struct {
	UserID          string `json:"user_id"`
	Locale          string `json:"locale,omitempty"`
	TimeZone        string `json:"time_zone,omitempty"`
	IsSandbox       bool   `json:"is_sandbox"`
	IsDebug         bool   `json:"is_debug"`
	CurrencyCode    string `json:"currency_code,omitempty"`
	CountryISOCode  string `json:"country_iso_code,omitempty"`
	CountryCode     string `json:"country_code,omitempty"`
	DeviceID        string `json:"device_id"`
	DeviceType      string `json:"device_type,omitempty"`
	DeviceFamily    string `json:"device_family,omitempty"`
	Platform        string `json:"platform"`
	OSVersion       string `json:"os_version,omitempty"`
	AppVersion      string `json:"app_version,omitempty"`
	StartAppVersion string `json:"start_app_version,omitempty"`
	NeedPaywalls    bool   `json:"need_paywalls"`
	NeedPlacements  bool   `json:"need_placements"`
	PageURL         string `json:"page_url,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	Referrer        string `json:"referrer,omitempty"`
	Email           string `json:"email,omitempty"`
}

// EventData is one analytics event. Timestamp is seconds since the epoch.
type EventData struct {
	Name           string         `json:"name"`
	Properties     map[string]any `json:"properties,omitempty"`
	UserProperties map[string]any `json:"user_properties,omitempty"`
	Timestamp      float64        `json:"timestamp"`
	InsertID       string         `json:"insert_id"`
	UserID         string         `json:"user_id,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
}

// EventsPayload is the body of POST /v1/events.
type EventsPayload struct {
	Events   []EventData `json:"events"`
	DeviceID string      `json:"device_id,omitempty"`
	UserID   string      `json:"user_id,omitempty"`
}

// AttributionData is free-form attribution collected from the page.
type AttributionData map[string]any

// SubscriptionParams is the body of POST /v1/subscriptions/{provider_id}.
type SubscriptionParams struct {
	UserID          string `json:"user_id"`
	ProductID       string `json:"product_id"`
	PaywallID       string `json:"paywall_id,omitempty"`
	PlacementID     string `json:"placement_id,omitempty"`
	CustomerID      string `json:"customer_id,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	TrialPeriodDays int    `json:"trial_period_days,omitempty"`
	DiscountID      string `json:"discount_id,omitempty"`
}

// Subscription is returned by subscription creation. ClientSecret is set when
// the provider needs a second confirmation.
type Subscription struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret,omitempty"`
	DeepLink     string `json:"deep_link,omitempty"`
	CustomerID   string `json:"customer_id,omitempty"`
}

// CustomerParams is the body of POST /v1/payment_providers/{id}/customers.
type CustomerParams struct {
	UserID         string   `json:"user_id"`
	PaymentMethods []string `json:"payment_methods,omitempty"`
}

// CustomerSetup is a provider-side customer plus its setup intent secret.
type CustomerSetup struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// Message is the generic acknowledgement returned by write endpoints.
type Message struct {
	Message string `json:"message,omitempty"`
	Success bool   `json:"success,omitempty"`
}
