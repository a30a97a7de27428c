package backend

import (
	"time"

	"example.com/paywall-go/internal/catalog"
)

// Seed is the catalog every new customer is handed.
type Seed struct {
	Providers  []catalog.PaymentProvider `yaml:"payment_providers" json:"payment_providers"`
	Placements catalog.Placements        `yaml:"placements" json:"placements"`
}

// Customer is a stored visitor record.
type Customer struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	Email     string    `json:"email,omitempty"`
	Locale    string    `json:"locale,omitempty"`
	IsSandbox bool      `json:"is_sandbox"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredEvent is an analytics event as persisted.
type StoredEvent struct {
	ID             int64          `json:"id"`
	InsertID       string         `json:"insert_id"`
	Name           string         `json:"name"`
	UserID         string         `json:"user_id,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
	Timestamp      float64        `json:"timestamp"`
	Properties     map[string]any `json:"properties,omitempty"`
	UserProperties map[string]any `json:"user_properties,omitempty"`
	IngestedAt     time.Time      `json:"ingested_at"`
}

// IngestSummary reports what an events batch did.
type IngestSummary struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// StoredSubscription is a subscription created through the mock.
type StoredSubscription struct {
	ID              string    `json:"id"`
	ProviderID      string    `json:"provider_id"`
	UserID          string    `json:"user_id"`
	ProductID       string    `json:"product_id"`
	CustomerID      string    `json:"customer_id,omitempty"`
	PaymentMethodID string    `json:"payment_method_id,omitempty"`
	TrialPeriodDays int       `json:"trial_period_days,omitempty"`
	DiscountID      string    `json:"discount_id,omitempty"`
	ClientSecret    string    `json:"client_secret,omitempty"`
	DeepLink        string    `json:"deep_link"`
	CreatedAt       time.Time `json:"created_at"`
}
