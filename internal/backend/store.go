package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/catalog"
)

const maxEventPage = 500

// Store keeps the mock backend state in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Init applies the schema.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			user_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			email TEXT,
			locale TEXT,
			is_sandbox INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			insert_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			user_id TEXT,
			device_id TEXT,
			timestamp REAL NOT NULL,
			properties TEXT,
			user_properties TEXT,
			ingested_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id, id);`,
		`CREATE TABLE IF NOT EXISTS attributions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			product_id TEXT NOT NULL,
			customer_id TEXT,
			payment_method_id TEXT,
			trial_period_days INTEGER NOT NULL DEFAULT 0,
			discount_id TEXT,
			client_secret TEXT,
			deep_link TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS customer_setups (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			client_secret TEXT NOT NULL,
			payment_methods TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply backend schema: %w", err)
		}
	}
	return nil
}

// UpsertCustomer stores the visitor keyed by user id.
func (s *Store) UpsertCustomer(ctx context.Context, data api.CustomerData) (Customer, error) {
	if strings.TrimSpace(data.UserID) == "" {
		return Customer{}, errors.New("user_id required")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return Customer{}, fmt.Errorf("encode customer: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO customers(user_id, device_id, email, locale, is_sandbox, payload, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET device_id = excluded.device_id,
			email = COALESCE(NULLIF(excluded.email, ''), customers.email),
			locale = excluded.locale,
			is_sandbox = excluded.is_sandbox,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		data.UserID, data.DeviceID, data.Email, data.Locale, data.IsSandbox, string(payload), now, now,
	)
	if err != nil {
		return Customer{}, fmt.Errorf("upsert customer: %w", err)
	}
	return s.GetCustomer(ctx, data.UserID)
}

func (s *Store) GetCustomer(ctx context.Context, userID string) (Customer, error) {
	var (
		c     Customer
		email sql.NullString
		loc   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, device_id, email, locale, is_sandbox, created_at, updated_at
		 FROM customers WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.DeviceID, &email, &loc, &c.IsSandbox, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Customer{}, err
		}
		return Customer{}, fmt.Errorf("get customer: %w", err)
	}
	c.Email = email.String
	c.Locale = loc.String
	return c, nil
}

// InsertEvents appends events. Events whose insert id was already seen are
// skipped.
func (s *Store) InsertEvents(ctx context.Context, fallbackUserID, fallbackDeviceID string, events []api.EventData) (IngestSummary, error) {
	var summary IngestSummary
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("begin events tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for _, ev := range events {
		if ev.Name == "" {
			return IngestSummary{}, errors.New("event name required")
		}
		insertID := ev.InsertID
		if insertID == "" {
			insertID = uuid.NewString()
		}
		userID, deviceID := ev.UserID, ev.DeviceID
		if userID == "" {
			userID = fallbackUserID
		}
		if deviceID == "" {
			deviceID = fallbackDeviceID
		}
		props, err := marshalOptional(ev.Properties)
		if err != nil {
			return IngestSummary{}, err
		}
		userProps, err := marshalOptional(ev.UserProperties)
		if err != nil {
			return IngestSummary{}, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events(insert_id, name, user_id, device_id, timestamp, properties, user_properties, ingested_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(insert_id) DO NOTHING`,
			insertID, ev.Name, userID, deviceID, ev.Timestamp, props, userProps, now,
		)
		if err != nil {
			return IngestSummary{}, fmt.Errorf("insert event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			summary.Skipped++
			continue
		}
		summary.Inserted++
	}
	if err := tx.Commit(); err != nil {
		return IngestSummary{}, fmt.Errorf("commit events: %w", err)
	}
	return summary, nil
}

// ListEvents returns events in ingestion order, optionally for one user.
func (s *Store) ListEvents(ctx context.Context, userID string, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	query := `SELECT id, insert_id, name, user_id, device_id, timestamp, properties, user_properties, ingested_at FROM events`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	events := []StoredEvent{}
	for rows.Next() {
		var (
			ev               StoredEvent
			user, device     sql.NullString
			props, userProps sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.InsertID, &ev.Name, &user, &device, &ev.Timestamp, &props, &userProps, &ev.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.UserID = user.String
		ev.DeviceID = device.String
		if props.Valid && props.String != "" {
			_ = json.Unmarshal([]byte(props.String), &ev.Properties)
		}
		if userProps.Valid && userProps.String != "" {
			_ = json.Unmarshal([]byte(userProps.String), &ev.UserProperties)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter events: %w", err)
	}
	return events, nil
}

// SaveAttribution appends an attribution snapshot for a device.
func (s *Store) SaveAttribution(ctx context.Context, deviceID string, data api.AttributionData) error {
	if deviceID == "" {
		return errors.New("device_id required")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode attribution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attributions(device_id, data, created_at) VALUES(?, ?, ?)`,
		deviceID, string(raw), s.now(),
	)
	if err != nil {
		return fmt.Errorf("insert attribution: %w", err)
	}
	return nil
}

// LatestAttribution returns the newest attribution of a device.
func (s *Store) LatestAttribution(ctx context.Context, deviceID string) (api.AttributionData, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM attributions WHERE device_id = ? ORDER BY id DESC LIMIT 1`, deviceID).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var data api.AttributionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode attribution: %w", err)
	}
	return data, nil
}

// CreateSubscription records a subscription and generates what the provider
// would have returned. Stripe subscriptions without a trial carry a payment
// intent secret that must be confirmed.
func (s *Store) CreateSubscription(ctx context.Context, provider catalog.PaymentProvider, params api.SubscriptionParams) (StoredSubscription, error) {
	if params.UserID == "" || params.ProductID == "" {
		return StoredSubscription{}, errors.New("user_id and product_id required")
	}
	sub := StoredSubscription{
		ProviderID:      provider.ID,
		UserID:          params.UserID,
		ProductID:       params.ProductID,
		CustomerID:      params.CustomerID,
		PaymentMethodID: params.PaymentMethodID,
		TrialPeriodDays: params.TrialPeriodDays,
		DiscountID:      params.DiscountID,
		DeepLink:        compactID(),
		CreatedAt:       s.now(),
	}
	switch provider.Kind {
	case catalog.ProviderStripe:
		sub.ID = "sub_" + compactID()
		if params.TrialPeriodDays == 0 {
			sub.ClientSecret = "pi_" + compactID() + "_secret_" + compactID()
		}
	default:
		sub.ID = "txn_" + compactID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(id, provider_id, user_id, product_id, customer_id, payment_method_id,
			trial_period_days, discount_id, client_secret, deep_link, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ProviderID, sub.UserID, sub.ProductID, sub.CustomerID, sub.PaymentMethodID,
		sub.TrialPeriodDays, sub.DiscountID, sub.ClientSecret, sub.DeepLink, sub.CreatedAt,
	)
	if err != nil {
		return StoredSubscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

// CountSubscriptions returns how many subscriptions a user has.
func (s *Store) CountSubscriptions(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// CreateCustomerSetup records a provider customer with a setup intent secret.
func (s *Store) CreateCustomerSetup(ctx context.Context, providerID string, params api.CustomerParams) (api.CustomerSetup, error) {
	if params.UserID == "" {
		return api.CustomerSetup{}, errors.New("user_id required")
	}
	methods, err := json.Marshal(params.PaymentMethods)
	if err != nil {
		return api.CustomerSetup{}, fmt.Errorf("encode payment methods: %w", err)
	}
	setup := api.CustomerSetup{
		ID:           "cus_" + compactID(),
		ClientSecret: "seti_" + compactID() + "_secret_" + compactID(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO customer_setups(id, provider_id, user_id, client_secret, payment_methods, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		setup.ID, providerID, params.UserID, setup.ClientSecret, string(methods), s.now(),
	)
	if err != nil {
		return api.CustomerSetup{}, fmt.Errorf("insert customer setup: %w", err)
	}
	return setup, nil
}

func marshalOptional(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return string(raw), nil
}

func compactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
