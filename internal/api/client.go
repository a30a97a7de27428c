// Package api talks to the paywall backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/paywall-go/internal/catalog"
)

const (
	SDKName    = "web2web"
	SDKVersion = "1.4.0"
)

// Endpoint paths.
const (
	CustomersPath              = "/v1/customers"
	EventsPath                 = "/v1/events"
	AttributionPath            = "/v1/attribution"
	SubscriptionsPath          = "/v1/subscriptions/"
	PaymentProviderCustomersFn = "/v1/payment_providers/%s/customers"
)

// ErrMissingSubscriptionID is returned when the backend accepted the request
// but did not hand back a subscription.
var ErrMissingSubscriptionID = errors.New("subscription response has no id")

// StatusError reports a non-2xx reply.
type StatusError struct {
	Method string
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: backend responded with %d", e.Method, e.Path, e.Status)
}

// Options configure a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	SDKVersion  string
	MaxAttempts int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client issues backend calls with bearer auth and bounded exponential retry.
type Client struct {
	baseURL     string
	apiKey      string
	headers     map[string]string
	sdkVersion  string
	maxAttempts int
	retryDelay  time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewClient(opts Options) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.SDKVersion == "" {
		opts.SDKVersion = SDKVersion
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		headers:     headers,
		sdkVersion:  opts.SDKVersion,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger.With("component", "api"),
		sleep:       sleepContext,
	}
}

// CreateUser creates or fetches the visitor together with its catalog.
func (c *Client) CreateUser(ctx context.Context, data CustomerData) (catalog.User, error) {
	var user catalog.User
	if _, err := c.send(ctx, http.MethodPost, CustomersPath, data, &user); err != nil {
		return catalog.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (c *Client) CreateEvent(ctx context.Context, payload EventsPayload) error {
	if _, err := c.send(ctx, http.MethodPost, EventsPath, payload, nil); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (c *Client) SetAttribution(ctx context.Context, deviceID string, data AttributionData) error {
	path := AttributionPath + "?device_id=" + url.QueryEscape(deviceID)
	if _, err := c.send(ctx, http.MethodPost, path, data, nil); err != nil {
		return fmt.Errorf("set attribution: %w", err)
	}
	return nil
}

// CreateSubscription starts a subscription with the given provider account.
// Envelope errors are logged; a reply without an id is an error.
func (c *Client) CreateSubscription(ctx context.Context, providerID string, params SubscriptionParams) (Subscription, error) {
	var sub Subscription
	env, err := c.send(ctx, http.MethodPost, SubscriptionsPath+url.PathEscape(providerID), params, &sub)
	if err != nil {
		return Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	if len(env.Errors) > 0 {
		c.logger.Error("subscription creation failed", "provider_id", providerID, "errors", env.Errors)
	}
	if sub.ID == "" {
		if len(env.Errors) > 0 {
			return Subscription{}, fmt.Errorf("create subscription: %w", APIErrors(env.Errors))
		}
		return Subscription{}, fmt.Errorf("create subscription: %w", ErrMissingSubscriptionID)
	}
	return sub, nil
}

// CreateCustomer registers the visitor with the provider and returns the
// setup intent used to collect a payment method.
func (c *Client) CreateCustomer(ctx context.Context, providerID string, params CustomerParams) (CustomerSetup, error) {
	var setup CustomerSetup
	path := fmt.Sprintf(PaymentProviderCustomersFn, url.PathEscape(providerID))
	env, err := c.send(ctx, http.MethodPost, path, params, &setup)
	if err != nil {
		return CustomerSetup{}, fmt.Errorf("create customer: %w", err)
	}
	if setup.ID == "" && len(env.Errors) > 0 {
		return CustomerSetup{}, fmt.Errorf("create customer: %w", APIErrors(env.Errors))
	}
	return setup, nil
}

// send performs the request up to maxAttempts times. The wait before attempt
// n+1 is retryDelay*2^(n-1).
func (c *Client) send(ctx context.Context, method, path string, body any, out any) (Envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return Envelope{}, fmt.Errorf("encode request: %w", err)
		}
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		env, err := c.do(ctx, method, path, payload)
		if err == nil {
			if out != nil && len(env.Data.Results) > 0 && string(env.Data.Results) != "null" {
				if err := json.Unmarshal(env.Data.Results, out); err != nil {
					return env, fmt.Errorf("decode results: %w", err)
				}
			}
			return env, nil
		}
		lastErr = err
		c.logger.Error("request attempt failed", "method", method, "path", path, "attempt", attempt, "error", err)
		if ctx.Err() != nil || attempt == c.maxAttempts {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return Envelope{}, err
		}
		delay *= 2
	}
	c.logger.Error("all retries failed", "method", method, "path", path, "attempts", c.maxAttempts)
	return Envelope{}, lastErr
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (Envelope, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-SDK", SDKName)
	req.Header.Set("X-SDK-VERSION", c.sdkVersion)
	req.Header.Set("X-Platform", SDKName)
	req.Header.Set("X-Store", SDKName)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Envelope{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return Envelope{}, &StatusError{Method: method, Path: path, Status: resp.StatusCode}
	}
	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
