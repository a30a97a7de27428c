package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	temporalworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"example.com/paywall-go/internal/api"
)

const (
	subscriptionWorkflowName     = "paywall.subscription.create"
	customerWorkflowName         = "paywall.customer.create"
	createSubscriptionActivity   = "paywall.backend.create_subscription"
	createCustomerActivity       = "paywall.backend.create_customer"
	defaultWorkflowTimeout       = 5 * time.Minute
	defaultActivityStartToClose  = 30 * time.Second
	nonRetryableMissingIDErrType = "MissingSubscriptionID"
)

// RetrySettings shape the activity retry policy.
type RetrySettings struct {
	Attempts     int
	InitialDelay time.Duration
}

// SubscriptionInput carries a create-subscription request into the workflow.
type SubscriptionInput struct {
	ProviderID string                 `json:"provider_id"`
	Params     api.SubscriptionParams `json:"params"`
	Retry      RetrySettings          `json:"retry"`
}

// CustomerInput carries a create-customer request into the workflow.
type CustomerInput struct {
	ProviderID string             `json:"provider_id"`
	Params     api.CustomerParams `json:"params"`
	Retry      RetrySettings      `json:"retry"`
}

func activityOptions(r RetrySettings) workflow.ActivityOptions {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	interval := r.InitialDelay
	if interval <= 0 {
		interval = time.Second
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: defaultActivityStartToClose,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:        int32(attempts),
			InitialInterval:        interval,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			NonRetryableErrorTypes: []string{nonRetryableMissingIDErrType},
		},
	}
}

// CreateSubscriptionWorkflow creates a subscription through the backend
// activity, retrying transient failures.
func CreateSubscriptionWorkflow(ctx workflow.Context, input SubscriptionInput) (api.Subscription, error) {
	logger := workflow.GetLogger(ctx)
	if input.ProviderID == "" {
		return api.Subscription{}, errors.New("provider_id required")
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions(input.Retry))

	logger.Info("subscription workflow started", "provider_id", input.ProviderID, "product_id", input.Params.ProductID)
	var sub api.Subscription
	if err := workflow.ExecuteActivity(ctx, createSubscriptionActivity, input).Get(ctx, &sub); err != nil {
		logger.Error("create subscription activity failed", "error", err)
		return api.Subscription{}, err
	}
	logger.Info("subscription workflow finished", "subscription_id", sub.ID)
	return sub, nil
}

// CreateCustomerWorkflow creates a provider customer through the backend
// activity.
func CreateCustomerWorkflow(ctx workflow.Context, input CustomerInput) (api.CustomerSetup, error) {
	logger := workflow.GetLogger(ctx)
	if input.ProviderID == "" {
		return api.CustomerSetup{}, errors.New("provider_id required")
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions(input.Retry))

	var setup api.CustomerSetup
	if err := workflow.ExecuteActivity(ctx, createCustomerActivity, input).Get(ctx, &setup); err != nil {
		logger.Error("create customer activity failed", "error", err)
		return api.CustomerSetup{}, err
	}
	logger.Info("customer workflow finished", "customer_id", setup.ID)
	return setup, nil
}

// BackendActivities run backend calls inside Temporal activities.
type BackendActivities struct {
	backend Backend
	logger  *slog.Logger
}

func NewBackendActivities(backend Backend, logger *slog.Logger) *BackendActivities {
	return &BackendActivities{backend: backend, logger: logger}
}

func (a *BackendActivities) CreateSubscription(ctx context.Context, input SubscriptionInput) (api.Subscription, error) {
	sub, err := a.backend.CreateSubscription(ctx, input.ProviderID, input.Params)
	if errors.Is(err, api.ErrMissingSubscriptionID) {
		return sub, temporal.NewNonRetryableApplicationError(err.Error(), nonRetryableMissingIDErrType, err)
	}
	if err != nil {
		a.logger.Error("activity create subscription failed", "provider_id", input.ProviderID, "error", err)
		return sub, err
	}
	a.logger.Info("activity create subscription", "provider_id", input.ProviderID, "subscription_id", sub.ID)
	return sub, nil
}

func (a *BackendActivities) CreateCustomer(ctx context.Context, input CustomerInput) (api.CustomerSetup, error) {
	setup, err := a.backend.CreateCustomer(ctx, input.ProviderID, input.Params)
	if err != nil {
		a.logger.Error("activity create customer failed", "provider_id", input.ProviderID, "error", err)
		return setup, err
	}
	return setup, nil
}

// Register attaches the workflows and activities to w.
func Register(w temporalworker.Registry, backend Backend, logger *slog.Logger) {
	w.RegisterWorkflowWithOptions(CreateSubscriptionWorkflow, workflow.RegisterOptions{Name: subscriptionWorkflowName})
	w.RegisterWorkflowWithOptions(CreateCustomerWorkflow, workflow.RegisterOptions{Name: customerWorkflowName})
	activities := NewBackendActivities(backend, logger.With("component", "checkout.activities"))
	w.RegisterActivityWithOptions(activities.CreateSubscription, activity.RegisterOptions{Name: createSubscriptionActivity})
	w.RegisterActivityWithOptions(activities.CreateCustomer, activity.RegisterOptions{Name: createCustomerActivity})
}

// RegisterWorker creates the Temporal worker consuming taskQueue.
func RegisterWorker(c client.Client, taskQueue string, backend Backend, logger *slog.Logger) temporalworker.Worker {
	w := temporalworker.New(c, taskQueue, temporalworker.Options{})
	Register(w, backend, logger)
	return w
}

// WorkflowBackend implements Backend by running the checkout workflows, so
// every backend call is retried and recorded by Temporal.
type WorkflowBackend struct {
	client    client.Client
	taskQueue string
	retry     RetrySettings
	logger    *slog.Logger
}

func NewWorkflowBackend(c client.Client, taskQueue string, retry RetrySettings, logger *slog.Logger) *WorkflowBackend {
	return &WorkflowBackend{
		client:    c,
		taskQueue: taskQueue,
		retry:     retry,
		logger:    logger.With("component", "checkout.workflows"),
	}
}

func (b *WorkflowBackend) options(prefix, userID string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("%s-%s-%d", prefix, userID, time.Now().UnixNano()),
		TaskQueue:                b.taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: defaultWorkflowTimeout,
	}
}

func (b *WorkflowBackend) CreateSubscription(ctx context.Context, providerID string, params api.SubscriptionParams) (api.Subscription, error) {
	input := SubscriptionInput{ProviderID: providerID, Params: params, Retry: b.retry}
	we, err := b.client.ExecuteWorkflow(ctx, b.options("subscription", params.UserID), subscriptionWorkflowName, input)
	if err != nil {
		b.logger.Error("start subscription workflow failed", "user_id", params.UserID, "error", err)
		return api.Subscription{}, err
	}
	var sub api.Subscription
	if err := we.Get(ctx, &sub); err != nil {
		b.logger.Error("subscription workflow failed", "workflow_id", we.GetID(), "run_id", we.GetRunID(), "error", err)
		return api.Subscription{}, err
	}
	b.logger.Info("subscription workflow completed", "workflow_id", we.GetID(), "subscription_id", sub.ID)
	return sub, nil
}

func (b *WorkflowBackend) CreateCustomer(ctx context.Context, providerID string, params api.CustomerParams) (api.CustomerSetup, error) {
	input := CustomerInput{ProviderID: providerID, Params: params, Retry: b.retry}
	we, err := b.client.ExecuteWorkflow(ctx, b.options("customer", params.UserID), customerWorkflowName, input)
	if err != nil {
		b.logger.Error("start customer workflow failed", "user_id", params.UserID, "error", err)
		return api.CustomerSetup{}, err
	}
	var setup api.CustomerSetup
	if err := we.Get(ctx, &setup); err != nil {
		b.logger.Error("customer workflow failed", "workflow_id", we.GetID(), "error", err)
		return api.CustomerSetup{}, err
	}
	return setup, nil
}

var _ Backend = (*WorkflowBackend)(nil)
