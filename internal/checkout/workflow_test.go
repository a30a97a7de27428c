package checkout

import (
	"errors"
	"testing"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/logging"
)

func newWorkflowEnv(t *testing.T, backend Backend) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(CreateSubscriptionWorkflow, workflow.RegisterOptions{Name: subscriptionWorkflowName})
	env.RegisterWorkflowWithOptions(CreateCustomerWorkflow, workflow.RegisterOptions{Name: customerWorkflowName})
	activities := NewBackendActivities(backend, logging.Discard())
	env.RegisterActivityWithOptions(activities.CreateSubscription, activity.RegisterOptions{Name: createSubscriptionActivity})
	env.RegisterActivityWithOptions(activities.CreateCustomer, activity.RegisterOptions{Name: createCustomerActivity})
	return env
}

func TestCreateSubscriptionWorkflow(t *testing.T) {
	backend := &fakeBackend{subscription: api.Subscription{ID: "sub_1", DeepLink: "abc"}}
	env := newWorkflowEnv(t, backend)

	input := SubscriptionInput{
		ProviderID: "prov-stripe",
		Params:     api.SubscriptionParams{UserID: "user-1", ProductID: "price_1"},
		Retry:      RetrySettings{Attempts: 3, InitialDelay: time.Second},
	}
	env.ExecuteWorkflow(CreateSubscriptionWorkflow, input)

	if !env.IsWorkflowCompleted() {
		t.Fatalf("workflow did not complete")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	var sub api.Subscription
	if err := env.GetWorkflowResult(&sub); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if sub.ID != "sub_1" || sub.DeepLink != "abc" {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if len(backend.subscriptions) != 1 || backend.subscriptions[0].ProductID != "price_1" {
		t.Fatalf("backend calls = %+v", backend.subscriptions)
	}
}

func TestCreateSubscriptionWorkflowRetries(t *testing.T) {
	backend := &fakeBackend{subErr: errors.New("backend unavailable")}
	env := newWorkflowEnv(t, backend)

	input := SubscriptionInput{
		ProviderID: "prov-stripe",
		Params:     api.SubscriptionParams{UserID: "user-1", ProductID: "price_1"},
		Retry:      RetrySettings{Attempts: 3, InitialDelay: time.Second},
	}
	env.ExecuteWorkflow(CreateSubscriptionWorkflow, input)

	if err := env.GetWorkflowError(); err == nil {
		t.Fatalf("expected workflow to fail")
	}
	if got := len(backend.subscriptions); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestCreateSubscriptionWorkflowMissingIDIsFinal(t *testing.T) {
	backend := &fakeBackend{subErr: api.ErrMissingSubscriptionID}
	env := newWorkflowEnv(t, backend)

	input := SubscriptionInput{
		ProviderID: "prov-paddle",
		Params:     api.SubscriptionParams{UserID: "user-1", ProductID: "pri_1"},
		Retry:      RetrySettings{Attempts: 5, InitialDelay: time.Second},
	}
	env.ExecuteWorkflow(CreateSubscriptionWorkflow, input)

	if err := env.GetWorkflowError(); err == nil {
		t.Fatalf("expected workflow to fail")
	}
	if got := len(backend.subscriptions); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestCreateCustomerWorkflow(t *testing.T) {
	backend := &fakeBackend{customer: api.CustomerSetup{ID: "cus_1", ClientSecret: "seti_1_secret_x"}}
	env := newWorkflowEnv(t, backend)

	env.ExecuteWorkflow(CreateCustomerWorkflow, CustomerInput{
		ProviderID: "prov-stripe",
		Params:     api.CustomerParams{UserID: "user-1", PaymentMethods: []string{"card"}},
	})
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	var setup api.CustomerSetup
	if err := env.GetWorkflowResult(&setup); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if setup.ID != "cus_1" {
		t.Fatalf("unexpected setup %+v", setup)
	}
}

func TestWorkflowRequiresProvider(t *testing.T) {
	env := newWorkflowEnv(t, &fakeBackend{})
	env.ExecuteWorkflow(CreateSubscriptionWorkflow, SubscriptionInput{})
	if err := env.GetWorkflowError(); err == nil {
		t.Fatalf("expected missing provider to fail")
	}
}
