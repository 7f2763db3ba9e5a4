package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/stepline/internal/notify"
	"github.com/nidhogg/stepline/internal/orchestrator"
	"github.com/nidhogg/stepline/internal/store"
	"github.com/nidhogg/stepline/internal/workflow"
)

// Package-level shared state — set by TestMain, used by all subtests.
var (
	testLogger   *zap.Logger
	testStore    *store.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("stepline_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// newCoordinator builds a coordinator backed by the shared store and a
// Redis event stream.
func newCoordinator(t *testing.T) *orchestrator.Coordinator {
	t.Helper()
	dispatcher, err := notify.NewRedisDispatcher(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("redis dispatcher: %v", err)
	}
	t.Cleanup(func() { dispatcher.Close() })
	return orchestrator.New(testStore, dispatcher, testLogger)
}

// seedDirectory creates the users and groups the scenario templates
// reference.
func seedDirectory(t *testing.T, ctx context.Context) {
	t.Helper()
	users := map[string]string{
		"u-hr":      "HR Manager",
		"u-lead":    "Team Lead",
		"u-it":      "IT Admin",
		"u-legal-1": "Counsel One",
		"u-legal-2": "Counsel Two",
	}
	for id, name := range users {
		if err := testStore.SaveUser(ctx, id, name); err != nil {
			t.Fatalf("save user %s: %v", id, err)
		}
	}
	if err := testStore.SaveGroup(ctx, "g-legal", "Legal", []string{"u-legal-1", "u-legal-2"}); err != nil {
		t.Fatalf("save group: %v", err)
	}
}

// onboardingTemplate is the scenario template: screen, a conditional
// equipment step, and a complete-by-all legal review.
func onboardingTemplate(id string) *workflow.Template {
	return &workflow.Template{
		ID:   id,
		Name: "Onboard {{employee}}",
		KickoffFields: []workflow.FieldDef{
			{APIName: "employee", Name: "Employee", Type: workflow.FieldText},
			{APIName: "needs_laptop", Name: "Needs laptop", Type: workflow.FieldText},
		},
		Tasks: []workflow.TemplateTask{
			{
				APIName: "screen",
				Number:  1,
				Name:    "Screen {{employee}}",
				RawPerformers: []workflow.RawPerformer{
					{Kind: workflow.PerformerUser, UserID: "u-hr"},
				},
				RawDueDate: &workflow.RawDueDate{
					Rule:     workflow.RuleAfterTaskStarted,
					Duration: 48 * time.Hour,
					SourceID: "screen",
				},
			},
			{
				APIName: "equipment",
				Number:  2,
				Name:    "Prepare equipment",
				RawPerformers: []workflow.RawPerformer{
					{Kind: workflow.PerformerUser, UserID: "u-it"},
				},
				Conditions: []workflow.Condition{
					{
						Action: workflow.ActionSkipTask,
						Order:  1,
						Rules: []workflow.Rule{
							{Predicates: []workflow.Predicate{{
								Operator:     workflow.OpNotEquals,
								FieldAPIName: "needs_laptop",
								Value:        "yes",
							}}},
						},
					},
				},
			},
			{
				APIName:       "legal_review",
				Number:        3,
				Name:          "Legal review",
				CompleteByAll: true,
				RawPerformers: []workflow.RawPerformer{
					{Kind: workflow.PerformerGroup, GroupID: "g-legal"},
				},
			},
		},
	}
}
