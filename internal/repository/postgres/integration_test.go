//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/configplane/controlplane/internal/domain"
	"github.com/configplane/controlplane/internal/domainerr"
	"github.com/configplane/controlplane/internal/repository"
	"github.com/configplane/controlplane/internal/repository/migrations"
)

// setupTestPool starts a PostgreSQL container, applies every migration
// through the same goose runner cmd/server uses, and returns a pool
// connected to it. The container is torn down on test cleanup.
func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("controlplane_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, migrations.Run(ctx, dsn, nil))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestApplicationServiceRepositoryCreateAndGet(t *testing.T) {
	pool := setupTestPool(t)
	repo := NewApplicationServiceRepository(pool, nil)
	ctx := context.Background()

	owner := "team-payments"
	svc := &domain.ApplicationService{
		ID:           "payments-api",
		DisplayName:  "Payments API",
		OwnerTeamID:  &owner,
		Environments: []string{"prod", "staging"},
		Tags:         map[string]string{"tier": "1"},
		Lifecycle:    domain.LifecycleActive,
		CreatedBy:    "alice",
		UpdatedBy:    "alice",
	}
	require.NoError(t, repo.Create(ctx, svc))

	got, err := repo.Get(ctx, "payments-api")
	require.NoError(t, err)
	require.Equal(t, "Payments API", got.DisplayName)
	require.Equal(t, []string{"prod", "staging"}, got.Environments)
	require.Equal(t, "1", got.Tags["tier"])
	require.Equal(t, int64(1), got.Version)
}

func TestApplicationServiceRepositoryGetMissingReturnsNotFound(t *testing.T) {
	pool := setupTestPool(t)
	repo := NewApplicationServiceRepository(pool, nil)

	_, err := repo.Get(context.Background(), "does-not-exist")
	require.Error(t, err)
	require.Equal(t, domainerr.KindNotFound, domainerr.KindOf(err))
}

func TestApplicationServiceRepositoryCompareAndSwapOwnerRejectsStaleVersion(t *testing.T) {
	pool := setupTestPool(t)
	repo := NewApplicationServiceRepository(pool, nil)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &domain.ApplicationService{
		ID:           "checkout-api",
		DisplayName:  "Checkout API",
		Environments: []string{"prod"},
		Lifecycle:    domain.LifecycleActive,
		CreatedBy:    "alice",
		UpdatedBy:    "alice",
	}))

	newOwner := "team-checkout"
	err := repo.CompareAndSwapOwner(ctx, "checkout-api", &newOwner, 99)
	require.Error(t, err)
	require.Equal(t, domainerr.KindConflict, domainerr.KindOf(err))

	require.NoError(t, repo.CompareAndSwapOwner(ctx, "checkout-api", &newOwner, 0))
	got, err := repo.Get(ctx, "checkout-api")
	require.NoError(t, err)
	require.Equal(t, "team-checkout", *got.OwnerTeamID)
	require.Equal(t, int64(1), got.Version)
}

func TestDriftEventRepositoryCreateAndStatistics(t *testing.T) {
	pool := setupTestPool(t)
	servicesRepo := NewApplicationServiceRepository(pool, nil)
	instancesRepo := NewServiceInstanceRepository(pool, nil)
	driftRepo := NewDriftEventRepository(pool, nil)
	ctx := context.Background()

	owner := "team-payments"
	require.NoError(t, servicesRepo.Create(ctx, &domain.ApplicationService{
		ID:           "payments-api",
		DisplayName:  "Payments API",
		OwnerTeamID:  &owner,
		Environments: []string{"prod"},
		Lifecycle:    domain.LifecycleActive,
		CreatedBy:    "alice",
		UpdatedBy:    "alice",
	}))
	_, err := instancesRepo.Upsert(ctx, &domain.ServiceInstance{
		ServiceID:   "payments-api",
		InstanceID:  "inst-1",
		Environment: "prod",
		Status:      domain.InstanceHealthy,
		LastSeenAt:  time.Now(),
	})
	require.NoError(t, err)

	evt := &domain.DriftEvent{
		ID:           "drift-1",
		ServiceID:    "payments-api",
		InstanceID:   "inst-1",
		TeamID:       &owner,
		ExpectedHash: "abc",
		AppliedHash:  "def",
		Severity:     domain.SeverityHigh,
		Status:       domain.DriftDetected,
	}
	require.NoError(t, driftRepo.Create(ctx, evt))

	stats, err := driftRepo.Statistics(ctx, repository.Criteria{Unrestricted: true})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)

	found, err := driftRepo.FindOpenByInstance(ctx, "payments-api", "inst-1")
	require.NoError(t, err)
	require.Equal(t, "drift-1", found.ID)

	found.Status = domain.DriftAcknowledged
	require.NoError(t, driftRepo.Update(ctx, found))

	open, err := driftRepo.FindOpenByInstance(ctx, "payments-api", "inst-1")
	require.NoError(t, err)
	require.Equal(t, domain.DriftAcknowledged, open.Status)
}
