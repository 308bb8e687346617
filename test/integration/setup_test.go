//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ehr/labref/internal/domain/refrange"
	"github.com/ehr/labref/internal/platform/db"
	"github.com/ehr/labref/migrations"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tdb, cleanup, err := setupPostgresContainer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupPostgresContainer starts postgres:16-alpine through testcontainers and
// returns a pool connected to it.
func setupPostgresContainer(ctx context.Context) (*testDB, func(), error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("labref"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("start postgres container: %w", err)
	}
	terminate := func() {
		if err := container.Terminate(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
		}
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("connection string: %w", err)
	}

	pool, err := db.NewPool(ctx, connStr, 10, 1)
	if err != nil {
		terminate()
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}

	return &testDB{Pool: pool, ConnStr: connStr}, func() {
		pool.Close()
		terminate()
	}, nil
}

// createTenantSchema creates a tenant schema and applies the embedded migrations.
func createTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	require.NoError(t, db.CreateTenantSchema(ctx, globalDB.Pool, tenantID, ""))
	_, err := db.NewMigratorFS(globalDB.Pool, migrations.FS).Up(ctx, db.TenantSchema(tenantID))
	require.NoError(t, err, "migrate tenant %s", tenantID)
}

// dropTenantSchema drops a tenant schema for cleanup.
func dropTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	schema := db.TenantSchema(tenantID)
	_, err := globalDB.Pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	if err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schema, err)
	}
}

// newTenant creates an isolated tenant for one test and drops it afterwards.
func newTenant(t *testing.T, prefix string) string {
	t.Helper()
	ctx := context.Background()
	tenantID := uniqueTenantID(prefix)
	createTenantSchema(t, ctx, tenantID)
	t.Cleanup(func() { dropTenantSchema(t, ctx, tenantID) })
	return tenantID
}

// uniqueTenantID generates a unique tenant ID for test isolation.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// inTenant runs fn with a tenant-scoped connection in context.
func inTenant(t *testing.T, tenantID string, fn func(ctx context.Context)) {
	t.Helper()
	err := db.WithTenant(context.Background(), globalDB.Pool, tenantID, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
	require.NoError(t, err)
}

func newService(t *testing.T, cacheSize int) (*refrange.Service, refrange.Repository) {
	t.Helper()
	repo := refrange.NewRepo(globalDB.Pool)
	svc, err := refrange.NewService(repo, nil, refrange.CacheConfig{Size: cacheSize, TTL: time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	return svc, repo
}

// createStudy inserts a study row directly; the engine only reads studies.
func createStudy(t *testing.T, ctx context.Context, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.ConnFromContext(ctx).Exec(ctx,
		`INSERT INTO study (id, name) VALUES ($1, $2)`, id, name)
	require.NoError(t, err, "create study %s", name)
	return id
}

func createParameter(t *testing.T, ctx context.Context, repo refrange.Repository, studyID uuid.UUID, name string, position int) refrange.Parameter {
	t.Helper()
	p := refrange.Parameter{StudyID: studyID, Name: name, Position: position, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.CreateParameter(ctx, &p))
	return p
}

func fptr(v float64) *float64 { return &v }

func yearsRange(paramID uuid.UUID, sex refrange.Sex, ageMin, ageMax float64, lower, upper *float64, created time.Time) refrange.ReferenceRange {
	return refrange.ReferenceRange{
		ID:          uuid.New(),
		ParameterID: paramID,
		Sex:         sex,
		AgeMin:      ageMin,
		AgeMax:      ageMax,
		AgeUnit:     refrange.AgeUnitYears,
		Lower:       lower,
		Upper:       upper,
		CreatedAt:   created,
	}
}
