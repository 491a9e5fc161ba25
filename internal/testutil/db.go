package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noah-isme/metislab-api/pkg/database"
)

// IntegrationEnv gates tests that need Docker.
const IntegrationEnv = "METISLAB_INTEGRATION"

// TestDB holds a migrated PostgreSQL connection backed by a throwaway container.
type TestDB struct {
	DB        *sqlx.DB
	URL       string
	container testcontainers.Container
}

// SetupTestDB starts postgres:15, applies the migrations and registers cleanup.
// The test is skipped unless METISLAB_INTEGRATION=1.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run integration tests", IntegrationEnv)
	}
	ctx := context.Background()

	const (
		user     = "metislab"
		password = "metislab"
		name     = "metislab_test"
	)
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       name,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	url := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), name)

	db, err := sqlx.Open("postgres", url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for i := 0; ; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		if i == 10 {
			t.Fatalf("ping test db: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	if err := database.MigrateUp(migrationsDir(), url); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return &TestDB{DB: db, URL: url, container: container}
}

// migrationsDir resolves the repository's migrations directory independent of
// the package under test.
func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
