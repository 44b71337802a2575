package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitbilling/internal/platform/db"
	"github.com/ehr/visitbilling/migrations"
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

	connStr := os.Getenv("TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			fmt.Fprintln(os.Stderr, "skipping integration tests: set TEST_DATABASE_URL or install docker")
			os.Exit(0)
		}
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err == nil {
		err = pool.Ping(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to test database: %v\n", err)
		cleanup()
		os.Exit(1)
	}

	globalDB = &testDB{Pool: pool, ConnStr: connStr}
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// createSchema creates an isolated schema and applies the embedded migrations.
func createSchema(t *testing.T, ctx context.Context, prefix string) string {
	t.Helper()
	schema := fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString()[:8], "-", ""))
	if _, err := db.NewMigrator(globalDB.Pool, migrations.Files).Up(ctx, schema); err != nil {
		t.Fatalf("migrate schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		if _, err := globalDB.Pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
	})
	return schema
}

// inSchema runs fn with a connection scoped to schema.
func inSchema(t *testing.T, ctx context.Context, schema string, fn func(ctx context.Context) error) {
	t.Helper()
	if err := db.WithSchema(ctx, globalDB.Pool, schema, fn); err != nil {
		t.Fatalf("in schema %s: %v", schema, err)
	}
}

func ptrStr(s string) *string { return &s }

func ptrInt64(i int64) *int64 { return &i }
