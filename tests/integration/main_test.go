//go:build integration

package integration

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/relay/internal/app"
	"github.com/bissquit/relay/internal/config"
	"github.com/bissquit/relay/internal/pkg/migrate"
	"github.com/bissquit/relay/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	testApp       *app.App
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	testGateway   *httptest.Server
	gatewayCalls  atomic.Int32
	gatewayStatus atomic.Int32
	// testDatabaseURL is the connection string of the shared container.
	testDatabaseURL string
)

// OpenAPI spec path relative to the tests/integration directory.
const openAPISpecPath = "../../api/openapi/openapi.yaml"

const testWorkerID = "relay-integration"

// newTestClient creates a new test client with OpenAPI validation enabled.
func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	client := testutil.NewClientWithValidator(testServer.URL, testValidator)
	client.SetT(t)
	return client
}

// truncate empties the work_items table.
func truncate(t *testing.T) {
	t.Helper()
	if _, err := testDB.Exec(context.Background(), "TRUNCATE work_items"); err != nil {
		t.Fatalf("truncate work_items: %v", err)
	}
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	testDatabaseURL = pgContainer.ConnectionString

	if err := migrate.Up(migrate.DialectPostgres, pgContainer.ConnectionString); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	gatewayStatus.Store(http.StatusAccepted)
	testGateway = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		gatewayCalls.Add(1)
		w.WriteHeader(int(gatewayStatus.Load()))
	}))

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.MaxOpenConns = 10
	cfg.Database.ConnectAttempts = 3
	cfg.Log.Level = "error"
	cfg.Queue.WorkerID = testWorkerID
	cfg.Queue.BackoffWindow = 0
	cfg.SMS.Enabled = true
	cfg.SMS.GatewayURL = testGateway.URL

	// Background loops stay off: tests drive the claimer directly.
	testApp, err = app.New(&cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	testServer = httptest.NewServer(testApp.Router())

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	code := m.Run()

	testServer.Close()
	testGateway.Close()
	testDB.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := testApp.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}
	cancel()

	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}

	os.Exit(code)
}
