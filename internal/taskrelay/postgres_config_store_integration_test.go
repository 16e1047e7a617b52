package taskrelay

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationConfigStore(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresConfigStore(dsn)
	if err != nil {
		t.Fatalf("new postgres config store: %v", err)
	}
	store.tableName = postgresIntegrationTableName("taskrelay_configs_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})

	exerciseConfigRepository(t, store)
}

func TestPostgresIntegrationOrchestratorLoad(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresConfigStore(dsn)
	if err != nil {
		t.Fatalf("new postgres config store: %v", err)
	}
	store.tableName = postgresIntegrationTableName("taskrelay_configs_load_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})

	ctx := context.Background()
	if _, err := store.Create(ctx, BackendConfig{UserID: "user-1", BackendName: "memory", Active: true, Priority: 2}); err != nil {
		t.Fatalf("create config failed: %v", err)
	}
	reg := NewRegistry(nil)
	if err := RegisterMemoryBackend(reg); err != nil {
		t.Fatalf("register memory backend failed: %v", err)
	}
	o := NewOrchestrator(reg, store, OrchestratorOptions{})
	defer o.CloseAll()

	loaded, err := o.LoadConfigurations(ctx, "user-1")
	if err != nil {
		t.Fatalf("load configurations failed: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("expected 1 loaded backend, got %d", loaded)
	}
	outcomes, err := o.Save(ctx, Task{Title: "integration", Status: TaskStatusPending})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, ok := outcomes.ExternalIDs()["memory"]; !ok {
		t.Fatalf("expected memory external id, got %+v", outcomes)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TASKRELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TASKRELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
