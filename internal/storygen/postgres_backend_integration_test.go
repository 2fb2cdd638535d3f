package storygen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("storysync_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := &persistedState{
		Stories: map[string]StoryRecord{
			"story_1": {ID: "story_1", State: StateReady, Title: "Title"},
		},
		ByRequest:  map[string]string{"req_1": "story_1"},
		Tombstones: map[string]time.Time{},
		Notified:   []string{"story_1|ready"},
		Seq:        7,
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Seq != 7 {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}
	if loaded.Stories["story_1"].State != StateReady {
		t.Fatalf("expected persisted story record, got %+v", loaded.Stories)
	}
	if len(loaded.Notified) != 1 || loaded.Notified[0] != "story_1|ready" {
		t.Fatalf("expected persisted dedup marks, got %+v", loaded.Notified)
	}

	loaded.Seq = 12
	if err := backend.Save(loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || reloaded.Seq != 12 {
		t.Fatalf("expected seq 12 after update, got %+v", reloaded)
	}
}

func TestPostgresIntegrationSpoolFIFOAndAck(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	spoolRaw, err := NewPostgresGenerationSpool(dsn, 4)
	if err != nil {
		t.Fatalf("new postgres spool: %v", err)
	}
	spool, ok := spoolRaw.(*PostgresGenerationSpool)
	if !ok {
		t.Fatalf("expected *PostgresGenerationSpool, got %T", spoolRaw)
	}
	spool.tableName = postgresIntegrationTableName("storysync_spool_it")
	spool.spoolKey = postgresIntegrationTableName("sk")
	t.Cleanup(func() {
		_ = spool.Close()
		postgresIntegrationDropTable(t, dsn, spool.tableName)
	})

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := spool.Append(testEntry("req_a", base)); err != nil {
		t.Fatalf("append req_a failed: %v", err)
	}
	if err := spool.Append(testEntry("req_b", base.Add(time.Second))); err != nil {
		t.Fatalf("append req_b failed: %v", err)
	}
	if err := spool.Append(testEntry("req_a", base)); err != nil {
		t.Fatalf("idempotent re-append failed: %v", err)
	}
	if got := spool.Len(); got != 2 {
		t.Fatalf("expected depth 2 after idempotent append, got %d", got)
	}

	entries := spool.Snapshot()
	if len(entries) != 2 || entries[0].Request.RequestID != "req_a" || entries[1].Request.RequestID != "req_b" {
		t.Fatalf("unexpected snapshot order/content: %+v", entries)
	}

	failed := entries[0]
	failed.Status = EntryFailed
	failed.LastError = "server rejected"
	if err := spool.Update(failed); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := spool.Snapshot()[0]; got.Status != EntryFailed || got.LastError != "server rejected" {
		t.Fatalf("update not applied: %+v", got)
	}

	if err := spool.Remove("req_b"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := spool.Remove("req_b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
	if got := spool.Len(); got != 1 {
		t.Fatalf("expected depth 1 after remove, got %d", got)
	}
}

func TestPostgresIntegrationSpoolCapacityUnderConcurrentAppend(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	spoolRaw, err := NewPostgresGenerationSpool(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres spool: %v", err)
	}
	spool, ok := spoolRaw.(*PostgresGenerationSpool)
	if !ok {
		t.Fatalf("expected *PostgresGenerationSpool, got %T", spoolRaw)
	}
	spool.tableName = postgresIntegrationTableName("storysync_spool_race_it")
	spool.spoolKey = postgresIntegrationTableName("sk")
	t.Cleanup(func() {
		_ = spool.Close()
		postgresIntegrationDropTable(t, dsn, spool.tableName)
	})

	const producers = 16
	base := time.Now().UTC()
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := spool.Append(testEntry(fmt.Sprintf("req_%d", n), base)); err == nil {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful append at capacity=1, got %d", got)
	}
	if depth := spool.Len(); depth != 1 {
		t.Fatalf("expected spool depth 1 after concurrent append, got %d", depth)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("STORYSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set STORYSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
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
