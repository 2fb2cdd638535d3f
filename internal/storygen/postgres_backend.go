package storygen

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "storysync_state"
	postgresStateKey         = "default"
	postgresSpoolTableName   = "storysync_generation_spool"
	postgresSpoolKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStateBackend struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:       dsn,
		tableName: postgresStateTableName,
		stateKey:  postgresStateKey,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.stateKey, string(payload))
	return err
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

// PostgresGenerationSpool keeps unacknowledged requests in a table keyed by
// request id. Rows persist until an explicit Remove; multiple clients sharing
// the table coordinate via an advisory lock on mutation.
type PostgresGenerationSpool struct {
	dsn       string
	tableName string
	spoolKey  string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresGenerationSpool(dsn string, capacity int) (GenerationSpool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &PostgresGenerationSpool{
		dsn:       dsn,
		tableName: postgresSpoolTableName,
		spoolKey:  postgresSpoolKey,
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresGenerationSpool) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				spool_key TEXT NOT NULL,
				request_id TEXT NOT NULL,
				entry TEXT NOT NULL,
				submitted_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (spool_key, request_id)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexName := s.tableName + "_submitted_at_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (spool_key, submitted_at)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(s.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresGenerationSpool) Append(entry QueuedGenerationEntry) error {
	requestID := strings.TrimSpace(entry.Request.RequestID)
	if requestID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresSpoolLockKey(s.tableName, s.spoolKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return err
	}
	var exists bool
	existsQuery := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE spool_key = $1 AND request_id = $2)", postgresQuoteIdentifier(s.tableName))
	if err := tx.QueryRowContext(ctx, existsQuery, s.spoolKey, requestID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		var depth int
		countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE spool_key = $1", postgresQuoteIdentifier(s.tableName))
		if err := tx.QueryRowContext(ctx, countQuery, s.spoolKey).Scan(&depth); err != nil {
			return err
		}
		if depth >= s.capacity {
			return ErrQueueFull
		}
	}
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (spool_key, request_id, entry, submitted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (spool_key, request_id)
		DO UPDATE SET entry = EXCLUDED.entry, submitted_at = EXCLUDED.submitted_at`, postgresQuoteIdentifier(s.tableName))
	if _, err := tx.ExecContext(ctx, upsertQuery, s.spoolKey, requestID, string(payload), entry.Request.SubmittedAt.UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresGenerationSpool) Update(entry QueuedGenerationEntry) error {
	requestID := strings.TrimSpace(entry.Request.RequestID)
	if requestID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET entry = $1 WHERE spool_key = $2 AND request_id = $3", postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, string(payload), s.spoolKey, requestID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresGenerationSpool) Remove(requestID string) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE spool_key = $1 AND request_id = $2", postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, s.spoolKey, requestID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresGenerationSpool) Snapshot() []QueuedGenerationEntry {
	if err := s.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT entry FROM %s WHERE spool_key = $1 ORDER BY submitted_at ASC, request_id ASC",
		postgresQuoteIdentifier(s.tableName),
	)
	rows, err := s.db.QueryContext(ctx, query, s.spoolKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	entries := make([]QueuedGenerationEntry, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		var entry QueuedGenerationEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil || strings.TrimSpace(entry.Request.RequestID) == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func (s *PostgresGenerationSpool) Len() int {
	if err := s.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE spool_key = $1", postgresQuoteIdentifier(s.tableName))
	var depth int
	if err := s.db.QueryRowContext(ctx, query, s.spoolKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

// Reload is a no-op: every read already goes to the database.
func (s *PostgresGenerationSpool) Reload() error {
	return nil
}

func (s *PostgresGenerationSpool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresSpoolLockKey(tableName, spoolKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(spoolKey)))
	return int64(hasher.Sum64())
}
