package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/evgraph/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on events.timestamp for rotation deletes
const currentSchemaVersion = 1

// iterPageSize bounds how many ids IterIDs reads per query.
const iterPageSize = 512

// SQLite provides durable event storage.
// Uses SQLite with WAL mode for concurrent read access.
type SQLite struct {
	db *sql.DB
}

var _ EventStore = (*SQLite)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get retrieves a single event by id.
func (s *SQLite) Get(ctx context.Context, id event.Hash) (event.Event, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM events WHERE id = ?`, id[:]).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, wrap("get", err)
	}
	e, err := decodeBody(id, body)
	if err != nil {
		return event.Event{}, false, wrap("get", err)
	}
	return e, true, nil
}

// Insert writes an event record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate ids are silently ignored.
func (s *SQLite) Insert(ctx context.Context, e event.Event) error {
	id := e.ID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, timestamp, layer, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id[:], int64(e.Header.Timestamp), int64(e.Header.Layer), encodeBody(e))
	return wrap("insert", err)
}

// Contains reports whether an event is stored.
func (s *SQLite) Contains(ctx context.Context, id event.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, id[:]).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("contains", err)
	}
	return true, nil
}

// IterIDs pages through ids with keyset pagination so no cursor stays open
// while the caller runs. Callers may therefore issue Get between yields.
func (s *SQLite) IterIDs(ctx context.Context) iter.Seq2[event.Hash, error] {
	return func(yield func(event.Hash, error) bool) {
		after := []byte{}
		for {
			page, err := s.idPage(ctx, after)
			if err != nil {
				yield(event.NullID, wrap("iterate", err))
				return
			}
			for _, id := range page {
				if !yield(id, nil) {
					return
				}
			}
			if len(page) < iterPageSize {
				return
			}
			last := page[len(page)-1]
			after = last[:]
		}
	}
}

func (s *SQLite) idPage(ctx context.Context, after []byte) ([]event.Hash, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, after, iterPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := make([]event.Hash, 0, iterPageSize)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := event.HashFromBytes(raw)
		if err != nil {
			return nil, err
		}
		page = append(page, id)
	}
	return page, rows.Err()
}

// Count returns the number of stored events.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// Rotate deletes pre-boundary events, inserts the genesis and records the
// rotation state in a single transaction.
func (s *SQLite) Rotate(ctx context.Context, genesis event.Event, epoch int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("rotate: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, int64(genesis.Header.Timestamp))
	if err != nil {
		return 0, wrap("rotate: delete", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("rotate: rows affected", err)
	}

	id := genesis.ID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, timestamp, layer, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id[:], int64(genesis.Header.Timestamp), int64(genesis.Header.Layer), encodeBody(genesis))
	if err != nil {
		return 0, wrap("rotate: insert genesis", err)
	}

	meta := map[string]string{
		metaGenesis:  id.String(),
		metaBoundary: strconv.FormatUint(genesis.Header.Timestamp, 10),
		metaEpoch:    strconv.FormatInt(epoch, 10),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, k, v); err != nil {
			return 0, wrap("rotate: write meta", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap("rotate: commit", err)
	}
	return int(removed), nil
}

// State reads the persisted rotation metadata.
func (s *SQLite) State(ctx context.Context) (RotationState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return RotationState{}, wrap("state", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return RotationState{}, wrap("state", err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return RotationState{}, wrap("state", err)
	}
	st, err := parseState(meta)
	return st, wrap("state", err)
}

// parseState decodes the string-keyed meta map shared by SQLite and Redis.
func parseState(meta map[string]string) (RotationState, error) {
	var st RotationState
	if v, ok := meta[metaGenesis]; ok {
		id, err := event.ParseHash(v)
		if err != nil {
			return st, err
		}
		st.Genesis = id
	}
	if v, ok := meta[metaBoundary]; ok {
		b, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return st, fmt.Errorf("boundary: %w", err)
		}
		st.Boundary = b
	}
	if v, ok := meta[metaEpoch]; ok {
		e, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return st, fmt.Errorf("epoch: %w", err)
		}
		st.Epoch = e
	}
	return st, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the timestamp index used by Rotate.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
