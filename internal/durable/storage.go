// Package durable hosts Durable Object namespaces: ID derivation, per-instance
// serialization, transactional storage, alarms and accepted WebSockets.
package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"

	"github.com/cryguy/worker/v3/internal/core"
)

// Storage limits.
const (
	MaxKeySize   = 2048
	MaxValueSize = 128 * 1024
	MaxBatchKeys = 128
)

const schema = `
CREATE TABLE IF NOT EXISTS do_storage (
	namespace TEXT NOT NULL,
	object_id TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, object_id, key)
);
CREATE TABLE IF NOT EXISTS do_alarms (
	namespace    TEXT NOT NULL,
	object_id    TEXT NOT NULL,
	scheduled_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, object_id)
);`

// Store is the database shared by the storage of every object.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) {dataDir}/durable_objects.sqlite3.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating durable object directory: %w", err)
	}
	return openStore(filepath.Join(dataDir, "durable_objects.sqlite3"))
}

// OpenMemoryStore creates an in-memory store, used by tests.
func OpenMemoryStore() (*Store, error) {
	return openStore(":memory:")
}

func openStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening durable object store: %w", err)
	}
	// A single connection keeps ":memory:" shared and serializes writers.
	db.SetMaxOpenConns(1)
	if dsn != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating durable object store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Object returns the storage of one object. notify is called with the new
// alarm time (nil when cleared) whenever the alarm changes.
func (s *Store) Object(namespace, objectID string, notify func(*time.Time)) *Storage {
	return &Storage{db: s.db, q: s.db, namespace: namespace, objectID: objectID, notify: notify}
}

// alarms returns every scheduled alarm of namespace keyed by object ID.
func (s *Store) alarms(ctx context.Context, namespace string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT object_id, scheduled_at FROM do_alarms WHERE namespace = ?", namespace)
	if err != nil {
		return nil, fmt.Errorf("loading alarms: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, fmt.Errorf("loading alarms: %w", err)
		}
		out[id] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Storage implements core.DurableObjectStorage for one object.
type Storage struct {
	db        *sql.DB
	q         queryer
	namespace string
	objectID  string
	notify    func(*time.Time)

	// Set on the storage handed to a transaction callback.
	tx           bool
	alarmTouched bool
}

var _ core.DurableObjectStorage = (*Storage)(nil)

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", core.ErrInvalidKey)
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: key exceeds %d bytes", core.ErrInvalidKey, MaxKeySize)
	}
	return nil
}

func validateKeys(keys []string) error {
	if len(keys) > MaxBatchKeys {
		return fmt.Errorf("too many keys: %d (max %d)", len(keys), MaxBatchKeys)
	}
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(v any) ([]byte, error) {
	var data []byte
	switch val := v.(type) {
	case json.RawMessage:
		if !json.Valid(val) {
			return nil, fmt.Errorf("value is not valid JSON")
		}
		data = val
	default:
		var err error
		if data, err = sonic.ConfigStd.Marshal(v); err != nil {
			return nil, fmt.Errorf("encoding value: %w", err)
		}
	}
	if len(data) > MaxValueSize {
		return nil, fmt.Errorf("%w: value exceeds %d bytes", core.ErrValueTooLarge, MaxValueSize)
	}
	return data, nil
}

func (s *Storage) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.q.QueryRowContext(ctx,
		"SELECT value FROM do_storage WHERE namespace = ? AND object_id = ? AND key = ?",
		s.namespace, s.objectID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage get: %w", err)
	}
	return json.RawMessage(value), true, nil
}

func (s *Storage) GetMulti(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if err := validateKeys(keys); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := []any{s.namespace, s.objectID}
	for _, k := range keys {
		args = append(args, k)
	}
	query := "SELECT key, value FROM do_storage WHERE namespace = ? AND object_id = ? AND key IN (?" +
		strings.Repeat(",?", len(keys)-1) + ")"
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage get: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("storage get: %w", err)
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

func (s *Storage) Put(ctx context.Context, key string, value any) error {
	return s.PutMulti(ctx, map[string]any{key: value})
}

func (s *Storage) PutMulti(ctx context.Context, entries map[string]any) error {
	if len(entries) > MaxBatchKeys {
		return fmt.Errorf("too many keys: %d (max %d)", len(entries), MaxBatchKeys)
	}
	encoded := make(map[string][]byte, len(entries))
	for k, v := range entries {
		if err := validateKey(k); err != nil {
			return err
		}
		data, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		encoded[k] = data
	}
	return s.atomic(ctx, func(q queryer) error {
		for k, data := range encoded {
			_, err := q.ExecContext(ctx,
				`INSERT INTO do_storage (namespace, object_id, key, value) VALUES (?, ?, ?, ?)
				 ON CONFLICT (namespace, object_id, key) DO UPDATE SET value = excluded.value`,
				s.namespace, s.objectID, k, data)
			if err != nil {
				return fmt.Errorf("storage put: %w", err)
			}
		}
		return nil
	})
}

func (s *Storage) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.DeleteMulti(ctx, []string{key})
	return n > 0, err
}

func (s *Storage) DeleteMulti(ctx context.Context, keys []string) (int, error) {
	if err := validateKeys(keys); err != nil {
		return 0, err
	}
	deleted := 0
	err := s.atomic(ctx, func(q queryer) error {
		for _, k := range keys {
			res, err := q.ExecContext(ctx,
				"DELETE FROM do_storage WHERE namespace = ? AND object_id = ? AND key = ?",
				s.namespace, s.objectID, k)
			if err != nil {
				return fmt.Errorf("storage delete: %w", err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DeleteAll removes every key. The alarm is left alone.
func (s *Storage) DeleteAll(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM do_storage WHERE namespace = ? AND object_id = ?", s.namespace, s.objectID)
	if err != nil {
		return fmt.Errorf("storage delete all: %w", err)
	}
	return nil
}

func (s *Storage) List(ctx context.Context, opts core.DurableListOptions) ([]core.KVPair, error) {
	query := "SELECT key, value FROM do_storage WHERE namespace = ? AND object_id = ?"
	args := []any{s.namespace, s.objectID}
	if opts.Prefix != "" {
		query += " AND substr(key, 1, length(?)) = ?"
		args = append(args, opts.Prefix, opts.Prefix)
	}
	if opts.Start != "" {
		query += " AND key >= ?"
		args = append(args, opts.Start)
	}
	if opts.End != "" {
		query += " AND key < ?"
		args = append(args, opts.End)
	}
	if opts.Reverse {
		query += " ORDER BY key DESC"
	} else {
		query += " ORDER BY key ASC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = core.DefaultDurableListLimit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []core.KVPair{}
	for rows.Next() {
		var p core.KVPair
		var v []byte
		if err := rows.Scan(&p.Key, &v); err != nil {
			return nil, fmt.Errorf("storage list: %w", err)
		}
		p.Value = json.RawMessage(v)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Transaction runs fn in a database transaction. Nested calls join the
// outer transaction.
func (s *Storage) Transaction(ctx context.Context, fn func(txn core.DurableObjectStorage) error) error {
	if s.tx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage transaction: %w", err)
	}
	txn := &Storage{
		db: s.db, q: tx, namespace: s.namespace, objectID: s.objectID,
		notify: s.notify, tx: true,
	}

	err = runTxn(fn, txn)
	if err != nil {
		_ = tx.Rollback()
	} else if cerr := tx.Commit(); cerr != nil {
		err = fmt.Errorf("storage commit: %w", cerr)
	}
	if txn.alarmTouched {
		// Rolled back or not, tell the scheduler what is actually stored.
		if at, aerr := s.GetAlarm(ctx); aerr == nil {
			s.notifyAlarm(at)
		}
	}
	return err
}

func runTxn(fn func(core.DurableObjectStorage) error, txn *Storage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in transaction: %v", r)
		}
	}()
	return fn(txn)
}

// atomic runs fn inside a transaction unless one is already open.
func (s *Storage) atomic(ctx context.Context, fn func(q queryer) error) error {
	if s.tx {
		return fn(s.q)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Storage) GetAlarm(ctx context.Context) (*time.Time, error) {
	var ms int64
	err := s.q.QueryRowContext(ctx,
		"SELECT scheduled_at FROM do_alarms WHERE namespace = ? AND object_id = ?",
		s.namespace, s.objectID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alarm: %w", err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

func (s *Storage) SetAlarm(ctx context.Context, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO do_alarms (namespace, object_id, scheduled_at) VALUES (?, ?, ?)
		 ON CONFLICT (namespace, object_id) DO UPDATE SET scheduled_at = excluded.scheduled_at`,
		s.namespace, s.objectID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	if s.tx {
		s.alarmTouched = true
		return nil
	}
	t := time.UnixMilli(at.UnixMilli())
	s.notifyAlarm(&t)
	return nil
}

func (s *Storage) DeleteAlarm(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx,
		"DELETE FROM do_alarms WHERE namespace = ? AND object_id = ?", s.namespace, s.objectID)
	if err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	if s.tx {
		s.alarmTouched = true
		return nil
	}
	s.notifyAlarm(nil)
	return nil
}

func (s *Storage) notifyAlarm(at *time.Time) {
	if s.notify != nil {
		s.notify(at)
	}
}
