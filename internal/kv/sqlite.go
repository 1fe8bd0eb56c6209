// Package kv provides KVNamespace backends.
package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/cryguy/worker/v3/internal/core"
)

// entry is one stored key. ExpiresAt is a unix timestamp in seconds, zero
// for keys that never expire.
type entry struct {
	Namespace string `gorm:"primaryKey;size:255"`
	Name      string `gorm:"primaryKey;size:512"`
	Value     string
	Metadata  []byte
	ExpiresAt int64 `gorm:"index"`
}

func (entry) TableName() string { return "kv_entries" }

// OpenSQLite opens (or creates) the database shared by every sqlite-backed
// namespace of a deployment.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating KV directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening KV database: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and ":memory:"
	// databases are per-connection.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("migrating KV database: %w", err)
	}
	return db, nil
}

// SQLiteNamespace is a KVNamespace stored in a sqlite table.
type SQLiteNamespace struct {
	db        *gorm.DB
	namespace string
	now       func() time.Time
}

var _ core.KVNamespace = (*SQLiteNamespace)(nil)

// NewSQLiteNamespace returns the namespace called name inside db.
func NewSQLiteNamespace(db *gorm.DB, name string) *SQLiteNamespace {
	return &SQLiteNamespace{db: db, namespace: name, now: time.Now}
}

func (s *SQLiteNamespace) find(ctx context.Context, key string) (*entry, error) {
	if err := core.ValidateKVKey(key); err != nil {
		return nil, err
	}
	var e entry
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND name = ?", s.namespace, key).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("KV get: %w", err)
	}
	if e.ExpiresAt != 0 && e.ExpiresAt <= s.now().Unix() {
		_ = s.Delete(ctx, key)
		return nil, nil
	}
	return &e, nil
}

func (s *SQLiteNamespace) Get(ctx context.Context, key string) (string, bool, error) {
	e, err := s.find(ctx, key)
	if err != nil || e == nil {
		return "", false, err
	}
	return e.Value, true, nil
}

func (s *SQLiteNamespace) GetWithMetadata(ctx context.Context, key string) (*core.KVValueWithMetadata, error) {
	e, err := s.find(ctx, key)
	if err != nil || e == nil {
		return nil, err
	}
	return &core.KVValueWithMetadata{Value: e.Value, Metadata: e.Metadata}, nil
}

func (s *SQLiteNamespace) Put(ctx context.Context, key, value string, opts core.KVPutOptions) error {
	expires, err := core.ValidateKVPut(key, value, opts, s.now())
	if err != nil {
		return err
	}
	e := entry{Namespace: s.namespace, Name: key, Value: value, Metadata: opts.Metadata}
	if expires != nil {
		e.ExpiresAt = expires.Unix()
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&e).Error
	if err != nil {
		return fmt.Errorf("KV put: %w", err)
	}
	return nil
}

func (s *SQLiteNamespace) Delete(ctx context.Context, key string) error {
	if err := core.ValidateKVKey(key); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND name = ?", s.namespace, key).
		Delete(&entry{}).Error
	if err != nil {
		return fmt.Errorf("KV delete: %w", err)
	}
	return nil
}

func (s *SQLiteNamespace) List(ctx context.Context, opts core.KVListOptions) (*core.KVListResult, error) {
	limit := opts.Limit
	if limit <= 0 || limit > core.DefaultKVListLimit {
		limit = core.DefaultKVListLimit
	}
	offset := core.DecodeCursor(opts.Cursor)

	q := s.db.WithContext(ctx).
		Where("namespace = ?", s.namespace).
		Where("(expires_at = 0 OR expires_at > ?)", s.now().Unix())
	if opts.Prefix != "" {
		q = q.Where("substr(name, 1, ?) = ?", utf8.RuneCountInString(opts.Prefix), opts.Prefix)
	}

	var rows []entry
	err := q.Order("name").Offset(offset).Limit(limit + 1).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("KV list: %w", err)
	}

	result := &core.KVListResult{ListComplete: len(rows) <= limit}
	if !result.ListComplete {
		rows = rows[:limit]
		result.Cursor = core.EncodeCursor(offset + limit)
	}
	result.Keys = make([]core.KVListKey, 0, len(rows))
	for _, r := range rows {
		result.Keys = append(result.Keys, core.KVListKey{
			Name:       r.Name,
			Expiration: r.ExpiresAt,
			Metadata:   r.Metadata,
		})
	}
	return result, nil
}

// PurgeExpired deletes expired keys of every namespace in db.
func PurgeExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at != 0 AND expires_at <= ?", now.Unix()).
		Delete(&entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("KV purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}
