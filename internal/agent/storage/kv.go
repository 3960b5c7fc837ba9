// Package storage keeps the agent's local state in a SQLite key/value table.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// QueueKey is the key under which the submission queue blob is stored.
const QueueKey = "visit_submission_queue"

// busyTimeoutPragma makes a connection wait for another agent process's write to finish.
const busyTimeoutPragma = "_pragma=busy_timeout(5000)"

type kvEntry struct {
	Key              string `gorm:"column:key;primaryKey;size:190"`
	Value            []byte `gorm:"column:value;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (kvEntry) TableName() string {
	return "agent_kv"
}

// KVStore is a small durable map backed by the agent_kv table.
type KVStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// OpenKVStore opens (or creates) the SQLite file at path and migrates the table.
func OpenKVStore(path string) (*KVStore, error) {
	if path == "" {
		return nil, errors.New("storage: path is required")
	}
	db, err := gorm.Open(sqlite.Open(withBusyTimeout(path)), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return NewKVStore(db)
}

// NewKVStore wraps an existing handle.
func NewKVStore(db *gorm.DB) (*KVStore, error) {
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("migrate agent_kv: %w", err)
	}
	return &KVStore{db: db, clock: time.Now}, nil
}

// Get returns nil, nil when the key is absent.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	return getValue(s.db.WithContext(ctx), key)
}

// Set writes the value in one upsert statement.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	return setValue(s.db.WithContext(ctx), key, value, s.clock())
}

// Update reads key, passes its value (nil when absent) to change and writes the result, all in one
// transaction. The transaction opens with a write, so it holds the database write lock before the
// read and concurrent updaters on the same file run one after another.
func (s *KVStore) Update(ctx context.Context, key string, change func(current []byte) ([]byte, error)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&kvEntry{}).
			Where("key = ?", key).
			Update("updated_at_s", gorm.Expr("updated_at_s")).Error
		if err != nil {
			return fmt.Errorf("failed to lock agent_kv[%s]: %w", key, err)
		}
		current, err := getValue(tx, key)
		if err != nil {
			return err
		}
		next, err := change(current)
		if err != nil {
			return err
		}
		return setValue(tx, key, next, s.clock())
	})
}

func getValue(db *gorm.DB, key string) ([]byte, error) {
	var entry kvEntry
	err := db.Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent_kv[%s]: %w", key, err)
	}
	return entry.Value, nil
}

func setValue(db *gorm.DB, key string, value []byte, now time.Time) error {
	if value == nil {
		value = []byte{}
	}
	entry := kvEntry{Key: key, Value: value, UpdatedAtSeconds: now.UTC().Unix()}
	err := db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to set agent_kv[%s]: %w", key, err)
	}
	return nil
}

// Delete removes the key; deleting an absent key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&kvEntry{}).Error; err != nil {
		return fmt.Errorf("failed to delete agent_kv[%s]: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *KVStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// QueueStorage adapts a KVStore to the queue's single-blob storage.
type QueueStorage struct {
	KV  *KVStore
	Key string
}

// NewQueueStorage stores the queue under QueueKey.
func NewQueueStorage(kv *KVStore) QueueStorage {
	return QueueStorage{KV: kv, Key: QueueKey}
}

func (q QueueStorage) Load(ctx context.Context) ([]byte, error) {
	return q.KV.Get(ctx, q.key())
}

func (q QueueStorage) Update(ctx context.Context, change func(current []byte) ([]byte, error)) error {
	return q.KV.Update(ctx, q.key(), change)
}

func (q QueueStorage) key() string {
	if q.Key == "" {
		return QueueKey
	}
	return q.Key
}

func withBusyTimeout(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + busyTimeoutPragma
	}
	return path + "?" + busyTimeoutPragma
}
