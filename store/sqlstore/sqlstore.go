// Package sqlstore is a store.Backend on SQLite through gorm. Several
// processes may open the same database file.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamplace/atproto-oauth-agent/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Record struct {
	Namespace string `gorm:"primaryKey"`
	ItemKey   string `gorm:"primaryKey"`
	Value     []byte
	UpdatedAt time.Time
}

func (Record) TableName() string {
	return "oauth_store_records"
}

type Backend struct {
	db *gorm.DB
}

var _ store.Backend = (*Backend)(nil)

// Open opens or creates the database at path in WAL mode.
func Open(path string) (*Backend, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite db: %w", err)
	}
	return New(db)
}

// New uses an existing gorm handle, migrating the records table.
func New(db *gorm.DB) (*Backend, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("could not migrate store records: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *Backend) Get(ctx context.Context, table, key string) ([]byte, error) {
	var rec Record
	err := b.db.WithContext(ctx).
		Where("namespace = ? AND item_key = ?", table, key).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

func (b *Backend) Put(ctx context.Context, table, key string, value []byte) error {
	rec := &Record{
		Namespace: table,
		ItemKey:   key,
		Value:     value,
	}

	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "item_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(rec).Error
}

func (b *Backend) Delete(ctx context.Context, table, key string) error {
	return b.db.WithContext(ctx).
		Where("namespace = ? AND item_key = ?", table, key).
		Delete(&Record{}).Error
}

func (b *Backend) Keys(ctx context.Context, table string) ([]string, error) {
	var keys []string
	err := b.db.WithContext(ctx).
		Model(&Record{}).
		Where("namespace = ?", table).
		Order("item_key").
		Pluck("item_key", &keys).Error
	return keys, err
}
