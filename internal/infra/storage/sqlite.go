package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nft_market/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists the command WAL, the event audit log and the read projections.
type Storage struct {
	db *gorm.DB
}

// models lists every table the storage owns.
var models = []any{
	&domain.CommandRecord{},
	&domain.EventRecord{},
	&domain.ListingRecord{},
	&domain.AuctionRecord{},
	&domain.RefundRecord{},
	&domain.AppConfig{},
}

// NewStorage opens the database for driver ("sqlite" or "postgres") and migrates it.
func NewStorage(ctx context.Context, driver, dsn string) (*Storage, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "", "sqlite":
		db, err = openSQLite(dsn)
	case "postgres":
		db, err = openPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	// Auto Migration
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

func openSQLite(dsn string) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// A single writer keeps sqlite from returning SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Command WAL
// ======================================================================================

// AppendCommand writes one command to the WAL. A duplicate sequence number is an error.
func (s *Storage) AppendCommand(ctx context.Context, rec *domain.CommandRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("append command %d: %w", rec.Seq, err)
	}
	return nil
}

// LoadCommands returns logged commands with seq > afterSeq in order.
func (s *Storage) LoadCommands(ctx context.Context, afterSeq uint64) ([]domain.CommandRecord, error) {
	var recs []domain.CommandRecord
	err := s.db.WithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC").
		Find(&recs).Error
	return recs, err
}

// LastCommandSeq returns the highest logged sequence number, 0 when empty.
func (s *Storage) LastCommandSeq(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).
		Model(&domain.CommandRecord{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error
	return last, err
}

// ======================================================================================
// Events and projections
// ======================================================================================

// Commit writes the events and projections of one applied command in a single transaction.
func (s *Storage) Commit(ctx context.Context, b *domain.Batch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(b.Events) > 0 {
			if err := tx.Create(&b.Events).Error; err != nil {
				return fmt.Errorf("insert events of command %d: %w", b.CommandSeq, err)
			}
		}
		for i := range b.UpsertListings {
			if err := tx.Save(&b.UpsertListings[i]).Error; err != nil {
				return fmt.Errorf("upsert listing: %w", err)
			}
		}
		for _, l := range b.RemoveListings {
			err := tx.Where("collection = ? AND asset_id = ?", l.Collection, l.AssetID).
				Delete(&domain.ListingRecord{}).Error
			if err != nil {
				return fmt.Errorf("delete listing: %w", err)
			}
		}
		if b.Auction != nil {
			if err := tx.Save(b.Auction).Error; err != nil {
				return fmt.Errorf("save auction: %w", err)
			}
			if err := tx.Where("engine = ?", b.Auction.Engine).Delete(&domain.RefundRecord{}).Error; err != nil {
				return fmt.Errorf("clear refunds: %w", err)
			}
			if len(b.Refunds) > 0 {
				if err := tx.Create(&b.Refunds).Error; err != nil {
					return fmt.Errorf("insert refunds: %w", err)
				}
			}
		}
		return nil
	})
}

// LastEventSeq returns the highest committed event sequence number, 0 when empty.
func (s *Storage) LastEventSeq(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).
		Model(&domain.EventRecord{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error
	return last, err
}

// LoadEvents returns up to limit events with seq > afterSeq in order.
func (s *Storage) LoadEvents(ctx context.Context, afterSeq uint64, limit int) ([]domain.EventRecord, error) {
	var recs []domain.EventRecord
	q := s.db.WithContext(ctx).Where("seq > ?", afterSeq).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&recs).Error
	return recs, err
}

// GetListings returns the persisted listing projection.
func (s *Storage) GetListings(ctx context.Context) ([]domain.ListingRecord, error) {
	var recs []domain.ListingRecord
	err := s.db.WithContext(ctx).Order("collection ASC, asset_id ASC").Find(&recs).Error
	return recs, err
}

// GetAuction returns the persisted auction projection, nil when none exists.
func (s *Storage) GetAuction(ctx context.Context, engine string) (*domain.AuctionRecord, error) {
	var rec domain.AuctionRecord
	err := s.db.WithContext(ctx).First(&rec, "engine = ?", engine).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRefunds returns the persisted refund ledger of engine.
func (s *Storage) GetRefunds(ctx context.Context, engine string) ([]domain.RefundRecord, error) {
	var recs []domain.RefundRecord
	err := s.db.WithContext(ctx).Where("engine = ?", engine).Order("bidder ASC").Find(&recs).Error
	return recs, err
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves an operator setting
func (s *Storage) SaveConfig(key, value string) error {
	config := domain.AppConfig{
		Key:   key,
		Value: value,
	}
	return s.db.Save(&config).Error
}

// LoadConfigMap loads all operator settings as a map
func (s *Storage) LoadConfigMap() (map[string]string, error) {
	var configs []domain.AppConfig
	if err := s.db.Find(&configs).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, cfg := range configs {
		result[cfg.Key] = cfg.Value
	}
	return result, nil
}
