package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// sessionRecord is the offline_sessions table row.
type sessionRecord struct {
	ID         uint      `gorm:"primaryKey"`
	ContentURI string    `gorm:"uniqueIndex;not null;size:2048"`
	KeySystem  string    `gorm:"size:255"`
	SessionIDs []string  `gorm:"serializer:json;type:text"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (sessionRecord) TableName() string { return "offline_sessions" }

// SQLStore is a Store backed by a gorm database.
type SQLStore struct {
	db *gorm.DB
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens (creating if needed) the SQLite database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLStore(db)
}

// NewSQLStore returns a SQLStore using db, migrating its table.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate session database: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Save implements Store.Save.
func (s *SQLStore) Save(ctx context.Context, uri, keySystem string, sessionIDs []string) error {
	if uri == "" {
		return ErrEmptyURI
	}
	if sessionIDs == nil {
		sessionIDs = []string{}
	}
	rec := sessionRecord{ContentURI: uri, KeySystem: keySystem, SessionIDs: sessionIDs}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_uri"}},
		DoUpdates: clause.AssignmentColumns([]string{"key_system", "session_ids", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save sessions for %s: %w", uri, err)
	}
	return nil
}

// Load implements Store.Load.
func (s *SQLStore) Load(ctx context.Context, uri string) (Record, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).Where("content_uri = ?", uri).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load sessions for %s: %w", uri, err)
	}
	return Record{
		ContentURI: rec.ContentURI,
		KeySystem:  rec.KeySystem,
		SessionIDs: rec.SessionIDs,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

// Delete implements Store.Delete.
func (s *SQLStore) Delete(ctx context.Context, uri string) error {
	err := s.db.WithContext(ctx).Where("content_uri = ?", uri).Delete(&sessionRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete sessions for %s: %w", uri, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
