package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

// Store persists media records in sqlite.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (and migrates) the sqlite database at path. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	now := func() time.Time { return time.Now().UTC() }
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:  gormLogger.Default.LogMode(gormLogger.Silent),
		NowFunc: now,
	})
	if err != nil {
		return nil, fmt.Errorf("open record database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open record database: %w", err)
	}
	// One connection: sqlite serializes writers anyway and ":memory:" is per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&MediaRecord{}); err != nil {
		return nil, fmt.Errorf("migrate record database: %w", err)
	}
	return &Store{db: db, now: now}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping is used by the health check.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Create inserts rec, assigning an id and the uploaded status when they are empty.
func (s *Store) Create(ctx context.Context, rec *MediaRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusUploaded
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*MediaRecord, error) {
	var rec MediaRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return &rec, nil
}

// UpdateStatus is the single write path for transcription outcomes. text and errMsg
// are written only when non-nil.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, text, errMsg *string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": s.now(),
	}
	if text != nil {
		updates["transcript"] = *text
	}
	if errMsg != nil {
		updates["error_message"] = *errMsg
	}

	res := s.db.WithContext(ctx).Model(&MediaRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update record %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailIfProcessing marks id failed with msg only while it is still processing. A
// record the stall detector already completed keeps its placeholder.
func (s *Store) FailIfProcessing(ctx context.Context, id, msg string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&MediaRecord{}).
		Where("id = ? AND status = ?", id, StatusProcessing).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": msg,
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("fail record %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListStale returns records still processing whose last update is before cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]MediaRecord, error) {
	var recs []MediaRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusProcessing, cutoff.UTC()).
		Order("updated_at").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list stale records: %w", err)
	}
	return recs, nil
}

// ResolveStalled completes id with placeholder only if it is still processing and
// older than cutoff. It reports whether this call made the change, so concurrent
// scanners resolve a record at most once.
func (s *Store) ResolveStalled(ctx context.Context, id string, cutoff time.Time, placeholder string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&MediaRecord{}).
		Where("id = ? AND status = ? AND updated_at < ?", id, StatusProcessing, cutoff.UTC()).
		Updates(map[string]interface{}{
			"status":        StatusCompleted,
			"transcript":    placeholder,
			"error_message": "",
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("resolve stalled record %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
