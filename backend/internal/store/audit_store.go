package store

import (
	"context"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// SessionAudit is one join/leave record, written by the session lifecycle
// service.
type SessionAudit struct {
	ID          uint   `gorm:"primaryKey"`
	FormID      string `gorm:"index;size:64"`
	UserID      string `gorm:"index;size:64"`
	DisplayName string `gorm:"size:128"`
	Event       string `gorm:"size:16"` // "joined" / "left"
	OccurredAt  time.Time
}

// InitMySQL opens the gorm handle used by the audit store and migrates its
// table.
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SessionAudit{}); err != nil {
		return nil, err
	}
	return db, nil
}

type AuditStore struct{ db *gorm.DB }

func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) RecordJoin(ctx context.Context, formID, userID, displayName string, at time.Time) error {
	rec := &SessionAudit{FormID: formID, UserID: userID, DisplayName: displayName, Event: "joined", OccurredAt: at}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *AuditStore) RecordLeave(ctx context.Context, formID, userID string, at time.Time) error {
	rec := &SessionAudit{FormID: formID, UserID: userID, Event: "left", OccurredAt: at}
	return s.db.WithContext(ctx).Create(rec).Error
}

// RecentForForm returns the latest audit records for one form, newest first.
func (s *AuditStore) RecentForForm(ctx context.Context, formID string, limit int) ([]SessionAudit, error) {
	var recs []SessionAudit
	err := s.db.WithContext(ctx).
		Where("form_id = ?", formID).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
