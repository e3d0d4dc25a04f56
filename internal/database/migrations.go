package database

import (
	"errors"
	"time"

	"github.com/HuyHT130204/VIBE-SocialWeb/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMessageType = "2026-09-01_backfill_message_type"
	migrationCallStatusForCalls  = "2026-09-14_call_status_for_call_messages"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillMessageType, apply: backfillMessageType},
		{name: migrationCallStatusForCalls, apply: backfillCallStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before message types existed are plain text or images.
func backfillMessageType(db *gorm.DB) error {
	if err := db.Model(&chat.Message{}).
		Where("message_type = '' AND image_url <> ''").
		Update("message_type", chat.MessageTypeImage).Error; err != nil {
		return err
	}
	return db.Model(&chat.Message{}).
		Where("message_type = ''").
		Update("message_type", chat.MessageTypeText).Error
}

// Call messages without a status predate the started/ended split and were
// always written when a call finished.
func backfillCallStatus(db *gorm.DB) error {
	return db.Model(&chat.Message{}).
		Where("message_type = ? AND call_status = ''", chat.MessageTypeCall).
		Update("call_status", chat.CallStatusEnded).Error
}
