package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// Migration is a named, run-once data migration.
type Migration struct {
	Name  string
	Apply func(tx *gorm.DB) error
}

// ApplyMigrations runs every migration not yet recorded in db_migrations, each in its own
// transaction together with its record, and returns the names it applied.
func ApplyMigrations(db *gorm.DB, migrations []Migration, logger *zap.Logger) ([]string, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(migrations))
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.Name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return applied, err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.Name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			logger.Error("database migration failed", zap.String("migration", migration.Name), zap.Error(err))
			return applied, err
		}
		applied = append(applied, migration.Name)
		logger.Info("database migration applied", zap.String("migration", migration.Name))
	}
	return applied, nil
}
