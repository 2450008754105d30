// Package schema owns the table layout and the named data migrations applied at startup.
package schema

import (
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/database"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrations lists the run-once data migrations in application order.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Name: "2026-10-12_recount_denormalized_counters",
			Apply: func(tx *gorm.DB) error {
				_, err := posts.RecountTx(tx)
				return err
			},
		},
		{
			Name: "2026-10-14_repair_top_caption_pointers",
			Apply: func(tx *gorm.DB) error {
				_, err := posts.RepairTopCaptionsTx(tx)
				return err
			},
		},
	}
}

// Migrate brings the schema up to date and applies pending data migrations. It returns the
// names of the data migrations it applied.
func Migrate(store *database.Store, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := store.DB()
	if db == nil {
		return nil, database.ErrMissingDatabase
	}

	models := append([]any{&users.User{}}, posts.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		logger.Error("schema migration failed", zap.Error(err))
		return nil, err
	}
	return database.ApplyMigrations(db, Migrations(), logger)
}
