package schema

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/database"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/users"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.OpenSQLite(filepath.Join(t.TempDir(), "schema.db"), time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMigrateCreatesTablesAndRunsOnce(t *testing.T) {
	store := openStore(t)

	applied, err := Migrate(store, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, applied, len(Migrations()))

	migrator := store.DB().Migrator()
	for _, table := range []string{"users", "posts", "captions", "comments", "like_edges", "db_migrations"} {
		require.True(t, migrator.HasTable(table), table)
	}

	applied, err = Migrate(store, zap.NewNop())
	require.NoError(t, err)
	require.Empty(t, applied)
}

func TestDataMigrationsRepairDrift(t *testing.T) {
	store := openStore(t)
	db := store.DB()
	models := append([]any{&users.User{}}, posts.Models()...)
	require.NoError(t, db.AutoMigrate(models...))

	owner := users.User{Username: "owner", SecretHash: "x", CreatedAtMillis: 1}
	fan := users.User{Username: "fan", SecretHash: "x", CreatedAtMillis: 1}
	require.NoError(t, db.Create(&owner).Error)
	require.NoError(t, db.Create(&fan).Error)

	post := posts.Post{UserID: owner.ID, ImageRef: "1_ref.png", LikeCount: 9, CaptionCount: 0, CreatedAtMillis: 10}
	require.NoError(t, db.Omit("Author").Create(&post).Error)
	early := posts.Caption{PostID: post.ID, UserID: owner.ID, Text: "early", CreatedAtMillis: 11}
	late := posts.Caption{PostID: post.ID, UserID: fan.ID, Text: "late", LikeCount: 5, CreatedAtMillis: 12}
	require.NoError(t, db.Omit("Post", "Author").Create(&early).Error)
	require.NoError(t, db.Omit("Post", "Author").Create(&late).Error)
	require.NoError(t, db.Create(&posts.LikeEdge{Kind: posts.KindCaption, UserID: fan.ID, TargetID: early.ID, CreatedAtMillis: 13}).Error)

	applied, err := Migrate(store, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, applied, 2)

	var repaired posts.Post
	require.NoError(t, db.Take(&repaired, post.ID).Error)
	require.EqualValues(t, 0, repaired.LikeCount)
	require.EqualValues(t, 2, repaired.CaptionCount)
	require.NotNil(t, repaired.TopCaptionID)
	require.Equal(t, early.ID, *repaired.TopCaptionID, "recounted likes rank the early caption first")

	var recounted posts.Caption
	require.NoError(t, db.Take(&recounted, late.ID).Error)
	require.EqualValues(t, 0, recounted.LikeCount)
}
