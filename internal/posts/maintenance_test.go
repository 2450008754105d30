package posts

import (
	"context"
	"errors"
	"path"
	"testing"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestRefreshTopCaptionPromotesMostLiked(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	owner := fixture.addUser(t, "owner")
	fan := fixture.addUser(t, "fan")

	post := fixture.createPost(t, owner, "first")
	challenger := fixture.createCaption(t, post.PostID, fan, "challenger")
	fixture.toggle(t, KindCaption, challenger.CaptionID, owner)
	requireTop(t, fixture.reloadPost(t, post.PostID), post.CaptionID)

	change, err := fixture.service.RefreshTopCaption(ctx, post.PostID)
	require.NoError(t, err)
	require.True(t, change.Changed())
	require.Equal(t, *post.CaptionID, *change.Previous)
	require.Equal(t, challenger.CaptionID, *change.Current)
	requireTop(t, fixture.reloadPost(t, post.PostID), &challenger.CaptionID)

	published := fixture.publisher.ofType(ActivityTopCaptionChanged)
	require.Len(t, published, 1)
	require.Equal(t, challenger.CaptionID, *published[0].TopCaptionID)

	again, err := fixture.service.RefreshTopCaption(ctx, post.PostID)
	require.NoError(t, err)
	require.False(t, again.Changed())

	_, err = fixture.service.RefreshTopCaption(ctx, post.PostID+100)
	require.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestRefreshAllTopCaptionsReportsOnlyChanges(t *testing.T) {
	fixture := newTestFixture(t)
	owner := fixture.addUser(t, "owner")
	fan := fixture.addUser(t, "fan")

	settled := fixture.createPost(t, owner, "settled")
	contested := fixture.createPost(t, owner, "incumbent")
	challenger := fixture.createCaption(t, contested.PostID, fan, "challenger")
	fixture.toggle(t, KindCaption, challenger.CaptionID, owner)
	fixture.createPost(t, owner, "")

	changes, err := fixture.service.RefreshAllTopCaptions(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, contested.PostID, changes[0].PostID)
	requireTop(t, fixture.reloadPost(t, settled.PostID), settled.CaptionID)
	requireTop(t, fixture.reloadPost(t, contested.PostID), &challenger.CaptionID)
}

func TestRecountRepairsDriftedCounters(t *testing.T) {
	fixture := newTestFixture(t)
	owner := fixture.addUser(t, "owner")
	fan := fixture.addUser(t, "fan")

	post := fixture.createPost(t, owner, "first")
	second := fixture.createCaption(t, post.PostID, fan, "second")
	fixture.toggle(t, KindPost, post.PostID, fan)
	fixture.toggle(t, KindCaption, second.CaptionID, owner)

	require.NoError(t, fixture.db.Model(&Post{}).Where("id = ?", post.PostID).
		UpdateColumns(map[string]any{"like_count": 7, "caption_count": 9}).Error)
	require.NoError(t, fixture.db.Model(&Caption{}).Where("id = ?", second.CaptionID).
		UpdateColumn("like_count", 0).Error)

	report, err := fixture.service.Recount(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, report.PostsUpdated)
	require.EqualValues(t, 2, report.CaptionsUpdated)

	reloaded := fixture.reloadPost(t, post.PostID)
	require.EqualValues(t, 1, reloaded.LikeCount)
	require.EqualValues(t, 2, reloaded.CaptionCount)
	require.EqualValues(t, 1, fixture.reloadCaption(t, second.CaptionID).LikeCount)
}

func TestUnlikeAtZeroCountIsTolerated(t *testing.T) {
	fixture := newTestFixture(t)
	owner := fixture.addUser(t, "owner")
	fan := fixture.addUser(t, "fan")

	post := fixture.createPost(t, owner, "first")
	fixture.toggle(t, KindCaption, *post.CaptionID, fan)
	require.NoError(t, fixture.db.Model(&Caption{}).Where("id = ?", *post.CaptionID).
		UpdateColumn("like_count", 0).Error)

	outcome := fixture.toggle(t, KindCaption, *post.CaptionID, fan)
	require.False(t, outcome.Liked)
	require.EqualValues(t, 0, outcome.LikeCount)
	require.EqualValues(t, 0, fixture.edgeCount(t, KindCaption, *post.CaptionID))
}

func TestPruneKeepsNewestPosts(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()
	owner := fixture.addUser(t, "owner")
	fan := fixture.addUser(t, "fan")

	oldest := fixture.createPost(t, owner, "oldest")
	middle := fixture.createPost(t, owner, "middle")
	newest := fixture.createPost(t, owner, "newest")
	fixture.createCaption(t, oldest.PostID, fan, "reply")
	fixture.toggle(t, KindPost, middle.PostID, fan)

	_, err := fixture.service.Prune(ctx, -1)
	require.True(t, errors.Is(err, apperror.ErrInvalid))

	report, err := fixture.service.Prune(ctx, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{oldest.PostID, middle.PostID}, report.Removed)
	require.Equal(t, 1, report.Kept)

	require.EqualValues(t, 1, fixture.countRows(t, &Post{}, "1 = 1"))
	require.EqualValues(t, 1, fixture.countRows(t, &Caption{}, "1 = 1"))
	require.EqualValues(t, 0, fixture.countRows(t, &LikeEdge{}, "1 = 1"))
	for _, removed := range []PostCreated{oldest, middle} {
		exists, err := afero.Exists(fixture.fs, path.Join("images", removed.ImageRef))
		require.NoError(t, err)
		require.False(t, exists, "image %s should be removed", removed.ImageRef)
	}
	exists, err := afero.Exists(fixture.fs, path.Join("images", newest.ImageRef))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRepairTopCaptionsFixesBrokenPointers(t *testing.T) {
	fixture := newTestFixture(t)
	owner := fixture.addUser(t, "owner")

	missing := fixture.createPost(t, owner, "orphaned pointer")
	foreign := fixture.createPost(t, owner, "")
	healthy := fixture.createPost(t, owner, "healthy")

	require.NoError(t, fixture.db.Model(&Post{}).Where("id = ?", missing.PostID).
		UpdateColumn("top_caption_id", nil).Error)
	require.NoError(t, fixture.db.Model(&Post{}).Where("id = ?", foreign.PostID).
		UpdateColumn("top_caption_id", *healthy.CaptionID).Error)

	repaired, err := RepairTopCaptionsTx(fixture.db)
	require.NoError(t, err)
	require.Equal(t, 2, repaired)

	requireTop(t, fixture.reloadPost(t, missing.PostID), missing.CaptionID)
	requireTop(t, fixture.reloadPost(t, foreign.PostID), nil)
	requireTop(t, fixture.reloadPost(t, healthy.PostID), healthy.CaptionID)
}
