package posts

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/database"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/users"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticVerifier struct {
	secrets map[int64]string
}

func (v staticVerifier) Verify(_ context.Context, userID int64, secret string) error {
	if expected, ok := v.secrets[userID]; ok && expected == secret {
		return nil
	}
	return apperror.New("users.verify", "secret_mismatch", apperror.ErrUnauthorized, "credentials rejected", nil)
}

type recordingPublisher struct {
	mu         sync.Mutex
	activities []Activity
}

func (p *recordingPublisher) Publish(activity Activity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activities = append(p.activities, activity)
}

func (p *recordingPublisher) ofType(activityType ActivityType) []Activity {
	p.mu.Lock()
	defer p.mu.Unlock()
	matching := make([]Activity, 0)
	for _, activity := range p.activities {
		if activity.Type == activityType {
			matching = append(matching, activity)
		}
	}
	return matching
}

type testFixture struct {
	service   *Service
	store     *database.Store
	db        *gorm.DB
	fs        afero.Fs
	blobs     *blobstore.Store
	publisher *recordingPublisher
	secrets   map[int64]string
}

// newTestFixture opens an isolated SQLite database whose clock advances one millisecond per read,
// so creation order is also timestamp order.
func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	store, err := database.OpenSQLite(filepath.Join(t.TempDir(), "posts.db"), 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	models := append([]any{&users.User{}}, Models()...)
	require.NoError(t, store.DB().AutoMigrate(models...))

	fs := afero.NewMemMapFs()
	blobs, err := blobstore.New(blobstore.Config{Fs: fs, Dir: "images", MaxBytes: 1 << 10})
	require.NoError(t, err)

	var tick int64 = 1_700_000_000_000
	secrets := map[int64]string{}
	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Store:    store,
		Verifier: staticVerifier{secrets: secrets},
		Blobs:    blobs,
		Activity: publisher,
		Clock:    func() time.Time { return time.UnixMilli(atomic.AddInt64(&tick, 1)) },
	})
	require.NoError(t, err)

	return &testFixture{
		service:   service,
		store:     store,
		db:        store.DB(),
		fs:        fs,
		blobs:     blobs,
		publisher: publisher,
		secrets:   secrets,
	}
}

func (f *testFixture) addUser(t *testing.T, username string) int64 {
	t.Helper()
	user := users.User{Username: username, SecretHash: "unused", CreatedAtMillis: 1}
	require.NoError(t, f.db.Create(&user).Error)
	f.secrets[user.ID] = "secret-" + username
	return user.ID
}

func (f *testFixture) secret(userID int64) string {
	return f.secrets[userID]
}

func (f *testFixture) createPost(t *testing.T, ownerID int64, caption string) PostCreated {
	t.Helper()
	created, err := f.service.CreatePost(context.Background(), CreatePostInput{
		UserID:      ownerID,
		Secret:      f.secret(ownerID),
		Image:       bytesReader("png-bytes"),
		ImageExt:    ".png",
		CaptionText: caption,
	})
	require.NoError(t, err)
	return created
}

func (f *testFixture) createCaption(t *testing.T, postID, authorID int64, text string) CaptionCreated {
	t.Helper()
	created, err := f.service.CreateCaption(context.Background(), CreateCaptionInput{
		PostID: postID,
		UserID: authorID,
		Secret: f.secret(authorID),
		Text:   text,
	})
	require.NoError(t, err)
	return created
}

func (f *testFixture) toggle(t *testing.T, kind LikeKind, targetID, userID int64) LikeOutcome {
	t.Helper()
	outcome, err := f.service.ToggleLike(context.Background(), kind, targetID, userID, f.secret(userID))
	require.NoError(t, err)
	return outcome
}

func (f *testFixture) reloadPost(t *testing.T, postID int64) Post {
	t.Helper()
	var post Post
	require.NoError(t, f.db.Take(&post, postID).Error)
	return post
}

func (f *testFixture) reloadCaption(t *testing.T, captionID int64) Caption {
	t.Helper()
	var caption Caption
	require.NoError(t, f.db.Take(&caption, captionID).Error)
	return caption
}

func (f *testFixture) countRows(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(model).Where(query, args...).Count(&count).Error)
	return count
}

func (f *testFixture) edgeCount(t *testing.T, kind LikeKind, targetID int64) int64 {
	t.Helper()
	return f.countRows(t, &LikeEdge{}, "kind = ? AND target_id = ?", kind, targetID)
}

func requireTop(t *testing.T, post Post, want *int64) {
	t.Helper()
	if want == nil {
		require.Nil(t, post.TopCaptionID, "expected no top caption")
		return
	}
	require.NotNil(t, post.TopCaptionID, "expected top caption %d", *want)
	require.Equal(t, *want, *post.TopCaptionID, fmt.Sprintf("post %d top caption", post.ID))
}

func bytesReader(content string) io.Reader {
	return strings.NewReader(content)
}
