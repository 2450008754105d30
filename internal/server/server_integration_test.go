package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/database"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/schema"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const pngHeader = "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"

type envelope[T any] struct {
	Data T `json:"data"`
}

type apiClient struct {
	testContext *testing.T
	baseURL     string
}

type caller struct {
	userID int64
	secret string
}

func newIntegrationServer(testContext *testing.T) *apiClient {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	store, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "caprank.db"), 5*time.Second, logger)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	testContext.Cleanup(func() { _ = store.Close() })
	if _, err := schema.Migrate(store, logger); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	blobs, err := blobstore.New(blobstore.Config{Fs: afero.NewMemMapFs(), Dir: "images", MaxBytes: 1 << 10, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build blob store: %v", err)
	}
	hasher, err := auth.NewPasswordHasher(bcrypt.MinCost)
	if err != nil {
		testContext.Fatalf("failed to build hasher: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-signing-secret"),
		Issuer:        "caprank-api",
		Audience:      "caprank-clients",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Store:  store,
		Hasher: hasher,
		Tokens: tokens,
		Purger: posts.NewPurger(blobs, logger),
		Logger: logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	collector := metrics.NewCollector()
	dispatcher := NewActivityDispatcher(collector)
	postsService, err := posts.NewService(posts.ServiceConfig{
		Store:    store,
		Verifier: usersService,
		Blobs:    blobs,
		Activity: dispatcher,
		Logger:   logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build posts service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Users:             usersService,
		Posts:             postsService,
		Blobs:             blobs,
		Activity:          dispatcher,
		Metrics:           collector,
		MaxUploadBytes:    1 << 10,
		HeartbeatInterval: time.Hour,
		Logger:            logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)
	return &apiClient{testContext: testContext, baseURL: server.URL}
}

func (c *apiClient) do(method, path string, who *caller, contentType string, body io.Reader) (int, []byte) {
	c.testContext.Helper()
	request, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		c.testContext.Fatalf("failed to build request: %v", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if who != nil {
		request.Header.Set(auth.UserIDHeader, strconv.FormatInt(who.userID, 10))
		request.Header.Set("Authorization", "Bearer "+who.secret)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		c.testContext.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		c.testContext.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, payload
}

func (c *apiClient) json(method, path string, who *caller, requestBody any, wantStatus int, target any) {
	c.testContext.Helper()
	var body io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			c.testContext.Fatalf("failed to encode body: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	status, payload := c.do(method, path, who, "application/json", body)
	if status != wantStatus {
		c.testContext.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, status, payload)
	}
	if target != nil {
		if err := json.Unmarshal(payload, target); err != nil {
			c.testContext.Fatalf("failed to decode %s: %v", payload, err)
		}
	}
}

func (c *apiClient) register(username, password string) caller {
	c.testContext.Helper()
	var created envelope[users.Profile]
	c.json(http.MethodPost, "/register", nil, map[string]string{"username": username, "password": password}, http.StatusCreated, &created)
	return caller{userID: created.Data.ID, secret: password}
}

func (c *apiClient) uploadPost(who caller, caption string) posts.PostCreated {
	c.testContext.Helper()
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	part, err := writer.CreateFormFile(imageFormField, "photo.png")
	if err != nil {
		c.testContext.Fatalf("failed to create form file: %v", err)
	}
	_, _ = part.Write([]byte(pngHeader))
	if err := writer.WriteField(captionFormField, caption); err != nil {
		c.testContext.Fatalf("failed to write caption field: %v", err)
	}
	_ = writer.Close()

	status, payload := c.do(http.MethodPost, "/posts", &who, writer.FormDataContentType(), &buffer)
	if status != http.StatusCreated {
		c.testContext.Fatalf("expected post upload to succeed, got %d: %s", status, payload)
	}
	var created envelope[posts.PostCreated]
	if err := json.Unmarshal(payload, &created); err != nil {
		c.testContext.Fatalf("failed to decode upload response: %v", err)
	}
	return created.Data
}

type sseEvent struct {
	name string
	data string
}

// openActivityStream subscribes to a post and waits for the ready event.
func (c *apiClient) openActivityStream(postID int64) (<-chan sseEvent, context.CancelFunc) {
	c.testContext.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/posts/"+strconv.FormatInt(postID, 10)+"/events", nil)
	if err != nil {
		cancel()
		c.testContext.Fatalf("failed to build stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		cancel()
		c.testContext.Fatalf("failed to open stream: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		cancel()
		c.testContext.Fatalf("expected stream status 200, got %d", response.StatusCode)
	}

	events := make(chan sseEvent, 32)
	go func() {
		defer response.Body.Close()
		defer close(events)
		reader := bufio.NewReader(response.Body)
		var current sseEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && current.name != "":
				events <- current
				current = sseEvent{}
			}
		}
	}()

	awaitEvent(c.testContext, events, activityEventReady)
	return events, cancel
}

func awaitEvent(testContext *testing.T, events <-chan sseEvent, name string) posts.Activity {
	testContext.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, open := <-events:
			if !open {
				testContext.Fatalf("stream closed before %s event", name)
			}
			if event.name != name {
				continue
			}
			var activity posts.Activity
			if name != activityEventReady {
				if err := json.Unmarshal([]byte(event.data), &activity); err != nil {
					testContext.Fatalf("failed to decode %s payload %q: %v", name, event.data, err)
				}
			}
			return activity
		case <-deadline:
			testContext.Fatalf("timed out waiting for %s event", name)
		}
	}
}

func TestCaptionLifecycleOverHTTP(testContext *testing.T) {
	client := newIntegrationServer(testContext)

	alice := client.register("alice", "alice-password")
	bob := client.register("bob", "bob-password")

	var session envelope[users.Session]
	client.json(http.MethodPost, "/login", nil, map[string]string{"username": "bob", "password": "bob-password"}, http.StatusOK, &session)
	if session.Data.Token == "" {
		testContext.Fatalf("expected a session token")
	}
	bobToken := caller{userID: bob.userID, secret: session.Data.Token}

	created := client.uploadPost(alice, "first")
	if created.CaptionID == nil || created.TopCaptionID == nil || *created.TopCaptionID != *created.CaptionID {
		testContext.Fatalf("expected the upload caption to become top, got %+v", created)
	}
	postPath := "/posts/" + strconv.FormatInt(created.PostID, 10)

	events, closeStream := client.openActivityStream(created.PostID)
	defer closeStream()

	var caption envelope[posts.CaptionCreated]
	client.json(http.MethodPost, "/captions", &bobToken, map[string]any{"postId": created.PostID, "text": "better"}, http.StatusCreated, &caption)
	if caption.Data.BecameTop {
		testContext.Fatalf("second caption must not become top")
	}
	if activity := awaitEvent(testContext, events, string(posts.ActivityCaptionCreated)); activity.CaptionID != caption.Data.CaptionID {
		testContext.Fatalf("expected caption_created for %d, got %+v", caption.Data.CaptionID, activity)
	}

	likePath := "/captions/" + strconv.FormatInt(caption.Data.CaptionID, 10) + "/like"
	var outcome envelope[posts.LikeOutcome]
	client.json(http.MethodPost, likePath, &alice, nil, http.StatusOK, &outcome)
	if !outcome.Data.Liked || outcome.Data.LikeCount != 1 {
		testContext.Fatalf("expected liked with count 1, got %+v", outcome.Data)
	}
	if activity := awaitEvent(testContext, events, string(posts.ActivityCaptionLiked)); activity.LikeCount == nil || *activity.LikeCount != 1 {
		testContext.Fatalf("expected caption_liked with count 1, got %+v", activity)
	}

	var post envelope[posts.PostView]
	client.json(http.MethodGet, postPath, nil, nil, http.StatusOK, &post)
	if post.Data.TopCaptionID == nil || *post.Data.TopCaptionID != *created.CaptionID {
		testContext.Fatalf("likes must not promote a caption, got top %v", post.Data.TopCaptionID)
	}
	if post.Data.CaptionCount != 2 || post.Data.Username != "alice" {
		testContext.Fatalf("unexpected post view %+v", post.Data)
	}

	var ranked envelope[[]posts.CaptionView]
	client.json(http.MethodGet, postPath+"/captions", nil, nil, http.StatusOK, &ranked)
	if len(ranked.Data) != 2 || ranked.Data[0].ID != caption.Data.CaptionID || ranked.Data[0].Username != "bob" {
		testContext.Fatalf("expected liked caption ranked first, got %+v", ranked.Data)
	}

	status, _ := client.do(http.MethodDelete, "/captions/"+strconv.FormatInt(*created.CaptionID, 10), &bob, "", nil)
	if status != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 deleting another author's caption, got %d", status)
	}

	var deleted envelope[posts.CaptionDeleted]
	client.json(http.MethodDelete, "/captions/"+strconv.FormatInt(*created.CaptionID, 10), &alice, nil, http.StatusOK, &deleted)
	if !deleted.Data.WasTop || deleted.Data.TopCaptionID == nil || *deleted.Data.TopCaptionID != caption.Data.CaptionID {
		testContext.Fatalf("expected incumbent replacement by liked caption, got %+v", deleted.Data)
	}
	awaitEvent(testContext, events, string(posts.ActivityTopCaptionChanged))

	var comment envelope[posts.CommentCreated]
	client.json(http.MethodPost, "/captions/"+strconv.FormatInt(caption.Data.CaptionID, 10)+"/comments", &alice, map[string]string{"text": "ha"}, http.StatusCreated, &comment)
	var comments envelope[[]posts.CommentView]
	client.json(http.MethodGet, "/captions/"+strconv.FormatInt(caption.Data.CaptionID, 10)+"/comments", nil, nil, http.StatusOK, &comments)
	if len(comments.Data) != 1 || comments.Data[0].Username != "alice" {
		testContext.Fatalf("unexpected comments %+v", comments.Data)
	}

	status, image := client.do(http.MethodGet, "/images/"+created.ImageRef, nil, "", nil)
	if status != http.StatusOK || string(image) != pngHeader {
		testContext.Fatalf("expected stored image, got %d", status)
	}

	status, _ = client.do(http.MethodDelete, postPath, &bob, "", nil)
	if status != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 deleting another user's post, got %d", status)
	}
	client.json(http.MethodDelete, postPath, &alice, nil, http.StatusOK, nil)
	awaitEvent(testContext, events, string(posts.ActivityPostDeleted))

	status, _ = client.do(http.MethodGet, postPath, nil, "", nil)
	if status != http.StatusNotFound {
		testContext.Fatalf("expected deleted post to be gone, got %d", status)
	}
	status, _ = client.do(http.MethodGet, "/images/"+created.ImageRef, nil, "", nil)
	if status != http.StatusNotFound {
		testContext.Fatalf("expected deleted image to be gone, got %d", status)
	}

	status, scrape := client.do(http.MethodGet, "/metrics", nil, "", nil)
	if status != http.StatusOK || !strings.Contains(string(scrape), `caprank_like_toggles_total{kind="caption",state="liked"} 1`) {
		testContext.Fatalf("expected like toggle metric in scrape")
	}
}

func TestAccountDeletionPurgesContentOverHTTP(testContext *testing.T) {
	client := newIntegrationServer(testContext)

	alice := client.register("alice", "alice-password")
	bob := client.register("bob", "bob-password")
	created := client.uploadPost(alice, "mine")

	var caption envelope[posts.CaptionCreated]
	client.json(http.MethodPost, "/captions", &bob, map[string]any{"postId": created.PostID, "text": "reply"}, http.StatusCreated, &caption)

	status, _ := client.do(http.MethodDelete, "/users/"+strconv.FormatInt(alice.userID, 10), &caller{userID: alice.userID, secret: "wrong"}, "", nil)
	if status != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 with a wrong password, got %d", status)
	}
	client.json(http.MethodDelete, "/users/"+strconv.FormatInt(alice.userID, 10), &alice, nil, http.StatusOK, nil)

	status, _ = client.do(http.MethodGet, "/users/"+strconv.FormatInt(alice.userID, 10), nil, "", nil)
	if status != http.StatusNotFound {
		testContext.Fatalf("expected deleted account to be gone, got %d", status)
	}
	var remaining envelope[[]posts.PostView]
	client.json(http.MethodGet, "/posts", nil, nil, http.StatusOK, &remaining)
	if len(remaining.Data) != 0 {
		testContext.Fatalf("expected the account's posts to be purged, got %+v", remaining.Data)
	}
	status, _ = client.do(http.MethodGet, "/captions/"+strconv.FormatInt(caption.Data.CaptionID, 10), nil, "", nil)
	if status != http.StatusNotFound {
		testContext.Fatalf("expected captions on purged posts to be gone, got %d", status)
	}
	status, _ = client.do(http.MethodGet, "/images/"+created.ImageRef, nil, "", nil)
	if status != http.StatusNotFound {
		testContext.Fatalf("expected purged image to be gone, got %d", status)
	}
}

func TestRequestIDIsEchoed(testContext *testing.T) {
	client := newIntegrationServer(testContext)

	request, err := http.NewRequest(http.MethodGet, client.baseURL+"/", nil)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set(requestIDHeader, "trace-123")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("health request failed: %v", err)
	}
	defer response.Body.Close()
	if response.Header.Get(requestIDHeader) != "trace-123" {
		testContext.Fatalf("expected request id to be echoed, got %q", response.Header.Get(requestIDHeader))
	}

	response, err = http.Get(client.baseURL + "/")
	if err != nil {
		testContext.Fatalf("health request failed: %v", err)
	}
	defer response.Body.Close()
	if response.Header.Get(requestIDHeader) == "" {
		testContext.Fatalf("expected a generated request id")
	}
}
