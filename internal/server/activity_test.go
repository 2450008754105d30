package server

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
)

func TestActivityDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewActivityDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 7)
	defer cleanup()

	dispatcher.Publish(posts.Activity{Type: posts.ActivityCaptionCreated, PostID: 7, CaptionID: 11})

	select {
	case received := <-stream:
		if received.Type != posts.ActivityCaptionCreated {
			t.Fatalf("expected activity %s, got %s", posts.ActivityCaptionCreated, received.Type)
		}
		if received.CaptionID != 11 {
			t.Fatalf("expected caption 11, got %d", received.CaptionID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected activity within deadline")
	}
}

func TestActivityDispatcherIsolatedByPost(t *testing.T) {
	dispatcher := NewActivityDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	postStream, cleanup := dispatcher.Subscribe(ctx, 1)
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, 2)
	defer otherCleanup()

	dispatcher.Publish(posts.Activity{Type: posts.ActivityPostLiked, PostID: 2})

	select {
	case <-postStream:
		t.Fatal("did not expect activity for unrelated post")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case activity := <-otherStream:
		if activity.PostID != 2 {
			t.Fatalf("expected post 2, received %d", activity.PostID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected activity for subscribed post")
	}
}

func TestActivityDispatcherDropsWhenBufferIsFull(t *testing.T) {
	collector := metrics.NewCollector()
	dispatcher := NewActivityDispatcher(collector)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 3)
	defer cleanup()

	published := activityBufferSize + 4
	done := make(chan struct{})
	go func() {
		for index := 0; index < published; index++ {
			dispatcher.Publish(posts.Activity{Type: posts.ActivityPostLiked, PostID: 3})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if len(stream) != activityBufferSize {
		t.Fatalf("expected a full buffer of %d, got %d", activityBufferSize, len(stream))
	}

	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)
	if !strings.Contains(string(body), "caprank_activity_dropped_total 4") {
		t.Fatalf("expected four dropped activities to be counted")
	}
}

func TestActivityDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewActivityDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, 5)
	defer cleanup()
	if dispatcher.SubscriberCount(5) != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount(5) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscription to end with its context")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestActivityDispatcherRejectsInvalidPost(t *testing.T) {
	dispatcher := NewActivityDispatcher(nil)
	stream, cleanup := dispatcher.Subscribe(context.Background(), 0)
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatalf("expected closed stream for invalid post id")
	}
}
