package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/posts"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	activityEventReady     = "ready"
	activityEventHeartbeat = "heartbeat"
	activitySourceBackend  = "caprank-backend"
	activityBufferSize     = 16
)

// ActivityDispatcher fans committed post activity out to stream subscribers.
// Delivery is lossy: a subscriber with a full buffer misses the event.
type ActivityDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*activitySubscriber
	nextID      int64
	bufferSize  int
	metrics     *metrics.Collector
}

type activitySubscriber struct {
	id     int64
	stream chan posts.Activity
}

// NewActivityDispatcher builds a dispatcher. collector may be nil.
func NewActivityDispatcher(collector *metrics.Collector) *ActivityDispatcher {
	return &ActivityDispatcher{
		subscribers: make(map[int64]map[int64]*activitySubscriber),
		bufferSize:  activityBufferSize,
		metrics:     collector,
	}
}

// Subscribe registers a stream for one post. The subscription ends when ctx is done or cleanup runs.
func (d *ActivityDispatcher) Subscribe(ctx context.Context, postID int64) (<-chan posts.Activity, func()) {
	if postID <= 0 {
		ch := make(chan posts.Activity)
		close(ch)
		return ch, func() {}
	}
	subscriber := &activitySubscriber{
		id:     d.nextSequence(),
		stream: make(chan posts.Activity, d.bufferSize),
	}
	d.registerSubscriber(postID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(postID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements posts.ActivityPublisher.
func (d *ActivityDispatcher) Publish(activity posts.Activity) {
	if activity.PostID <= 0 || activity.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[activity.PostID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*activitySubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- activity:
		default:
			d.metrics.ObserveActivityDropped()
		}
	}
}

// SubscriberCount reports the live subscriptions for a post.
func (d *ActivityDispatcher) SubscriberCount(postID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[postID])
}

func (d *ActivityDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ActivityDispatcher) registerSubscriber(postID int64, subscriber *activitySubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[postID]; !ok {
		d.subscribers[postID] = make(map[int64]*activitySubscriber)
	}
	d.subscribers[postID][subscriber.id] = subscriber
}

func (d *ActivityDispatcher) unregisterSubscriber(postID, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[postID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, postID)
		}
	}
	d.mu.Unlock()
}

func (h *httpHandler) handleActivityStream(c *gin.Context) {
	postID, ok := h.pathID(c, "postId")
	if !ok {
		return
	}
	if h.activity == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Code: "activity.disabled", Message: "activity stream is not enabled"})
		return
	}
	if _, err := h.posts.GetPost(c.Request.Context(), postID); err != nil {
		h.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.activity.Subscribe(ctx, postID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(activityEventReady, gin.H{"postId": postID, "source": activitySourceBackend})
	c.Writer.Flush()

	heartbeat := h.heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SSEvent(activityEventHeartbeat, gin.H{"source": activitySourceBackend, "ts": time.Now().UTC().UnixMilli()})
			c.Writer.Flush()
		case activity, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(string(activity.Type), activity)
			c.Writer.Flush()
			if activity.Type == posts.ActivityPostDeleted {
				h.logger.Debug("activity stream closed for deleted post", zap.Int64("post_id", postID))
				return
			}
		}
	}
}
