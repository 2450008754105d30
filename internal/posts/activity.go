package posts

// ActivityType names a committed change to a post.
type ActivityType string

const (
	ActivityCaptionCreated    ActivityType = "caption_created"
	ActivityCaptionDeleted    ActivityType = "caption_deleted"
	ActivityTopCaptionChanged ActivityType = "top_caption_changed"
	ActivityPostLiked         ActivityType = "post_liked"
	ActivityCaptionLiked      ActivityType = "caption_liked"
	ActivityCommentAdded      ActivityType = "comment_added"
	ActivityPostDeleted       ActivityType = "post_deleted"
)

// Activity describes one committed change, scoped to a post.
type Activity struct {
	Type             ActivityType `json:"type"`
	PostID           int64        `json:"postId"`
	CaptionID        int64        `json:"captionId,omitempty"`
	CommentID        int64        `json:"commentId,omitempty"`
	UserID           int64        `json:"userId,omitempty"`
	TopCaptionID     *int64       `json:"topCaptionId,omitempty"`
	Liked            *bool        `json:"liked,omitempty"`
	LikeCount        *int64       `json:"likeCount,omitempty"`
	OccurredAtMillis int64        `json:"occurredAt"`
}

// ActivityPublisher receives activity after commit. Publish must not block.
type ActivityPublisher interface {
	Publish(activity Activity)
}

func (s *Service) publish(activities ...Activity) {
	if s.activity == nil {
		return
	}
	now := s.clock().UTC().UnixMilli()
	for _, activity := range activities {
		if activity.OccurredAtMillis == 0 {
			activity.OccurredAtMillis = now
		}
		s.activity.Publish(activity)
	}
}
