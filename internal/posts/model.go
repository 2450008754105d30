package posts

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/users"
)

// LikeKind names the kind of entity a like edge points at.
type LikeKind string

const (
	KindPost    LikeKind = "post"
	KindCaption LikeKind = "caption"
)

// ErrUnknownLikeKind indicates a like target kind other than post or caption.
var ErrUnknownLikeKind = errors.New("posts: unknown like kind")

// ParseLikeKind validates raw input and returns a LikeKind.
func ParseLikeKind(raw string) (LikeKind, error) {
	switch kind := LikeKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindPost, KindCaption:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLikeKind, raw)
	}
}

// Post is an uploaded image. TopCaptionID is a weak reference maintained by the resolver.
type Post struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          int64      `gorm:"column:user_id;not null;index:idx_posts_user_created,priority:1"`
	ImageRef        string     `gorm:"column:image_ref;size:255;not null;uniqueIndex"`
	LikeCount       int64      `gorm:"column:like_count;not null;default:0"`
	CaptionCount    int64      `gorm:"column:caption_count;not null;default:0"`
	TopCaptionID    *int64     `gorm:"column:top_caption_id"`
	CreatedAtMillis int64      `gorm:"column:created_at_ms;not null;index:idx_posts_user_created,priority:2"`
	Author          users.User `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName exposes the table backing posts.
func (Post) TableName() string {
	return "posts"
}

// Caption is text attached to a post by any user.
type Caption struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	PostID          int64      `gorm:"column:post_id;not null;index:idx_captions_ranking,priority:1"`
	UserID          int64      `gorm:"column:user_id;not null;index"`
	Text            string     `gorm:"column:text;size:500;not null"`
	LikeCount       int64      `gorm:"column:like_count;not null;default:0;index:idx_captions_ranking,priority:2"`
	CreatedAtMillis int64      `gorm:"column:created_at_ms;not null;index:idx_captions_ranking,priority:3"`
	Post            Post       `gorm:"foreignKey:PostID;references:ID;constraint:OnDelete:CASCADE"`
	Author          users.User `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName exposes the table backing captions.
func (Caption) TableName() string {
	return "captions"
}

// Comment is text attached to a caption.
type Comment struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	CaptionID       int64      `gorm:"column:caption_id;not null;index:idx_comments_caption_created,priority:1"`
	UserID          int64      `gorm:"column:user_id;not null;index"`
	Text            string     `gorm:"column:text;size:500;not null"`
	CreatedAtMillis int64      `gorm:"column:created_at_ms;not null;index:idx_comments_caption_created,priority:2"`
	Caption         Caption    `gorm:"foreignKey:CaptionID;references:ID;constraint:OnDelete:CASCADE"`
	Author          users.User `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName exposes the table backing comments.
func (Comment) TableName() string {
	return "comments"
}

// LikeEdge records that a user likes a post or caption. The composite primary key is the
// uniqueness constraint the toggle relies on.
type LikeEdge struct {
	Kind            LikeKind   `gorm:"column:kind;primaryKey;size:16;index:idx_like_edges_target,priority:1"`
	UserID          int64      `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	TargetID        int64      `gorm:"column:target_id;primaryKey;autoIncrement:false;index:idx_like_edges_target,priority:2"`
	CreatedAtMillis int64      `gorm:"column:created_at_ms;not null"`
	User            users.User `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName exposes the table backing the like ledger.
func (LikeEdge) TableName() string {
	return "like_edges"
}

// Models lists the tables owned by this package in dependency order.
func Models() []any {
	return []any{&Post{}, &Caption{}, &Comment{}, &LikeEdge{}}
}

// PostView is the read model of a post.
type PostView struct {
	ID              int64  `json:"id" gorm:"column:id"`
	UserID          int64  `json:"userId" gorm:"column:user_id"`
	Username        string `json:"username" gorm:"column:username"`
	ImageRef        string `json:"imageRef" gorm:"column:image_ref"`
	LikeCount       int64  `json:"likeCount" gorm:"column:like_count"`
	CaptionCount    int64  `json:"captionCount" gorm:"column:caption_count"`
	TopCaptionID    *int64 `json:"topCaptionId" gorm:"column:top_caption_id"`
	CreatedAtMillis int64  `json:"createdAt" gorm:"column:created_at_ms"`
}

// CaptionView is the read model of a caption joined with its author.
type CaptionView struct {
	ID              int64  `json:"id" gorm:"column:id"`
	PostID          int64  `json:"postId" gorm:"column:post_id"`
	UserID          int64  `json:"userId" gorm:"column:user_id"`
	Username        string `json:"username" gorm:"column:username"`
	Text            string `json:"text" gorm:"column:text"`
	LikeCount       int64  `json:"likeCount" gorm:"column:like_count"`
	CreatedAtMillis int64  `json:"createdAt" gorm:"column:created_at_ms"`
}

// CommentView is the read model of a comment joined with its author.
type CommentView struct {
	ID              int64  `json:"id" gorm:"column:id"`
	CaptionID       int64  `json:"captionId" gorm:"column:caption_id"`
	UserID          int64  `json:"userId" gorm:"column:user_id"`
	Username        string `json:"username" gorm:"column:username"`
	Text            string `json:"text" gorm:"column:text"`
	CreatedAtMillis int64  `json:"createdAt" gorm:"column:created_at_ms"`
}

// CreatePostInput describes an upload. CaptionText, when not blank, becomes the first caption.
type CreatePostInput struct {
	UserID      int64     `json:"userId" validate:"gt=0"`
	Secret      string    `json:"-"`
	Image       io.Reader `json:"-"`
	ImageExt    string    `json:"imageExt" validate:"required,max=8"`
	CaptionText string    `json:"caption" validate:"max=500"`
}

// PostCreated reports the outcome of CreatePost.
type PostCreated struct {
	PostID       int64  `json:"postId"`
	ImageRef     string `json:"imageRef"`
	CaptionID    *int64 `json:"captionId"`
	TopCaptionID *int64 `json:"topCaptionId"`
}

// CreateCaptionInput describes a new caption.
type CreateCaptionInput struct {
	PostID int64  `json:"postId" validate:"gt=0"`
	UserID int64  `json:"userId" validate:"gt=0"`
	Secret string `json:"-"`
	Text   string `json:"text" validate:"required,max=500"`
}

// CaptionCreated reports the outcome of CreateCaption.
type CaptionCreated struct {
	CaptionID int64 `json:"captionId"`
	PostID    int64 `json:"postId"`
	BecameTop bool  `json:"becameTop"`
}

// AddCommentInput describes a new comment.
type AddCommentInput struct {
	CaptionID int64  `json:"captionId" validate:"gt=0"`
	UserID    int64  `json:"userId" validate:"gt=0"`
	Secret    string `json:"-"`
	Text      string `json:"text" validate:"required,max=500"`
}

// CommentCreated reports the outcome of AddComment.
type CommentCreated struct {
	CommentID int64 `json:"commentId"`
	CaptionID int64 `json:"captionId"`
	PostID    int64 `json:"postId"`
}

// LikeOutcome reports the state of a like edge after a toggle.
type LikeOutcome struct {
	Kind      LikeKind `json:"kind"`
	TargetID  int64    `json:"targetId"`
	PostID    int64    `json:"postId"`
	Liked     bool     `json:"liked"`
	LikeCount int64    `json:"likeCount"`
}

// TopCaptionChange reports an explicit re-resolution of one post.
type TopCaptionChange struct {
	PostID   int64  `json:"postId"`
	Previous *int64 `json:"previous"`
	Current  *int64 `json:"current"`
}

// Changed reports whether the pointer moved.
func (c TopCaptionChange) Changed() bool {
	return !sameCaption(c.Previous, c.Current)
}

func sameCaption(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
