package posts

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	postViewColumns    = "posts.id, posts.user_id, users.username, posts.image_ref, posts.like_count, posts.caption_count, posts.top_caption_id, posts.created_at_ms"
	captionViewColumns = "captions.id, captions.post_id, captions.user_id, users.username, captions.text, captions.like_count, captions.created_at_ms"
	commentViewColumns = "comments.id, comments.caption_id, comments.user_id, users.username, comments.text, comments.created_at_ms"
)

const captionViewRankOrder = "captions.like_count DESC, captions.created_at_ms ASC, captions.id ASC"

func postViews(db *gorm.DB) *gorm.DB {
	return db.Table("posts").Select(postViewColumns).Joins("JOIN users ON users.id = posts.user_id")
}

func captionViews(db *gorm.DB) *gorm.DB {
	return db.Table("captions").Select(captionViewColumns).Joins("JOIN users ON users.id = captions.user_id")
}

func commentViews(db *gorm.DB) *gorm.DB {
	return db.Table("comments").Select(commentViewColumns).Joins("JOIN users ON users.id = comments.user_id")
}

// GetPost returns one post.
func (s *Service) GetPost(ctx context.Context, postID int64) (PostView, error) {
	if err := s.ready(opGetPost); err != nil {
		return PostView{}, err
	}
	var view PostView
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		return postViews(db).Where("posts.id = ?", postID).Take(&view).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PostView{}, notFound(opGetPost, "post_not_found", "post does not exist")
	}
	if err != nil {
		return PostView{}, s.settle(opGetPost, "select_failed", err, zap.Int64("post_id", postID))
	}
	return view, nil
}

// ListPosts returns posts newest first, optionally only those owned by ownerID.
func (s *Service) ListPosts(ctx context.Context, ownerID int64) ([]PostView, error) {
	if err := s.ready(opListPosts); err != nil {
		return nil, err
	}
	views := []PostView{}
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		query := postViews(db)
		if ownerID > 0 {
			query = query.Where("posts.user_id = ?", ownerID)
		}
		return query.Order("posts.created_at_ms DESC, posts.id DESC").Scan(&views).Error
	})
	if err != nil {
		return nil, s.settle(opListPosts, "select_failed", err, zap.Int64("owner_id", ownerID))
	}
	return views, nil
}

// ListPostCaptions returns a post's captions in ranking order with author usernames.
func (s *Service) ListPostCaptions(ctx context.Context, postID int64) ([]CaptionView, error) {
	if err := s.ready(opListPostCaptions); err != nil {
		return nil, err
	}
	views := []CaptionView{}
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		var post Post
		if err := db.Select("id").Where("id = ?", postID).Take(&post).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(opListPostCaptions, "post_not_found", "post does not exist")
			}
			return err
		}
		return captionViews(db).Where("captions.post_id = ?", postID).Order(captionViewRankOrder).Scan(&views).Error
	})
	if err != nil {
		return nil, s.settle(opListPostCaptions, "select_failed", err, zap.Int64("post_id", postID))
	}
	return views, nil
}

// GetCaption returns one caption.
func (s *Service) GetCaption(ctx context.Context, captionID int64) (CaptionView, error) {
	if err := s.ready(opGetCaption); err != nil {
		return CaptionView{}, err
	}
	var view CaptionView
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		return captionViews(db).Where("captions.id = ?", captionID).Take(&view).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CaptionView{}, notFound(opGetCaption, "caption_not_found", "caption does not exist")
	}
	if err != nil {
		return CaptionView{}, s.settle(opGetCaption, "select_failed", err, zap.Int64("caption_id", captionID))
	}
	return view, nil
}

// ListCaptions returns every caption newest first.
func (s *Service) ListCaptions(ctx context.Context) ([]CaptionView, error) {
	if err := s.ready(opListCaptions); err != nil {
		return nil, err
	}
	views := []CaptionView{}
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		return captionViews(db).Order("captions.created_at_ms DESC, captions.id DESC").Scan(&views).Error
	})
	if err != nil {
		return nil, s.settle(opListCaptions, "select_failed", err)
	}
	return views, nil
}

// ListCaptionComments returns a caption's comments oldest first with author usernames.
func (s *Service) ListCaptionComments(ctx context.Context, captionID int64) ([]CommentView, error) {
	if err := s.ready(opListComments); err != nil {
		return nil, err
	}
	views := []CommentView{}
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		var caption Caption
		if err := db.Select("id").Where("id = ?", captionID).Take(&caption).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound(opListComments, "caption_not_found", "caption does not exist")
			}
			return err
		}
		return commentViews(db).Where("comments.caption_id = ?", captionID).
			Order("comments.created_at_ms ASC, comments.id ASC").Scan(&views).Error
	})
	if err != nil {
		return nil, s.settle(opListComments, "select_failed", err, zap.Int64("caption_id", captionID))
	}
	return views, nil
}
