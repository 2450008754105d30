package posts

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/blobstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const opPurgeAuthorContent = "posts.purge_author_content"

// CaptionDeleted reports the outcome of DeleteCaption.
type CaptionDeleted struct {
	CaptionID    int64  `json:"captionId"`
	PostID       int64  `json:"postId"`
	WasTop       bool   `json:"wasTop"`
	TopCaptionID *int64 `json:"topCaptionId"`
}

// DeleteCaption removes a caption with its likes and comments. Only the author may delete it.
// When the caption was the post's top caption the pointer moves to the best remaining caption.
func (s *Service) DeleteCaption(ctx context.Context, captionID, userID int64, secret string) (CaptionDeleted, error) {
	if err := s.ready(opDeleteCaption); err != nil {
		return CaptionDeleted{}, err
	}
	if captionID <= 0 {
		return CaptionDeleted{}, s.fail(opDeleteCaption, "invalid_caption", apperror.ErrInvalid, "caption id must be positive", nil)
	}
	if err := s.gate(ctx, opDeleteCaption, userID, secret); err != nil {
		return CaptionDeleted{}, err
	}

	var removed CaptionDeleted
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var caption Caption
		err := tx.Select("id", "post_id", "user_id").Where("id = ?", captionID).Take(&caption).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(opDeleteCaption, "caption_not_found", "caption does not exist")
		}
		if err != nil {
			return err
		}
		if caption.UserID != userID {
			return apperror.New(opDeleteCaption, "not_author", apperror.ErrUnauthorized,
				"only the author may delete a caption", nil)
		}

		// Posts are always locked before their captions.
		post, err := lockPost(tx, opDeleteCaption, caption.PostID)
		if err != nil {
			return err
		}
		locked, err := lockCaption(tx, opDeleteCaption, captionID)
		if err != nil {
			return err
		}
		removed, err = removeCaptionTx(tx, post, locked)
		return err
	})
	if err != nil {
		return CaptionDeleted{}, s.settle(opDeleteCaption, "transaction_failed", err,
			zap.Int64("caption_id", captionID), zap.Int64("user_id", userID))
	}

	activities := []Activity{{Type: ActivityCaptionDeleted, PostID: removed.PostID, CaptionID: captionID, UserID: userID}}
	if removed.WasTop {
		activities = append(activities, Activity{
			Type:         ActivityTopCaptionChanged,
			PostID:       removed.PostID,
			TopCaptionID: removed.TopCaptionID,
		})
	}
	s.publish(activities...)
	return removed, nil
}

// DeletePost removes a post with all of its captions, comments and likes, then its image.
// Only the owner may delete it.
func (s *Service) DeletePost(ctx context.Context, postID, userID int64, secret string) error {
	if err := s.ready(opDeletePost); err != nil {
		return err
	}
	if postID <= 0 {
		return s.fail(opDeletePost, "invalid_post", apperror.ErrInvalid, "post id must be positive", nil)
	}
	if err := s.gate(ctx, opDeletePost, userID, secret); err != nil {
		return err
	}

	var imageRef string
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		post, err := lockPost(tx, opDeletePost, postID)
		if err != nil {
			return err
		}
		if post.UserID != userID {
			return apperror.New(opDeletePost, "not_owner", apperror.ErrUnauthorized,
				"only the owner may delete a post", nil)
		}
		imageRef = post.ImageRef
		return removePostTx(tx, post)
	})
	if err != nil {
		return s.settle(opDeletePost, "transaction_failed", err, zap.Int64("post_id", postID), zap.Int64("user_id", userID))
	}

	s.Purger().ReleaseImages(ctx, []string{imageRef})
	s.publish(Activity{Type: ActivityPostDeleted, PostID: postID, UserID: userID})
	return nil
}

// PurgePost removes a post like DeletePost without a credential or ownership check.
// It backs maintenance commands only.
func (s *Service) PurgePost(ctx context.Context, postID int64) error {
	if err := s.ready(opPurgePost); err != nil {
		return err
	}

	var imageRef string
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		post, err := lockPost(tx, opPurgePost, postID)
		if err != nil {
			return err
		}
		imageRef = post.ImageRef
		return removePostTx(tx, post)
	})
	if err != nil {
		return s.settle(opPurgePost, "transaction_failed", err, zap.Int64("post_id", postID))
	}

	s.Purger().ReleaseImages(ctx, []string{imageRef})
	s.publish(Activity{Type: ActivityPostDeleted, PostID: postID})
	return nil
}

// removeCaptionTx deletes a locked caption and its dependents. post must be locked by the caller.
func removeCaptionTx(tx *gorm.DB, post Post, caption Caption) (CaptionDeleted, error) {
	removed := CaptionDeleted{
		CaptionID:    caption.ID,
		PostID:       post.ID,
		WasTop:       post.TopCaptionID != nil && *post.TopCaptionID == caption.ID,
		TopCaptionID: post.TopCaptionID,
	}

	if err := deleteLikeEdges(tx, KindCaption, []int64{caption.ID}); err != nil {
		return CaptionDeleted{}, err
	}
	if err := tx.Where("caption_id = ?", caption.ID).Delete(&Comment{}).Error; err != nil {
		return CaptionDeleted{}, err
	}
	if err := tx.Where("id = ?", caption.ID).Delete(&Caption{}).Error; err != nil {
		return CaptionDeleted{}, err
	}
	if err := decrementCaptionCount(tx, post.ID); err != nil {
		return CaptionDeleted{}, err
	}

	if removed.WasTop {
		next, err := resolveTopCaption(tx, post.ID)
		if err != nil {
			return CaptionDeleted{}, err
		}
		if err := setTopCaption(tx, post.ID, next); err != nil {
			return CaptionDeleted{}, err
		}
		removed.TopCaptionID = next
	}
	return removed, nil
}

// removePostTx deletes a locked post and everything hanging off it. Its captions are locked
// after the post and before their edges are deleted: a caption toggle holds the caption lock
// until its edge commits, so no edge can land on a caption after the sweep.
func removePostTx(tx *gorm.DB, post Post) error {
	var captionIDs []int64
	err := tx.Model(&Caption{}).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("post_id = ?", post.ID).Order("id ASC").Pluck("id", &captionIDs).Error
	if err != nil {
		return err
	}

	if len(captionIDs) > 0 {
		if err := deleteLikeEdges(tx, KindCaption, captionIDs); err != nil {
			return err
		}
		if err := tx.Where("caption_id IN ?", captionIDs).Delete(&Comment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", captionIDs).Delete(&Caption{}).Error; err != nil {
			return err
		}
	}
	if err := deleteLikeEdges(tx, KindPost, []int64{post.ID}); err != nil {
		return err
	}
	result := tx.Where("id = ?", post.ID).Delete(&Post{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return notFound(opDeletePost, "post_not_found", "post does not exist")
	}
	return nil
}

// Purger removes everything an account authored and releases the images of its posts.
type Purger struct {
	blobs  *blobstore.Store
	logger *zap.Logger
}

// NewPurger constructs a Purger. blobs may be nil, in which case images are not released.
func NewPurger(blobs *blobstore.Store, logger *zap.Logger) *Purger {
	if logger == nil {
		logger = noOpLogger
	}
	return &Purger{blobs: blobs, logger: logger}
}

// PurgeAuthorContent deletes the user's posts, the user's captions on other posts (repairing
// top-caption pointers), the user's comments and the user's likes, adjusting like counts.
// It returns the image refs of the deleted posts.
func (p *Purger) PurgeAuthorContent(tx *gorm.DB, userID int64) ([]string, error) {
	var owned []Post
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).Order("id ASC").Find(&owned).Error; err != nil {
		return nil, err
	}
	imageRefs := make([]string, 0, len(owned))
	for _, post := range owned {
		if err := removePostTx(tx, post); err != nil {
			return nil, err
		}
		imageRefs = append(imageRefs, post.ImageRef)
	}

	var authored []Caption
	if err := tx.Select("id", "post_id").Where("user_id = ?", userID).
		Order("post_id ASC, id ASC").Find(&authored).Error; err != nil {
		return nil, err
	}
	for _, caption := range authored {
		post, err := lockPost(tx, opPurgeAuthorContent, caption.PostID)
		if err != nil {
			return nil, err
		}
		locked, err := lockCaption(tx, opPurgeAuthorContent, caption.ID)
		if err != nil {
			return nil, err
		}
		if _, err := removeCaptionTx(tx, post, locked); err != nil {
			return nil, err
		}
	}

	if err := tx.Where("user_id = ?", userID).Delete(&Comment{}).Error; err != nil {
		return nil, err
	}

	for _, kind := range []LikeKind{KindPost, KindCaption} {
		model, err := likeTable(kind)
		if err != nil {
			return nil, err
		}
		likedTargets := tx.Model(&LikeEdge{}).Select("target_id").Where("kind = ? AND user_id = ?", kind, userID)
		if err := tx.Model(model).Where("like_count > 0 AND id IN (?)", likedTargets).
			UpdateColumn("like_count", gorm.Expr("like_count - 1")).Error; err != nil {
			return nil, err
		}
	}
	if err := tx.Where("user_id = ?", userID).Delete(&LikeEdge{}).Error; err != nil {
		return nil, err
	}

	p.logger.Info("author content purged", zap.Int64("user_id", userID),
		zap.Int("posts", len(owned)), zap.Int("captions", len(authored)))
	return imageRefs, nil
}

// ReleaseImages deletes image blobs after the rows referencing them are gone. Failures are
// logged and otherwise ignored.
func (p *Purger) ReleaseImages(_ context.Context, imageRefs []string) {
	if p == nil || p.blobs == nil {
		return
	}
	for _, ref := range imageRefs {
		if ref == "" {
			continue
		}
		if err := p.blobs.Delete(ref); err != nil {
			p.logger.Warn("image release failed", zap.String("image_ref", ref), zap.Error(err))
		}
	}
}
