package posts

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"github.com/MarcoPoloResearchLab/caprank/backend/internal/blobstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreatePost stores the image, then inserts the post and, when CaptionText is not blank,
// its first caption, which becomes the top caption. The image is removed if the rows are not.
func (s *Service) CreatePost(ctx context.Context, input CreatePostInput) (PostCreated, error) {
	if err := s.ready(opCreatePost); err != nil {
		return PostCreated{}, err
	}
	if s.blobs == nil {
		return PostCreated{}, s.fail(opCreatePost, "missing_blob_store", nil, "", errMissingBlobs)
	}
	input.CaptionText = strings.TrimSpace(input.CaptionText)
	if err := s.validate(opCreatePost, input); err != nil {
		return PostCreated{}, err
	}
	if input.Image == nil {
		return PostCreated{}, s.fail(opCreatePost, "missing_image", apperror.ErrInvalid, "image is required", nil)
	}
	imageRef, err := blobstore.NewImageRef(input.UserID, input.ImageExt)
	if err != nil {
		return PostCreated{}, s.fail(opCreatePost, "unsupported_image", apperror.ErrInvalid,
			"image must be jpg, jpeg, png, gif or webp", err)
	}
	if err := s.gate(ctx, opCreatePost, input.UserID, input.Secret); err != nil {
		return PostCreated{}, err
	}

	if _, err := s.blobs.Write(imageRef, input.Image); err != nil {
		if errors.Is(err, blobstore.ErrTooLarge) || errors.Is(err, blobstore.ErrEmptyImage) {
			return PostCreated{}, s.fail(opCreatePost, "invalid_image", apperror.ErrInvalid, err.Error(), err)
		}
		return PostCreated{}, s.fail(opCreatePost, "image_write_failed", nil, "", err, zap.String("image_ref", imageRef))
	}

	created := PostCreated{ImageRef: imageRef}
	now := s.nowMillis()
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		post := Post{UserID: input.UserID, ImageRef: imageRef, CreatedAtMillis: now}
		if err := tx.Omit(clause.Associations).Create(&post).Error; err != nil {
			return err
		}
		created.PostID = post.ID
		if input.CaptionText == "" {
			return nil
		}

		caption := Caption{PostID: post.ID, UserID: input.UserID, Text: input.CaptionText, CreatedAtMillis: now}
		if err := tx.Omit(clause.Associations).Create(&caption).Error; err != nil {
			return err
		}
		if err := incrementCaptionCount(tx, post.ID); err != nil {
			return err
		}
		if err := setTopCaption(tx, post.ID, int64Ptr(caption.ID)); err != nil {
			return err
		}
		created.CaptionID = int64Ptr(caption.ID)
		created.TopCaptionID = int64Ptr(caption.ID)
		return nil
	})
	if err != nil {
		if removeErr := s.blobs.Delete(imageRef); removeErr != nil {
			s.logger.Warn("orphan image cleanup failed", zap.String("image_ref", imageRef), zap.Error(removeErr))
		}
		return PostCreated{}, s.settle(opCreatePost, "transaction_failed", err,
			zap.Int64("user_id", input.UserID), zap.String("image_ref", imageRef))
	}

	if created.CaptionID != nil {
		s.publish(Activity{
			Type:         ActivityCaptionCreated,
			PostID:       created.PostID,
			CaptionID:    *created.CaptionID,
			UserID:       input.UserID,
			TopCaptionID: created.TopCaptionID,
		})
	}
	return created, nil
}

// CreateCaption attaches a caption to a post. The first caption of a post becomes its top
// caption; later captions never displace the incumbent.
func (s *Service) CreateCaption(ctx context.Context, input CreateCaptionInput) (CaptionCreated, error) {
	if err := s.ready(opCreateCaption); err != nil {
		return CaptionCreated{}, err
	}
	input.Text = strings.TrimSpace(input.Text)
	if err := s.validate(opCreateCaption, input); err != nil {
		return CaptionCreated{}, err
	}
	if err := s.gate(ctx, opCreateCaption, input.UserID, input.Secret); err != nil {
		return CaptionCreated{}, err
	}

	created := CaptionCreated{PostID: input.PostID}
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		post, err := lockPost(tx, opCreateCaption, input.PostID)
		if err != nil {
			return err
		}

		caption := Caption{PostID: post.ID, UserID: input.UserID, Text: input.Text, CreatedAtMillis: s.nowMillis()}
		if err := tx.Omit(clause.Associations).Create(&caption).Error; err != nil {
			return err
		}
		if err := incrementCaptionCount(tx, post.ID); err != nil {
			return err
		}
		created.CaptionID = caption.ID

		if post.TopCaptionID == nil {
			if err := setTopCaption(tx, post.ID, int64Ptr(caption.ID)); err != nil {
				return err
			}
			created.BecameTop = true
		}
		return nil
	})
	if err != nil {
		return CaptionCreated{}, s.settle(opCreateCaption, "transaction_failed", err,
			zap.Int64("post_id", input.PostID), zap.Int64("user_id", input.UserID))
	}

	activities := []Activity{{
		Type:      ActivityCaptionCreated,
		PostID:    created.PostID,
		CaptionID: created.CaptionID,
		UserID:    input.UserID,
	}}
	if created.BecameTop {
		activities = append(activities, Activity{
			Type:         ActivityTopCaptionChanged,
			PostID:       created.PostID,
			TopCaptionID: int64Ptr(created.CaptionID),
		})
	}
	s.publish(activities...)
	return created, nil
}

// AddComment attaches a comment to a caption.
func (s *Service) AddComment(ctx context.Context, input AddCommentInput) (CommentCreated, error) {
	if err := s.ready(opAddComment); err != nil {
		return CommentCreated{}, err
	}
	input.Text = strings.TrimSpace(input.Text)
	if err := s.validate(opAddComment, input); err != nil {
		return CommentCreated{}, err
	}
	if err := s.gate(ctx, opAddComment, input.UserID, input.Secret); err != nil {
		return CommentCreated{}, err
	}

	created := CommentCreated{CaptionID: input.CaptionID}
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		caption, err := lockCaption(tx, opAddComment, input.CaptionID)
		if err != nil {
			return err
		}
		comment := Comment{CaptionID: caption.ID, UserID: input.UserID, Text: input.Text, CreatedAtMillis: s.nowMillis()}
		if err := tx.Omit(clause.Associations).Create(&comment).Error; err != nil {
			return err
		}
		created.CommentID = comment.ID
		created.PostID = caption.PostID
		return nil
	})
	if err != nil {
		return CommentCreated{}, s.settle(opAddComment, "transaction_failed", err,
			zap.Int64("caption_id", input.CaptionID), zap.Int64("user_id", input.UserID))
	}

	s.publish(Activity{
		Type:      ActivityCommentAdded,
		PostID:    created.PostID,
		CaptionID: created.CaptionID,
		CommentID: created.CommentID,
		UserID:    input.UserID,
	})
	return created, nil
}
