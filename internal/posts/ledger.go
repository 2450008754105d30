package posts

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errDuplicateEdge = errors.New("like edge inserted by a concurrent toggle")

// ToggleLike flips the like edge between userID and the target: an existing edge is removed,
// a missing one is inserted. The edge and the target's like count change in one unit of work.
func (s *Service) ToggleLike(ctx context.Context, kind LikeKind, targetID, userID int64, secret string) (LikeOutcome, error) {
	if err := s.ready(opToggleLike); err != nil {
		return LikeOutcome{}, err
	}
	parsedKind, err := ParseLikeKind(string(kind))
	if err != nil {
		return LikeOutcome{}, s.fail(opToggleLike, "invalid_kind", apperror.ErrInvalid, "kind must be post or caption", err)
	}
	if targetID <= 0 {
		return LikeOutcome{}, s.fail(opToggleLike, "invalid_target", apperror.ErrInvalid, "target id must be positive", nil)
	}
	if err := s.gate(ctx, opToggleLike, userID, secret); err != nil {
		return LikeOutcome{}, err
	}

	fields := []zap.Field{
		zap.String("kind", string(parsedKind)),
		zap.Int64("target_id", targetID),
		zap.Int64("user_id", userID),
	}
	outcome := LikeOutcome{Kind: parsedKind, TargetID: targetID}
	var drifted bool
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		postID, err := lockLikeTarget(tx, parsedKind, targetID)
		if err != nil {
			return err
		}
		outcome.PostID = postID

		removed := tx.Where("kind = ? AND user_id = ? AND target_id = ?", parsedKind, userID, targetID).Delete(&LikeEdge{})
		if removed.Error != nil {
			return removed.Error
		}
		delta := int64(-1)
		if removed.RowsAffected == 0 {
			edge := LikeEdge{Kind: parsedKind, UserID: userID, TargetID: targetID, CreatedAtMillis: s.nowMillis()}
			inserted := tx.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge)
			if inserted.Error != nil {
				return inserted.Error
			}
			if inserted.RowsAffected == 0 {
				return apperror.New(opToggleLike, "concurrent_toggle", apperror.ErrConflict,
					"concurrent like toggle, retry the request", errDuplicateEdge)
			}
			delta = 1
		}

		count, countDrifted, err := adjustLikeCount(tx, parsedKind, targetID, delta)
		if err != nil {
			return err
		}
		drifted = countDrifted
		outcome.Liked = delta > 0
		outcome.LikeCount = count
		return nil
	})
	if err != nil {
		return LikeOutcome{}, s.settle(opToggleLike, "transaction_failed", err, fields...)
	}
	if drifted {
		s.logger.Warn("like count was already zero on unlike", fields...)
	}

	activityType := ActivityPostLiked
	if parsedKind == KindCaption {
		activityType = ActivityCaptionLiked
	}
	activity := Activity{
		Type:      activityType,
		PostID:    outcome.PostID,
		UserID:    userID,
		Liked:     boolPtr(outcome.Liked),
		LikeCount: int64Ptr(outcome.LikeCount),
	}
	if parsedKind == KindCaption {
		activity.CaptionID = targetID
	}
	s.publish(activity)
	return outcome, nil
}

// lockLikeTarget locks the liked row and returns the post it belongs to.
func lockLikeTarget(tx *gorm.DB, kind LikeKind, targetID int64) (int64, error) {
	switch kind {
	case KindPost:
		post, err := lockPost(tx, opToggleLike, targetID)
		if err != nil {
			return 0, err
		}
		return post.ID, nil
	case KindCaption:
		caption, err := lockCaption(tx, opToggleLike, targetID)
		if err != nil {
			return 0, err
		}
		return caption.PostID, nil
	default:
		return 0, ErrUnknownLikeKind
	}
}

func lockPost(tx *gorm.DB, operation string, postID int64) (Post, error) {
	var post Post
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", postID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, notFound(operation, "post_not_found", "post does not exist")
	}
	return post, err
}

func lockCaption(tx *gorm.DB, operation string, captionID int64) (Caption, error) {
	var caption Caption
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", captionID).Take(&caption).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Caption{}, notFound(operation, "caption_not_found", "caption does not exist")
	}
	return caption, err
}

// deleteLikeEdges removes every edge pointing at the targets. Counters of the removed
// targets are not adjusted.
func deleteLikeEdges(tx *gorm.DB, kind LikeKind, targetIDs []int64) error {
	return tx.Where("kind = ? AND target_id IN ?", kind, targetIDs).Delete(&LikeEdge{}).Error
}
