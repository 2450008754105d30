package posts

import (
	"fmt"

	"gorm.io/gorm"
)

var errCounterTargetMissing = fmt.Errorf("counter target missing")

func likeTable(kind LikeKind) (any, error) {
	switch kind {
	case KindPost:
		return &Post{}, nil
	case KindCaption:
		return &Caption{}, nil
	default:
		return nil, ErrUnknownLikeKind
	}
}

// adjustLikeCount applies delta to the like count of the target and returns the new value.
// Decrements never take the count below zero; a decrement at zero is reported as drifted.
func adjustLikeCount(tx *gorm.DB, kind LikeKind, targetID int64, delta int64) (count int64, drifted bool, err error) {
	model, err := likeTable(kind)
	if err != nil {
		return 0, false, err
	}

	query := tx.Model(model).Where("id = ?", targetID)
	if delta < 0 {
		query = query.Where("like_count >= ?", -delta)
	}
	result := query.UpdateColumn("like_count", gorm.Expr("like_count + ?", delta))
	if result.Error != nil {
		return 0, false, result.Error
	}
	if result.RowsAffected == 0 {
		if delta > 0 {
			return 0, false, fmt.Errorf("%w: %s %d", errCounterTargetMissing, kind, targetID)
		}
		drifted = true
	}

	if err := tx.Model(model).Where("id = ?", targetID).Select("like_count").Scan(&count).Error; err != nil {
		return 0, false, err
	}
	return count, drifted, nil
}

func incrementCaptionCount(tx *gorm.DB, postID int64) error {
	result := tx.Model(&Post{}).Where("id = ?", postID).
		UpdateColumn("caption_count", gorm.Expr("caption_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: post %d", errCounterTargetMissing, postID)
	}
	return nil
}

// decrementCaptionCount is best effort: the caption count is a display aid.
func decrementCaptionCount(tx *gorm.DB, postID int64) error {
	return tx.Model(&Post{}).Where("id = ? AND caption_count > 0", postID).
		UpdateColumn("caption_count", gorm.Expr("caption_count - 1")).Error
}

// RecountReport summarizes a counter rebuild.
type RecountReport struct {
	PostsUpdated    int64 `json:"postsUpdated"`
	CaptionsUpdated int64 `json:"captionsUpdated"`
}

// RecountTx rebuilds every denormalized counter from the ledger and caption rows.
func RecountTx(tx *gorm.DB) (RecountReport, error) {
	postResult := tx.Exec(`UPDATE posts SET
		like_count = (SELECT COUNT(*) FROM like_edges WHERE like_edges.kind = ? AND like_edges.target_id = posts.id),
		caption_count = (SELECT COUNT(*) FROM captions WHERE captions.post_id = posts.id)`, KindPost)
	if postResult.Error != nil {
		return RecountReport{}, postResult.Error
	}
	captionResult := tx.Exec(`UPDATE captions SET
		like_count = (SELECT COUNT(*) FROM like_edges WHERE like_edges.kind = ? AND like_edges.target_id = captions.id)`, KindCaption)
	if captionResult.Error != nil {
		return RecountReport{}, captionResult.Error
	}
	return RecountReport{PostsUpdated: postResult.RowsAffected, CaptionsUpdated: captionResult.RowsAffected}, nil
}
