package posts

import (
	"cmp"
	"errors"
	"slices"

	"gorm.io/gorm"
)

// captionRankOrder orders captions best first: most likes, then oldest, then lowest id.
const captionRankOrder = "like_count DESC, created_at_ms ASC, id ASC"

// resolveTopCaption returns the best-ranked caption of the post, or nil when it has none.
func resolveTopCaption(tx *gorm.DB, postID int64) (*int64, error) {
	var best Caption
	err := tx.Select("id").Where("post_id = ?", postID).Order(captionRankOrder).Take(&best).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return int64Ptr(best.ID), nil
}

func setTopCaption(tx *gorm.DB, postID int64, captionID *int64) error {
	return tx.Model(&Post{}).Where("id = ?", postID).UpdateColumn("top_caption_id", captionID).Error
}

func compareCaptionRank(a, b Caption) int {
	if byLikes := cmp.Compare(b.LikeCount, a.LikeCount); byLikes != 0 {
		return byLikes
	}
	if byAge := cmp.Compare(a.CreatedAtMillis, b.CreatedAtMillis); byAge != 0 {
		return byAge
	}
	return cmp.Compare(a.ID, b.ID)
}

// rankCaptions sorts captions best first using the same order as resolveTopCaption.
func rankCaptions(captions []Caption) []Caption {
	ranked := slices.Clone(captions)
	slices.SortFunc(ranked, compareCaptionRank)
	return ranked
}
