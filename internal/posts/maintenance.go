package posts

import (
	"context"

	"github.com/MarcoPoloResearchLab/caprank/backend/internal/apperror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RefreshTopCaption re-ranks one post's captions and moves its pointer to the best one.
// Likes never move the pointer on their own; this is the explicit way to do it.
func (s *Service) RefreshTopCaption(ctx context.Context, postID int64) (TopCaptionChange, error) {
	if err := s.ready(opRefreshTopCaption); err != nil {
		return TopCaptionChange{}, err
	}

	change := TopCaptionChange{PostID: postID}
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		post, err := lockPost(tx, opRefreshTopCaption, postID)
		if err != nil {
			return err
		}
		change.Previous = post.TopCaptionID
		best, err := resolveTopCaption(tx, postID)
		if err != nil {
			return err
		}
		change.Current = best
		if !change.Changed() {
			return nil
		}
		return setTopCaption(tx, postID, best)
	})
	if err != nil {
		return TopCaptionChange{}, s.settle(opRefreshTopCaption, "transaction_failed", err, zap.Int64("post_id", postID))
	}

	if change.Changed() {
		s.publish(Activity{Type: ActivityTopCaptionChanged, PostID: postID, TopCaptionID: change.Current})
	}
	return change, nil
}

// RefreshAllTopCaptions refreshes every post, one unit of work per post, and returns the changes.
func (s *Service) RefreshAllTopCaptions(ctx context.Context) ([]TopCaptionChange, error) {
	if err := s.ready(opRefreshAll); err != nil {
		return nil, err
	}
	var postIDs []int64
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		return db.Model(&Post{}).Order("id ASC").Pluck("id", &postIDs).Error
	})
	if err != nil {
		return nil, s.settle(opRefreshAll, "select_failed", err)
	}

	changes := make([]TopCaptionChange, 0)
	for _, postID := range postIDs {
		change, err := s.RefreshTopCaption(ctx, postID)
		if err != nil {
			if apperror.KindOf(err) == apperror.ErrNotFound {
				continue
			}
			return changes, err
		}
		if change.Changed() {
			changes = append(changes, change)
		}
	}
	return changes, nil
}

// Recount rebuilds every denormalized counter in one unit of work.
func (s *Service) Recount(ctx context.Context) (RecountReport, error) {
	if err := s.ready(opRecount); err != nil {
		return RecountReport{}, err
	}
	var report RecountReport
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		report, err = RecountTx(tx)
		return err
	})
	if err != nil {
		return RecountReport{}, s.settle(opRecount, "transaction_failed", err)
	}
	s.logger.Info("counters rebuilt",
		zap.Int64("posts", report.PostsUpdated),
		zap.Int64("captions", report.CaptionsUpdated))
	return report, nil
}

// PruneReport summarizes a prune.
type PruneReport struct {
	Kept    int     `json:"kept"`
	Removed []int64 `json:"removed"`
}

// Prune keeps the keep most recent posts and purges the rest.
func (s *Service) Prune(ctx context.Context, keep int) (PruneReport, error) {
	if err := s.ready(opPrune); err != nil {
		return PruneReport{}, err
	}
	if keep < 0 {
		return PruneReport{}, s.fail(opPrune, "invalid_keep", apperror.ErrInvalid, "keep must not be negative", nil)
	}

	var stale []int64
	err := s.store.Query(ctx, func(db *gorm.DB) error {
		return db.Model(&Post{}).Order("created_at_ms DESC, id DESC").Offset(keep).Pluck("id", &stale).Error
	})
	if err != nil {
		return PruneReport{}, s.settle(opPrune, "select_failed", err)
	}

	report := PruneReport{Removed: make([]int64, 0, len(stale))}
	for _, postID := range stale {
		if err := s.PurgePost(ctx, postID); err != nil {
			if apperror.KindOf(err) == apperror.ErrNotFound {
				continue
			}
			return report, err
		}
		report.Removed = append(report.Removed, postID)
	}

	var remaining int64
	if err := s.store.Query(ctx, func(db *gorm.DB) error {
		return db.Model(&Post{}).Count(&remaining).Error
	}); err != nil {
		return report, s.settle(opPrune, "count_failed", err)
	}
	report.Kept = int(remaining)
	s.logger.Info("posts pruned", zap.Int("removed", len(report.Removed)), zap.Int("kept", report.Kept))
	return report, nil
}

// RepairTopCaptionsTx fixes pointers that break the invariant: null while captions exist,
// set while none exist, or pointing at a caption of another post. Pointers that are valid but
// not best-ranked are left alone.
func RepairTopCaptionsTx(tx *gorm.DB) (int, error) {
	var broken []int64
	err := tx.Model(&Post{}).
		Where(`(posts.top_caption_id IS NULL AND EXISTS (SELECT 1 FROM captions WHERE captions.post_id = posts.id))
			OR (posts.top_caption_id IS NOT NULL AND NOT EXISTS (
				SELECT 1 FROM captions WHERE captions.id = posts.top_caption_id AND captions.post_id = posts.id))`).
		Order("posts.id ASC").
		Pluck("posts.id", &broken).Error
	if err != nil {
		return 0, err
	}
	for _, postID := range broken {
		best, err := resolveTopCaption(tx, postID)
		if err != nil {
			return 0, err
		}
		if err := setTopCaption(tx, postID, best); err != nil {
			return 0, err
		}
	}
	return len(broken), nil
}
