package history

import (
	"context"
	"fmt"

	"github.com/lgulliver/otagate/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const defaultLimit = 10

// Store persists update attempts
type Store struct {
	db *gorm.DB
}

// NewStore creates a history store
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Record saves a resolved update attempt
func (s *Store) Record(ctx context.Context, attempt *types.UpdateAttempt) error {
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to record update attempt: %w", err)
	}

	log.Debug().
		Str("attempt_id", attempt.ID.String()).
		Str("mode", string(attempt.Mode)).
		Int("result", attempt.Result).
		Msg("Recorded update attempt")

	return nil
}

// Recent returns the newest attempts first. A non-positive limit uses the default.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.UpdateAttempt, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	var attempts []types.UpdateAttempt
	err := s.db.WithContext(ctx).
		Order("finished_at DESC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list update attempts: %w", err)
	}
	return attempts, nil
}

// Prune keeps the newest keep attempts and deletes the rest
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	keepIDs := s.db.Model(&types.UpdateAttempt{}).
		Select("id").
		Order("finished_at DESC").
		Limit(keep)

	result := s.db.WithContext(ctx).
		Where("id NOT IN (?)", keepIDs).
		Delete(&types.UpdateAttempt{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune update attempts: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		log.Info().Int64("deleted", result.RowsAffected).Int("kept", keep).Msg("Pruned update history")
	}
	return result.RowsAffected, nil
}
