package badger

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// HITLStorage implements the HITLStorage interface for Badger
type HITLStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewHITLStorage creates a new HITLStorage instance
func NewHITLStorage(db *BadgerDB, logger arbor.ILogger) interfaces.HITLStorage {
	return &HITLStorage{
		db:     db,
		logger: logger,
	}
}

func (s *HITLStorage) SaveInteraction(ctx context.Context, interaction *models.HITLInteraction) error {
	if interaction == nil || interaction.Key == "" {
		return models.NewError(models.KindInvalidInput, "interaction key is required")
	}

	if err := s.db.Store().Upsert(interaction.Key, interaction); err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "save interaction %s", interaction.Key)
	}
	return nil
}

func (s *HITLStorage) GetInteraction(ctx context.Context, jobID string, round int) (*models.HITLInteraction, error) {
	key := models.HITLKey(jobID, round)

	var interaction models.HITLInteraction
	if err := s.db.Store().Get(key, &interaction); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewError(models.KindNotFound, "interaction not found: %s", key)
		}
		return nil, models.WrapError(models.KindStorageUnavailable, err, "get interaction %s", key)
	}
	return &interaction, nil
}

func (s *HITLStorage) GetPendingInteraction(ctx context.Context, jobID string) (*models.HITLInteraction, error) {
	var interactions []models.HITLInteraction
	query := badgerhold.Where("JobID").Eq(jobID)
	if err := s.db.Store().Find(&interactions, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "find interactions for %s", jobID)
	}

	for i := range interactions {
		if interactions[i].Status == models.HITLPending {
			return &interactions[i], nil
		}
	}
	return nil, models.NewError(models.KindNotFound, "no pending interaction for job %s", jobID)
}

func (s *HITLStorage) LatestInteraction(ctx context.Context, jobID string) (*models.HITLInteraction, error) {
	var interactions []models.HITLInteraction
	query := badgerhold.Where("JobID").Eq(jobID)
	if err := s.db.Store().Find(&interactions, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "find interactions for %s", jobID)
	}
	if len(interactions) == 0 {
		return nil, models.NewError(models.KindNotFound, "no interactions for job %s", jobID)
	}

	latest := &interactions[0]
	for i := range interactions {
		if interactions[i].Round > latest.Round {
			latest = &interactions[i]
		}
	}
	return latest, nil
}

func (s *HITLStorage) ListInteractions(ctx context.Context, jobID string) ([]*models.HITLInteraction, error) {
	var interactions []models.HITLInteraction
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("Round")
	if err := s.db.Store().Find(&interactions, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "list interactions for %s", jobID)
	}

	result := make([]*models.HITLInteraction, len(interactions))
	for i := range interactions {
		result[i] = &interactions[i]
	}
	return result, nil
}

func (s *HITLStorage) ListOverdue(ctx context.Context) ([]*models.HITLInteraction, error) {
	var interactions []models.HITLInteraction
	query := badgerhold.Where("Status").Eq(models.HITLPending)
	if err := s.db.Store().Find(&interactions, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "find pending interactions")
	}

	now := time.Now().UTC()
	var overdue []*models.HITLInteraction
	for i := range interactions {
		if interactions[i].TimeoutAt.Before(now) {
			overdue = append(overdue, &interactions[i])
		}
	}
	return overdue, nil
}
