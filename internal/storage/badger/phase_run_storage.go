package badger

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PhaseRunStorage implements the PhaseRunStorage interface for Badger
type PhaseRunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPhaseRunStorage creates a new PhaseRunStorage instance
func NewPhaseRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PhaseRunStorage {
	return &PhaseRunStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PhaseRunStorage) SavePhaseRun(ctx context.Context, run *models.PhaseRun) error {
	if run == nil || run.Key == "" {
		return models.NewError(models.KindInvalidInput, "phase run key is required")
	}

	if err := s.db.Store().Upsert(run.Key, run); err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "save phase run %s", run.Key)
	}
	return nil
}

func (s *PhaseRunStorage) GetPhaseRun(ctx context.Context, jobID string, phase models.Phase, attempt int) (*models.PhaseRun, error) {
	key := models.PhaseRunKey(jobID, phase, attempt)

	var run models.PhaseRun
	if err := s.db.Store().Get(key, &run); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewError(models.KindNotFound, "phase run not found: %s", key)
		}
		return nil, models.WrapError(models.KindStorageUnavailable, err, "get phase run %s", key)
	}
	return &run, nil
}

func (s *PhaseRunStorage) ListPhaseRuns(ctx context.Context, jobID string) ([]*models.PhaseRun, error) {
	var runs []models.PhaseRun
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("StartedAt")
	if err := s.db.Store().Find(&runs, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "list phase runs for %s", jobID)
	}

	result := make([]*models.PhaseRun, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	return result, nil
}

func (s *PhaseRunStorage) LatestAttempt(ctx context.Context, jobID string, phase models.Phase) (int, error) {
	var runs []models.PhaseRun
	query := badgerhold.Where("JobID").Eq(jobID)
	if err := s.db.Store().Find(&runs, query); err != nil {
		return 0, models.WrapError(models.KindStorageUnavailable, err, "find phase runs for %s", jobID)
	}

	latest := 0
	for i := range runs {
		if runs[i].Phase == phase && runs[i].Attempt > latest {
			latest = runs[i].Attempt
		}
	}
	return latest, nil
}
