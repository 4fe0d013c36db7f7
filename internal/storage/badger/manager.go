package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	job      interfaces.JobStorage
	phaseRun interfaces.PhaseRunStorage
	hitl     interfaces.HITLStorage
	skill    interfaces.SkillStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		job:      NewJobStorage(db, logger),
		phaseRun: NewPhaseRunStorage(db, logger),
		hitl:     NewHITLStorage(db, logger),
		skill:    NewSkillStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// PhaseRunStorage returns the PhaseRun storage interface
func (m *Manager) PhaseRunStorage() interfaces.PhaseRunStorage {
	return m.phaseRun
}

// HITLStorage returns the HITL storage interface
func (m *Manager) HITLStorage() interfaces.HITLStorage {
	return m.hitl
}

// SkillStorage returns the Skill storage interface
func (m *Manager) SkillStorage() interfaces.SkillStorage {
	return m.skill
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
