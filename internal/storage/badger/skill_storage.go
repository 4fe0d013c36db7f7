package badger

import (
	"context"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// SkillStorage implements the SkillStorage interface for Badger
type SkillStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSkillStorage creates a new SkillStorage instance
func NewSkillStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SkillStorage {
	return &SkillStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SkillStorage) SaveSkill(ctx context.Context, skill *models.Skill) error {
	if skill == nil || skill.ID == "" {
		return models.NewError(models.KindInvalidInput, "skill ID is required")
	}

	if err := s.db.Store().Upsert(skill.ID, skill); err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "save skill %s", skill.ID)
	}
	return nil
}

func (s *SkillStorage) GetSkill(ctx context.Context, skillID string) (*models.Skill, error) {
	var skill models.Skill
	if err := s.db.Store().Get(skillID, &skill); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewError(models.KindNotFound, "skill not found: %s", skillID)
		}
		return nil, models.WrapError(models.KindStorageUnavailable, err, "get skill %s", skillID)
	}
	return &skill, nil
}

func (s *SkillStorage) GetSkillByPath(ctx context.Context, canonicalPath string) (*models.Skill, error) {
	var skills []models.Skill
	query := badgerhold.Where("CanonicalPath").Eq(canonicalPath).Index("CanonicalPath")
	if err := s.db.Store().Find(&skills, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "find skill at %s", canonicalPath)
	}

	for i := range skills {
		if skills[i].Status != models.SkillArchived {
			return &skills[i], nil
		}
	}
	return nil, models.NewError(models.KindNotFound, "no skill at path %s", canonicalPath)
}

func (s *SkillStorage) ListSkills(ctx context.Context, pathPrefix string) ([]*models.Skill, error) {
	var skills []models.Skill
	query := badgerhold.Where("Status").Ne(models.SkillArchived).SortBy("CanonicalPath")
	if err := s.db.Store().Find(&skills, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "list skills")
	}

	result := make([]*models.Skill, 0, len(skills))
	for i := range skills {
		if pathPrefix != "" && !strings.HasPrefix(skills[i].CanonicalPath, pathPrefix) {
			continue
		}
		result = append(result, &skills[i])
	}
	return result, nil
}

func (s *SkillStorage) SaveAlias(ctx context.Context, alias *models.Alias) error {
	if alias == nil || alias.Path == "" {
		return models.NewError(models.KindInvalidInput, "alias path is required")
	}

	// An alias shadowed by a canonical path would never win the resolve
	// order, so the collision is rejected outright.
	if existing, err := s.GetSkillByPath(ctx, alias.Path); err == nil {
		return models.NewError(models.KindConflictingState,
			"alias %s collides with the canonical path of skill %s", alias.Path, existing.ID)
	} else if !models.IsKind(err, models.KindNotFound) {
		return err
	}

	if err := s.db.Store().Upsert(alias.Path, alias); err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "save alias %s", alias.Path)
	}
	return nil
}

func (s *SkillStorage) GetAlias(ctx context.Context, path string) (*models.Alias, error) {
	var alias models.Alias
	if err := s.db.Store().Get(path, &alias); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewError(models.KindNotFound, "alias not found: %s", path)
		}
		return nil, models.WrapError(models.KindStorageUnavailable, err, "get alias %s", path)
	}
	return &alias, nil
}

func (s *SkillStorage) SaveNode(ctx context.Context, node *models.TaxonomyNode) error {
	if node == nil || node.Path == "" {
		return models.NewError(models.KindInvalidInput, "node path is required")
	}

	if err := s.db.Store().Upsert(node.Path, node); err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "save node %s", node.Path)
	}
	return nil
}

func (s *SkillStorage) ListNodes(ctx context.Context) ([]*models.TaxonomyNode, error) {
	var nodes []models.TaxonomyNode
	query := badgerhold.Where("Path").Ne("").SortBy("Path")
	if err := s.db.Store().Find(&nodes, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "list nodes")
	}

	result := make([]*models.TaxonomyNode, len(nodes))
	for i := range nodes {
		result[i] = &nodes[i]
	}
	return result, nil
}

// ReplaceTerms swaps a skill's keyword and tag index rows in one
// transaction. Terms are lowercased on write so lookups are
// case-insensitive.
func (s *SkillStorage) ReplaceTerms(ctx context.Context, skillPath string, keywords, tags []string) error {
	store := s.db.Store()
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		if err := store.TxDeleteMatching(tx, &models.TermEntry{}, badgerhold.Where("SkillPath").Eq(skillPath)); err != nil {
			return err
		}

		upsert := func(kind string, terms []string) error {
			for _, term := range terms {
				term = strings.ToLower(strings.TrimSpace(term))
				if term == "" {
					continue
				}
				entry := &models.TermEntry{
					Key:       models.TermKey(skillPath, kind, term),
					Term:      term,
					SkillPath: skillPath,
					Kind:      kind,
				}
				if err := store.TxUpsert(tx, entry.Key, entry); err != nil {
					return err
				}
			}
			return nil
		}
		if err := upsert(models.TermKeyword, keywords); err != nil {
			return err
		}
		return upsert(models.TermTag, tags)
	})
	if err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "replace terms for %s", skillPath)
	}
	return nil
}

func (s *SkillStorage) FindByTerm(ctx context.Context, term string) ([]string, error) {
	var entries []models.TermEntry
	query := badgerhold.Where("Term").Eq(strings.ToLower(strings.TrimSpace(term))).Index("Term")
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "find skills by term %s", term)
	}

	seen := make(map[string]struct{}, len(entries))
	paths := make([]string, 0, len(entries))
	for i := range entries {
		if _, ok := seen[entries[i].SkillPath]; ok {
			continue
		}
		seen[entries[i].SkillPath] = struct{}{}
		paths = append(paths, entries[i].SkillPath)
	}
	return paths, nil
}

// ReplaceDependencies swaps a skill's outgoing edges and inbound closure
// rows in a single transaction so dependency reads never observe a
// half-applied graph.
func (s *SkillStorage) ReplaceDependencies(ctx context.Context, skillPath string, deps []string, closure []*models.ClosureEntry) error {
	store := s.db.Store()
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		return replaceDependenciesTx(store, tx, skillPath, deps, closure)
	})
	if err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "replace dependencies for %s", skillPath)
	}
	return nil
}

// replaceDependenciesTx rewrites a skill's outgoing edges and inbound
// closure rows inside an open transaction.
func replaceDependenciesTx(store *badgerhold.Store, tx *badgerdb.Txn, skillPath string, deps []string, closure []*models.ClosureEntry) error {
	if err := store.TxDeleteMatching(tx, &models.DependencyEdge{}, badgerhold.Where("SkillPath").Eq(skillPath)); err != nil {
		return err
	}
	if err := store.TxDeleteMatching(tx, &models.ClosureEntry{}, badgerhold.Where("Descendant").Eq(skillPath)); err != nil {
		return err
	}

	for _, dep := range deps {
		edge := &models.DependencyEdge{
			Key:       models.EdgeKey(skillPath, dep),
			SkillPath: skillPath,
			DependsOn: dep,
		}
		if err := store.TxUpsert(tx, edge.Key, edge); err != nil {
			return err
		}
	}

	// Depth-0 self entry keeps reachability queries uniform.
	self := &models.ClosureEntry{
		Key:        models.ClosureKey(skillPath, skillPath),
		Ancestor:   skillPath,
		Descendant: skillPath,
		Depth:      0,
	}
	if err := store.TxUpsert(tx, self.Key, self); err != nil {
		return err
	}
	for _, entry := range closure {
		if err := store.TxUpsert(tx, entry.Key, entry); err != nil {
			return err
		}
	}
	return nil
}

// PublishSkill lands every row of one publication in a single
// transaction, so a promotion that dies mid-way never leaves a live
// skill with half an index behind it.
func (s *SkillStorage) PublishSkill(ctx context.Context, skill, archived *models.Skill, deps []string, closure, propagated []*models.ClosureEntry) error {
	if skill == nil || skill.ID == "" {
		return models.NewError(models.KindInvalidInput, "skill ID is required")
	}

	store := s.db.Store()
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		if archived != nil {
			if err := store.TxUpsert(tx, archived.ID, archived); err != nil {
				return err
			}
		}
		if err := store.TxUpsert(tx, skill.ID, skill); err != nil {
			return err
		}
		if err := replaceDependenciesTx(store, tx, skill.CanonicalPath, deps, closure); err != nil {
			return err
		}
		for _, entry := range propagated {
			if err := store.TxUpsert(tx, entry.Key, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "publish skill %s", skill.CanonicalPath)
	}
	return nil
}

func (s *SkillStorage) GetDependencies(ctx context.Context, skillPath string) ([]string, error) {
	var edges []models.DependencyEdge
	query := badgerhold.Where("SkillPath").Eq(skillPath).Index("SkillPath")
	if err := s.db.Store().Find(&edges, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "get dependencies of %s", skillPath)
	}

	deps := make([]string, len(edges))
	for i := range edges {
		deps[i] = edges[i].DependsOn
	}
	return deps, nil
}

func (s *SkillStorage) GetDependents(ctx context.Context, skillPath string) ([]string, error) {
	var edges []models.DependencyEdge
	query := badgerhold.Where("DependsOn").Eq(skillPath).Index("DependsOn")
	if err := s.db.Store().Find(&edges, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "get dependents of %s", skillPath)
	}

	deps := make([]string, len(edges))
	for i := range edges {
		deps[i] = edges[i].SkillPath
	}
	return deps, nil
}

func (s *SkillStorage) GetClosureFrom(ctx context.Context, ancestor string) ([]*models.ClosureEntry, error) {
	var entries []models.ClosureEntry
	query := badgerhold.Where("Ancestor").Eq(ancestor).Index("Ancestor")
	if err := s.db.Store().Find(&entries, query); err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "get closure from %s", ancestor)
	}

	result := make([]*models.ClosureEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}

func (s *SkillStorage) HasClosure(ctx context.Context, ancestor, descendant string) (bool, error) {
	var entry models.ClosureEntry
	if err := s.db.Store().Get(models.ClosureKey(ancestor, descendant), &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return false, nil
		}
		return false, models.WrapError(models.KindStorageUnavailable, err, "check closure %s => %s", ancestor, descendant)
	}
	return true, nil
}
