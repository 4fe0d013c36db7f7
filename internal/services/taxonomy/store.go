package taxonomy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
)

// alwaysOnSubtrees are eagerly indexed at startup; everything else is
// picked up lazily through Resolve.
var alwaysOnSubtrees = []string{"_core", "mcp_capabilities", "memory_blocks"}

// Service resolves identifiers, enforces namespace invariants, stores
// drafts and atomically promotes them to canonical skills.
type Service struct {
	storage interfaces.SkillStorage
	bus     interfaces.EventBus
	logger  arbor.ILogger
	root    string

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

// NewService creates a taxonomy service rooted at the storage directory.
func NewService(logger arbor.ILogger, storage interfaces.SkillStorage, bus interfaces.EventBus, root string) *Service {
	return &Service{
		storage:   storage,
		bus:       bus,
		logger:    logger,
		root:      root,
		pathLocks: make(map[string]*sync.Mutex),
	}
}

// pathLock returns the mutex guarding writes to one canonical path.
func (s *Service) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.pathLocks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.pathLocks[path] = lock
	}
	return lock
}

// Resolve maps an identifier to a canonical path. Lookup order: skill
// index, alias index, direct storage path, legacy .json file. Drafts are
// never resolvable.
func (s *Service) Resolve(ctx context.Context, identifier string) (string, error) {
	identifier = strings.Trim(identifier, "/")
	if identifier == "" {
		return "", models.NewError(models.KindNotFound, "empty identifier")
	}
	if strings.HasPrefix(identifier, draftSubtree) {
		return "", models.NewError(models.KindNotFound, "identifier %q is not resolvable", identifier)
	}

	// Surrogate ids short-circuit path parsing.
	if strings.HasPrefix(identifier, "skill_") || strings.HasPrefix(identifier, "skv_") {
		skill, err := s.storage.GetSkill(ctx, identifier)
		if err == nil {
			return skill.CanonicalPath, nil
		}
		if !models.IsKind(err, models.KindNotFound) {
			return "", err
		}
	}

	p, err := SanitizeAlias(identifier)
	if err != nil {
		return "", err
	}

	if skill, err := s.storage.GetSkillByPath(ctx, p.String()); err == nil {
		return skill.CanonicalPath, nil
	} else if !models.IsKind(err, models.KindNotFound) {
		return "", err
	}

	if alias, err := s.storage.GetAlias(ctx, p.String()); err == nil {
		skill, err := s.storage.GetSkill(ctx, alias.SkillID)
		if err != nil {
			return "", err
		}
		return skill.CanonicalPath, nil
	} else if !models.IsKind(err, models.KindNotFound) {
		return "", err
	}

	// Legacy on-disk skills that were never indexed.
	abs, err := p.Under(s.root)
	if err != nil {
		return "", err
	}
	if info, statErr := os.Stat(filepath.Join(abs, skillDocFile)); statErr == nil && info.Mode().IsRegular() {
		return p.String(), nil
	}
	if info, statErr := os.Stat(abs + ".json"); statErr == nil && info.Mode().IsRegular() {
		return p.String(), nil
	}

	return "", models.NewError(models.KindNotFound, "unknown skill %q", identifier)
}

// GetByIdentifier loads a skill row by surrogate id, canonical path or
// alias.
func (s *Service) GetByIdentifier(ctx context.Context, identifier string) (*models.Skill, error) {
	path, err := s.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return s.storage.GetSkillByPath(ctx, path)
}

// ListSkills returns non-archived skills under an optional path prefix.
func (s *Service) ListSkills(ctx context.Context, prefix string) ([]*models.Skill, error) {
	if prefix != "" {
		p, err := SanitizeAlias(strings.Trim(prefix, "/"))
		if err != nil {
			return nil, err
		}
		prefix = p.String() + "/"
	}
	return s.storage.ListSkills(ctx, prefix)
}

// Search returns non-archived skills indexed under a keyword or tag.
func (s *Service) Search(ctx context.Context, term string) ([]*models.Skill, error) {
	if strings.TrimSpace(term) == "" {
		return nil, models.NewError(models.KindInvalidInput, "search term is required")
	}
	paths, err := s.storage.FindByTerm(ctx, term)
	if err != nil {
		return nil, err
	}

	skills := make([]*models.Skill, 0, len(paths))
	for _, path := range paths {
		skill, err := s.storage.GetSkillByPath(ctx, path)
		if err != nil {
			if models.IsKind(err, models.KindNotFound) {
				continue // stale term row for an archived skill
			}
			return nil, err
		}
		skills = append(skills, skill)
	}
	return skills, nil
}

// ReadDocument returns the published SKILL.md at a canonical path.
func (s *Service) ReadDocument(canonicalPath string) (string, error) {
	p, err := Sanitize(canonicalPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(p.String()), skillDocFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", models.NewError(models.KindNotFound, "no document at %s", canonicalPath)
		}
		return "", models.WrapError(models.KindStorageUnavailable, err, "read skill document")
	}
	return string(data), nil
}

// Dependencies returns the declared dependency paths of a skill.
func (s *Service) Dependencies(ctx context.Context, canonicalPath string) ([]string, error) {
	return s.storage.GetDependencies(ctx, canonicalPath)
}

// Dependents returns the skills that declare a dependency on this path.
func (s *Service) Dependents(ctx context.Context, canonicalPath string) ([]string, error) {
	return s.storage.GetDependents(ctx, canonicalPath)
}

// DetectCycle walks the dependency graph depth-first from the proposed
// dependencies and reports an error if the new skill is reachable.
// Dangling edges to never-published paths are skipped, not errors.
func (s *Service) DetectCycle(ctx context.Context, skillPath string, deps []string) error {
	visited := make(map[string]bool)
	var walk func(path string) error
	walk = func(path string) error {
		if path == skillPath {
			return models.NewError(models.KindDependencyCycle,
				"dependency cycle: %s is reachable from its own dependencies", skillPath)
		}
		if visited[path] {
			return nil
		}
		visited[path] = true

		next, err := s.storage.GetDependencies(ctx, path)
		if err != nil {
			return err
		}
		for _, dep := range next {
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}

	for _, dep := range deps {
		if dep == skillPath {
			return models.NewError(models.KindDependencyCycle, "skill %s cannot depend on itself", skillPath)
		}
		if err := walk(dep); err != nil {
			return err
		}
	}
	return nil
}

// Promote atomically publishes a job's completed draft at its canonical
// path. The skill row and every index row commit in one transaction; a
// failed commit restores the previous tree. Re-invoking for an
// already-promoted job returns the existing skill without touching the
// index.
func (s *Service) Promote(ctx context.Context, job *models.Job, overwrite bool) (*models.Skill, error) {
	if job.DraftLocation == "" {
		return nil, models.NewError(models.KindNotFound, "job %s has no draft", job.ID)
	}

	manifest, err := s.ReadManifest(job.DraftLocation)
	if err != nil {
		return nil, err
	}

	target, err := Sanitize(strings.Trim(manifest.TaxonomyPath+"/"+manifest.SkillName, "/"))
	if err != nil {
		return nil, err
	}

	lock := s.pathLock(target.String())
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.storage.GetSkillByPath(ctx, target.String())
	if err != nil && !models.IsKind(err, models.KindNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.JobID == job.ID {
			// Idempotent re-promotion.
			return existing, nil
		}
		if !overwrite {
			return nil, models.NewError(models.KindConflictingState,
				"skill already exists at %s", target.String())
		}
	}

	// A canonical path must never shadow an alias; the alias would
	// silently stop resolving to its skill.
	if alias, err := s.storage.GetAlias(ctx, target.String()); err == nil {
		return nil, models.NewError(models.KindConflictingState,
			"path %s is an alias for skill %s", target.String(), alias.SkillID)
	} else if !models.IsKind(err, models.KindNotFound) {
		return nil, err
	}

	// Dependency validation happens before any mutation so a rejected
	// promotion leaves the index untouched.
	for _, dep := range manifest.Dependencies {
		if _, err := Sanitize(dep); err != nil {
			return nil, err
		}
		if dep == target.String() {
			return nil, models.NewError(models.KindDependencyCycle, "skill %s cannot depend on itself", target.String())
		}
		depSkill, err := s.storage.GetSkillByPath(ctx, dep)
		if err != nil {
			if models.IsKind(err, models.KindNotFound) {
				return nil, models.NewError(models.KindValidationFailed, "unknown dependency %q", dep)
			}
			return nil, err
		}
		if depSkill.Status != models.SkillActive {
			return nil, models.NewError(models.KindValidationFailed, "dependency %q is not active", dep)
		}
	}
	if err := s.DetectCycle(ctx, target.String(), manifest.Dependencies); err != nil {
		return nil, err
	}

	doc, err := s.ReadDraftDocument(job.DraftLocation)
	if err != nil {
		return nil, err
	}
	meta, _, err := models.ParseFrontmatter(doc)
	if err != nil {
		return nil, err
	}

	// Closure rows are computed up front so the row and index mutations
	// can land in one transaction after the filesystem swap.
	closure, err := s.closureFor(ctx, target.String(), manifest.Dependencies)
	if err != nil {
		return nil, err
	}
	propagated, err := s.propagationFor(ctx, target.String(), closure)
	if err != nil {
		return nil, err
	}

	destAbs, err := target.Under(s.root)
	if err != nil {
		return nil, err
	}
	if err := s.swapIntoPlace(job.DraftLocation, destAbs); err != nil {
		return nil, err
	}

	skill := &models.Skill{
		ID:            models.SkillIDFromPath(target.String()),
		CanonicalPath: target.String(),
		Version:       "1.0.0",
		Metadata:      *meta,
		Status:        models.SkillActive,
		JobID:         job.ID,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	var archived *models.Skill
	if existing != nil {
		existing.Status = models.SkillArchived
		existing.UpdatedAt = time.Now().UTC()
		archived = existing
		skill.ID = common.NewSkillVersionID()
		skill.ParentVersionID = existing.ID
		skill.Version = bumpVersion(existing.Version)
		skill.CreatedAt = existing.CreatedAt
	}

	if err := s.storage.PublishSkill(ctx, skill, archived, manifest.Dependencies, closure, propagated); err != nil {
		s.rollbackSwap(destAbs)
		return nil, err
	}
	if err := s.storage.ReplaceTerms(ctx, target.String(), meta.Keywords, meta.Tags); err != nil {
		s.logger.Warn().Err(err).Str("path", target.String()).Msg("Failed to index search terms")
	}

	if err := s.refreshNodes(ctx, target); err != nil {
		s.logger.Warn().Err(err).Str("path", target.String()).Msg("Failed to refresh taxonomy nodes")
	}

	if s.bus != nil {
		s.bus.Publish(job.ID, models.EventSkillPublished, map[string]interface{}{
			"skill_id":       skill.ID,
			"canonical_path": skill.CanonicalPath,
			"version":        skill.Version,
		})
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("path", skill.CanonicalPath).
		Str("version", skill.Version).
		Msg("Skill published")

	return skill, nil
}

// closureFor computes the ancestor rows for a new publication: direct
// dependencies at depth 1 plus every ancestor reachable through them.
func (s *Service) closureFor(ctx context.Context, skillPath string, deps []string) ([]*models.ClosureEntry, error) {
	depths := make(map[string]int)
	queue := make([]string, 0, len(deps))
	for _, dep := range deps {
		depths[dep] = 1
		queue = append(queue, dep)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		next, err := s.storage.GetDependencies(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, anc := range next {
			d := depths[current] + 1
			if prev, seen := depths[anc]; !seen || d < prev {
				depths[anc] = d
				queue = append(queue, anc)
			}
		}
	}

	entries := make([]*models.ClosureEntry, 0, len(depths))
	for anc, depth := range depths {
		entries = append(entries, &models.ClosureEntry{
			Key:        models.ClosureKey(anc, skillPath),
			Ancestor:   anc,
			Descendant: skillPath,
			Depth:      depth,
		})
	}
	return entries, nil
}

// propagationFor computes the closure rows extending existing
// dependents' reachability with the republished skill's new ancestors.
// Pure read; the rows are committed with the rest of the publication.
func (s *Service) propagationFor(ctx context.Context, skillPath string, ancestors []*models.ClosureEntry) ([]*models.ClosureEntry, error) {
	dependents, err := s.storage.GetClosureFrom(ctx, skillPath)
	if err != nil {
		return nil, err
	}

	var extra []*models.ClosureEntry
	for _, dep := range dependents {
		if dep.Depth == 0 {
			continue
		}
		for _, anc := range ancestors {
			extra = append(extra, &models.ClosureEntry{
				Key:        models.ClosureKey(anc.Ancestor, dep.Descendant),
				Ancestor:   anc.Ancestor,
				Descendant: dep.Descendant,
				Depth:      anc.Depth + dep.Depth,
			})
		}
	}
	return extra, nil
}

// refreshNodes recounts skills under each category prefix of a path.
func (s *Service) refreshNodes(ctx context.Context, path SafePath) error {
	segments := path.Segments()
	for depth := 1; depth < len(segments); depth++ {
		prefix := strings.Join(segments[:depth], "/")
		skills, err := s.storage.ListSkills(ctx, prefix+"/")
		if err != nil {
			return err
		}
		node := &models.TaxonomyNode{
			Path:       prefix,
			Name:       segments[depth-1],
			Depth:      depth,
			SkillCount: len(skills),
		}
		if err := s.storage.SaveNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// swapIntoPlace copies the draft into the canonical location with a
// staged write and rename swap, archiving any previous tree until the
// swap succeeds.
func (s *Service) swapIntoPlace(draftDir, destAbs string) error {
	staged := destAbs + stagedSuffix
	os.RemoveAll(staged)

	if err := os.MkdirAll(filepath.Dir(destAbs), 0755); err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "create category directory")
	}
	if err := copyTree(draftDir, staged); err != nil {
		os.RemoveAll(staged)
		return err
	}
	// The sentinel belongs to the draft subtree only.
	os.Remove(filepath.Join(staged, draftSentinel))

	archived := destAbs + archivedSuffix
	hadPrevious := false
	if _, err := os.Stat(destAbs); err == nil {
		hadPrevious = true
		os.RemoveAll(archived)
		if err := os.Rename(destAbs, archived); err != nil {
			os.RemoveAll(staged)
			return models.WrapError(models.KindStorageUnavailable, err, "archive previous skill tree")
		}
	}

	if err := os.Rename(staged, destAbs); err != nil {
		if hadPrevious {
			os.Rename(archived, destAbs)
		}
		os.RemoveAll(staged)
		return models.WrapError(models.KindStorageUnavailable, err, "swap skill into place")
	}

	if hadPrevious {
		os.RemoveAll(archived)
	}
	return nil
}

// rollbackSwap removes a copied tree after a failed index update,
// restoring the archived previous version when one exists.
func (s *Service) rollbackSwap(destAbs string) {
	archived := destAbs + archivedSuffix
	os.RemoveAll(destAbs)
	if _, err := os.Stat(archived); err == nil {
		os.Rename(archived, destAbs)
	}
}

// copyTree copies a directory of regular files. Symlinks are rejected.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return models.WrapError(models.KindStorageUnavailable, err, "walk draft tree")
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return models.NewError(models.KindPathUnsafe, "symlink %q in draft tree", path)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return models.WrapError(models.KindInternal, err, "relativize draft path")
		}
		targetPath := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(targetPath, 0755)
		}
		if !info.Mode().IsRegular() {
			return models.NewError(models.KindPathUnsafe, "irregular file %q in draft tree", path)
		}

		in, err := os.Open(path)
		if err != nil {
			return models.WrapError(models.KindStorageUnavailable, err, "open draft file")
		}
		defer in.Close()

		out, err := os.Create(targetPath)
		if err != nil {
			return models.WrapError(models.KindStorageUnavailable, err, "create published file")
		}
		defer out.Close()

		if _, err := io.Copy(out, in); err != nil {
			return models.WrapError(models.KindStorageUnavailable, err, "copy draft file")
		}
		return nil
	})
}

// bumpVersion increments the major component of a semver-ish string.
func bumpVersion(version string) string {
	parts := strings.SplitN(version, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return "1.0.0"
	}
	return fmt.Sprintf("%d.0.0", major+1)
}

// TreeNode is one category (or skill) in the taxonomy tree response.
type TreeNode struct {
	Path       string      `json:"path"`
	Name       string      `json:"name"`
	SkillCount int         `json:"skill_count"`
	Skill      bool        `json:"skill,omitempty"`
	Children   []*TreeNode `json:"children,omitempty"`
}

// Tree builds the category tree with per-subtree skill counts.
func (s *Service) Tree(ctx context.Context) ([]*TreeNode, error) {
	skills, err := s.storage.ListSkills(ctx, "")
	if err != nil {
		return nil, err
	}

	roots := make(map[string]*TreeNode)
	index := make(map[string]*TreeNode)

	for _, skill := range skills {
		segments := strings.Split(skill.CanonicalPath, "/")
		var parent *TreeNode
		for depth := 1; depth <= len(segments); depth++ {
			prefix := strings.Join(segments[:depth], "/")
			node, ok := index[prefix]
			if !ok {
				node = &TreeNode{Path: prefix, Name: segments[depth-1]}
				index[prefix] = node
				if parent == nil {
					roots[prefix] = node
				} else {
					parent.Children = append(parent.Children, node)
				}
			}
			node.SkillCount++
			parent = node
		}
		index[skill.CanonicalPath].Skill = true
	}

	out := make([]*TreeNode, 0, len(roots))
	for _, node := range roots {
		sortTree(node)
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func sortTree(node *TreeNode) {
	sort.Slice(node.Children, func(i, j int) bool { return node.Children[i].Path < node.Children[j].Path })
	for _, child := range node.Children {
		sortTree(child)
	}
}

// LoadAlwaysOn indexes the reserved always-loaded subtrees at startup.
// Skills found on disk but missing from the index are registered; the
// rest of the tree loads lazily through Resolve.
func (s *Service) LoadAlwaysOn(ctx context.Context) error {
	for _, subtree := range alwaysOnSubtrees {
		dir := filepath.Join(s.root, subtree)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}

		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.Mode()&os.ModeSymlink != 0 {
				s.logger.Warn().Str("path", path).Msg("Skipping symlink in always-on subtree")
				return nil
			}
			if info.IsDir() || info.Name() != skillDocFile {
				return nil
			}

			skillDir := filepath.Dir(path)
			rel, err := filepath.Rel(s.root, skillDir)
			if err != nil {
				return nil
			}
			canonical := filepath.ToSlash(rel)

			if _, err := s.storage.GetSkillByPath(ctx, canonical); err == nil {
				return nil
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			meta, _, err := models.ParseFrontmatter(string(data))
			if err != nil {
				s.logger.Warn().Err(err).Str("path", canonical).Msg("Skipping always-on skill with bad frontmatter")
				return nil
			}

			now := time.Now().UTC()
			skill := &models.Skill{
				ID:            models.SkillIDFromPath(canonical),
				CanonicalPath: canonical,
				Version:       "1.0.0",
				Metadata:      *meta,
				Status:        models.SkillActive,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := s.storage.SaveSkill(ctx, skill); err != nil {
				return err
			}
			s.logger.Debug().Str("path", canonical).Msg("Indexed always-on skill")
			return nil
		})
		if err != nil {
			return models.WrapError(models.KindStorageUnavailable, err, "scan always-on subtree %s", subtree)
		}
	}
	return nil
}
