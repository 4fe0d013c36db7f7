package taxonomy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	storage "github.com/ternarybob/skillforge/internal/storage/badger"
)

func newTestService(t *testing.T) (*Service, interfaces.SkillStorage) {
	t.Helper()

	logger := arbor.NewLogger()
	manager, err := storage.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	svc := NewService(logger, manager.SkillStorage(), nil, t.TempDir())
	return svc, manager.SkillStorage()
}

func draftDoc(name string) string {
	return "---\nname: " + name + "\ndescription: A test skill\n---\n\n# " + name + "\n\n## When to Use\n\nWhenever a test needs it.\n"
}

// publish writes a complete draft for a job and promotes it.
func publish(t *testing.T, svc *Service, jobID, taxonomyPath, name string, deps []string, overwrite bool) (*models.Skill, error) {
	t.Helper()

	plan := &models.SkillPlan{
		TaxonomyPath: taxonomyPath,
		Metadata:     models.SkillMetadata{Name: name, Description: "A test skill"},
		Dependencies: deps,
	}
	dir, err := svc.WriteDraft(jobID, plan, &models.DraftContent{Content: draftDoc(name)})
	require.NoError(t, err)

	job := models.NewJob(jobID, "", "Create a test skill with enough words", false)
	job.DraftLocation = dir
	return svc.Promote(context.Background(), job, overwrite)
}

func TestPromotePublishesSkill(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	skill, err := publish(t, svc, "job_1", "devops/ci", "retry-policy", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "devops/ci/retry-policy", skill.CanonicalPath)
	assert.Equal(t, models.SkillActive, skill.Status)
	assert.Equal(t, "1.0.0", skill.Version)

	// The published tree carries the document but not the draft sentinel.
	abs := filepath.Join(svc.root, "devops/ci/retry-policy")
	_, err = os.Stat(filepath.Join(abs, skillDocFile))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(abs, draftSentinel))
	assert.True(t, os.IsNotExist(err))

	path, err := svc.Resolve(ctx, "devops/ci/retry-policy")
	require.NoError(t, err)
	assert.Equal(t, "devops/ci/retry-policy", path)

	// Self closure entry exists.
	ok, err := store.HasClosure(ctx, "devops/ci/retry-policy", "devops/ci/retry-policy")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPromoteIsIdempotentPerJob(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := publish(t, svc, "job_1", "devops/ci", "retry-policy", nil, false)
	require.NoError(t, err)

	job := models.NewJob("job_1", "", "Create a test skill with enough words", false)
	job.DraftLocation = svc.DraftDir("job_1", "retry-policy")
	again, err := svc.Promote(context.Background(), job, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Version, again.Version)
}

func TestPromoteConflictAndOverwrite(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := publish(t, svc, "job_1", "devops/ci", "retry-policy", nil, false)
	require.NoError(t, err)

	// A second job targeting the same path conflicts.
	_, err = publish(t, svc, "job_2", "devops/ci", "retry-policy", nil, false)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingState))

	// Overwrite archives the previous row and links the new version.
	replacement, err := publish(t, svc, "job_3", "devops/ci", "retry-policy", nil, true)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replacement.ParentVersionID)
	assert.Equal(t, "2.0.0", replacement.Version)

	current, err := svc.GetByIdentifier(context.Background(), "devops/ci/retry-policy")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, current.ID)
}

func TestPromoteRejectsUnknownDependency(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := publish(t, svc, "job_1", "devops/ci", "retry-policy", []string{"devops/missing"}, false)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidationFailed))
}

func TestPromoteRejectsDependencyCycle(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := publish(t, svc, "job_1", "devops", "y", nil, false)
	require.NoError(t, err)

	// Fabricate y -> x ahead of x's publication, as a stale index would.
	require.NoError(t, store.ReplaceDependencies(ctx, "devops/y", []string{"devops/x"}, nil))

	_, err = publish(t, svc, "job_2", "devops", "x", []string{"devops/y"}, false)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindDependencyCycle))

	// The rejected promotion must not have touched the index.
	_, err = store.GetSkillByPath(ctx, "devops/x")
	assert.True(t, models.IsKind(err, models.KindNotFound))
	deps, err := store.GetDependencies(ctx, "devops/x")
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestPromoteRejectsSelfDependency(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := publish(t, svc, "job_1", "devops", "x", []string{"devops/x"}, false)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindDependencyCycle))
}

func TestPromoteBuildsDependencyClosure(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := publish(t, svc, "job_1", "devops", "a", nil, false)
	require.NoError(t, err)
	_, err = publish(t, svc, "job_2", "devops", "b", []string{"devops/a"}, false)
	require.NoError(t, err)
	_, err = publish(t, svc, "job_3", "devops", "c", []string{"devops/b"}, false)
	require.NoError(t, err)

	// c reaches a transitively without request-time recursion.
	ok, err := store.HasClosure(ctx, "devops/a", "devops/c")
	require.NoError(t, err)
	assert.True(t, ok)
}

// indexDownStorage refuses publication commits.
type indexDownStorage struct {
	interfaces.SkillStorage
}

func (s *indexDownStorage) PublishSkill(ctx context.Context, skill, archived *models.Skill, deps []string, closure, propagated []*models.ClosureEntry) error {
	return models.NewError(models.KindStorageUnavailable, "index store offline")
}

func TestPromoteRollsBackWhenIndexCommitFails(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	first, err := publish(t, svc, "job_1", "devops/ci", "retry-policy", nil, false)
	require.NoError(t, err)

	// Same root and rows, but publication commits fail.
	broken := NewService(svc.logger, &indexDownStorage{SkillStorage: store}, nil, svc.root)

	plan := &models.SkillPlan{
		TaxonomyPath: "devops/ci",
		Metadata:     models.SkillMetadata{Name: "retry-policy", Description: "A test skill"},
	}
	replacement := draftDoc("retry-policy") + "\nReplacement body marker.\n"
	dir, err := broken.WriteDraft("job_2", plan, &models.DraftContent{Content: replacement})
	require.NoError(t, err)

	job := models.NewJob("job_2", "", "Create a test skill with enough words", false)
	job.DraftLocation = dir
	_, err = broken.Promote(ctx, job, true)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindStorageUnavailable))

	// The previous tree is restored and the previous row stays current.
	doc, err := svc.ReadDocument("devops/ci/retry-policy")
	require.NoError(t, err)
	assert.NotContains(t, doc, "Replacement body marker")

	current, err := store.GetSkillByPath(ctx, "devops/ci/retry-policy")
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)
	assert.Equal(t, models.SkillActive, current.Status)

	// A failed first publication leaves neither a tree nor rows behind.
	plan = &models.SkillPlan{
		TaxonomyPath: "devops/ci",
		Metadata:     models.SkillMetadata{Name: "fresh", Description: "A test skill"},
	}
	dir, err = broken.WriteDraft("job_3", plan, &models.DraftContent{Content: draftDoc("fresh")})
	require.NoError(t, err)

	job = models.NewJob("job_3", "", "Create a test skill with enough words", false)
	job.DraftLocation = dir
	_, err = broken.Promote(ctx, job, false)
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(svc.root, "devops/ci/fresh"))
	assert.True(t, os.IsNotExist(err))
	_, err = store.GetSkillByPath(ctx, "devops/ci/fresh")
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestPromoteRejectsAliasCollision(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	skill, err := publish(t, svc, "job_1", "devops/ci", "retry-policy", nil, false)
	require.NoError(t, err)
	require.NoError(t, store.SaveAlias(ctx, &models.Alias{Path: "devops/ci/retry", SkillID: skill.ID}))

	_, err = publish(t, svc, "job_2", "devops/ci", "retry", nil, false)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingState))

	// The aliased identifier still resolves to the original skill.
	path, err := svc.Resolve(ctx, "devops/ci/retry")
	require.NoError(t, err)
	assert.Equal(t, "devops/ci/retry-policy", path)
}

func TestResolveOrderAndAliases(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	skill, err := publish(t, svc, "job_1", "devops/ci", "retry-policy", nil, false)
	require.NoError(t, err)

	require.NoError(t, store.SaveAlias(ctx, &models.Alias{Path: "legacy/retry.v1", SkillID: skill.ID}))

	path, err := svc.Resolve(ctx, "legacy/retry.v1")
	require.NoError(t, err)
	assert.Equal(t, "devops/ci/retry-policy", path)

	path, err = svc.Resolve(ctx, skill.ID)
	require.NoError(t, err)
	assert.Equal(t, "devops/ci/retry-policy", path)

	_, err = svc.Resolve(ctx, "devops/ci/unknown")
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestResolveNeverSeesDrafts(t *testing.T) {
	svc, _ := newTestService(t)

	plan := &models.SkillPlan{
		TaxonomyPath: "devops/ci",
		Metadata:     models.SkillMetadata{Name: "retry-policy", Description: "A test skill"},
	}
	_, err := svc.WriteDraft("job_1", plan, &models.DraftContent{Content: draftDoc("retry-policy")})
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), "_drafts/job_1/retry-policy")
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestResolveLegacyOnDiskSkill(t *testing.T) {
	svc, _ := newTestService(t)

	dir := filepath.Join(svc.root, "legacy/old-skill")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, skillDocFile), []byte(draftDoc("old-skill")), 0644))

	path, err := svc.Resolve(context.Background(), "legacy/old-skill")
	require.NoError(t, err)
	assert.Equal(t, "legacy/old-skill", path)
}

func TestTreeCountsSkillsPerSubtree(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := publish(t, svc, "job_1", "devops/ci", "retry-policy", nil, false)
	require.NoError(t, err)
	_, err = publish(t, svc, "job_2", "devops/cd", "canary", nil, false)
	require.NoError(t, err)
	_, err = publish(t, svc, "job_3", "data", "csv-parser", nil, false)
	require.NoError(t, err)

	tree, err := svc.Tree(context.Background())
	require.NoError(t, err)
	require.Len(t, tree, 2)

	assert.Equal(t, "data", tree[0].Path)
	assert.Equal(t, 1, tree[0].SkillCount)
	assert.Equal(t, "devops", tree[1].Path)
	assert.Equal(t, 2, tree[1].SkillCount)
}

func TestLoadAlwaysOnIndexesReservedSubtrees(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	dir := filepath.Join(svc.root, "_core/safety")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, skillDocFile), []byte(draftDoc("safety")), 0644))

	require.NoError(t, svc.LoadAlwaysOn(ctx))

	skill, err := store.GetSkillByPath(ctx, "_core/safety")
	require.NoError(t, err)
	assert.Equal(t, "safety", skill.Metadata.Name)

	// Re-scanning is idempotent.
	require.NoError(t, svc.LoadAlwaysOn(ctx))
}

func TestSearchFindsPublishedSkillByKeywordAndTag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	doc := "---\nname: retry-policy\ndescription: A test skill\nkeywords:\n  - retry\n  - backoff\ntags:\n  - devops\n---\n\n# retry-policy\n\n## When to Use\n\nWhenever a test needs it.\n"
	plan := &models.SkillPlan{
		TaxonomyPath: "devops/ci",
		Metadata:     models.SkillMetadata{Name: "retry-policy", Description: "A test skill"},
	}
	dir, err := svc.WriteDraft("job_1", plan, &models.DraftContent{Content: doc})
	require.NoError(t, err)

	job := models.NewJob("job_1", "", "Create a test skill with enough words", false)
	job.DraftLocation = dir
	_, err = svc.Promote(ctx, job, false)
	require.NoError(t, err)

	byKeyword, err := svc.Search(ctx, "Backoff")
	require.NoError(t, err)
	require.Len(t, byKeyword, 1)
	assert.Equal(t, "devops/ci/retry-policy", byKeyword[0].CanonicalPath)

	byTag, err := svc.Search(ctx, "devops")
	require.NoError(t, err)
	require.Len(t, byTag, 1)

	none, err := svc.Search(ctx, "unrelated")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = svc.Search(ctx, "  ")
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidInput, models.KindOf(err))
}
