// -----------------------------------------------------------------------
// Skill - published artifact plus its taxonomy index rows
// -----------------------------------------------------------------------

package models

import (
	"regexp"
	"strings"
	"time"
)

// SkillStatus tracks the published artifact lifecycle.
type SkillStatus string

const (
	SkillDraft      SkillStatus = "draft"
	SkillActive     SkillStatus = "active"
	SkillDeprecated SkillStatus = "deprecated"
	SkillArchived   SkillStatus = "archived"
)

var (
	// kebabNameRe validates skill names: kebab-case, up to 64 chars.
	kebabNameRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

	// SegmentRe validates one canonical path segment.
	SegmentRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

	// AliasSegmentRe is the broader regex accepted for legacy alias paths.
	AliasSegmentRe = regexp.MustCompile(`^[a-z0-9_.-]+$`)
)

const (
	SkillNameMaxLen        = 64
	SkillDescriptionMaxLen = 1024
	CanonicalPathMaxDepth  = 8
	CanonicalPathMaxLen    = 512
)

// SkillMetadata is the frontmatter of a published skill.
type SkillMetadata struct {
	Name         string   `json:"name" yaml:"name" validate:"required,max=64"`
	Description  string   `json:"description" yaml:"description" validate:"required,min=1,max=1024"`
	Type         string   `json:"type,omitempty" yaml:"type,omitempty"`
	Weight       int      `json:"weight,omitempty" yaml:"weight,omitempty"`
	LoadPriority int      `json:"load_priority,omitempty" yaml:"load-priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Keywords     []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	License      string   `json:"license,omitempty" yaml:"license,omitempty"`
	Compat       string   `json:"compatibility,omitempty" yaml:"compatibility,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed-tools,omitempty"`
}

// ValidName reports whether a skill name is acceptable kebab-case.
func ValidName(name string) bool {
	return name != "" && len(name) <= SkillNameMaxLen && kebabNameRe.MatchString(name)
}

// Skill is a published artifact. Versioning is append-only: revisions
// produce a new row linked through ParentVersionID.
type Skill struct {
	ID              string        `json:"id" badgerhold:"key"`
	CanonicalPath   string        `json:"canonical_path" badgerhold:"index"`
	Version         string        `json:"version"`
	Metadata        SkillMetadata `json:"metadata"`
	Status          SkillStatus   `json:"status" badgerhold:"index"`
	ParentVersionID string        `json:"parent_version_id,omitempty"`
	JobID           string        `json:"job_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Alias maps a legacy path to a skill. Aliases resolve on read only and
// must never collide with a canonical path.
type Alias struct {
	Path    string `json:"path" badgerhold:"key"`
	SkillID string `json:"skill_id"`
}

// TaxonomyNode is a directory-like category in the tree.
type TaxonomyNode struct {
	Path       string `json:"path" badgerhold:"key"`
	Name       string `json:"name"`
	Depth      int    `json:"depth"`
	SkillCount int    `json:"skill_count"`
}

// DependencyEdge is one declared dependency between skills, stored by
// canonical path so edges survive re-publication.
type DependencyEdge struct {
	Key       string `json:"-" badgerhold:"key"`
	SkillPath string `json:"skill_path" badgerhold:"index"`
	DependsOn string `json:"depends_on" badgerhold:"index"`
}

// ClosureEntry materializes transitive reachability over dependencies:
// (ancestor, descendant, depth) with depth 0 for self. Reads never
// recurse at request time.
type ClosureEntry struct {
	Key        string `json:"-" badgerhold:"key"`
	Ancestor   string `json:"ancestor" badgerhold:"index"`
	Descendant string `json:"descendant" badgerhold:"index"`
	Depth      int    `json:"depth"`
}

// TermEntry indexes one lowercase search term (keyword or tag) for a
// skill. Term rows are replaced wholesale on every publication.
type TermEntry struct {
	Key       string `json:"-" badgerhold:"key"`
	Term      string `json:"term" badgerhold:"index"`
	SkillPath string `json:"skill_path" badgerhold:"index"`
	Kind      string `json:"kind"` // "keyword" or "tag"
}

const (
	TermKeyword = "keyword"
	TermTag     = "tag"
)

// TermKey builds the storage key for a term entry.
func TermKey(skillPath, kind, term string) string {
	return skillPath + "#" + kind + ":" + term
}

// EdgeKey builds the storage key for a dependency edge.
func EdgeKey(skillPath, dependsOn string) string {
	return skillPath + "->" + dependsOn
}

// ClosureKey builds the storage key for a closure entry.
func ClosureKey(ancestor, descendant string) string {
	return ancestor + "=>" + descendant
}

// SkillIDFromPath derives the stable skill identifier from its canonical
// path, e.g. "devops/ci/retry-policy" -> "skill_devops-ci-retry-policy".
func SkillIDFromPath(canonicalPath string) string {
	return "skill_" + strings.ReplaceAll(canonicalPath, "/", "-")
}
