package taxonomy

import (
	"path/filepath"
	"strings"

	"github.com/ternarybob/skillforge/internal/models"
)

// SafePath is a sanitized, root-relative taxonomy path. All filesystem
// operations in this package accept SafePath only; untrusted strings must
// pass through Sanitize or SanitizeAlias first.
type SafePath struct {
	rel string
}

// String returns the slash-separated relative path.
func (p SafePath) String() string {
	return p.rel
}

// IsZero reports whether the path was never sanitized.
func (p SafePath) IsZero() bool {
	return p.rel == ""
}

// Segments splits the path into its validated segments.
func (p SafePath) Segments() []string {
	if p.rel == "" {
		return nil
	}
	return strings.Split(p.rel, "/")
}

// Depth returns the number of segments.
func (p SafePath) Depth() int {
	return len(p.Segments())
}

// Parent returns the enclosing category path, or the zero path at depth 1.
func (p SafePath) Parent() SafePath {
	idx := strings.LastIndex(p.rel, "/")
	if idx < 0 {
		return SafePath{}
	}
	return SafePath{rel: p.rel[:idx]}
}

// Base returns the final segment.
func (p SafePath) Base() string {
	segs := p.Segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Under resolves the path beneath a storage root. The containment check
// runs on the joined string before any filesystem resolution so symlink
// tricks inside the tree cannot widen it.
func (p SafePath) Under(root string) (string, error) {
	joined := filepath.Join(root, filepath.FromSlash(p.rel))
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", models.NewError(models.KindPathUnsafe, "path %q escapes storage root", p.rel)
	}
	return joined, nil
}

// Sanitize validates an untrusted identifier as a canonical taxonomy
// path: 1..8 segments of [a-z0-9_-], total length at most 512, no
// absolute paths, no dot segments, no null bytes.
func Sanitize(identifier string) (SafePath, error) {
	return sanitize(identifier, models.SegmentRe.MatchString)
}

// SanitizeAlias validates a legacy alias path, which additionally
// permits dots inside segments.
func SanitizeAlias(identifier string) (SafePath, error) {
	return sanitize(identifier, models.AliasSegmentRe.MatchString)
}

func sanitize(identifier string, segmentOK func(string) bool) (SafePath, error) {
	if identifier == "" {
		return SafePath{}, models.NewError(models.KindPathUnsafe, "empty path")
	}
	if len(identifier) > models.CanonicalPathMaxLen {
		return SafePath{}, models.NewError(models.KindPathUnsafe, "path exceeds %d characters", models.CanonicalPathMaxLen)
	}
	if strings.ContainsRune(identifier, 0) {
		return SafePath{}, models.NewError(models.KindPathUnsafe, "path contains a null byte")
	}
	if strings.HasPrefix(identifier, "/") || filepath.IsAbs(identifier) || strings.Contains(identifier, `\`) {
		return SafePath{}, models.NewError(models.KindPathUnsafe, "absolute paths are not allowed")
	}

	segments := strings.Split(identifier, "/")
	if len(segments) > models.CanonicalPathMaxDepth {
		return SafePath{}, models.NewError(models.KindPathUnsafe, "path exceeds %d segments", models.CanonicalPathMaxDepth)
	}
	for _, seg := range segments {
		if seg == "" {
			return SafePath{}, models.NewError(models.KindPathUnsafe, "empty path segment")
		}
		if seg == "." || seg == ".." {
			return SafePath{}, models.NewError(models.KindPathUnsafe, "dot segments are not allowed")
		}
		if !segmentOK(seg) {
			return SafePath{}, models.NewError(models.KindPathUnsafe, "invalid path segment %q", seg)
		}
	}
	return SafePath{rel: identifier}, nil
}

// mustPath wraps a path already known to be sanitized, for internal
// reconstruction from stored canonical paths.
func mustPath(canonical string) SafePath {
	return SafePath{rel: canonical}
}
