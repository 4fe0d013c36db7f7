// -----------------------------------------------------------------------
// Frontmatter - YAML header parsing for skill documents
// -----------------------------------------------------------------------

package models

import (
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// SplitFrontmatter separates a skill document into its YAML frontmatter
// block and markdown body. Documents without a frontmatter block return
// an empty header and the full content as body.
func SplitFrontmatter(content string) (header, body string) {
	trimmed := strings.TrimLeft(content, "\uFEFF\n\r")
	if !strings.HasPrefix(trimmed, frontmatterDelimiter+"\n") && trimmed != frontmatterDelimiter {
		return "", content
	}

	rest := trimmed[len(frontmatterDelimiter):]
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n"+frontmatterDelimiter)
	if idx < 0 {
		return "", content
	}

	header = rest[:idx]
	body = rest[idx+len(frontmatterDelimiter)+1:]
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	return header, body
}

// ParseFrontmatter extracts and decodes the skill metadata header.
func ParseFrontmatter(content string) (*SkillMetadata, string, error) {
	header, body := SplitFrontmatter(content)
	if header == "" {
		return nil, body, NewError(KindValidationFailed, "document has no frontmatter block")
	}

	var meta SkillMetadata
	if err := yaml.Unmarshal([]byte(header), &meta); err != nil {
		return nil, body, WrapError(KindValidationFailed, err, "invalid frontmatter YAML")
	}
	return &meta, body, nil
}
